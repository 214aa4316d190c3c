package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stepflow/stepflow/internal/safego"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

// flushInterval is how often buffered log lines are written out by
// the background flusher.
const flushInterval = 1 * time.Second

// LogWriter buffers step log lines in memory and flushes them to the
// per-execution log files off the engine's hot path.
type LogWriter struct {
	root string

	// maxBuffered forces an inline flush once a single file's buffer
	// grows past it. The caller blocks on that flush; log history is
	// never dropped.
	maxBuffered int

	mu      sync.Mutex
	buffers map[string]map[string][]string // execution id -> file name -> lines

	linesLost int64

	close  chan struct{}
	closed sync.Once
	done   chan struct{}
}

func newLogWriter(root string, maxBuffered int) *LogWriter {
	w := &LogWriter{
		root:        root,
		maxBuffered: maxBuffered,
		buffers:     make(map[string]map[string][]string),
		close:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	safego.SafeGo("log flusher", w.loop)
	return w
}

// logFileName names the on-disk file a log entry belongs to. Lines read
// while no step was running land in output.log.
func logFileName(stepIndex int, stepID string) string {
	if stepID == "" {
		return "output.log"
	}
	return fmt.Sprintf("step_%d_%s.log", stepIndex, stepID)
}

// Append buffers one log entry. The disk write happens on the flusher
// goroutine unless the buffer is full, in which case the caller blocks
// on an inline flush.
func (w *LogWriter) Append(e *model.LogEntry, stepIndex int) {
	line := fmt.Sprintf("[%s] %s", formatTime(e.Timestamp), e.Content)
	file := logFileName(stepIndex, e.StepID)

	w.mu.Lock()
	files := w.buffers[e.ExecutionID]
	if files == nil {
		files = make(map[string][]string)
		w.buffers[e.ExecutionID] = files
	}
	files[file] = append(files[file], line)
	full := len(files[file]) >= w.maxBuffered
	w.mu.Unlock()

	if full {
		w.FlushExecution(e.ExecutionID)
	}
}

// FlushExecution writes out every buffered line for one execution.
func (w *LogWriter) FlushExecution(executionID string) {
	w.mu.Lock()
	files := w.buffers[executionID]
	delete(w.buffers, executionID)
	w.mu.Unlock()
	w.writeFiles(executionID, files)
}

// Discard drops buffered lines for one execution without writing them.
// Used when the execution is being deleted.
func (w *LogWriter) Discard(executionID string) {
	w.mu.Lock()
	delete(w.buffers, executionID)
	w.mu.Unlock()
}

// LinesLost reports how many log lines could not be persisted.
func (w *LogWriter) LinesLost() int64 {
	return atomic.LoadInt64(&w.linesLost)
}

// TailStepLogs reads the last n lines of one step's log file, including
// any lines still buffered in memory.
func (w *LogWriter) TailStepLogs(executionID string, stepIndex int, stepID string, n int) []string {
	file := logFileName(stepIndex, stepID)
	path := filepath.Join(w.root, "executions", executionID, file)

	var lines []string
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		f.Close()
	}

	w.mu.Lock()
	if files := w.buffers[executionID]; files != nil {
		lines = append(lines, files[file]...)
	}
	w.mu.Unlock()

	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// TailStepEntries rebuilds log entries from the persisted tail of one
// step, so snapshots serve the same wire shape whether the lines live
// in the engine's ring or on disk. The file format records timestamp
// and content only; stream defaults to stdout and level to info.
func (w *LogWriter) TailStepEntries(executionID string, stepIndex int, stepID string, n int) []*model.LogEntry {
	lines := w.TailStepLogs(executionID, stepIndex, stepID, n)
	entries := make([]*model.LogEntry, 0, len(lines))
	for _, line := range lines {
		e := &model.LogEntry{
			ExecutionID: executionID,
			StepID:      stepID,
			Content:     line,
			Level:       "info",
			Stream:      model.StreamStdout,
		}
		if strings.HasPrefix(line, "[") {
			if i := strings.Index(line, "] "); i > 1 {
				if ts, err := time.Parse(time.RFC3339Nano, line[1:i]); err == nil {
					e.Timestamp = ts
					e.Content = line[i+2:]
				}
			}
		}
		entries = append(entries, e)
	}
	return entries
}

// Close flushes everything and stops the flusher.
func (w *LogWriter) Close() error {
	w.closed.Do(func() {
		close(w.close)
		<-w.done
	})
	w.flushAll()
	return nil
}

func (w *LogWriter) loop() {
	defer close(w.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.flushAll()
		case <-w.close:
			return
		}
	}
}

func (w *LogWriter) flushAll() {
	w.mu.Lock()
	buffers := w.buffers
	w.buffers = make(map[string]map[string][]string)
	w.mu.Unlock()
	for executionID, files := range buffers {
		w.writeFiles(executionID, files)
	}
}

func (w *LogWriter) writeFiles(executionID string, files map[string][]string) {
	if len(files) == 0 {
		return
	}
	dir := filepath.Join(w.root, "executions", executionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.recordLost(executionID, files, err)
		return
	}
	for name, lines := range files {
		if len(lines) == 0 {
			continue
		}
		data := strings.Join(lines, "\n") + "\n"
		path := filepath.Join(dir, name)
		if err := appendFile(path, data); err != nil {
			// one retry, then the lines are counted lost
			if err = appendFile(path, data); err != nil {
				atomic.AddInt64(&w.linesLost, int64(len(lines)))
				logger.L.WithError(err).
					WithField("execution_id", executionID).
					WithField("file", name).
					WithField("lines", len(lines)).
					Errorln("store: log lines lost")
			}
		}
	}
}

func (w *LogWriter) recordLost(executionID string, files map[string][]string, err error) {
	var n int
	for _, lines := range files {
		n += len(lines)
	}
	atomic.AddInt64(&w.linesLost, int64(n))
	logger.L.WithError(err).
		WithField("execution_id", executionID).
		WithField("lines", n).
		Errorln("store: log lines lost")
}

func appendFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
