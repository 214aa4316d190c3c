// Package engine owns the child-process lifecycle: spawn, stream,
// parse, state transitions, timeout, cancellation and finalization.
// Executions are isolated; each one is driven by its own goroutines
// and shares nothing but the store and the hub.
package engine

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/internal/safego"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/parser"
	"github.com/stepflow/stepflow/store"
)

const (
	// ingestQueueSize bounds the channel between the pipe readers and
	// the state machine. When it fills, the readers block: history is
	// never dropped, only live fan-out is.
	ingestQueueSize = 1024

	// cancelGrace is how long a SIGTERM'd process group gets before
	// SIGKILL.
	cancelGrace = 5 * time.Second
)

// Options tunes the engine. Zero values fall back to the defaults.
type Options struct {
	MaxConcurrent    int
	MaxLineBytes     int
	MaxArtifactBytes int64
	// ArtifactRoot is the second tree (besides the working directory)
	// a declared artifact path may resolve into.
	ArtifactRoot string
	// WorkspaceRoot is the sandbox every working directory must resolve
	// into. An execution without a working directory gets a fresh one
	// under it, named after the execution id.
	WorkspaceRoot string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = 500
	}
	if out.MaxLineBytes <= 0 {
		out.MaxLineBytes = 64 * 1024
	}
	if out.MaxArtifactBytes <= 0 {
		out.MaxArtifactBytes = 512 * 1024 * 1024
	}
	if out.WorkspaceRoot == "" {
		// mirrors the default storage path
		out.WorkspaceRoot = filepath.Join("storage", "workspace")
	}
	return out
}

// Engine runs executions.
type Engine struct {
	store *store.Store
	hub   *hub.Hub
	opts  Options

	mu       sync.Mutex
	active   map[string]*run
	draining bool

	droppedTotal int64
}

type run struct {
	exec  *model.Execution
	state *runState
	fan   *fanout

	timeout time.Duration

	cancelMu     sync.Mutex
	cancelReason string
	cmd          *exec.Cmd

	finishOnce sync.Once
	procDone   chan struct{} // closed when the child has exited
	done       chan struct{} // closed when the execution is finalized
}

// setCmd publishes the started command to the cancel path. A cancel
// that raced the spawn is honored here.
func (r *run) setCmd(cmd *exec.Cmd) {
	r.cancelMu.Lock()
	r.cmd = cmd
	cancelled := r.cancelReason != ""
	r.cancelMu.Unlock()
	if cancelled {
		safego.SafeGo("execution cancel "+r.exec.ID, func() {
			terminateProcessGroup(cmd, cancelGrace, r.procDone)
		})
	}
}

// New creates an engine backed by the given store and hub.
func New(s *store.Store, h *hub.Hub, opts Options) *Engine {
	return &Engine{
		store:  s,
		hub:    h,
		opts:   opts.withDefaults(),
		active: map[string]*run{},
	}
}

// Start validates the execution and begins the run, returning
// immediately. The execution must already be persisted as pending.
func (e *Engine) Start(ex *model.Execution, timeout time.Duration) error {
	if strings.TrimSpace(ex.Command) == "" {
		return &stepflowerrors.ValidationError{Msg: "command must not be empty"}
	}
	if err := e.ResolveWorkingDirectory(ex); err != nil {
		return err
	}

	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return &stepflowerrors.ConflictError{Msg: "server is shutting down"}
	}
	if len(e.active) >= e.opts.MaxConcurrent {
		e.mu.Unlock()
		return &stepflowerrors.ValidationError{
			Msg: fmt.Sprintf("too many concurrent executions (limit %d)", e.opts.MaxConcurrent),
		}
	}
	if _, exists := e.active[ex.ID]; exists {
		e.mu.Unlock()
		return &stepflowerrors.ConflictError{Msg: "execution is already running"}
	}

	fan := newFanout(e.hub, hub.TopicExecution(ex.ID))
	r := &run{
		exec:     ex,
		fan:      fan,
		timeout:  timeout,
		procDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	r.state = newRunState(e.store, fan, e.hub, ex, e.opts.MaxArtifactBytes, e.opts.ArtifactRoot)
	e.active[ex.ID] = r
	e.mu.Unlock()

	safego.SafeGoOnPanic("execution "+ex.ID,
		func() { e.execute(r) },
		func(recovered interface{}) {
			// a panic inside one run must not take the process down;
			// the execution is sealed as failed
			r.state.finalize(-1, &stepflowerrors.ChildProcessError{Msg: "internal error"}, "")
			e.finish(r)
		})
	return nil
}

// ResolveWorkingDirectory fills in the execution's working directory,
// defaulting an empty one to a fresh directory under the workspace and
// rejecting any path that escapes it. Start applies the same check;
// exposing it lets callers refuse bad input before the execution is
// persisted. Resolving an already-resolved path is a no-op.
func (e *Engine) ResolveWorkingDirectory(ex *model.Execution) error {
	workdir, err := resolveWorkingDirectory(ex.WorkingDirectory, e.opts.WorkspaceRoot, ex.ID)
	if err != nil {
		return &stepflowerrors.ValidationError{Msg: err.Error()}
	}
	ex.WorkingDirectory = workdir
	return nil
}

// Cancel transitions an active execution toward cancelled. Idempotent;
// returns NotFound when the execution is not active.
func (e *Engine) Cancel(id, reason string) error {
	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return &stepflowerrors.NotFoundError{Msg: fmt.Sprintf("execution %s is not active", id)}
	}
	r.cancel(reason)
	return nil
}

// Wait blocks until the execution reaches a terminal status. Returns
// immediately when the id is not active.
func (e *Engine) Wait(id string) {
	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	<-r.done
}

// Snapshot returns a consistent copy of an active execution's state
// for initial_state delivery. ok is false when the id is not active.
func (e *Engine) Snapshot(id string) (*model.Execution, []*model.Step, map[string][]*model.LogEntry, bool) {
	e.mu.Lock()
	r, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil, nil, nil, false
	}
	exec, steps, logs := r.state.Snapshot()
	return exec, steps, logs, true
}

// Active returns copies of all currently active executions.
func (e *Engine) Active() []*model.Execution {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]*model.Execution, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.state.executionCopy())
	}
	return out
}

// ActiveCount reports how many executions are currently running.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// LogsDropped reports how many fan-out messages were shed across all
// executions since startup.
func (e *Engine) LogsDropped() int64 {
	total := atomic.LoadInt64(&e.droppedTotal)
	e.mu.Lock()
	for _, r := range e.active {
		total += r.fan.droppedCount()
	}
	e.mu.Unlock()
	return total
}

// Shutdown refuses new executions, cancels all active ones and waits
// up to the grace window for them to finalize.
func (e *Engine) Shutdown(reason string, grace time.Duration) {
	e.mu.Lock()
	e.draining = true
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel(reason)
	}
	deadline := time.After(grace)
	for _, r := range runs {
		select {
		case <-r.done:
		case <-deadline:
			return
		}
	}
}

// execute is the per-execution engine task: spawn, stream, finalize.
func (e *Engine) execute(r *run) {
	defer e.finish(r)

	log := logger.L.WithField("execution_id", r.exec.ID)

	// the working directory is always set by Start, inside the workspace
	if err := os.MkdirAll(r.exec.WorkingDirectory, 0o755); err != nil {
		r.state.finalize(-1, &stepflowerrors.ChildProcessError{
			Msg: "create working directory: " + err.Error(),
		}, "")
		return
	}

	cmd := buildCommand(r.exec.Command)
	cmd.Dir = r.exec.WorkingDirectory
	cmd.Env = mergeEnv(r.exec.Environment, r.exec.ID)
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.state.finalize(-1, &stepflowerrors.ChildProcessError{Msg: "open stdout pipe: " + err.Error()}, "")
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.state.finalize(-1, &stepflowerrors.ChildProcessError{Msg: "open stderr pipe: " + err.Error()}, "")
		return
	}

	if err := cmd.Start(); err != nil {
		r.state.finalize(-1, &stepflowerrors.ChildProcessError{Msg: "spawn failed: " + err.Error()}, "")
		return
	}
	r.setCmd(cmd)
	log.WithField("pid", cmd.Process.Pid).Infoln("engine: started command")
	r.state.markRunning()

	if r.timeout > 0 {
		safego.SafeGo("execution timeout "+r.exec.ID, func() {
			select {
			case <-time.After(r.timeout):
				r.cancel("timeout")
			case <-r.procDone:
			}
		})
	}

	// two readers feed one ordered channel; an I/O error on one stream
	// ends that reader but the child is still waited upon
	lines := make(chan line, ingestQueueSize)
	var g errgroup.Group
	g.Go(func() error { return readLines(stdout, model.StreamStdout, e.opts.MaxLineBytes, lines) })
	g.Go(func() error { return readLines(stderr, model.StreamStderr, e.opts.MaxLineBytes, lines) })
	safego.SafeGo("execution readers "+r.exec.ID, func() {
		if err := g.Wait(); err != nil {
			log.WithError(err).Errorln("engine: error reading child output")
		}
		close(lines)
	})

	for l := range lines {
		ev, isMarker := parser.Parse(l.text)
		marker := ""
		if isMarker {
			marker = string(ev.Kind)
		}
		r.state.onLog(l, marker)
		if isMarker {
			if terminate := r.state.apply(ev); terminate {
				// critical step failure: the execution is already
				// failed, stop the child
				log.Warnln("engine: terminating child after critical step failure")
				safego.SafeGo("execution kill "+r.exec.ID, func() {
					terminateProcessGroup(cmd, cancelGrace, r.procDone)
				})
			}
		}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			close(r.procDone)
			r.state.finalize(-1, &stepflowerrors.ChildProcessError{Msg: "wait failed: " + err.Error()}, r.reason())
			return
		}
	}
	close(r.procDone)

	log.WithField("exit_code", exitCode).Infoln("engine: command finished")
	r.state.finalize(exitCode, nil, r.reason())
}

// finish unregisters the run and retires its fan-out queue. Idempotent:
// the panic recovery path and the normal path may both reach it.
func (e *Engine) finish(r *run) {
	r.finishOnce.Do(func() {
		r.fan.close()
		atomic.AddInt64(&e.droppedTotal, r.fan.droppedCount())
		e.mu.Lock()
		delete(e.active, r.exec.ID)
		e.mu.Unlock()
		close(r.done)
	})
}

func (r *run) cancel(reason string) {
	r.cancelMu.Lock()
	if r.cancelReason != "" {
		r.cancelMu.Unlock()
		return
	}
	if reason == "" {
		reason = "cancelled"
	}
	r.cancelReason = reason
	cmd := r.cmd
	r.cancelMu.Unlock()

	if cmd != nil {
		safego.SafeGo("execution cancel "+r.exec.ID, func() {
			terminateProcessGroup(cmd, cancelGrace, r.procDone)
		})
	}
}

func (r *run) reason() string {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelReason
}
