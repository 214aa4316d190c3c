package store

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/stepflow/stepflow/internal/safego"
	"github.com/stepflow/stepflow/logger"
)

// Sweeper removes an execution's log and artifact directories after its
// database rows are gone. Deletion is off the caller path: the HTTP
// DELETE returns as soon as the cascade commits.
type Sweeper struct {
	root string

	mu     sync.Mutex
	closed bool
	queue  chan string
	done   chan struct{}
}

func newSweeper(root string) *Sweeper {
	s := &Sweeper{
		root:  root,
		queue: make(chan string, 128),
		done:  make(chan struct{}),
	}
	safego.SafeGo("sweeper", s.loop)
	return s
}

// Enqueue schedules the on-disk cleanup for one deleted execution.
// Blocks if the queue is full; deletes are rare and cleanup must not
// be skipped. The mutex is held across the send so Close cannot close
// the queue underneath it.
func (s *Sweeper) Enqueue(executionID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// the worker is gone; sweep on the caller
		s.sweep(executionID)
		return
	}
	s.queue <- executionID
	s.mu.Unlock()
}

// Close drains pending work and stops the worker.
func (s *Sweeper) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

func (s *Sweeper) loop() {
	defer close(s.done)
	for executionID := range s.queue {
		s.sweep(executionID)
	}
}

func (s *Sweeper) sweep(executionID string) {
	for _, dir := range []string{
		filepath.Join(s.root, "executions", executionID),
		filepath.Join(s.root, "artifacts", executionID),
	} {
		if err := os.RemoveAll(dir); err != nil {
			logger.L.WithError(err).WithField("dir", dir).
				Errorln("store: failed to sweep execution files")
		}
	}
}
