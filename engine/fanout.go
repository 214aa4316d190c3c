package engine

import (
	"sync"
	"sync/atomic"

	"github.com/stepflow/stepflow/hub"
)

// fanoutQueueSize bounds the per-execution delivery queue feeding the
// hub. When it overflows, the oldest log_entry message is dropped and
// the logs_dropped counter is incremented; state-carrying messages are
// kept as long as any log message can be shed instead.
const fanoutQueueSize = 1024

// fanout decouples hub delivery from the engine's line loop so a slow
// fan-out can never stall persistence. Per-topic publication order is
// preserved because a single goroutine drains the queue.
type fanout struct {
	h     *hub.Hub
	topic string

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []hub.Message
	closed bool

	dropped int64
	done    chan struct{}
}

func newFanout(h *hub.Hub, topic string) *fanout {
	f := &fanout{h: h, topic: topic, done: make(chan struct{})}
	f.cond = sync.NewCond(&f.mu)
	go f.loop()
	return f
}

// publish enqueues a message for delivery. Never blocks the caller.
func (f *fanout) publish(msg hub.Message) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	if len(f.buf) >= fanoutQueueSize {
		f.dropOneLocked()
	}
	f.buf = append(f.buf, msg)
	f.mu.Unlock()
	f.cond.Signal()
}

// dropOneLocked sheds the oldest log_entry, or the oldest message when
// no log entries are queued.
func (f *fanout) dropOneLocked() {
	for i, m := range f.buf {
		if m.Type == hub.EventLogEntry {
			f.buf = append(f.buf[:i], f.buf[i+1:]...)
			atomic.AddInt64(&f.dropped, 1)
			return
		}
	}
	f.buf = f.buf[1:]
	atomic.AddInt64(&f.dropped, 1)
}

// droppedCount reports how many messages were shed for this execution.
func (f *fanout) droppedCount() int64 {
	return atomic.LoadInt64(&f.dropped)
}

// close drains the queue, then stops the delivery goroutine.
func (f *fanout) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.cond.Signal()
	<-f.done
}

func (f *fanout) loop() {
	defer close(f.done)
	for {
		f.mu.Lock()
		for len(f.buf) == 0 && !f.closed {
			f.cond.Wait()
		}
		if len(f.buf) == 0 && f.closed {
			f.mu.Unlock()
			return
		}
		msg := f.buf[0]
		f.buf = f.buf[1:]
		f.mu.Unlock()

		f.h.Publish(f.topic, msg)
	}
}
