package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/hub"
)

func TestFanoutDeliversInOrder(t *testing.T) {
	h := hub.New(64)
	sub := h.Subscribe()
	h.Join(sub, "execution:f1")

	fan := newFanout(h, "execution:f1")
	for i := 0; i < 5; i++ {
		fan.publish(hub.NewMessage(hub.EventLogEntry, i))
	}
	fan.close()

	for i := 0; i < 5; i++ {
		select {
		case msg := <-sub.C():
			assert.Equal(t, i, msg.Data)
		case <-time.After(time.Second):
			t.Fatalf("message %d never arrived", i)
		}
	}
}

func TestFanoutDropPolicyPrefersLogs(t *testing.T) {
	h := hub.New(4)
	f := &fanout{h: h, topic: "execution:f3", done: make(chan struct{})}
	// no drain goroutine: exercise the drop policy directly
	f.buf = []hub.Message{
		hub.NewMessage(hub.EventStepStarted, "s"),
		hub.NewMessage(hub.EventLogEntry, "l1"),
		hub.NewMessage(hub.EventLogEntry, "l2"),
	}

	f.dropOneLocked()

	require.Len(t, f.buf, 2)
	assert.Equal(t, hub.EventStepStarted, f.buf[0].Type)
	assert.Equal(t, "l2", f.buf[1].Data)
	assert.Equal(t, int64(1), f.droppedCount())

	// with only state events queued the oldest message goes
	f.buf = []hub.Message{
		hub.NewMessage(hub.EventStepStarted, "a"),
		hub.NewMessage(hub.EventStepCompleted, "b"),
	}
	f.dropOneLocked()
	require.Len(t, f.buf, 1)
	assert.Equal(t, "b", f.buf[0].Data)
}
