package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stepflowerrors "github.com/stepflow/stepflow/errors"
)

func recv(t *testing.T, s *Subscriber) Message {
	t.Helper()
	select {
	case msg, ok := <-s.C():
		require.True(t, ok, "subscriber channel closed unexpectedly")
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message arrived")
		return Message{}
	}
}

func TestSubscribeJoinsGlobal(t *testing.T) {
	h := New(16)
	s := h.Subscribe()

	assert.Contains(t, s.Topics(), TopicGlobal)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Publish(TopicGlobal, NewMessage(EventExecutionStarted, "x"))
	msg := recv(t, s)
	assert.Equal(t, EventExecutionStarted, msg.Type)
}

func TestTopicIsolation(t *testing.T) {
	h := New(16)
	a := h.Subscribe()
	b := h.Subscribe()
	h.Join(a, TopicExecution("1"))

	h.Publish(TopicExecution("1"), NewMessage(EventLogEntry, "only a"))

	msg := recv(t, a)
	assert.Equal(t, "only a", msg.Data)
	select {
	case m := <-b.C():
		t.Fatalf("unexpected message for b: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	h := New(64)
	s := h.Subscribe()
	topic := TopicExecution("ord")
	h.Join(s, topic)

	for i := 0; i < 20; i++ {
		h.Publish(topic, NewMessage(EventLogEntry, i))
	}
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, recv(t, s).Data)
	}
}

func TestLeaveStopsDelivery(t *testing.T) {
	h := New(16)
	s := h.Subscribe()
	topic := TopicExecution("l")
	h.Join(s, topic)
	h.Leave(s, topic)

	h.Publish(topic, NewMessage(EventLogEntry, "gone"))
	select {
	case m := <-s.C():
		t.Fatalf("unexpected message: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoinWithStateDeliversSnapshotBeforeDeltas(t *testing.T) {
	h := New(16)
	s := h.Subscribe()
	topic := TopicExecution("snap")

	// published before the join: not delivered, the snapshot covers it
	h.Publish(topic, NewMessage(EventLogEntry, "early"))

	h.JoinWithState(s, topic, func() (Message, bool) {
		return NewMessage(EventInitialState, "state"), true
	})
	h.Publish(topic, NewMessage(EventLogEntry, "delta"))

	first := recv(t, s)
	assert.Equal(t, EventInitialState, first.Type)
	assert.Equal(t, "state", first.Data)
	second := recv(t, s)
	assert.Equal(t, EventLogEntry, second.Type)
	assert.Equal(t, "delta", second.Data)
}

func TestJoinWithStateWithoutSnapshotStillJoins(t *testing.T) {
	h := New(16)
	s := h.Subscribe()
	topic := TopicExecution("nostate")

	h.JoinWithState(s, topic, func() (Message, bool) {
		return Message{}, false
	})
	assert.Contains(t, s.Topics(), topic)

	h.Publish(topic, NewMessage(EventLogEntry, "after"))
	assert.Equal(t, "after", recv(t, s).Data)
}

func TestJoinWithStateOverloadDisconnects(t *testing.T) {
	h := New(1)
	s := h.Subscribe()

	// the single queue slot is already taken; the snapshot cannot be
	// enqueued and the subscriber is removed as overloaded
	h.Publish(TopicGlobal, NewMessage(EventLogEntry, "fill"))
	h.JoinWithState(s, TopicExecution("over"), func() (Message, bool) {
		return NewMessage(EventInitialState, "state"), true
	})

	drained := 0
	for range s.C() {
		drained++
	}
	assert.Equal(t, 1, drained)
	assert.IsType(t, &stepflowerrors.OverloadError{}, s.Err())
	assert.Zero(t, h.SubscriberCount())
}

func TestSendOrdersWithTopicDeltas(t *testing.T) {
	h := New(16)
	s := h.Subscribe()

	h.Publish(TopicGlobal, NewMessage(EventLogEntry, "first"))
	h.Send(s, NewMessage(EventInitialState, "second"))

	assert.Equal(t, "first", recv(t, s).Data)
	assert.Equal(t, EventInitialState, recv(t, s).Type)
}

func TestOverloadedSubscriberDisconnected(t *testing.T) {
	h := New(4)
	slow := h.Subscribe()
	fast := h.Subscribe()

	// the slow subscriber never reads; its queue overflows on the
	// fifth publish and it is removed, while the fast one drains
	for i := 0; i < 5; i++ {
		h.Publish(TopicGlobal, NewMessage(EventLogEntry, i))
		recv(t, fast)
	}

	drained := 0
	for range slow.C() {
		drained++
	}
	assert.Equal(t, 4, drained)
	assert.IsType(t, &stepflowerrors.OverloadError{}, slow.Err())
	assert.Equal(t, 1, h.SubscriberCount())

	// the survivor keeps receiving in order
	h.Publish(TopicGlobal, NewMessage(EventExecutionCompleted, "done"))
	assert.Equal(t, EventExecutionCompleted, recv(t, fast).Type)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	h := New(16)
	s := h.Subscribe()

	h.Unsubscribe(s)
	h.Unsubscribe(s)

	_, ok := <-s.C()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
	assert.Zero(t, h.SubscriberCount())
}
