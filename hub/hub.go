// Package hub is the publish/subscribe fan-out delivering execution
// events to WebSocket subscribers. Topics are "global" plus one
// "execution:<id>" topic per execution. The hub is not durable: a new
// subscriber sees an initial_state snapshot (assembled by the caller)
// and then deltas in publication order, at most once.
package hub

import (
	"sync"
	"time"

	"github.com/gofrs/uuid"

	stepflowerrors "github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
)

// TopicGlobal carries execution lifecycle summaries and coarse counters.
const TopicGlobal = "global"

// TopicExecution names the per-execution topic.
func TopicExecution(executionID string) string {
	return "execution:" + executionID
}

// Event names delivered to subscribers.
const (
	EventConnectionEstablished = "connection_established"
	EventInitialState          = "initial_state"
	EventExecutionStarted      = "execution_started"
	EventExecutionUpdate       = "execution_update"
	EventExecutionCompleted    = "execution_completed"
	EventStepStarted           = "step_started"
	EventStepUpdate            = "step_update"
	EventStepCompleted         = "step_completed"
	EventStepFailed            = "step_failed"
	EventLogEntry              = "log_entry"
	EventArtifactCreated       = "artifact_created"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Message is the wire envelope for server-to-client events.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage stamps an event with the current time.
func NewMessage(eventType string, data interface{}) Message {
	return Message{Type: eventType, Data: data, Timestamp: model.Now()}
}

// Subscriber is one client connection's view of the hub. Messages
// arrive on C in publication order; when the subscriber falls behind
// the queue high-water mark it is disconnected and Err reports an
// OverloadError.
type Subscriber struct {
	ID string

	hub    *Hub
	queue  chan Message
	topics map[string]struct{}

	mu     sync.Mutex
	closed bool
	err    error
}

// C is the subscriber's ordered message stream. Closed when the
// subscriber is removed, either by Unsubscribe or by overload.
func (s *Subscriber) C() <-chan Message {
	return s.queue
}

// Err reports why the subscriber was disconnected, if the hub did it.
func (s *Subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Topics returns a snapshot of the subscriber's topic set.
func (s *Subscriber) Topics() []string {
	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Hub routes published messages to subscribers by topic.
type Hub struct {
	queueSize int

	mu     sync.RWMutex
	subs   map[*Subscriber]struct{}
	topics map[string]map[*Subscriber]struct{}
}

// New creates a hub whose subscribers buffer up to queueSize messages.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		queueSize: queueSize,
		subs:      make(map[*Subscriber]struct{}),
		topics:    make(map[string]map[*Subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber, implicitly joined to the global
// topic.
func (h *Hub) Subscribe() *Subscriber {
	id, _ := uuid.NewV4()
	s := &Subscriber{
		ID:     id.String(),
		hub:    h,
		queue:  make(chan Message, h.queueSize),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.joinLocked(s, TopicGlobal)
	h.mu.Unlock()
	return s
}

// Join adds the subscriber to a topic. Idempotent.
func (h *Hub) Join(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; !ok {
		return
	}
	h.joinLocked(s, topic)
}

func (h *Hub) joinLocked(s *Subscriber, topic string) {
	s.topics[topic] = struct{}{}
	members := h.topics[topic]
	if members == nil {
		members = make(map[*Subscriber]struct{})
		h.topics[topic] = members
	}
	members[s] = struct{}{}
}

// Leave removes the subscriber from a topic. Idempotent.
func (h *Hub) Leave(s *Subscriber, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(s.topics, topic)
	if members := h.topics[topic]; members != nil {
		delete(members, s)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Unsubscribe removes the subscriber entirely and closes its stream.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.remove(s, nil)
}

// Send enqueues one message for a single subscriber, ordered with the
// topic deltas already in its queue. A full queue disconnects the
// subscriber as overloaded, same as Publish.
func (h *Hub) Send(s *Subscriber, msg Message) {
	h.mu.RLock()
	_, ok := h.subs[s]
	overloaded := false
	if ok {
		select {
		case s.queue <- msg:
		default:
			overloaded = true
		}
	}
	h.mu.RUnlock()

	if overloaded {
		logger.L.WithField("subscriber", s.ID).
			Warnln("hub: disconnecting overloaded subscriber")
		h.remove(s, &stepflowerrors.OverloadError{Msg: "subscriber queue exceeded high-water mark"})
	}
}

// JoinWithState joins the subscriber to the topic and enqueues the
// snapshot built by state, atomically with respect to Publish: the
// write lock is held across both, so every delta published after the
// join lands behind the snapshot in the subscriber's queue. If state
// reports no snapshot the topic is still joined. A subscriber whose
// queue cannot take the snapshot is disconnected as overloaded.
func (h *Hub) JoinWithState(s *Subscriber, topic string, state func() (Message, bool)) {
	h.mu.Lock()
	if _, ok := h.subs[s]; !ok {
		h.mu.Unlock()
		return
	}
	msg, ok := state()
	if !ok {
		h.joinLocked(s, topic)
		h.mu.Unlock()
		return
	}
	select {
	case s.queue <- msg:
		h.joinLocked(s, topic)
		h.mu.Unlock()
	default:
		removed := h.removeLocked(s)
		h.mu.Unlock()
		if removed {
			logger.L.WithField("subscriber", s.ID).WithField("topic", topic).
				Warnln("hub: disconnecting overloaded subscriber")
			s.finish(&stepflowerrors.OverloadError{Msg: "subscriber queue exceeded high-water mark"})
		}
	}
}

// Publish delivers the message to every subscriber of the topic, in
// order. A subscriber whose queue is full is disconnected with an
// OverloadError so it can reconnect and resynchronize from a fresh
// snapshot; other subscribers are unaffected.
func (h *Hub) Publish(topic string, msg Message) {
	h.mu.RLock()
	members := h.topics[topic]
	overloaded := []*Subscriber{}
	for s := range members {
		select {
		case s.queue <- msg:
		default:
			overloaded = append(overloaded, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range overloaded {
		logger.L.WithField("subscriber", s.ID).WithField("topic", topic).
			Warnln("hub: disconnecting overloaded subscriber")
		h.remove(s, &stepflowerrors.OverloadError{Msg: "subscriber queue exceeded high-water mark"})
	}
}

// SubscriberCount reports how many subscribers are connected.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) remove(s *Subscriber, cause error) {
	h.mu.Lock()
	removed := h.removeLocked(s)
	h.mu.Unlock()
	if removed {
		s.finish(cause)
	}
}

func (h *Hub) removeLocked(s *Subscriber) bool {
	if _, ok := h.subs[s]; !ok {
		return false
	}
	delete(h.subs, s)
	for topic := range s.topics {
		if members := h.topics[topic]; members != nil {
			delete(members, s)
			if len(members) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	return true
}

// finish seals the subscriber's stream with the disconnect cause.
func (s *Subscriber) finish(cause error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.err = cause
		close(s.queue)
	}
	s.mu.Unlock()
}
