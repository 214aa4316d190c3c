package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stepflow/stepflow/engine"
	"github.com/stepflow/stepflow/errors"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/logger"
	"github.com/stepflow/stepflow/model"
	"github.com/stepflow/stepflow/store"
)

const (
	wsMaxMessageSize = 4096
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsWriteWait      = 10 * time.Second

	// recentLogLines is how many trailing lines per step an
	// initial_state snapshot carries.
	recentLogLines = 50
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the dashboard is served from arbitrary origins in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientMessage is the client-to-server envelope.
type clientMessage struct {
	Type string `json:"type"`
	Data struct {
		ExecutionID string `json:"execution_id"`
	} `json:"data"`
}

// wsConn couples one connection with its hub subscription. Direct
// replies (pong, errors) bypass the hub on their own queue; state
// snapshots ride the subscriber queue so they stay ordered with the
// deltas and are never dropped.
type wsConn struct {
	conn   *websocket.Conn
	h      *hub.Hub
	sub    *hub.Subscriber
	direct chan hub.Message
	log    *logrus.Entry
}

// HandleStream upgrades the connection and streams execution events.
// A fresh connection is implicitly subscribed to the global topic.
func HandleStream(s *store.Store, eng *engine.Engine, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromRequest(r)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Warnln("ws: upgrade failed")
			return
		}

		sub := h.Subscribe()
		c := &wsConn{
			conn:   conn,
			h:      h,
			sub:    sub,
			direct: make(chan hub.Message, 16),
			log:    log.WithField("subscriber", sub.ID),
		}
		c.log.Infoln("ws: client connected")

		c.reply(hub.EventConnectionEstablished, map[string]interface{}{
			"client_id":     sub.ID,
			"subscriptions": sub.Topics(),
		})

		go c.writePump()
		c.readPump(s, eng)
	}
}

// reply enqueues a direct (non-hub) message for this connection.
func (c *wsConn) reply(eventType string, data interface{}) {
	select {
	case c.direct <- hub.NewMessage(eventType, data):
	default:
		c.log.WithField("type", eventType).Warnln("ws: direct queue full, dropping reply")
	}
}

func (c *wsConn) replyError(msg string) {
	c.reply(hub.EventError, map[string]string{"message": msg})
}

func (c *wsConn) readPump(s *store.Store, eng *engine.Engine) {
	defer func() {
		c.h.Unsubscribe(c.sub)
		c.conn.Close()
		c.log.Infoln("ws: client disconnected")
	}()

	c.conn.SetReadLimit(wsMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debugln("ws: read error")
			}
			return
		}

		msg := clientMessage{}
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.replyError("malformed message")
			continue
		}

		switch msg.Type {
		case "subscribe":
			c.subscribe(s, eng, msg.Data.ExecutionID)
		case "unsubscribe":
			if msg.Data.ExecutionID == "" {
				c.replyError("execution_id is required")
				continue
			}
			c.h.Leave(c.sub, hub.TopicExecution(msg.Data.ExecutionID))
		case "get_status":
			c.sendState(s, eng, msg.Data.ExecutionID)
		case "ping":
			c.reply(hub.EventPong, nil)
		default:
			c.replyError("unknown message type " + msg.Type)
		}
	}
}

// subscribe joins the execution topic with the state snapshot enqueued
// atomically ahead of any delta, so the client always sees
// initial_state before the updates it must be applied to.
func (c *wsConn) subscribe(s *store.Store, eng *engine.Engine, executionID string) {
	if executionID == "" {
		c.replyError("execution_id is required")
		return
	}
	var stateErr string
	c.h.JoinWithState(c.sub, hub.TopicExecution(executionID), func() (hub.Message, bool) {
		data, errMsg := c.assembleState(s, eng, executionID)
		if errMsg != "" {
			stateErr = errMsg
			return hub.Message{}, false
		}
		return hub.NewMessage(hub.EventInitialState, data), true
	})
	if stateErr != "" {
		c.replyError(stateErr)
	}
}

// sendState sends initial_state for one execution through the
// subscriber queue, keeping it ordered with any deltas already there.
func (c *wsConn) sendState(s *store.Store, eng *engine.Engine, executionID string) {
	if executionID == "" {
		c.replyError("execution_id is required")
		return
	}
	data, errMsg := c.assembleState(s, eng, executionID)
	if errMsg != "" {
		c.replyError(errMsg)
		return
	}
	c.h.Send(c.sub, hub.NewMessage(hub.EventInitialState, data))
}

// assembleState builds the initial_state payload, from engine memory
// when the execution is active and from the store otherwise. The
// recent_logs field carries []*model.LogEntry per step on both paths.
func (c *wsConn) assembleState(s *store.Store, eng *engine.Engine, executionID string) (map[string]interface{}, string) {
	if exec, steps, logs, ok := eng.Snapshot(executionID); ok {
		return map[string]interface{}{
			"execution":   exec,
			"steps":       steps,
			"recent_logs": logs,
		}, ""
	}

	exec, err := s.GetExecution(executionID)
	if err != nil {
		if _, ok := err.(*errors.NotFoundError); ok {
			return nil, "unknown execution " + executionID
		}
		c.log.WithError(err).Warnln("ws: cannot load execution")
		return nil, "cannot load execution state"
	}
	steps, err := s.GetSteps(executionID)
	if err != nil {
		c.log.WithError(err).Warnln("ws: cannot load steps")
		return nil, "cannot load execution state"
	}

	recent := map[string][]*model.LogEntry{}
	for _, st := range steps {
		recent[st.ID] = s.TailStepEntries(executionID, st.Index, st.ID, recentLogLines)
	}
	return map[string]interface{}{
		"execution":   exec,
		"steps":       steps,
		"recent_logs": recent,
	}, ""
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.sub.C():
			if !ok {
				// the hub removed us; tell an overloaded client why
				code := websocket.CloseNormalClosure
				reason := ""
				if _, overloaded := c.sub.Err().(*errors.OverloadError); overloaded {
					code = websocket.ClosePolicyViolation
					reason = "overloaded"
				}
				c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return
			}
			if !c.write(msg) {
				return
			}
		case msg := <-c.direct:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) write(msg hub.Message) bool {
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.log.WithError(err).Debugln("ws: write error")
		return false
	}
	return true
}
