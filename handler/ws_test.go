package handler

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow/stepflow/config"
	"github.com/stepflow/stepflow/hub"
	"github.com/stepflow/stepflow/model"
)

type wsEvent struct {
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
}

func dialStream(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(StreamHandler(ts.store, ts.engine, ts.hub))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	ev := wsEvent{}
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestStreamConnectionEstablished(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialStream(t, ts)

	ev := readEvent(t, conn)
	assert.Equal(t, hub.EventConnectionEstablished, ev.Type)
	assert.NotEmpty(t, ev.Data["client_id"])
	assert.Contains(t, ev.Data["subscriptions"], hub.TopicGlobal)
}

func TestStreamSubscribeDeliversInitialStateFirst(t *testing.T) {
	ts := newTestServer(t, config.Config{})

	exec := model.NewExecution("finished", "true", "")
	exec.Status = model.ExecutionCompleted
	require.NoError(t, ts.store.SaveExecution(exec))
	st := model.NewStep(exec.ID, "build", 0)
	st.Status = model.StepCompleted
	require.NoError(t, ts.store.SaveStep(st))
	ts.store.AppendLog(&model.LogEntry{
		ExecutionID: exec.ID,
		StepID:      st.ID,
		Sequence:    1,
		Timestamp:   model.Now(),
		Stream:      model.StreamStdout,
		Content:     "hello from disk",
	}, st.Index)
	ts.store.FlushLogs(exec.ID)

	conn := dialStream(t, ts)
	require.Equal(t, hub.EventConnectionEstablished, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]string{"execution_id": exec.ID},
	}))

	ev := readEvent(t, conn)
	require.Equal(t, hub.EventInitialState, ev.Type)
	execData := ev.Data["execution"].(map[string]interface{})
	assert.Equal(t, exec.ID, execData["id"])

	// recent_logs carries structured entries, same shape as the live path
	recent := ev.Data["recent_logs"].(map[string]interface{})
	entries := recent[st.ID].([]interface{})
	require.NotEmpty(t, entries)
	entry := entries[0].(map[string]interface{})
	assert.Equal(t, "hello from disk", entry["content"])
	assert.Equal(t, exec.ID, entry["execution_id"])

	// a delta published after the subscribe arrives after the snapshot
	ts.hub.Publish(hub.TopicExecution(exec.ID), hub.NewMessage(hub.EventLogEntry, map[string]string{"content": "later"}))
	delta := readEvent(t, conn)
	assert.Equal(t, hub.EventLogEntry, delta.Type)
}

func TestStreamSubscribeUnknownExecution(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialStream(t, ts)
	require.Equal(t, hub.EventConnectionEstablished, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]string{"execution_id": "missing"},
	}))

	ev := readEvent(t, conn)
	assert.Equal(t, hub.EventError, ev.Type)
	assert.Contains(t, ev.Data["message"], "unknown execution")
}

func TestStreamPing(t *testing.T) {
	ts := newTestServer(t, config.Config{})
	conn := dialStream(t, ts)
	require.Equal(t, hub.EventConnectionEstablished, readEvent(t, conn).Type)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, hub.EventPong, readEvent(t, conn).Type)
}
