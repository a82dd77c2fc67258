package gateway

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agents-console/internal/shared/model"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) received {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg received
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readSnapshot(t *testing.T, conn *websocket.Conn) snapshotData {
	t.Helper()
	msg := readMessage(t, conn)
	require.Equal(t, "snapshot", msg.Type)
	var snap snapshotData
	require.NoError(t, json.Unmarshal(msg.Data, &snap))
	return snap
}

func TestStreamSocket_PushesSnapshotsUntilComplete(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	h.backend.set("run-1", "run_started", "message")

	conn := h.dial(t, "/ws/streams/run-1?owner=task-1")

	snap := readSnapshot(t, conn)
	assert.Len(t, snap.Events, 2)
	assert.False(t, snap.Complete)

	h.cache.Merge("run-1", evs("run_started", "message", "run_completed"), nil, "")

	snap = readSnapshot(t, conn)
	assert.Len(t, snap.Events, 3)
	assert.True(t, snap.Complete)

	status := readMessage(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.JSONEq(t, `{"status":"complete"}`, string(status.Data))

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readMessage(t, conn).Type)
}

func TestStreamSocket_ShrinkIsNotPushedAsShorter(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	h.backend.set("run-1", "a", "b", "c")

	conn := h.dial(t, "/ws/streams/run-1")
	assert.Len(t, readSnapshot(t, conn).Events, 3)

	h.cache.Merge("run-1", evs("a"), nil, "")
	snap := readSnapshot(t, conn)
	assert.Len(t, snap.Events, 3)
	assert.False(t, snap.Complete)
}

func TestStreamSocket_UnsubscribesOnClose(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	h.backend.set("run-1", "a")

	conn := h.dial(t, "/ws/streams/run-1")
	readSnapshot(t, conn)
	assert.Equal(t, 1, h.registry.Count("run-1"))

	conn.Close()
	assert.Eventually(t, func() bool {
		return h.registry.Count("run-1") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamSocket_FetchErrorIsReported(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	h.backend.fail("run-1", assert.AnError)

	conn := h.dial(t, "/ws/streams/run-1")
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestActivitySocket_StreamsEntriesUntilDone(t *testing.T) {
	h := newHarness(t, AuthConfig{})
	h.backend.mu.Lock()
	h.backend.activity["sess-1"] = []model.Event{
		activityEvent("planner", "running", "reading files"),
		activityEvent("planner", "running", "reading files"),
		activityEvent("coder", "running", "editing"),
		activityEvent("coder", model.ActivityStatusDone, "finished"),
	}
	h.backend.mu.Unlock()

	conn := h.dial(t, "/ws/sessions/sess-1/activity")

	var messages []string
	for _, want := range []string{"reading files", "editing", "finished"} {
		msg := readMessage(t, conn)
		require.Equal(t, "activity", msg.Type)
		var entry model.ActivityEntry
		require.NoError(t, json.Unmarshal(msg.Data, &entry))
		assert.Equal(t, want, entry.Message)
		messages = append(messages, entry.Message)
	}
	assert.Len(t, messages, 3)

	status := readMessage(t, conn)
	assert.Equal(t, "status", status.Type)
	assert.JSONEq(t, `{"status":"done"}`, string(status.Data))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
