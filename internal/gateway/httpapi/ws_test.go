package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentharbor/core/internal/common/config"
)

func wsDial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// wsRead reads frames until one of the wanted type arrives.
func wsRead(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("timed out waiting for %q frame", wantType)
	return nil
}

func wsAuth(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	wsSend(t, conn, map[string]string{"type": "auth", "token": token})
	frame := wsRead(t, conn, "status")
	require.Equal(t, "authenticated", frame["status"])
}

func createTestSession(t *testing.T, env *apiEnv) string {
	t.Helper()
	rec := env.do(t, http.MethodPost, "/sessions", env.token, map[string]any{"repoUrl": "https://example.test/repo.git"})
	require.Equal(t, http.StatusCreated, rec.Code)
	return decode(t, rec)["sessionId"].(string)
}

func TestWSFirstFrameAuthRequired(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	// A non-auth first frame closes the connection.
	conn := wsDial(t, server)
	wsSend(t, conn, map[string]string{"type": "ping"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	conn.Close()

	// A bad token closes the connection.
	conn = wsDial(t, server)
	wsSend(t, conn, map[string]string{"type": "auth", "token": "garbage"})
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	conn.Close()
}

func TestWSPingPong(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	conn := wsDial(t, server)
	defer conn.Close()
	wsAuth(t, conn, env.token)

	wsSend(t, conn, map[string]string{"type": "ping"})
	wsRead(t, conn, "pong")
}

func TestWSSubscribeReceivesSessionEvents(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	sessionID := createTestSession(t, env)

	conn := wsDial(t, server)
	defer conn.Close()
	wsAuth(t, conn, env.token)

	wsSend(t, conn, map[string]any{"type": "subscribe", "sessionId": sessionID})
	wsRead(t, conn, "status")

	// A message sent over HTTP streams events to the subscriber with
	// sequence numbers and the originating worktree.
	rec := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/worktrees/main/messages", env.token,
		map[string]any{"text": "print 1"})
	require.Equal(t, http.StatusOK, rec.Code)
	turnID := decode(t, rec)["turnId"].(string)

	started := wsRead(t, conn, "turn_started")
	assert.Equal(t, turnID, started["turnId"])
	assert.Equal(t, sessionID, started["sessionId"])
	assert.Equal(t, "main", started["worktreeId"])
	assert.NotZero(t, started["seq"])

	completed := wsRead(t, conn, "turn_completed")
	assert.Equal(t, turnID, completed["turnId"])
}

func TestWSSyncMessagesCatchUp(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	sessionID := createTestSession(t, env)

	// Build history before the client connects.
	for _, text := range []string{"one", "two", "three"} {
		rec := env.do(t, http.MethodPost, "/sessions/"+sessionID+"/worktrees/main/messages", env.token,
			map[string]any{"text": text})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	conn := wsDial(t, server)
	defer conn.Close()
	wsAuth(t, conn, env.token)
	wsSend(t, conn, map[string]any{"type": "subscribe", "sessionId": sessionID})
	wsRead(t, conn, "status")

	wsSend(t, conn, map[string]any{"type": "sync_messages", "lastSeenMessageId": 1})
	frame := wsRead(t, conn, "worktree_messages_sync")
	msgs := frame["messages"].([]any)
	require.NotEmpty(t, msgs)
	for _, raw := range msgs {
		msg := raw.(map[string]any)
		assert.Greater(t, msg["id"].(float64), float64(1))
	}

	// The same cursor yields the same catch-up (resume idempotence).
	wsSend(t, conn, map[string]any{"type": "sync_messages", "lastSeenMessageId": 1})
	again := wsRead(t, conn, "worktree_messages_sync")
	assert.Equal(t, len(msgs), len(again["messages"].([]any)))
}

func TestWSSubscribeForeignSessionRejected(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	sessionID := createTestSession(t, env)

	// A token for a different workspace cannot subscribe.
	otherPair, err := env.authz.IssueTokens(t.Context(), "w000000000000000000000bad")
	require.NoError(t, err)

	conn := wsDial(t, server)
	defer conn.Close()
	wsAuth(t, conn, otherPair.Access)
	wsSend(t, conn, map[string]any{"type": "subscribe", "sessionId": sessionID})
	frame := wsRead(t, conn, "status")
	assert.Equal(t, "error", frame["status"])
}

func TestWSTerminationFrameOnSessionDestroy(t *testing.T) {
	env := newAPIEnv(t, config.ModeMonoUser)
	server := httptest.NewServer(env.srv.Engine())
	defer server.Close()

	sessionID := createTestSession(t, env)

	conn := wsDial(t, server)
	defer conn.Close()
	wsAuth(t, conn, env.token)
	wsSend(t, conn, map[string]any{"type": "subscribe", "sessionId": sessionID})
	wsRead(t, conn, "status")

	rec := env.do(t, http.MethodDelete, "/sessions/"+sessionID, env.token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	frame := wsRead(t, conn, "status")
	assert.Equal(t, "terminated", frame["status"])
}
