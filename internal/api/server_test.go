// ABOUTME: HTTP API tests over a real store, service, and websocket hub.
// ABOUTME: Includes the end-to-end present/absent delivery scenario.

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campuschat/courier/internal/config"
	"github.com/campuschat/courier/internal/messaging"
	"github.com/campuschat/courier/internal/presence"
	"github.com/campuschat/courier/internal/realtime"
	"github.com/campuschat/courier/internal/store"
)

type testServer struct {
	srv      *httptest.Server
	store    store.Store
	registry *presence.MemoryRegistry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	registry := presence.NewMemoryRegistry(nil)
	router := realtime.NewRouter(registry, nil)
	hub := realtime.NewHub(registry, nil, nil, nil)
	hub.SetStatusRecorder(realtime.NewStoreStatusRecorder(st, nil))
	svc := messaging.New(st, router, 0, nil)

	cfg := &config.Config{}
	server := NewServer(svc, st, hub, cfg, nil)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &testServer{srv: ts, store: st, registry: registry}
}

func (ts *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// dialWS connects to /ws and joins as identity, returning the open conn.
func (ts *testServer) dialWS(t *testing.T, identity string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	join := fmt.Sprintf(`{"event":"join","data":{"identity":%q}}`, identity)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(join)))

	ts.waitForPresence(t, identity, true)
	return conn
}

func (ts *testServer) waitForPresence(t *testing.T, identity string, present bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ts.registry.Lookup(identity); ok == present {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("identity %q presence never became %v", identity, present)
}

func TestSendAndHistory(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.postJSON(t, "/messages", map[string]string{
		"id": "m1", "from": "u1", "to": "u2", "message": "hello",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decodeBody[sendMessageResponse](t, resp)
	assert.Equal(t, "m1", sent.Message.ID)
	assert.Equal(t, "u1", sent.Message.From)
	assert.Equal(t, "sent", sent.Message.Status)
	assert.False(t, sent.DeliveredLive, "nobody is connected")

	// History is symmetric in the path order.
	for _, path := range []string{"/conversations/u1/u2", "/conversations/u2/u1"} {
		resp, err := http.Get(ts.srv.URL + path)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		hist := decodeBody[historyResponse](t, resp)
		require.Len(t, hist.Messages, 1)
		assert.Equal(t, "hello", hist.Messages[0].Message)
	}
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []map[string]string{
		{"from": "", "to": "u2", "message": "hi"},
		{"from": "u1", "to": "", "message": "hi"},
		{"from": "u1", "to": "u1", "message": "hi"},
		{"from": "u1", "to": "u2", "message": ""},
	}
	for _, body := range cases {
		resp := ts.postJSON(t, "/messages", body)
		errBody := decodeBody[map[string]string](t, resp)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %v", body)
		assert.NotEmpty(t, errBody["error"])
	}
}

func TestSendRetrySameIDReturnsSameMessage(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]string{"id": "m1", "from": "u1", "to": "u2", "message": "once"}
	first := decodeBody[sendMessageResponse](t, ts.postJSON(t, "/messages", body))
	second := decodeBody[sendMessageResponse](t, ts.postJSON(t, "/messages", body))
	assert.Equal(t, first.Message.ID, second.Message.ID)

	resp, err := http.Get(ts.srv.URL + "/conversations/u1/u2")
	require.NoError(t, err)
	hist := decodeBody[historyResponse](t, resp)
	assert.Len(t, hist.Messages, 1)
}

func TestClearConversation(t *testing.T) {
	ts := newTestServer(t)

	ts.postJSON(t, "/messages", map[string]string{"id": "m1", "from": "u1", "to": "u2", "message": "soon gone"}).Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/conversations/u1/u2",
		strings.NewReader(`{"deleted_by":"u2"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[map[string]bool](t, resp)
	assert.True(t, result["success"])

	resp, err = http.Get(ts.srv.URL + "/conversations/u1/u2")
	require.NoError(t, err)
	hist := decodeBody[historyResponse](t, resp)
	assert.Empty(t, hist.Messages)
}

func TestClearRejectsNonParticipantActor(t *testing.T) {
	ts := newTestServer(t)

	req, err := http.NewRequest(http.MethodDelete, ts.srv.URL+"/conversations/u1/u2",
		strings.NewReader(`{"deleted_by":"eavesdropper"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIncomingAck(t *testing.T) {
	ts := newTestServer(t)

	ts.postJSON(t, "/messages", map[string]string{"id": "m1", "from": "u1", "to": "u2", "message": "hi"}).Body.Close()

	resp := ts.postJSON(t, "/messages/incoming", map[string]string{"id": "m1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	result := decodeBody[map[string]bool](t, resp)
	assert.True(t, result["success"])

	// Unknown IDs are tolerated: the ack is advisory, not a write.
	resp = ts.postJSON(t, "/messages/incoming", map[string]string{"id": "never-seen"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = ts.postJSON(t, "/messages/incoming", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestUserEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/users/ghost")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, ts.store.UpsertUser(context.Background(), &store.User{
		ID: "u1", DisplayName: "Dana", Faculty: "Physics",
	}))

	resp = ts.postJSON(t, "/users/u1/status", map[string]bool{"is_online": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.srv.URL + "/users/u1")
	require.NoError(t, err)
	u := decodeBody[userPayload](t, resp)
	assert.Equal(t, "Dana", u.DisplayName)
	assert.Equal(t, "Physics", u.Faculty)
	assert.True(t, u.IsOnline)
	assert.False(t, u.LastSeen.IsZero())

	resp = ts.postJSON(t, "/users/ghost/status", map[string]bool{"is_online": true})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-Id", "trace-me")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, "trace-me", resp.Header.Get("X-Request-Id"))
	resp.Body.Close()
}

func TestLivePushEndToEnd(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dialWS(t, "u2")

	resp := ts.postJSON(t, "/messages", map[string]string{
		"id": "m1", "from": "u1", "to": "u2", "message": "hi",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decodeBody[sendMessageResponse](t, resp)
	assert.True(t, sent.DeliveredLive)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, "private_message", env.Event)

	var push struct {
		ID      string `json:"id"`
		From    string `json:"from"`
		To      string `json:"to"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &push))
	assert.Equal(t, "m1", push.ID)
	assert.Equal(t, "u1", push.From)
	assert.Equal(t, "u2", push.To)
	assert.Equal(t, "hi", push.Message)

	// Disconnect the recipient: the next send stays durable but is not
	// pushed anywhere.
	conn.Close()
	ts.waitForPresence(t, "u2", false)

	resp = ts.postJSON(t, "/messages", map[string]string{
		"id": "m2", "from": "u1", "to": "u2", "message": "you there?",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent = decodeBody[sendMessageResponse](t, resp)
	assert.False(t, sent.DeliveredLive)

	histResp, err := http.Get(ts.srv.URL + "/conversations/u1/u2")
	require.NoError(t, err)
	hist := decodeBody[historyResponse](t, histResp)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, "m1", hist.Messages[0].ID)
	assert.Equal(t, "m2", hist.Messages[1].ID)
}

func TestJoinPersistsOnlineStatus(t *testing.T) {
	ts := newTestServer(t)

	conn := ts.dialWS(t, "u9")

	var u userPayload
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.srv.URL + "/users/u9")
		require.NoError(t, err)
		if resp.StatusCode == http.StatusOK {
			u = decodeBody[userPayload](t, resp)
			if u.IsOnline {
				break
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.True(t, u.IsOnline, "join should mark the user online")

	conn.Close()
	ts.waitForPresence(t, "u9", false)

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(ts.srv.URL + "/users/u9")
		require.NoError(t, err)
		u = decodeBody[userPayload](t, resp)
		if !u.IsOnline {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, u.IsOnline, "disconnect should mark the user offline")
}
