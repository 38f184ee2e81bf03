package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marginalia/internal/annotation"
	"marginalia/internal/auth"
)

var testSecret = []byte("realtime-test-secret")

func newTestServer(t *testing.T) (*httptest.Server, handlerFixture) {
	t.Helper()
	f := newHandlerFixture(t)
	resolver := auth.NewResolver(testSecret, f.store, f.store)
	server := NewServer(resolver, f.coordinator, f.handler, ServerOptions{AllowedOrigin: "*", SendBuffer: 16, MaxMessageSize: 64 << 10})
	ts := httptest.NewServer(server)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		ts.Close()
	})
	return ts, f
}

func accessToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, auth.Claims{Sub: userID, JTI: "jti-" + userID, Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	return token
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, ts *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken(t, userID))
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func writeEvent(t *testing.T, ws *websocket.Conn, eventType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(Envelope{Type: eventType, Data: raw}))
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, ws *websocket.Conn, eventType string) inbound {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg inbound
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == eventType {
			return msg
		}
	}
}

func TestHandshakeRequiresValidToken(t *testing.T) {
	ts, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	header := http.Header{}
	header.Set("Authorization", "Bearer not-a-token")
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandshakeWithBearerSubprotocol(t *testing.T) {
	ts, _ := newTestServer(t)

	dialer := websocket.Dialer{Subprotocols: []string{auth.BearerSubprotocol, accessToken(t, "usr_a")}}
	ws, resp, err := dialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer ws.Close()
	_ = resp.Body.Close()
	assert.Equal(t, auth.BearerSubprotocol, ws.Subprotocol())

	writeEvent(t, ws, EventJoinDocument, JoinDocumentPayload{DocumentID: "doc_1"})
	readUntil(t, ws, EventActiveUsers)
}

func TestEndToEndAnnotationFlow(t *testing.T) {
	ts, f := newTestServer(t)
	alice := dial(t, ts, "usr_a")
	bob := dial(t, ts, "usr_b")

	writeEvent(t, alice, EventJoinDocument, JoinDocumentPayload{DocumentID: "doc_1"})
	readUntil(t, alice, EventActiveUsers)
	writeEvent(t, bob, EventJoinDocument, JoinDocumentPayload{DocumentID: "doc_1"})
	readUntil(t, bob, EventActiveUsers)

	joined := readUntil(t, alice, EventUserJoined)
	var joinedData struct {
		User struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"user"`
		DocumentID string `json:"documentId"`
	}
	require.NoError(t, json.Unmarshal(joined.Data, &joinedData))
	assert.Equal(t, "usr_b", joinedData.User.ID)
	assert.Equal(t, "bob", joinedData.User.Username)

	writeEvent(t, bob, EventCreateAnnotation, createPayload(3, 9))
	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readUntil(t, ws, EventAnnotationCreated)
		var data struct {
			Annotation annotation.Annotation `json:"annotation"`
		}
		require.NoError(t, json.Unmarshal(msg.Data, &data))
		assert.Equal(t, "usr_b", data.Annotation.UserID)
		assert.Equal(t, "bob", data.Annotation.User.Username)
		assert.False(t, data.Annotation.IsResolved)
	}

	writeEvent(t, bob, EventCreateAnnotation, createPayload(3, 9))
	errMsg := readUntil(t, bob, EventError)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(errMsg.Data, &errData))
	assert.Equal(t, "DUPLICATE_ANNOTATION", errData.Code)

	require.NoError(t, bob.Close())
	left := readUntil(t, alice, EventUserLeft)
	var leftData UserLeftData
	require.NoError(t, json.Unmarshal(left.Data, &leftData))
	assert.Equal(t, UserLeftData{UserID: "usr_b", DocumentID: "doc_1"}, leftData)

	assert.Eventually(t, func() bool {
		return len(f.coordinator.Presence("doc_1")) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesConnections(t *testing.T) {
	f := newHandlerFixture(t)
	resolver := auth.NewResolver(testSecret, f.store, nil)
	server := NewServer(resolver, f.coordinator, f.handler, ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ws := dial(t, ts, "usr_a")
	writeEvent(t, ws, EventJoinDocument, JoinDocumentPayload{DocumentID: "doc_1"})
	readUntil(t, ws, EventActiveUsers)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
	}
	assert.Empty(t, f.coordinator.Presence("doc_1"))
}

func TestHandshakeRejectedAfterShutdown(t *testing.T) {
	f := newHandlerFixture(t)
	resolver := auth.NewResolver(testSecret, f.store, nil)
	server := NewServer(resolver, f.coordinator, f.handler, ServerOptions{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))

	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken(t, "usr_a"))
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "SERVER_ERROR", body["code"])
	assert.Empty(t, f.coordinator.Presence("doc_1"))
}
