package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/repositories/memory"
	"callgrid/pkg/config"
	apperrors "callgrid/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingMetrics struct {
	mu        sync.Mutex
	connected int
	events    map[string]int
}

func (m *countingMetrics) RecordClientConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected++
}

func (m *countingMetrics) RecordClientDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected--
}

func (m *countingMetrics) RecordEvent(direction, eventType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.events == nil {
		m.events = map[string]int{}
	}
	m.events[direction+":"+eventType]++
}

func (m *countingMetrics) get(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[key]
}

type testEnv struct {
	sessions *services.SessionService
	server   *WebSocketServer
	http     *httptest.Server
	metrics  *countingMetrics
}

func newTestEnv(t *testing.T, auth func(*services.SessionService) services.AuthService) *testEnv {
	logger := zaptest.NewLogger(t).Sugar()

	selection := services.DefaultSelectionConfig()
	selection.DefaultDelay = 5 * time.Millisecond
	selection.SingleStreamDelay = 5 * time.Millisecond

	layout := services.NewLayoutService(services.NewGridSolver(domain.DefaultAspectBand), services.NewSlotAllocator(), services.LayoutConfig{}, nil, logger)
	sessions := services.NewSessionService(layout, memory.NewMemorySnapshotRepository(), nil, nil, nil, services.SessionConfig{
		Selection:   selection,
		Constraints: domain.LayoutConstraints{MaxMosaicStreams: 8, MaxThumbnailStreams: 3},
	}, logger)
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	var authService services.AuthService
	if auth != nil {
		authService = auth(sessions)
	}

	metrics := &countingMetrics{}
	server := NewWebSocketServer(sessions, authService, metrics, config.DefaultConfig(), logger)
	ts := httptest.NewServer(http.HandlerFunc(server.HandleWebSocket))
	t.Cleanup(ts.Close)

	return &testEnv{sessions: sessions, server: server, http: ts, metrics: metrics}
}

func (e *testEnv) url(query string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws?" + query
}

func (e *testEnv) createSession(t *testing.T, id domain.SessionID, streams ...domain.Stream) {
	t.Helper()
	ctx := context.Background()
	_, err := e.sessions.Create(ctx, domain.SessionOptions{ID: id})
	require.NoError(t, err)
	require.NoError(t, e.sessions.UpdateStreams(ctx, id, domain.StreamUpdate{
		Streams:          streams,
		ParticipantCount: len(streams) + 1,
		CallState:        domain.CallStateConnected,
	}))
	require.Eventually(t, func() bool {
		snap, err := e.sessions.Snapshot(ctx, id)
		return err == nil && len(snap.Streams) == len(streams)
	}, time.Second, 2*time.Millisecond)
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, msgType, requestID, payload string) {
	t.Helper()
	msg := map[string]any{"type": msgType, "request_id": requestID}
	if payload != "" {
		msg["payload"] = json.RawMessage(payload)
	}
	require.NoError(t, conn.WriteJSON(msg))
}

func TestWebSocketServer_PushesSnapshotAndLayout(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1",
		domain.Stream{ID: "a", HasVideo: true},
		domain.Stream{ID: "b", HasVideo: true},
	)

	conn := dial(t, env.url("session_id=call-1&client_id=r1&width=1280&height=720"))

	first := readUntil(t, conn, MessageSnapshot)
	require.NotNil(t, first.Snapshot)
	assert.Len(t, first.Snapshot.Streams, 2)

	layout := readUntil(t, conn, MessageLayout)
	require.NotNil(t, layout.Layout)
	assert.Equal(t, domain.Size{Width: 1280, Height: 720}, layout.Layout.Viewport)
	assert.NotEmpty(t, layout.Layout.Items)

	assert.Equal(t, []string{"r1"}, env.server.ConnectedClients("call-1"))
}

func TestWebSocketServer_Intents(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1",
		domain.Stream{ID: "a", HasVideo: true},
		domain.Stream{ID: "b", HasVideo: true},
	)

	// no viewport yet: only snapshots until one is reported
	conn := dial(t, env.url("session_id=call-1&client_id=r1"))
	readUntil(t, conn, MessageSnapshot)

	send(t, conn, MessageViewport, "v1", `{"width":640,"height":480}`)
	assert.Equal(t, domain.Size{Width: 640, Height: 480}, readUntil(t, conn, MessageLayout).Layout.Viewport)
	assert.Equal(t, "v1", readUntil(t, conn, MessageAck).RequestID)

	send(t, conn, MessagePin, "p1", `{"stream_id":"a"}`)
	assert.Equal(t, "p1", readUntil(t, conn, MessageAck).RequestID)
	snap := readUntil(t, conn, MessageSnapshot)
	assert.Equal(t, []domain.StreamID{"a"}, snap.Snapshot.PinnedIDs)

	info, err := env.sessions.Get(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LayoutModeManual, info.Mode)

	send(t, conn, MessagePin, "p2", `{"stream_id":"ghost"}`)
	rejected := readUntil(t, conn, MessageError)
	assert.Equal(t, "p2", rejected.RequestID)
	assert.Equal(t, "PIN_REJECTED", rejected.Code)

	send(t, conn, MessageFullscreen, "f1", `{"stream_id":"b"}`)
	readUntil(t, conn, MessageAck)
	assert.Equal(t, domain.StreamID("b"), readUntil(t, conn, MessageSnapshot).Snapshot.FullscreenID)

	send(t, conn, MessageFullscreen, "f2", "")
	readUntil(t, conn, MessageAck)
	assert.Empty(t, readUntil(t, conn, MessageSnapshot).Snapshot.FullscreenID)

	send(t, conn, MessageUnpinAll, "u1", "")
	readUntil(t, conn, MessageAck)
	assert.Empty(t, readUntil(t, conn, MessageSnapshot).Snapshot.PinnedIDs)
	readUntil(t, conn, MessageLayout)

	send(t, conn, MessageMode, "m1", `{"mode":"auto"}`)
	assert.Equal(t, domain.LayoutModeAuto, readUntil(t, conn, MessageLayout).Layout.Mode)
	readUntil(t, conn, MessageAck)

	assert.Greater(t, env.metrics.get("ws_in:"+MessagePin), 1)
}

func TestWebSocketServer_InvalidMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1", domain.Stream{ID: "a", HasVideo: true})

	conn := dial(t, env.url("session_id=call-1"))
	readUntil(t, conn, MessageSnapshot)

	cases := []struct {
		msgType string
		payload string
		code    string
	}{
		{"dance", "", "INVALID_INPUT"},
		{MessagePin, "", "INVALID_INPUT"},
		{MessagePin, `{"stream_id":"a b"}`, "INVALID_INPUT"},
		{MessageViewport, `{"width":-5,"height":10}`, "INVALID_VIEWPORT"},
		{MessageMode, `{"mode":"tiles"}`, "INVALID_INPUT"},
	}
	for _, tc := range cases {
		send(t, conn, tc.msgType, tc.msgType, tc.payload)
		msg := readUntil(t, conn, MessageError)
		assert.Equal(t, tc.code, msg.Code, tc.msgType)
	}

	// the connection survives bad input
	send(t, conn, MessageUnpin, "ok", `{"stream_id":"a"}`)
	assert.Equal(t, "ok", readUntil(t, conn, MessageAck).RequestID)
}

func TestWebSocketServer_SessionClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1", domain.Stream{ID: "a", HasVideo: true})

	conn := dial(t, env.url("session_id=call-1&client_id=r1"))
	readUntil(t, conn, MessageSnapshot)

	require.NoError(t, env.sessions.Close(context.Background(), "call-1"))
	msg := readUntil(t, conn, MessageSessionClosed)
	assert.Equal(t, domain.SessionID("call-1"), msg.SessionID)

	require.Eventually(t, func() bool {
		return len(env.server.ConnectedClients("call-1")) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_RejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1")

	cases := []struct {
		name   string
		query  string
		status int
	}{
		{"missing session id", "client_id=r1", http.StatusBadRequest},
		{"unknown session", "session_id=nope", http.StatusNotFound},
		{"bad viewport", "session_id=call-1&width=wide&height=10", http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, resp, err := websocket.DefaultDialer.Dial(env.url(tc.query), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestWebSocketServer_RequiresToken(t *testing.T) {
	var auth services.AuthService
	env := newTestEnv(t, func(sessions *services.SessionService) services.AuthService {
		auth = services.NewAuthService("secret", time.Minute, time.Hour, sessions)
		return auth
	})
	env.createSession(t, "call-1")

	_, resp, err := websocket.DefaultDialer.Dial(env.url("session_id=call-1"), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.GenerateToken("alice", "alice")
	require.NoError(t, err)
	conn := dial(t, env.url("session_id=call-1&token="+token))
	readUntil(t, conn, MessageSnapshot)
}

func TestWebSocketServer_ReconnectReplacesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1")

	first := dial(t, env.url("session_id=call-1&client_id=r1"))
	readUntil(t, first, MessageSnapshot)

	second := dial(t, env.url("session_id=call-1&client_id=r1"))
	readUntil(t, second, MessageSnapshot)

	first.SetReadDeadline(time.Now().Add(time.Second))
	var err error
	for err == nil {
		_, _, err = first.ReadMessage()
	}
	var netErr net.Error
	assert.False(t, errors.As(err, &netErr) && netErr.Timeout(), "old connection should be closed, got %v", err)
	assert.Equal(t, []string{"r1"}, env.server.ConnectedClients("call-1"))
}

func TestClientConn_IntentAfterSessionClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.createSession(t, "call-1", domain.Stream{ID: "a", HasVideo: true})
	require.NoError(t, env.sessions.Close(context.Background(), "call-1"))

	c := &clientConn{server: env.server, sessionID: "call-1", clientID: "r1"}
	err := c.handleMessage(context.Background(), ClientMessage{Type: MessageUnpinAll, RequestID: "late"})

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeSessionClosed, appErr.Code)
	assert.Equal(t, http.StatusGone, appErr.HTTPStatus)
}
