package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"callgrid/internal/core/domain"
	"callgrid/internal/core/ports"
	"callgrid/internal/core/services"
	"callgrid/internal/infrastructure/middleware"
	"callgrid/pkg/config"
	apperrors "callgrid/pkg/errors"
	"callgrid/pkg/optimize"
	"callgrid/pkg/tracing"
	"callgrid/pkg/utils"
	"callgrid/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Inbound intents.
const (
	MessagePin        = "pin"
	MessageUnpin      = "unpin"
	MessageUnpinAll   = "unpin_all"
	MessageFullscreen = "fullscreen"
	MessageViewport   = "viewport"
	MessageMode       = "mode"
)

// Outbound messages.
const (
	MessageSnapshot      = "snapshot"
	MessageLayout        = "layout"
	MessageAck           = "ack"
	MessageError         = "error"
	MessageSessionClosed = "session_closed"
)

// ClientMetrics is the slice of the metrics collector the signal server
// reports to.
type ClientMetrics interface {
	RecordClientConnected()
	RecordClientDisconnected()
	RecordEvent(direction, eventType string)
}

// ClientMessage is one intent sent by a renderer.
type ClientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is pushed to renderers. Only the field matching Type is set.
type ServerMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Snapshot  *domain.Snapshot `json:"snapshot,omitempty"`
	Layout    *domain.Layout   `json:"layout,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

type PinPayload struct {
	StreamID domain.StreamID `json:"stream_id"`
	Prepend  bool            `json:"prepend"`
	Force    bool            `json:"force"`
}

type StreamPayload struct {
	StreamID domain.StreamID `json:"stream_id"`
}

type ViewportPayload struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type ModePayload struct {
	Mode string `json:"mode"`
}

type clientKey struct {
	sessionID domain.SessionID
	clientID  string
}

// WebSocketServer pushes snapshots and per-viewport layouts of a session to
// connected renderers and applies their pin, fullscreen and mode intents.
type WebSocketServer struct {
	sessions ports.SessionService
	auth     services.AuthService
	metrics  ClientMetrics

	upgrader    websocket.Upgrader
	connLimiter *middleware.ConnectionLimiter
	cfg         *config.Config

	connections map[clientKey]*websocket.Conn
	mu          sync.RWMutex

	buffers *optimize.BufferPool

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64

	logger *zap.SugaredLogger
}

// NewWebSocketServer builds the signal server. auth and metrics may be nil.
func NewWebSocketServer(
	sessions ports.SessionService,
	auth services.AuthService,
	metrics ClientMetrics,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	s := &WebSocketServer{
		sessions:       sessions,
		auth:           auth,
		metrics:        metrics,
		connLimiter:    middleware.NewConnectionLimiter(cfg),
		cfg:            cfg,
		connections:    make(map[clientKey]*websocket.Conn),
		buffers:        optimize.NewBufferPool(4096, 256*1024),
		pingInterval:   cfg.Signal.PingInterval,
		pongTimeout:    cfg.Signal.PongTimeout,
		writeTimeout:   cfg.Signal.WriteTimeout,
		maxMessageSize: int64(cfg.RateLimiting.WebSocket.MaxMessageSizeBytes),
		logger:         logger,
	}
	if s.writeTimeout <= 0 {
		s.writeTimeout = 10 * time.Second
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return s
}

// SetPingInterval sets ping interval for WebSocket connections
func (s *WebSocketServer) SetPingInterval(interval time.Duration) {
	s.pingInterval = interval
}

// SetPongTimeout sets pong timeout for WebSocket connections
func (s *WebSocketServer) SetPongTimeout(timeout time.Duration) {
	s.pongTimeout = timeout
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.Auth.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) authorize(r *http.Request, sessionID domain.SessionID) error {
	if s.auth == nil {
		return nil
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if token == "" {
		return apperrors.NewUnauthorizedError("authentication required")
	}
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return apperrors.NewUnauthorizedError("invalid token")
	}
	return s.auth.CheckSessionPermission(r.Context(), claims.UserID, sessionID, domain.RoleParticipant)
}

// HandleWebSocket serves GET <signal path>?session_id=&client_id=&width=&height=.
func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	sessionID := domain.SessionID(query.Get("session_id"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	clientID := query.Get("client_id")
	if utils.IsEmpty(clientID) {
		clientID = utils.GenerateClientID()
	}

	viewport := domain.Size{}
	if width, height := query.Get("width"), query.Get("height"); width != "" || height != "" {
		wv, errW := strconv.Atoi(width)
		hv, errH := strconv.Atoi(height)
		if errW != nil || errH != nil || validation.ValidateViewport(wv, hv) != nil {
			http.Error(w, "invalid viewport", http.StatusBadRequest)
			return
		}
		viewport = domain.Size{Width: wv, Height: hv}
	}

	if err := s.authorize(r, sessionID); err != nil {
		if appErr := middleware.ToAppError(err); appErr != nil {
			http.Error(w, appErr.Message, appErr.HTTPStatus)
			return
		}
		http.Error(w, "insufficient permissions", http.StatusForbidden)
		return
	}

	snapshots, unsubscribe, err := s.sessions.Subscribe(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	defer unsubscribe()

	release, ok := s.connLimiter.Acquire(middleware.ClientIP(r))
	if !ok {
		w.Header().Set("Retry-After", "60")
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}
	defer release()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.maxMessageSize > 0 {
		conn.SetReadLimit(s.maxMessageSize)
	}

	key := clientKey{sessionID: sessionID, clientID: clientID}
	s.mu.Lock()
	existingConn, isReconnect := s.connections[key]
	if isReconnect && existingConn != nil {
		existingConn.Close()
		s.logger.Infow("closing old connection for reconnecting client", "session_id", sessionID, "client_id", clientID)
	}
	s.connections[key] = conn
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordClientConnected()
	}
	s.logger.Infow("client connected via WebSocket", "session_id", sessionID, "client_id", clientID, "reconnect", isReconnect)

	c := &clientConn{
		server:    s,
		conn:      conn,
		sessionID: sessionID,
		clientID:  clientID,
		viewport:  viewport,
		limiter:   middleware.NewMessageLimiter(s.cfg),
	}
	c.run(r.Context(), snapshots)

	s.mu.Lock()
	if s.connections[key] == conn {
		delete(s.connections, key)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordClientDisconnected()
	}
	s.logger.Infow("client disconnected", "session_id", sessionID, "client_id", clientID)
}

// clientConn is one renderer connection. All writes happen on the goroutine
// running run.
type clientConn struct {
	server    *WebSocketServer
	conn      *websocket.Conn
	sessionID domain.SessionID
	clientID  string
	viewport  domain.Size
	limiter   *rate.Limiter
}

func (c *clientConn) run(ctx context.Context, snapshots <-chan *domain.Snapshot) {
	s := c.server
	readTimeout := s.pongTimeout
	if readTimeout <= 0 {
		readTimeout = 60 * time.Second
	}

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	pingInterval := s.pingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ClientMessage, 10)
	errorChan := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var msg ClientMessage
			if err := c.conn.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			c.conn.SetReadDeadline(time.Now().Add(readTimeout))
			select {
			case messageChan <- msg:
			case <-done:
				return
			}
		}
	}()

	if snapshot, err := s.sessions.Snapshot(ctx, c.sessionID); err == nil {
		if err := c.pushSnapshot(ctx, snapshot); err != nil {
			return
		}
	}

	for {
		select {
		case msg := <-messageChan:
			if c.limiter != nil && !c.limiter.Allow() {
				appErr := apperrors.NewRateLimitError()
				if err := c.write(ServerMessage{Type: MessageError, RequestID: msg.RequestID, Code: string(appErr.Code), Message: appErr.Message}); err != nil {
					return
				}
				continue
			}
			if err := c.handleMessage(ctx, msg); err != nil {
				s.logger.Infow("error handling message from client", "session_id", c.sessionID, "client_id", c.clientID, "type", msg.Type, "error", err)
				if err := c.writeError(msg.RequestID, err); err != nil {
					return
				}
			}

		case snapshot, ok := <-snapshots:
			if !ok {
				c.write(ServerMessage{Type: MessageSessionClosed, SessionID: c.sessionID})
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
					time.Now().Add(s.writeTimeout))
				return
			}
			if err := c.pushSnapshot(ctx, snapshot); err != nil {
				s.logger.Infow("error pushing snapshot", "session_id", c.sessionID, "client_id", c.clientID, "error", err)
				return
			}

		case <-pingTicker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "session_id", c.sessionID, "client_id", c.clientID, "error", err)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from client", "session_id", c.sessionID, "client_id", c.clientID, "error", err)
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func (c *clientConn) handleMessage(ctx context.Context, msg ClientMessage) error {
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}

	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.sessionID))
	defer span.End()
	span.SetAttributes(attribute.String("client.id", c.clientID))

	if c.server.metrics != nil {
		c.server.metrics.RecordEvent("ws_in", msg.Type)
	}

	var err error
	switch msg.Type {
	case MessagePin:
		err = c.handlePin(ctx, msg)
	case MessageUnpin:
		err = c.handleUnpin(ctx, msg)
	case MessageUnpinAll:
		err = c.server.sessions.UnpinAll(ctx, c.sessionID)
	case MessageFullscreen:
		err = c.handleFullscreen(ctx, msg)
	case MessageViewport:
		err = c.handleViewport(ctx, msg)
	case MessageMode:
		err = c.handleMode(ctx, msg)
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, domain.ErrSessionNotFound) {
			// the session existed when this client connected
			return apperrors.NewSessionClosedError(string(c.sessionID))
		}
		return err
	}
	return c.write(ServerMessage{Type: MessageAck, RequestID: msg.RequestID})
}

func decodePayload(msg ClientMessage, v any) error {
	if len(msg.Payload) == 0 {
		return apperrors.NewInvalidInputError(fmt.Sprintf("%s payload is required", msg.Type))
	}
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid %s payload: %v", msg.Type, err))
	}
	return nil
}

func (c *clientConn) handlePin(ctx context.Context, msg ClientMessage) error {
	var payload PinPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return c.server.sessions.Pin(ctx, c.sessionID, payload.StreamID, domain.PinOptions{
		Prepend: payload.Prepend,
		Force:   payload.Force,
	})
}

func (c *clientConn) handleUnpin(ctx context.Context, msg ClientMessage) error {
	var payload StreamPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return c.server.sessions.Unpin(ctx, c.sessionID, payload.StreamID)
}

// handleFullscreen clears fullscreen when the payload is missing or names
// no stream.
func (c *clientConn) handleFullscreen(ctx context.Context, msg ClientMessage) error {
	var payload StreamPayload
	if len(msg.Payload) > 0 {
		if err := decodePayload(msg, &payload); err != nil {
			return err
		}
	}
	if payload.StreamID != "" {
		if err := validation.ValidateStreamID(string(payload.StreamID)); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
	}
	return c.server.sessions.SetFullscreen(ctx, c.sessionID, payload.StreamID)
}

func (c *clientConn) handleViewport(ctx context.Context, msg ClientMessage) error {
	var payload ViewportPayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	if err := validation.ValidateViewport(payload.Width, payload.Height); err != nil {
		return apperrors.NewInvalidViewportError(payload.Width, payload.Height)
	}

	c.viewport = domain.Size{Width: payload.Width, Height: payload.Height}
	return c.pushLayout(ctx)
}

func (c *clientConn) handleMode(ctx context.Context, msg ClientMessage) error {
	var payload ModePayload
	if err := decodePayload(msg, &payload); err != nil {
		return err
	}
	mode, err := domain.ParseLayoutMode(payload.Mode)
	if err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := c.server.sessions.SetMode(ctx, c.sessionID, mode); err != nil {
		return err
	}
	// a mode switch may not change the snapshot
	return c.pushLayout(ctx)
}

func (c *clientConn) pushSnapshot(ctx context.Context, snapshot *domain.Snapshot) error {
	if err := c.write(ServerMessage{Type: MessageSnapshot, SessionID: c.sessionID, Snapshot: snapshot}); err != nil {
		return err
	}
	return c.pushLayout(ctx)
}

// pushLayout sends the layout for the client's viewport. Nothing is sent
// until the client reports a viewport.
func (c *clientConn) pushLayout(ctx context.Context) error {
	if c.viewport.IsEmpty() {
		return nil
	}
	layout, err := c.server.sessions.Layout(ctx, c.sessionID, c.viewport)
	if err != nil {
		return err
	}
	return c.write(ServerMessage{Type: MessageLayout, SessionID: c.sessionID, Layout: layout})
}

func (c *clientConn) write(msg ServerMessage) error {
	buf := c.server.buffers.Get()
	defer c.server.buffers.Put(buf)
	if err := json.NewEncoder(buf).Encode(msg); err != nil {
		return err
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return err
	}
	if c.server.metrics != nil {
		c.server.metrics.RecordEvent("ws_out", msg.Type)
	}
	return nil
}

func (c *clientConn) writeError(requestID string, err error) error {
	msg := ServerMessage{Type: MessageError, RequestID: requestID, Message: err.Error()}
	if appErr := middleware.ToAppError(err); appErr != nil {
		msg.Code = string(appErr.Code)
		msg.Message = appErr.Message
	}
	return c.write(msg)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	connectionCount := len(s.connections)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": connectionCount,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ConnectedClients returns the client ids connected to a session.
func (s *WebSocketServer) ConnectedClients(sessionID domain.SessionID) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]string, 0)
	for key := range s.connections {
		if key.sessionID == sessionID {
			clients = append(clients, key.clientID)
		}
	}
	return clients
}

// Shutdown sends a going-away close frame to every client.
func (s *WebSocketServer) Shutdown(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.writeTimeout)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, conn := range s.connections {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			deadline)
		conn.Close()
		delete(s.connections, key)
	}
}
