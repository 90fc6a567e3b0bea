package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"labelflow/internal/auth"
	"labelflow/internal/logging"
	"labelflow/internal/middleware"
	"labelflow/internal/models"
	"labelflow/internal/presence"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Close reasons sent with code 1008 when the handshake token is rejected.
const (
	ReasonInvalidToken = "Invalid authentication token"
	ReasonUserNotFound = "User not found"
)

// SessionState is where a connection is in its lifecycle.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateAuthenticating
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Authenticator resolves the handshake token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.User, error)
}

type HandlerOptions struct {
	AllowedOrigins []string
	SendBuffer     int
	StoreTimeout   time.Duration
}

// WebSocketHandler accepts /ws/collaboration/{image_id} connections and runs
// one session per socket.
type WebSocketHandler struct {
	hub          *Hub
	presence     presence.Store
	sweeper      *Sweeper
	authn        Authenticator
	upgrader     websocket.Upgrader
	sendBuffer   int
	storeTimeout time.Duration
	logger       *slog.Logger
}

func NewWebSocketHandler(hub *Hub, store presence.Store, sweeper *Sweeper, authn Authenticator, opts HandlerOptions, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 3 * time.Second
	}
	origins := opts.AllowedOrigins
	return &WebSocketHandler{
		hub:      hub,
		presence: store,
		sweeper:  sweeper,
		authn:    authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(origins) == 0 || middleware.OriginAllowed(origins, origin)
			},
		},
		sendBuffer:   opts.SendBuffer,
		storeTimeout: opts.StoreTimeout,
		logger:       logger.With("component", "collaboration"),
	}
}

// session is the per-connection control loop.
type session struct {
	h          *WebSocketHandler
	ws         *websocket.Conn
	conn       *Connection
	user       *models.User
	resourceID string
	state      SessionState
	logger     *slog.Logger
}

// HandleConnection runs the whole session on the request goroutine; it
// returns once the socket is closed.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	resourceID := mux.Vars(r)["image_id"]
	ctx, span := middleware.StartSpan(r.Context(), "WebSocket.Connect",
		attribute.String("image.id", resourceID),
	)
	defer span.End()

	s := &session{
		h:          h,
		resourceID: resourceID,
		state:      StateConnecting,
		logger:     logging.FromContext(ctx, h.logger).With("image_id", resourceID),
	}

	// Upgrade writes its own 101 response and ignores w.Header().
	var respHeader http.Header
	if id := w.Header().Get("X-Request-ID"); id != "" {
		respHeader = http.Header{"X-Request-ID": {id}}
	}
	ws, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}
	s.ws = ws
	s.setState(StateAuthenticating)

	user, err := h.authn.Authenticate(ctx, auth.TokenFromRequest(r))
	if err != nil {
		s.reject(err)
		middleware.AddSpanError(ctx, err)
		return
	}
	s.user = user
	s.logger = s.logger.With("user_id", user.ID)
	span.SetAttributes(attribute.String("user.id", user.ID))

	s.activate(ctx)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readPump(ctx)
	s.close(writerDone)
}

func (s *session) setState(state SessionState) {
	s.logger.Debug("session state", "from", s.state.String(), "to", state.String())
	s.state = state
}

// reject closes the socket with 1008 before it ever becomes active.
func (s *session) reject(err error) {
	reason := ReasonInvalidToken
	if errors.Is(err, auth.ErrUserNotFound) || errors.Is(err, auth.ErrUserDisabled) {
		reason = ReasonUserNotFound
	}
	s.logger.Warn("websocket authentication failed", "error", err, "reason", reason)

	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = s.ws.Close()
	s.setState(StateClosed)
}

// activate registers the connection, joins presence and hands the caller
// its first active_users snapshot.
func (s *session) activate(ctx context.Context) {
	h := s.h
	s.conn = NewConnection(s.ws, h.sendBuffer)
	h.hub.Register(s.conn, s.resourceID, s.user.ID, s.user.Username)
	s.setState(StateActive)

	isNew := s.join(ctx)
	users := s.activeUsers(ctx)
	if isNew {
		h.hub.Broadcast(s.resourceID, models.NewActiveUsersMessage(users), s.conn)
	}
	if err := h.hub.SendTo(s.conn, models.NewActiveUsersMessage(users)); err != nil {
		s.logger.Warn("failed to send active users snapshot", "error", err)
	}

	h.sweeper.Ensure(s.resourceID, s.conn)
	s.logger.Info("collaboration session started", "connection_id", s.conn.ID, "new_join", isNew)
}

func (s *session) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.h.storeTimeout)
}

// join returns whether this is a new join. A store error is logged and
// treated as a reconnect so it never produces a broadcast.
func (s *session) join(ctx context.Context) bool {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	isNew, err := s.h.presence.Join(ctx, s.resourceID, s.user.ID, s.user.Username)
	if err != nil {
		s.logger.Warn("presence join failed", "error", err)
		return false
	}
	return isNew
}

// activeUsers reads presence, falling back to this process's sockets when
// the store is unreachable.
func (s *session) activeUsers(ctx context.Context) []models.ActiveUser {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	users, err := s.h.presence.ActiveUsers(ctx, s.resourceID)
	if err != nil {
		s.logger.Warn("presence read failed, using connection view", "error", err)
		return s.h.hub.ActiveUsers(s.resourceID)
	}
	return users
}

func (s *session) broadcastActiveUsers(ctx context.Context, excluding *Connection) {
	s.h.hub.Broadcast(s.resourceID, models.NewActiveUsersMessage(s.activeUsers(ctx)), excluding)
}

// readPump processes inbound frames until the socket fails or closes.
func (s *session) readPump(ctx context.Context) {
	s.ws.SetReadLimit(maxMessageSize)
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("image.id", s.resourceID),
			attribute.String("user.id", s.user.ID),
			attribute.Int("message.size", len(data)),
		)
		s.handleMessage(msgCtx, data)
		span.End()
	}
}

func (s *session) handleMessage(ctx context.Context, data []byte) {
	var msg models.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("malformed message ignored", "error", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	switch msg.Type {
	case models.MessageTypeHeartbeat:
		s.heartbeat(ctx)

	case models.MessageTypePing:
		s.heartbeat(ctx)
		if err := s.h.hub.SendTo(s.conn, models.PongMessage{Type: models.MessageTypePong}); err != nil {
			s.logger.Debug("pong not delivered", "error", err)
		}

	case models.MessageTypeLeave:
		sctx, cancel := s.storeCtx(ctx)
		wasPresent, _, err := s.h.presence.Leave(sctx, s.resourceID, s.user.ID)
		cancel()
		if err != nil {
			s.logger.Warn("presence leave failed", "error", err)
			return
		}
		if wasPresent {
			s.logger.Info("viewer left", "connection_id", s.conn.ID)
			s.broadcastActiveUsers(ctx, nil)
		}

	case models.MessageTypeCursorMove:
		s.h.hub.Broadcast(s.resourceID, models.CursorMoveMessage{
			Type:     models.MessageTypeCursorMove,
			UserID:   s.user.ID,
			Username: s.user.Username,
			X:        msg.X,
			Y:        msg.Y,
		}, s.conn)

	default:
		s.logger.Warn("unknown message type ignored", "type", string(msg.Type))
	}
}

// heartbeat refreshes presence; an untracked user (timed out or left) is
// joined again, which is a real membership change.
func (s *session) heartbeat(ctx context.Context) {
	sctx, cancel := s.storeCtx(ctx)
	exists, err := s.h.presence.Heartbeat(sctx, s.resourceID, s.user.ID)
	cancel()
	if err != nil {
		s.logger.Warn("presence heartbeat failed", "error", err)
		return
	}
	if exists {
		return
	}
	if s.join(ctx) {
		s.broadcastActiveUsers(ctx, nil)
	}
}

// writePump drains the send queue onto the socket, one text frame per
// message, and keeps the socket alive with pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.ws.Close()
	}()

	for {
		select {
		case message, ok := <-s.conn.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub dropped the connection.
				_ = s.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close retires the connection. Presence is left alone: only an explicit
// leave or a timeout removes a viewer.
func (s *session) close(writerDone <-chan struct{}) {
	s.setState(StateClosing)

	s.h.hub.Unregister(s.conn)
	s.h.sweeper.Release(s.resourceID, s.conn)

	<-writerDone
	_ = s.ws.Close()

	s.setState(StateClosed)
	s.logger.Info("collaboration session closed", "connection_id", s.conn.ID)
}
