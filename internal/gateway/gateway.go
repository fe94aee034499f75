// Package gateway owns the WebSocket edge: it authenticates upgrade
// requests, tracks live client connections per user, and feeds inbound
// frames to the message router.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chatcore-ai/chatcore/internal/auth"
	"github.com/chatcore-ai/chatcore/internal/router"
	"github.com/chatcore-ai/chatcore/internal/store"
	"github.com/chatcore-ai/chatcore/pkg/protocol"
)

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Options configures the Gateway.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64 // max WebSocket message size from clients (default 64KB)
	MaxConnsPerUser int   // default 10
}

// Gateway manages client WebSocket connections.
type Gateway struct {
	router       *router.Router
	store        store.Store
	authProvider auth.Provider
	logger       *slog.Logger
	upgrader     websocket.Upgrader

	maxMessageBytes int64
	maxConnsPerUser int

	mu          sync.RWMutex
	conns       map[string]*wsConn // conn_id -> conn
	connsByUser map[string]map[string]*wsConn
}

// New creates a Gateway.
func New(r *router.Router, s store.Store, ap auth.Provider, logger *slog.Logger, opts Options) *Gateway {
	maxBytes := opts.MaxMessageBytes
	if maxBytes == 0 {
		maxBytes = 64 * 1024 // 64KB default
	}
	maxConns := opts.MaxConnsPerUser
	if maxConns == 0 {
		maxConns = 10
	}

	return &Gateway{
		router:          r,
		store:           s,
		authProvider:    ap,
		logger:          logger.With("component", "gateway"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: maxBytes,
		maxConnsPerUser: maxConns,
		conns:           make(map[string]*wsConn),
		connsByUser:     make(map[string]map[string]*wsConn),
	}
}

// HandleChatWS handles WebSocket connections from chat clients.
func (g *Gateway) HandleChatWS(w http.ResponseWriter, req *http.Request) {
	// Extract JWT from query param or Authorization header.
	// Security note: JWT in query parameter is required for WebSocket connections since
	// browsers cannot set custom headers during the WebSocket handshake. Ensure server
	// access logs are configured to exclude query parameters to prevent token leakage.
	tokenStr := req.URL.Query().Get("token")
	if tokenStr == "" {
		tokenStr = req.Header.Get("Authorization")
		if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
			tokenStr = tokenStr[7:]
		}
	}

	identity, err := g.authProvider.ValidateToken(req.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, req, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	wc := &wsConn{
		id:       connID,
		userID:   identity.UserID,
		username: identity.Username,
		role:     identity.Role,
		conn:     conn,
	}

	g.mu.Lock()
	if len(g.connsByUser[identity.UserID]) >= g.maxConnsPerUser {
		g.mu.Unlock()
		g.logger.Warn("too many WebSocket connections for user", "user", identity.Username, "limit", g.maxConnsPerUser)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many connections"))
		return
	}
	if g.connsByUser[identity.UserID] == nil {
		g.connsByUser[identity.UserID] = make(map[string]*wsConn)
	}
	g.connsByUser[identity.UserID][connID] = wc
	g.conns[connID] = wc
	g.mu.Unlock()

	conn.SetReadLimit(g.maxMessageBytes)
	stopKeepalive := startKeepalive(wc)
	defer stopKeepalive()

	g.logger.Info("client connected", "user", identity.Username, "conn_id", connID)

	ctx := context.Background()
	g.store.LogAuditEvent(ctx, &store.AuditEvent{
		ID: uuid.New().String(), Action: "client.connect", UserID: identity.UserID, CreatedAt: time.Now(),
	})

	defer func() {
		wc.markClosed()
		g.mu.Lock()
		delete(g.conns, connID)
		if byUser := g.connsByUser[wc.userID]; byUser != nil {
			delete(byUser, connID)
			if len(byUser) == 0 {
				delete(g.connsByUser, wc.userID)
			}
		}
		g.mu.Unlock()
		g.store.LogAuditEvent(ctx, &store.AuditEvent{
			ID: uuid.New().String(), Action: "client.disconnect", UserID: wc.userID, CreatedAt: time.Now(),
		})
		g.logger.Info("client disconnected", "user", identity.Username, "conn_id", connID)
	}()

	g.readLoop(req.Context(), wc)
}

// readLoop pumps inbound frames through the router, one at a time, so
// each connection's messages are processed in arrival order.
func (g *Gateway) readLoop(ctx context.Context, wc *wsConn) {
	for {
		_, msg, err := wc.conn.ReadMessage()
		if err != nil {
			g.logger.Debug("client read error", "conn_id", wc.id, "error", err)
			return
		}

		if !wc.allowMessage() {
			g.logger.Debug("client message rate limited", "conn_id", wc.id)
			continue
		}

		ok, err := g.router.Route(ctx, wc.userID, wc, msg)
		if err != nil {
			// Structurally invalid frame: tell the client what was wrong
			// and keep the connection open.
			g.sendError(ctx, wc, err)
			continue
		}
		if !ok {
			g.logger.Debug("message not processed", "conn_id", wc.id)
		}
	}
}

func (g *Gateway) sendError(ctx context.Context, wc *wsConn, cause error) {
	code := "invalid_message"
	var tsErr *protocol.TimestampError
	switch {
	case errors.Is(cause, protocol.ErrMissingType):
		code = "missing_type"
	case errors.As(cause, &tsErr):
		code = "invalid_timestamp"
	}
	env := protocol.NewEnvelope(protocol.TypeError, wc.userID, "", map[string]any{
		"code":    code,
		"message": cause.Error(),
	})
	if err := wc.Send(ctx, env); err != nil {
		g.logger.Debug("error send failed", "conn_id", wc.id, "error", err)
	}
}

// SendToUser delivers an envelope to every live connection of one user
// and only that user. It reports the number of connections reached.
func (g *Gateway) SendToUser(ctx context.Context, userID string, env *protocol.Envelope) int {
	g.mu.RLock()
	subs := g.connsByUser[userID]
	conns := make([]*wsConn, 0, len(subs))
	for _, wc := range subs {
		conns = append(conns, wc)
	}
	g.mu.RUnlock()

	sent := 0
	for _, wc := range conns {
		if err := wc.Send(ctx, env); err != nil {
			g.logger.Debug("send to user failed", "user_id", userID, "conn_id", wc.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Broadcast delivers an envelope to every connected client.
func (g *Gateway) Broadcast(ctx context.Context, env *protocol.Envelope) int {
	g.mu.RLock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, wc := range g.conns {
		conns = append(conns, wc)
	}
	g.mu.RUnlock()

	sent := 0
	for _, wc := range conns {
		if err := wc.Send(ctx, env); err != nil {
			continue
		}
		sent++
	}
	return sent
}

// ConnCount returns the number of live connections, total and for the
// given user.
func (g *Gateway) ConnCount(userID string) (total, forUser int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns), len(g.connsByUser[userID])
}

// CloseAll closes every live connection. Used during shutdown.
func (g *Gateway) CloseAll() {
	g.mu.Lock()
	conns := make([]*wsConn, 0, len(g.conns))
	for _, wc := range g.conns {
		conns = append(conns, wc)
	}
	g.mu.Unlock()

	for _, wc := range conns {
		wc.markClosed()
		_ = wc.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = wc.conn.Close()
	}
}
