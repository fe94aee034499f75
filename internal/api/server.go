// Package api provides the HTTP API and middleware for chatcore.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chatcore-ai/chatcore/internal/auth"
	"github.com/chatcore-ai/chatcore/internal/config"
	"github.com/chatcore-ai/chatcore/internal/gateway"
	"github.com/chatcore-ai/chatcore/internal/router"
	"github.com/chatcore-ai/chatcore/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	store         store.Store
	authProvider  auth.Provider
	loginProvider auth.LoginProvider
	router        *router.Router
	gateway       *gateway.Gateway
	logger        *slog.Logger
	mux           *chi.Mux
	startTime     time.Time
	maxBodyBytes  int64
	maxThreads    int
	historyLimit  int
	loginLimiter  *throttle
	userLimiter   *throttle
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, lp auth.LoginProvider, rt *router.Router, gw *gateway.Gateway, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:         s,
		authProvider:  ap,
		loginProvider: lp,
		router:        rt,
		gateway:       gw,
		logger:        logger.With("component", "api"),
		startTime:     time.Now(),
		maxBodyBytes:  cfg.Server.MaxBodyBytes,
		maxThreads:    cfg.Chat.MaxThreadsPerUser,
		historyLimit:  cfg.Chat.HistoryLimit,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Auth config endpoint (unauthenticated)
	mux.Get("/api/auth/config", srv.handleAuthConfig)

	// Login route only registered when using builtin auth.
	if lp != nil {
		srv.loginLimiter = newThrottle(5, 10)
		mux.With(loginThrottleMiddleware(srv.loginLimiter)).Post("/api/auth/login", srv.handleLogin)
	}

	// WebSocket route (auth handled inside)
	mux.Get("/ws/chat", gw.HandleChatWS)

	// Authenticated API routes
	srv.userLimiter = newThrottle(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(userThrottleMiddleware(srv.userLimiter))

		r.Get("/api/me", srv.handleGetMe)
		r.Get("/api/threads", srv.handleListThreads)
		r.Post("/api/threads", srv.handleCreateThread)
		r.Get("/api/threads/{threadID}/messages", srv.handleGetMessages)
		r.Post("/api/threads/{threadID}/close", srv.handleCloseThread)

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(srv.adminMiddleware)
			r.Get("/api/stats", srv.handleStats)
			r.Get("/api/users", srv.handleListUsers)
			// User management only available with builtin auth.
			if lp != nil {
				r.Post("/api/users", srv.handleCreateUser)
			}
			r.Get("/api/admin/audit", srv.handleListAuditEvents)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts the limiter sweepers.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.loginLimiter != nil {
		s.loginLimiter.startSweeper(ctx, 5*time.Minute, 10*time.Minute)
	}
	s.userLimiter.startSweeper(ctx, 5*time.Minute, 10*time.Minute)
}

// --- Auth handlers ---

func (s *Server) handleAuthConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"provider": s.authProvider.Name()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}

	token, err := s.loginProvider.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
			ID: uuid.New().String(), Action: "login.failed",
			Detail: json.RawMessage(fmt.Sprintf(`{"username":%q}`, req.Username)), CreatedAt: time.Now(),
		}); err != nil {
			s.logger.Warn("failed to log audit event", "action", "login.failed", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	// Look up user for audit event.
	user, _ := s.store.GetUser(r.Context(), req.Username)
	userID := ""
	if user != nil {
		userID = user.ID
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "login.success", UserID: userID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "login.success", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{
		"id":       identity.UserID,
		"username": identity.Username,
		"role":     identity.Role,
	})
}

// --- Thread handlers ---

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	threads, err := s.store.ListThreadsByUser(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list threads")
		return
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	writeJSON(w, http.StatusOK, threads)
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if s.maxThreads > 0 {
		count, err := s.store.CountActiveThreadsByUser(r.Context(), identity.UserID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to count threads")
			return
		}
		if count >= s.maxThreads {
			writeError(w, http.StatusConflict, fmt.Sprintf("max threads per user reached (%d)", s.maxThreads))
			return
		}
	}

	now := time.Now()
	thread := &store.Thread{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Title:     req.Title,
		State:     "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(r.Context(), thread); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create thread")
		return
	}

	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "thread.create", UserID: identity.UserID,
		ThreadID: thread.ID, CreatedAt: now,
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "thread.create", "error", err)
	}

	writeJSON(w, http.StatusCreated, thread)
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil || thread == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if thread.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your thread")
		return
	}

	afterSeq := int64(0)
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			afterSeq = n
		}
	}
	limit := s.historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < limit {
			limit = n
		}
	}

	messages, err := s.store.GetMessages(r.Context(), threadID, afterSeq, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if messages == nil {
		messages = []store.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleCloseThread(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	threadID := chi.URLParam(r, "threadID")

	thread, err := s.store.GetThread(r.Context(), threadID)
	if err != nil || thread == nil {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	if thread.UserID != identity.UserID && identity.Role != "admin" {
		writeError(w, http.StatusForbidden, "not your thread")
		return
	}
	if thread.State == "closed" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_closed"})
		return
	}

	if err := s.store.UpdateThreadState(r.Context(), threadID, "closed"); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to close thread")
		return
	}
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "thread.close", UserID: identity.UserID,
		ThreadID: threadID, CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "thread.close", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// --- Admin handlers ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.router.Stats()
	total, _ := s.gateway.ConnCount("")
	writeJSON(w, http.StatusOK, map[string]any{
		"routing":     snap,
		"connections": total,
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}

	type userResponse struct {
		ID        string    `json:"id"`
		Username  string    `json:"username"`
		Role      string    `json:"role"`
		CreatedAt time.Time `json:"created_at"`
	}
	result := make([]userResponse, len(users))
	for i, u := range users {
		result[i] = userResponse{ID: u.ID, Username: u.Username, Role: u.Role, CreatedAt: u.CreatedAt}
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	if req.Role != "" && req.Role != "user" && req.Role != "admin" {
		writeError(w, http.StatusBadRequest, "role must be user or admin")
		return
	}

	user, err := s.loginProvider.Register(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		if err == auth.ErrUserExists {
			writeError(w, http.StatusConflict, "user already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	identity := getIdentityFromContext(r.Context())
	if err := s.store.LogAuditEvent(r.Context(), &store.AuditEvent{
		ID: uuid.New().String(), Action: "user.create", UserID: identity.UserID,
		Detail: json.RawMessage(fmt.Sprintf(`{"username":%q,"role":%q}`, user.Username, user.Role)), CreatedAt: time.Now(),
	}); err != nil {
		s.logger.Warn("failed to log audit event", "action", "user.create", "error", err)
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"id":       user.ID,
		"username": user.Username,
		"role":     user.Role,
	})
}

func (s *Server) handleListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list audit events")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
