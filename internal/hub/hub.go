// Package hub is the main orchestrator that ties all chatcore components together.
package hub

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatcore-ai/chatcore/internal/agent"
	"github.com/chatcore-ai/chatcore/internal/api"
	"github.com/chatcore-ai/chatcore/internal/auth"
	"github.com/chatcore-ai/chatcore/internal/config"
	"github.com/chatcore-ai/chatcore/internal/gateway"
	"github.com/chatcore-ai/chatcore/internal/router"
	"github.com/chatcore-ai/chatcore/internal/store"
)

// Hub is the main chatcore process.
type Hub struct {
	cfg          *config.Config
	store        store.Store
	authProvider auth.Provider
	router       *router.Router
	gateway      *gateway.Gateway
	api          *api.Server
	logger       *slog.Logger
}

// New creates a new hub from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Hub, error) {
	// Initialize storage.
	db, err := store.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	// Create auth provider based on config.
	authProvider, err := auth.NewProvider(cfg.Auth, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init auth provider: %w", err)
	}

	// Bootstrap (creates admin user for builtin provider).
	if err := authProvider.Bootstrap(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap auth: %w", err)
	}

	// Get LoginProvider.
	var loginProvider auth.LoginProvider
	if lp, ok := authProvider.(auth.LoginProvider); ok {
		loginProvider = lp
	}

	// Pick the agent engine.
	engine, err := newEngine(cfg.Agent)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init agent engine: %w", err)
	}

	// Initialize the message router and its handlers. The agent handler
	// outranks the others so START_AGENT and AGENT_REQUEST frames always
	// reach the agent even if a later handler claims those types too.
	rt := router.New(logger)
	rt.AddHandler(&router.AgentRequestHandler{
		Emitter: &router.Emitter{Engine: engine, Logger: logger},
	}, 10)
	rt.AddHandler(&router.UserMessageHandler{Store: db, Engine: engine, Logger: logger}, 0)
	rt.AddHandler(&router.HeartbeatHandler{}, 0)

	// Initialize the WebSocket gateway.
	gw := gateway.New(rt, db, authProvider, logger, gateway.Options{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		MaxMessageBytes: cfg.Chat.MaxMessageBytes,
		MaxConnsPerUser: cfg.Chat.MaxConnsPerUser,
	})

	// Initialize API server.
	apiSrv := api.NewServer(db, authProvider, loginProvider, rt, gw, cfg, logger)

	h := &Hub{
		cfg:          cfg,
		store:        db,
		authProvider: authProvider,
		router:       rt,
		gateway:      gw,
		api:          apiSrv,
		logger:       logger.With("component", "hub"),
	}

	// Startup validation warnings (only for builtin provider).
	if authProvider.Name() == "builtin" {
		if len(cfg.Auth.JWTSecret) < 32 {
			logger.Warn("JWT secret is shorter than 32 characters — use a stronger secret in production")
		}
		if cfg.Auth.InitialAdmin != nil &&
			cfg.Auth.InitialAdmin.Username == "admin" && cfg.Auth.InitialAdmin.Password == "admin" {
			logger.Warn("default admin credentials detected (admin/admin) — change immediately in production")
		}
	}
	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*' — restrict to specific origins in production")
			break
		}
	}

	return h, nil
}

func newEngine(cfg config.AgentConfig) (agent.Engine, error) {
	switch cfg.Engine {
	case "scripted", "":
		return agent.NewScriptedEngine(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown agent engine: %q", cfg.Engine)
	}
}

// Run starts the hub HTTP server and blocks until the context is canceled.
func (h *Hub) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    h.cfg.Server.Addr,
		Handler: h.api.Handler(),
	}

	// Start rate limiter cleanup tasks.
	h.api.StartBackgroundTasks(ctx)

	// Start retention purger.
	if h.cfg.Storage.Retention.Duration > 0 {
		go h.runRetentionPurger(ctx, h.cfg.Storage.Retention.Duration, h.cfg.Storage.AuditRetention.Duration)
	}

	errCh := make(chan error, 1)
	go func() {
		h.logger.Info("chatcore listening", "addr", h.cfg.Server.Addr)
		if h.cfg.Server.TLSCert != "" && h.cfg.Server.TLSKey != "" {
			errCh <- srv.ListenAndServeTLS(h.cfg.Server.TLSCert, h.cfg.Server.TLSKey)
		} else {
			h.logger.Warn("TLS not configured, running without encryption (development only)")
			errCh <- srv.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		h.logger.Info("shutting down gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		h.gateway.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			h.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		} else {
			h.logger.Info("http server stopped gracefully")
		}

		h.logger.Info("closing store")
		_ = h.store.Close()
		h.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		_ = h.store.Close()
		return err
	}
}

func (h *Hub) runRetentionPurger(ctx context.Context, retention, auditRetention time.Duration) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgCutoff := time.Now().Add(-retention)
			if n, err := h.store.PurgeOldMessages(ctx, msgCutoff); err != nil {
				h.logger.Warn("retention purge: messages failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old messages", "count", n)
			}
			auditCutoff := time.Now().Add(-auditRetention)
			if n, err := h.store.PurgeOldAuditEvents(ctx, auditCutoff); err != nil {
				h.logger.Warn("retention purge: audit events failed", "error", err)
			} else if n > 0 {
				h.logger.Info("retention purge: deleted old audit events", "count", n)
			}
		}
	}
}
