// Package server is the HTTP + WebSocket API surface: opportunity previews
// and detail, unlocks, executions, users, audit, and the event stream.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/server/handler"
	"github.com/arborlabs/arbd/internal/server/middleware"
	"github.com/arborlabs/arbd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	APIKey          string // if empty, authentication is disabled
	RateLimitPerMin int    // if zero, rate limiting is disabled

	// RateLimiter backs the per-client rate limit; ignored when
	// RateLimitPerMin is zero.
	RateLimiter domain.RateLimiter
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Archive may be nil when object storage is not configured; Events may be
// nil when no durable event stream is wired.
type Handlers struct {
	Health        *handler.HealthHandler
	Opportunities *handler.OpportunityHandler
	Unlocks       *handler.UnlockHandler
	Executions    *handler.ExecutionHandler
	Users         *handler.UserHandler
	Audit         *handler.AuditHandler
	Archive       *handler.ArchiveHandler
	Events        *handler.EventsHandler
}

// Server is the headless HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// --- Register routes ---

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Opportunity endpoints.
	mux.HandleFunc("GET /api/opportunities", handlers.Opportunities.List)
	mux.HandleFunc("GET /api/opportunities/{id}", handlers.Opportunities.Get)

	// Unlock endpoints.
	mux.HandleFunc("POST /api/unlocks", handlers.Unlocks.Create)
	mux.HandleFunc("GET /api/unlocks", handlers.Unlocks.ListByUser)
	mux.HandleFunc("GET /api/unlocks/{oppId}/{userId}", handlers.Unlocks.Get)

	// Execution endpoints.
	mux.HandleFunc("POST /api/executions", handlers.Executions.Create)
	mux.HandleFunc("GET /api/executions", handlers.Executions.ListByUser)
	mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.Get)

	// User endpoints.
	mux.HandleFunc("POST /api/users", handlers.Users.Create)
	mux.HandleFunc("GET /api/users", handlers.Users.List)
	mux.HandleFunc("GET /api/users/{id}", handlers.Users.Get)
	mux.HandleFunc("PUT /api/users/{id}", handlers.Users.Update)

	// Audit log.
	mux.HandleFunc("GET /api/audit", handlers.Audit.List)

	// Cold-storage archive listing (only when object storage is wired).
	if handlers.Archive != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archive.List)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archive.Download)
	}

	// Durable event history.
	if handlers.Events != nil {
		mux.HandleFunc("GET /api/events", handlers.Events.List)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply per-client rate limiting.
	if cfg.RateLimitPerMin > 0 && cfg.RateLimiter != nil {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimitPerMin, time.Minute)(h)
	}

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
