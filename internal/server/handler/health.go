package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger checks connectivity to a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint. Registered pingers
// (Postgres, Redis) are checked on each request; a failing dependency turns
// the response into a 503 while still reporting per-dependency detail.
type HealthHandler struct {
	deps   map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		deps:   make(map[string]Pinger),
		logger: logHandler(logger, "health"),
	}
}

// WithDependency registers a named dependency to check. Nil pingers are
// ignored so callers can pass optional backends unconditionally.
func (h *HealthHandler) WithDependency(name string, p Pinger) *HealthHandler {
	if p != nil {
		h.deps[name] = p
	}
	return h
}

// HealthCheck responds with the server's status and that of each registered
// dependency.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	overall := "ok"
	deps := make(map[string]string, len(h.deps))
	for name, p := range h.deps {
		if err := p.Ping(ctx); err != nil {
			deps[name] = err.Error()
			overall = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}

	writeJSON(w, status, map[string]any{
		"status":       overall,
		"dependencies": deps,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}
