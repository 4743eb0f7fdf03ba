package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/arborlabs/arbd/internal/domain"
)

// ExecutionService defines the executor methods the execution handler
// requires.
type ExecutionService interface {
	Execute(ctx context.Context, opportunityID, userID string, capitalFraction float64) (domain.ExecutionAttempt, error)
}

// ExecutionReader provides read access to persisted execution attempts.
type ExecutionReader interface {
	GetByID(ctx context.Context, id string) (domain.ExecutionAttempt, error)
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.ExecutionAttempt, error)
}

// ExecutionHandler serves execution endpoints.
type ExecutionHandler struct {
	service ExecutionService
	store   ExecutionReader
	logger  *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler.
func NewExecutionHandler(service ExecutionService, store ExecutionReader, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{
		service: service,
		store:   store,
		logger:  logHandler(logger, "execution"),
	}
}

// createExecutionRequest is the POST /api/executions body. CapitalFraction
// scales the opportunity size; when omitted it defaults to 1.0 (full size).
type createExecutionRequest struct {
	OpportunityID   string  `json:"opportunity_id"`
	UserID          string  `json:"user_id"`
	CapitalFraction float64 `json:"capital_fraction,omitempty"`
}

// Create runs a two-leg execution for an unlocked opportunity. The call is
// synchronous: the response carries the settled attempt, including the net
// profit or the failure detail.
// POST /api/executions
func (h *ExecutionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OpportunityID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "opportunity_id and user_id are required")
		return
	}
	if req.CapitalFraction == 0 {
		req.CapitalFraction = 1.0
	}

	attempt, err := h.service.Execute(r.Context(), req.OpportunityID, req.UserID, req.CapitalFraction)
	if err != nil {
		h.logger.WarnContext(r.Context(), "execution rejected",
			slog.String("opportunity_id", req.OpportunityID),
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()),
		)
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, attempt)
}

// Get returns a single execution attempt by ID.
// GET /api/executions/{id}
func (h *ExecutionHandler) Get(w http.ResponseWriter, r *http.Request) {
	attempt, err := h.store.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempt)
}

// ListByUser returns a user's execution history.
// GET /api/executions?user_id=<id>&limit=50&offset=0
func (h *ExecutionHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	attempts, err := h.store.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"executions": attempts,
	})
}
