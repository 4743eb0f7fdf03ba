package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/arborlabs/arbd/internal/domain"
)

// OpportunityRegistry defines the registry methods the opportunity handler
// requires.
type OpportunityRegistry interface {
	Get(id string) (domain.Opportunity, error)
	List() []domain.Opportunity
}

// UnlockChecker reports whether a user has unlocked an opportunity.
type UnlockChecker interface {
	IsUnlocked(ctx context.Context, opportunityID, userID string) (bool, error)
}

// OpportunityHandler serves opportunity endpoints. Listings are always
// previews; full leg detail is disclosed only to callers who identify as a
// user with an unlock on record.
type OpportunityHandler struct {
	registry OpportunityRegistry
	unlocks  UnlockChecker
	logger   *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(registry OpportunityRegistry, unlocks UnlockChecker, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{
		registry: registry,
		unlocks:  unlocks,
		logger:   logHandler(logger, "opportunity"),
	}
}

// List returns the active opportunity set as previews, sorted by estimated
// profit.
// GET /api/opportunities
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	opps := h.registry.List()

	previews := make([]domain.OpportunityPreview, 0, len(opps))
	for _, opp := range opps {
		previews = append(previews, opp.Preview())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": previews,
	})
}

// Get returns a single opportunity. Without a user_id query parameter, or
// when the user has no unlock on record, the response is the preview; an
// unlocked user receives the full legs.
// GET /api/opportunities/{id}?user_id=<id>
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	opp, err := h.registry.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID != "" {
		unlocked, err := h.unlocks.IsUnlocked(r.Context(), id, userID)
		if err != nil {
			h.logger.ErrorContext(r.Context(), "unlock lookup failed",
				slog.String("opportunity_id", id),
				slog.String("error", err.Error()),
			)
			writeDomainError(w, err)
			return
		}
		if unlocked {
			writeJSON(w, http.StatusOK, opp)
			return
		}
	}

	writeJSON(w, http.StatusOK, opp.Preview())
}
