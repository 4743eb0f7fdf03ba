package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/arborlabs/arbd/internal/domain"
)

// UnlockLedger defines the ledger methods the unlock handler requires.
type UnlockLedger interface {
	Unlock(ctx context.Context, opp domain.Opportunity, user domain.User, paymentReference string) (domain.UnlockRecord, error)
	RecordAutoUnlock(ctx context.Context, opp domain.Opportunity, user domain.User) (domain.UnlockRecord, error)
	Status(ctx context.Context, opportunityID, userID string) (domain.UnlockRecord, error)
	ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.UnlockRecord, error)
	FeeUSDC() float64
}

// EligibilityEvaluator decides whether a user qualifies for an automatic
// unlock.
type EligibilityEvaluator interface {
	Evaluate(ctx context.Context, user domain.User, opp domain.Opportunity) (domain.UnlockDecision, error)
}

// UserReader looks up users for unlock requests.
type UserReader interface {
	GetByID(ctx context.Context, id string) (domain.User, error)
}

// UnlockHandler serves unlock endpoints: paid unlocks, automatic unlock
// requests, and unlock status queries.
type UnlockHandler struct {
	registry    OpportunityRegistry
	ledger      UnlockLedger
	eligibility EligibilityEvaluator
	users       UserReader
	logger      *slog.Logger
}

// NewUnlockHandler creates an UnlockHandler.
func NewUnlockHandler(
	registry OpportunityRegistry,
	ledger UnlockLedger,
	eligibility EligibilityEvaluator,
	users UserReader,
	logger *slog.Logger,
) *UnlockHandler {
	return &UnlockHandler{
		registry:    registry,
		ledger:      ledger,
		eligibility: eligibility,
		users:       users,
		logger:      logHandler(logger, "unlock"),
	}
}

// createUnlockRequest is the POST /api/unlocks body. PaymentReference is the
// USDC transfer transaction hash; when omitted, the request asks for an
// automatic (fee-waived) unlock subject to the eligibility rules.
type createUnlockRequest struct {
	OpportunityID    string `json:"opportunity_id"`
	UserID           string `json:"user_id"`
	PaymentReference string `json:"payment_reference,omitempty"`
}

// Create unlocks an opportunity for a user, either by verifying a fee
// payment or by the auto-unlock path.
// POST /api/unlocks
func (h *UnlockHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OpportunityID == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "opportunity_id and user_id are required")
		return
	}

	opp, err := h.registry.Get(req.OpportunityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	user, err := h.users.GetByID(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if req.PaymentReference != "" {
		rec, err := h.ledger.Unlock(r.Context(), opp, user, req.PaymentReference)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}

	// No payment attached: evaluate the automatic unlock path.
	decision, err := h.eligibility.Evaluate(r.Context(), user, opp)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !decision.AutoUnlock {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":    "not eligible for automatic unlock",
			"decision": decision,
			"fee_usdc": h.ledger.FeeUSDC(),
		})
		return
	}

	rec, err := h.ledger.RecordAutoUnlock(r.Context(), opp, user)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// Get returns the unlock status for one (opportunity, user) pair.
// GET /api/unlocks/{oppId}/{userId}
func (h *UnlockHandler) Get(w http.ResponseWriter, r *http.Request) {
	oppID := pathParam(r, "oppId")
	userID := pathParam(r, "userId")

	rec, err := h.ledger.Status(r.Context(), oppID, userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ListByUser returns a user's unlock history.
// GET /api/unlocks?user_id=<id>&limit=50&offset=0
func (h *UnlockHandler) ListByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	recs, err := h.ledger.ListByUser(r.Context(), userID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"unlocks": recs,
	})
}
