package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbd/internal/domain"
)

// UserHandler serves user account and risk-profile endpoints.
type UserHandler struct {
	store  domain.UserStore
	logger *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(store domain.UserStore, logger *slog.Logger) *UserHandler {
	return &UserHandler{
		store:  store,
		logger: logHandler(logger, "user"),
	}
}

// userRequest is the POST/PUT user body.
type userRequest struct {
	WalletAddress      string  `json:"wallet_address"`
	MaxCapitalPerTrade float64 `json:"max_capital_per_trade"`
	MaxTradesPerDay    int     `json:"max_trades_per_day"`
	MinAccountBalance  float64 `json:"min_account_balance"`
	AutoExecuteEnabled bool    `json:"auto_execute_enabled"`
}

// Create registers a new user.
// POST /api/users
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.WalletAddress == "" {
		writeError(w, http.StatusBadRequest, "wallet_address is required")
		return
	}

	now := time.Now().UTC()
	u := domain.User{
		ID:                 uuid.NewString(),
		WalletAddress:      req.WalletAddress,
		MaxCapitalPerTrade: req.MaxCapitalPerTrade,
		MaxTradesPerDay:    req.MaxTradesPerDay,
		MinAccountBalance:  req.MinAccountBalance,
		AutoExecuteEnabled: req.AutoExecuteEnabled,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := h.store.Upsert(r.Context(), u); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// Get returns a user by ID.
// GET /api/users/{id}
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Update replaces a user's risk profile.
// PUT /api/users/{id}
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	u, err := h.store.GetByID(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.WalletAddress != "" {
		u.WalletAddress = req.WalletAddress
	}
	u.MaxCapitalPerTrade = req.MaxCapitalPerTrade
	u.MaxTradesPerDay = req.MaxTradesPerDay
	u.MinAccountBalance = req.MinAccountBalance
	u.AutoExecuteEnabled = req.AutoExecuteEnabled
	u.UpdatedAt = time.Now().UTC()

	if err := h.store.Upsert(r.Context(), u); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// List returns registered users.
// GET /api/users?limit=50&offset=0
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context(), parseListOpts(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
	})
}
