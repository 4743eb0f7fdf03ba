package domain

import "time"

// LegStatus is the order state of a single execution leg.
type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegPlaced    LegStatus = "placed"
	LegFilled    LegStatus = "filled"
	LegCancelled LegStatus = "cancelled"
	LegFailed    LegStatus = "failed"
)

// Terminal reports whether the leg has reached a final state.
func (s LegStatus) Terminal() bool {
	return s == LegFilled || s == LegCancelled || s == LegFailed
}

// ExecStatus is the state of an ExecutionAttempt.
//
// created → legs_placing → {legs_filled | legs_partial_failure} → settled
type ExecStatus string

const (
	ExecCreated        ExecStatus = "created"
	ExecLegsPlacing    ExecStatus = "legs_placing"
	ExecLegsFilled     ExecStatus = "legs_filled"
	ExecPartialFailure ExecStatus = "legs_partial_failure"
	ExecSettled        ExecStatus = "settled"
	ExecFailed         ExecStatus = "failed"
)

// ExecutionLeg is one venue order within an attempt.
type ExecutionLeg struct {
	Venue           string    `json:"venue"`
	Side            Side      `json:"side"`
	Price           float64   `json:"price"`
	Size            float64   `json:"size"`
	Status          LegStatus `json:"status"`
	ExternalOrderID string    `json:"external_order_id,omitempty"`
	FilledSize      float64   `json:"filled_size"`
	FilledPrice     float64   `json:"filled_price"`
	Unwound         bool      `json:"unwound"`
}

// ExecutionAttempt records one two-leg arbitrage execution for a user. At
// most one non-terminal attempt exists per (OpportunityID, UserID); a
// concurrent second request is rejected, never queued.
type ExecutionAttempt struct {
	ID              string       `json:"id"`
	OpportunityID   string       `json:"opportunity_id"`
	UserID          string       `json:"user_id"`
	CapitalFraction float64      `json:"capital_fraction"`
	LegA            ExecutionLeg `json:"leg_a"`
	LegB            ExecutionLeg `json:"leg_b"`
	Status          ExecStatus   `json:"status"`
	NetProfit       float64      `json:"net_profit"`
	FeeUSDC         float64      `json:"fee_usdc"`
	ProfitShareUSDC float64      `json:"profit_share_usdc"`
	DistributionRef string       `json:"distribution_ref,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	SettledAt       *time.Time   `json:"settled_at,omitempty"`
}

// Terminal reports whether the attempt has reached a final state.
func (a ExecutionAttempt) Terminal() bool {
	return a.Status == ExecSettled || a.Status == ExecFailed
}
