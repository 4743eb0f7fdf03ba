package domain

import "time"

// UnlockStatus is the disclosure-payment state for one (opportunity, user)
// pair.
type UnlockStatus string

const (
	UnlockUnpaid       UnlockStatus = "unpaid"
	UnlockPaid         UnlockStatus = "paid"
	UnlockAutoUnlocked UnlockStatus = "auto_unlocked"
)

// Unlocked reports whether the status grants access to full opportunity
// detail and permits execution.
func (s UnlockStatus) Unlocked() bool {
	return s == UnlockPaid || s == UnlockAutoUnlocked
}

// UnlockRecord is the per-(opportunity, user) disclosure record. At most one
// record exists per composite key; once paid or auto-unlocked the status
// never reverts. Records are never deleted and serve as the audit trail.
type UnlockRecord struct {
	OpportunityID    string       `json:"opportunity_id"`
	UserID           string       `json:"user_id"`
	Status           UnlockStatus `json:"status"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	FeeUSDC          float64      `json:"fee_usdc"`
	UnlockedAt       time.Time    `json:"unlocked_at"`
}

// DecisionReason explains why an opportunity is preview-only for a user.
type DecisionReason string

const (
	ReasonCapitalLimit        DecisionReason = "capital_limit"
	ReasonDailyLimit          DecisionReason = "daily_limit"
	ReasonInsufficientBalance DecisionReason = "insufficient_balance"
	ReasonAutoExecuteDisabled DecisionReason = "auto_execute_disabled"
)

// UnlockDecision is the eligibility evaluator's verdict for one
// (opportunity, user) pair. Exactly one of the two variants holds:
// AutoUnlock true means the opportunity is disclosed and executable without
// a payment step; otherwise the opportunity is preview-only and Reason says
// why. Eligible distinguishes "could pay to unlock" (auto-execute disabled)
// from hard rejections (capital, daily limit, balance).
type UnlockDecision struct {
	AutoUnlock bool           `json:"auto_unlock"`
	Eligible   bool           `json:"eligible"`
	Reason     DecisionReason `json:"reason,omitempty"`
}

// AutoUnlocked is the decision granting automatic disclosure.
func AutoUnlocked() UnlockDecision {
	return UnlockDecision{AutoUnlock: true, Eligible: true}
}

// PreviewOnly is the decision withholding leg detail for the given reason.
func PreviewOnly(reason DecisionReason) UnlockDecision {
	return UnlockDecision{
		AutoUnlock: false,
		Eligible:   reason == ReasonAutoExecuteDisabled,
		Reason:     reason,
	}
}
