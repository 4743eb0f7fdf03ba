package domain

import "time"

// User is a platform account with its standing risk configuration. The risk
// fields gate auto-unlock and execution; they are inputs to the eligibility
// evaluator, which does not mutate them.
type User struct {
	ID                 string    `json:"id"`
	WalletAddress      string    `json:"wallet_address"`
	MaxCapitalPerTrade float64   `json:"max_capital_per_trade"`
	MaxTradesPerDay    int       `json:"max_trades_per_day"`
	MinAccountBalance  float64   `json:"min_account_balance"`
	AutoExecuteEnabled bool      `json:"auto_execute_enabled"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}
