package domain

import "context"

// QuoteSource normalizes one venue's market data into Quote records.
type QuoteSource interface {
	// Name identifies the venue (e.g. "polymarket", "kalshi").
	Name() string
	// GetQuote returns the venue's best available quote for the given event
	// and side. The returned Quote must carry the venue's own AsOf timestamp.
	GetQuote(ctx context.Context, eventID string, side Side) (Quote, error)
}

// OrderResult is the outcome of a leg placement.
type OrderResult struct {
	Status          LegStatus
	ExternalOrderID string
	FilledSize      float64
	FilledPrice     float64
}

// OrderExecutor places and unwinds orders on one venue.
type OrderExecutor interface {
	Name() string
	PlaceOrder(ctx context.Context, eventID string, side Side, price, size float64) (OrderResult, error)
	// CancelOrUnwind cancels an open order or closes a filled position,
	// returning the realized proceeds of the unwind (zero for a plain cancel).
	CancelOrUnwind(ctx context.Context, externalOrderID string) (proceeds float64, err error)
}

// PaymentVerifier checks that a claimed payment reference satisfies the
// required fee. Implementations must be idempotent: verifying the same
// reference twice yields the same result.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference string, expectedAmount float64, expectedPayer string) error
}

// ProfitDistributor transfers settled profit to a user's wallet.
type ProfitDistributor interface {
	Distribute(ctx context.Context, wallet string, amount float64) (reference string, err error)
}
