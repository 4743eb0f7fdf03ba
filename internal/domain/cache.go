package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// TradeCounter tracks per-user executed-trade counts for the current UTC
// day. IncrementIfBelow performs an atomic check-and-increment against the
// given limit so two concurrent requests cannot both pass a maxTradesPerDay
// check; it returns the new count and whether the increment was applied.
type TradeCounter interface {
	IncrementIfBelow(ctx context.Context, userID string, limit int) (count int, ok bool, err error)
	Decrement(ctx context.Context, userID string) error
	Count(ctx context.Context, userID string) (int, error)
}

// RateLimiter applies a fixed-window request limit per key. Allow reports
// whether the request fits within limit requests per window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// BalanceCache stores the most recently observed account balance per user.
type BalanceCache interface {
	SetBalance(ctx context.Context, userID string, balance float64, ts time.Time) error
	GetBalance(ctx context.Context, userID string) (float64, time.Time, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
