package memory

import (
	"context"
	"sync"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// TradeCounter tracks per-user trade counts for the current UTC day. Counts
// reset implicitly when the day rolls over because keys embed the date.
type TradeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

// NewTradeCounter returns an empty TradeCounter.
func NewTradeCounter() *TradeCounter {
	return &TradeCounter{counts: make(map[string]int), now: time.Now}
}

var _ domain.TradeCounter = (*TradeCounter)(nil)

func (c *TradeCounter) key(userID string) string {
	return userID + ":" + c.now().UTC().Format("2006-01-02")
}

// IncrementIfBelow atomically increments the user's count for today when it
// is below limit. It returns the resulting count and whether the increment
// was applied.
func (c *TradeCounter) IncrementIfBelow(ctx context.Context, userID string, limit int) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(userID)
	n := c.counts[key]
	if n >= limit {
		return n, false, nil
	}
	n++
	c.counts[key] = n
	return n, true, nil
}

// Decrement undoes a prior increment, used when an attempt is rejected before
// any order was placed.
func (c *TradeCounter) Decrement(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.key(userID)
	if c.counts[key] > 0 {
		c.counts[key]--
	}
	return nil
}

// Count returns the user's trade count for today.
func (c *TradeCounter) Count(ctx context.Context, userID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.counts[c.key(userID)], nil
}

// BalanceCache stores the most recent known account balance per user.
type BalanceCache struct {
	mu       sync.RWMutex
	balances map[string]balanceEntry
}

type balanceEntry struct {
	balance float64
	asOf    time.Time
}

// NewBalanceCache returns an empty BalanceCache.
func NewBalanceCache() *BalanceCache {
	return &BalanceCache{balances: make(map[string]balanceEntry)}
}

var _ domain.BalanceCache = (*BalanceCache)(nil)

// SetBalance records a user's balance along with its observation time.
func (c *BalanceCache) SetBalance(ctx context.Context, userID string, balance float64, asOf time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.balances[userID] = balanceEntry{balance: balance, asOf: asOf}
	return nil
}

// GetBalance returns the last recorded balance and its observation time, or
// domain.ErrNotFound when the user has never been cached.
func (c *BalanceCache) GetBalance(ctx context.Context, userID string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.balances[userID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return e.balance, e.asOf, nil
}
