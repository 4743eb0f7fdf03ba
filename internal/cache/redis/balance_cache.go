package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arborlabs/arbd/internal/domain"
)

// balanceTTL bounds how long a cached balance is served. Balances older than
// this disappear and read as unknown, which the eligibility rules treat as
// insufficient.
const balanceTTL = 24 * time.Hour

// BalanceCache implements domain.BalanceCache using Redis hashes. Each
// user's balance is stored at key "balance:{userID}" with fields "balance"
// and "ts" (Unix nanosecond timestamp).
type BalanceCache struct {
	rdb *redis.Client
}

// NewBalanceCache creates a BalanceCache backed by the given Client.
func NewBalanceCache(c *Client) *BalanceCache {
	return &BalanceCache{rdb: c.Underlying()}
}

var _ domain.BalanceCache = (*BalanceCache)(nil)

func balanceKey(userID string) string {
	return "balance:" + userID
}

// SetBalance stores a user's balance and its observation time.
func (bc *BalanceCache) SetBalance(ctx context.Context, userID string, balance float64, ts time.Time) error {
	key := balanceKey(userID)
	fields := map[string]interface{}{
		"balance": strconv.FormatFloat(balance, 'f', -1, 64),
		"ts":      strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := bc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, balanceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set balance %s: %w", userID, err)
	}
	return nil
}

// GetBalance retrieves the last recorded balance and its observation time.
// It returns domain.ErrNotFound when the user has never been cached or the
// entry has lapsed.
func (bc *BalanceCache) GetBalance(ctx context.Context, userID string) (float64, time.Time, error) {
	vals, err := bc.rdb.HGetAll(ctx, balanceKey(userID)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get balance %s: %w", userID, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	balStr, ok := vals["balance"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	balance, err := strconv.ParseFloat(balStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse balance %s: %w", userID, err)
	}

	var ts time.Time
	if tsStr, ok := vals["ts"]; ok {
		if nanos, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			ts = time.Unix(0, nanos).UTC()
		}
	}
	return balance, ts, nil
}
