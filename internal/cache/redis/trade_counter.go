package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arborlabs/arbd/internal/domain"
)

// incrIfBelowLua atomically increments a counter only while it is below the
// given limit. Returns {newCount, 1} when the increment was applied and
// {currentCount, 0} when the limit was already reached. The key expires at
// the provided unix timestamp so day counters clean themselves up.
const incrIfBelowLua = `
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
    return {current, 0}
end
local new = redis.call('INCR', KEYS[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return {new, 1}
`

// TradeCounter implements domain.TradeCounter on Redis. Counters are keyed
// by user and UTC day and expire shortly after the day ends, so the limit
// resets at midnight UTC without any sweeper.
type TradeCounter struct {
	rdb    *redis.Client
	incrSc *redis.Script
	now    func() time.Time
}

// NewTradeCounter creates a TradeCounter backed by the given Client.
func NewTradeCounter(c *Client) *TradeCounter {
	return &TradeCounter{
		rdb:    c.Underlying(),
		incrSc: redis.NewScript(incrIfBelowLua),
		now:    time.Now,
	}
}

var _ domain.TradeCounter = (*TradeCounter)(nil)

func (tc *TradeCounter) key(userID string) string {
	return "trades:" + userID + ":" + tc.now().UTC().Format("2006-01-02")
}

// expireAt is the unix time the current day's counter should lapse: end of
// day plus an hour of slack for clock skew.
func (tc *TradeCounter) expireAt() int64 {
	day := tc.now().UTC().Truncate(24 * time.Hour)
	return day.Add(25 * time.Hour).Unix()
}

// IncrementIfBelow atomically increments the user's counter for today when
// it is below limit, returning the resulting count and whether the
// increment was applied.
func (tc *TradeCounter) IncrementIfBelow(ctx context.Context, userID string, limit int) (int, bool, error) {
	res, err := tc.incrSc.Run(ctx, tc.rdb, []string{tc.key(userID)}, limit, tc.expireAt()).Slice()
	if err != nil {
		return 0, false, fmt.Errorf("redis: trade counter incr %s: %w", userID, err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("redis: trade counter incr %s: unexpected reply %v", userID, res)
	}
	count, _ := res[0].(int64)
	applied, _ := res[1].(int64)
	return int(count), applied == 1, nil
}

// Decrement returns one slot, used when an attempt is rejected before any
// order was placed. The count never goes below zero.
func (tc *TradeCounter) Decrement(ctx context.Context, userID string) error {
	key := tc.key(userID)
	n, err := tc.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis: trade counter decr %s: %w", userID, err)
	}
	if n < 0 {
		_ = tc.rdb.Set(ctx, key, 0, redis.KeepTTL).Err()
	}
	return nil
}

// Count returns the user's trade count for today.
func (tc *TradeCounter) Count(ctx context.Context, userID string) (int, error) {
	n, err := tc.rdb.Get(ctx, tc.key(userID)).Int()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: trade counter get %s: %w", userID, err)
	}
	return n, nil
}
