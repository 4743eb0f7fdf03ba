package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arborlabs/arbd/internal/domain"
)

// fixedWindowLua increments a per-window counter and sets its expiry on the
// first hit. Returns 1 while the count is within the limit, 0 otherwise.
const fixedWindowLua = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
if n > tonumber(ARGV[1]) then
    return 0
end
return 1
`

// RateLimiter implements domain.RateLimiter with a fixed-window counter in
// Redis, so the limit holds across all instances sharing the same Redis.
type RateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		rdb:    c.Underlying(),
		script: redis.NewScript(fixedWindowLua),
	}
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// Allow reports whether another request under key fits within limit requests
// per window. The counter resets when the window expires.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.script.Run(ctx, rl.rdb, []string{key}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	return res == 1, nil
}
