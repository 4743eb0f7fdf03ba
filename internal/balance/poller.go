// Package balance keeps the per-user balance cache warm. The eligibility
// evaluator treats a cache miss as insufficient balance, so without a feed
// every user would stay preview-only forever; the poller refreshes each
// user's on-chain USDC balance on a fixed interval.
package balance

import (
	"context"
	"log/slog"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// maxUsersPerSweep bounds one refresh pass.
const maxUsersPerSweep = 500

// WalletBalancer reads the current USDC balance of a wallet address. The
// payment verifiers satisfy it.
type WalletBalancer interface {
	BalanceOf(ctx context.Context, wallet string) (float64, error)
}

// Poller periodically reads every user's wallet balance and writes it to the
// balance cache.
type Poller struct {
	users    domain.UserStore
	cache    domain.BalanceCache
	balancer WalletBalancer
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller builds a Poller refreshing at the given interval.
func NewPoller(users domain.UserStore, cache domain.BalanceCache, balancer WalletBalancer, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		users:    users,
		cache:    cache,
		balancer: balancer,
		interval: interval,
		logger:   logger.With(slog.String("component", "balance_poller")),
	}
}

// Run refreshes once immediately, then on every tick until the context is
// cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.refresh(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

// refresh sweeps the user set once. A venue or cache error for one user is
// logged and skipped; their stale entry ages out of the cache on its own.
func (p *Poller) refresh(ctx context.Context) {
	users, err := p.users.List(ctx, domain.ListOpts{Limit: maxUsersPerSweep})
	if err != nil {
		p.logger.Warn("list users failed", slog.String("error", err.Error()))
		return
	}

	var updated int
	for _, u := range users {
		if u.WalletAddress == "" {
			continue
		}
		bal, err := p.balancer.BalanceOf(ctx, u.WalletAddress)
		if err != nil {
			p.logger.Warn("balance lookup failed",
				slog.String("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := p.cache.SetBalance(ctx, u.ID, bal, time.Now().UTC()); err != nil {
			p.logger.Warn("balance cache write failed",
				slog.String("user_id", u.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		updated++
	}

	p.logger.Debug("balances refreshed",
		slog.Int("users", len(users)),
		slog.Int("updated", updated),
	)
}
