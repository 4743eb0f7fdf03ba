// Package eligibility decides whether an opportunity auto-unlocks for a user
// or is shown as a redacted preview pending manual payment.
package eligibility

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/arborlabs/arbd/internal/domain"
)

// Engine evaluates a user's risk profile against an opportunity. Rules are
// checked in a fixed order so the reported reason is deterministic: capital
// limit, then daily trade limit, then account balance, then the auto-execute
// flag.
type Engine struct {
	counter  domain.TradeCounter
	balances domain.BalanceCache
	logger   *slog.Logger
}

// NewEngine builds an Engine on top of the daily trade counter and the
// balance cache.
func NewEngine(counter domain.TradeCounter, balances domain.BalanceCache, logger *slog.Logger) *Engine {
	return &Engine{
		counter:  counter,
		balances: balances,
		logger:   logger.With(slog.String("component", "eligibility")),
	}
}

// Evaluate returns the unlock decision for one (user, opportunity) pair. The
// check is read-only: the daily counter is only inspected here, the
// increment happens inside the execution critical section.
func (e *Engine) Evaluate(ctx context.Context, user domain.User, opp domain.Opportunity) (domain.UnlockDecision, error) {
	if opp.TotalCost > user.MaxCapitalPerTrade {
		e.logger.Debug("capital limit exceeded",
			slog.String("user_id", user.ID),
			slog.String("opportunity_id", opp.ID),
			slog.Float64("total_cost", opp.TotalCost),
			slog.Float64("max_capital", user.MaxCapitalPerTrade),
		)
		return domain.PreviewOnly(domain.ReasonCapitalLimit), nil
	}

	count, err := e.counter.Count(ctx, user.ID)
	if err != nil {
		return domain.UnlockDecision{}, fmt.Errorf("eligibility: trade count for %s: %w", user.ID, err)
	}
	if count >= user.MaxTradesPerDay {
		return domain.PreviewOnly(domain.ReasonDailyLimit), nil
	}

	balance, _, err := e.balances.GetBalance(ctx, user.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No cached balance means we cannot prove sufficiency.
			return domain.PreviewOnly(domain.ReasonInsufficientBalance), nil
		}
		return domain.UnlockDecision{}, fmt.Errorf("eligibility: balance for %s: %w", user.ID, err)
	}
	if balance < opp.TotalCost || balance-opp.TotalCost < user.MinAccountBalance {
		return domain.PreviewOnly(domain.ReasonInsufficientBalance), nil
	}

	if !user.AutoExecuteEnabled {
		return domain.PreviewOnly(domain.ReasonAutoExecuteDisabled), nil
	}

	return domain.AutoUnlocked(), nil
}
