// Package executor orchestrates at-most-once execution of unlocked
// opportunities: both legs placed concurrently, partial failures unwound,
// profits settled and distributed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/ledger"
	"github.com/arborlabs/arbd/internal/registry"
)

// Config holds execution tuning parameters.
type Config struct {
	// LegTimeout bounds each venue call; a leg that exceeds it is treated
	// as failed with domain.ErrAdapterTimeout.
	LegTimeout time.Duration
	// LockTTL bounds how long the in-flight token for one
	// (opportunity, user) pair survives a crashed attempt.
	LockTTL time.Duration
	// FlatFeeUSDC is deducted from gross profit at settlement.
	FlatFeeUSDC float64
	// ProfitSharePct of gross profit retained by the service at settlement.
	ProfitSharePct float64
}

// Executor drives the execution lifecycle. Each (opportunity, user) pair
// holds at most one in-flight attempt, guarded by the lock manager, and the
// user's daily trade counter is incremented atomically before any order is
// placed.
type Executor struct {
	cfg Config

	reg    *registry.Registry
	led    *ledger.Ledger
	users  domain.UserStore
	store  domain.ExecutionStore
	venues map[string]domain.OrderExecutor

	locks       domain.LockManager
	counter     domain.TradeCounter
	distributor domain.ProfitDistributor
	bus         domain.SignalBus
	audit       domain.AuditStore
	logger      *slog.Logger
}

// New builds an Executor. venues maps venue name to its order adapter;
// distributor, bus, and audit may be nil in tests.
func New(
	cfg Config,
	reg *registry.Registry,
	led *ledger.Ledger,
	users domain.UserStore,
	store domain.ExecutionStore,
	venues map[string]domain.OrderExecutor,
	locks domain.LockManager,
	counter domain.TradeCounter,
	distributor domain.ProfitDistributor,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		cfg:         cfg,
		reg:         reg,
		led:         led,
		users:       users,
		store:       store,
		venues:      venues,
		locks:       locks,
		counter:     counter,
		distributor: distributor,
		bus:         bus,
		audit:       audit,
		logger:      logger.With(slog.String("component", "executor")),
	}
}

// Execute runs one execution attempt for an unlocked opportunity.
// capitalFraction scales both legs; it must be in (0, 1]. A second call for
// the same (opportunity, user) pair while one is in flight fails with
// domain.ErrExecutionInProgress.
func (e *Executor) Execute(ctx context.Context, opportunityID, userID string, capitalFraction float64) (domain.ExecutionAttempt, error) {
	if capitalFraction <= 0 || capitalFraction > 1 {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: capital fraction %.4f out of (0, 1]", capitalFraction)
	}

	opp, err := e.reg.Get(opportunityID)
	if err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: resolve %s: %w", opportunityID, err)
	}

	unlocked, err := e.led.IsUnlocked(ctx, opportunityID, userID)
	if err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: unlock check: %w", err)
	}
	if !unlocked {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: %s for %s: %w", opportunityID, userID, domain.ErrNotUnlocked)
	}

	user, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: resolve user %s: %w", userID, err)
	}

	// In-flight token: exactly one attempt per (opportunity, user) pair.
	release, err := e.locks.Acquire(ctx, "exec:"+opportunityID+":"+userID, e.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ExecutionAttempt{}, fmt.Errorf("executor: %s for %s: %w", opportunityID, userID, domain.ErrExecutionInProgress)
		}
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: acquire lock: %w", err)
	}
	defer release()

	// The daily counter is consumed inside the critical section, before any
	// order is placed, so concurrent attempts cannot both pass the limit.
	count, ok, err := e.counter.IncrementIfBelow(ctx, userID, user.MaxTradesPerDay)
	if err != nil {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: trade counter: %w", err)
	}
	if !ok {
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: daily limit %d reached for %s: %w",
			user.MaxTradesPerDay, userID, domain.ErrIneligible)
	}

	// Re-check expiry under the lock: the opportunity may have lapsed while
	// the caller queued.
	if _, err := e.reg.Get(opportunityID); err != nil {
		// No order placed; return the slot.
		if derr := e.counter.Decrement(ctx, userID); derr != nil {
			e.logger.Warn("counter rollback failed", slog.String("error", derr.Error()))
		}
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: resolve %s: %w", opportunityID, err)
	}

	attempt := e.newAttempt(opp, userID, capitalFraction)
	if err := e.store.Create(ctx, attempt); err != nil {
		if derr := e.counter.Decrement(ctx, userID); derr != nil {
			e.logger.Warn("counter rollback failed", slog.String("error", derr.Error()))
		}
		return domain.ExecutionAttempt{}, fmt.Errorf("executor: record attempt: %w", err)
	}

	e.logger.Info("execution started",
		slog.String("execution_id", attempt.ID),
		slog.String("opportunity_id", opportunityID),
		slog.String("user_id", userID),
		slog.Int("trades_today", count),
	)
	e.publish(ctx, domain.ChannelExecutions, domain.EventExecutionStarted, userID, map[string]any{
		"execution_id":   attempt.ID,
		"opportunity_id": opportunityID,
	})

	attempt = e.placeLegs(ctx, attempt)
	attempt = e.settle(ctx, attempt, user)

	if err := e.store.Update(ctx, attempt); err != nil {
		e.logger.Error("persist attempt failed",
			slog.String("execution_id", attempt.ID),
			slog.String("error", err.Error()),
		)
	}

	switch {
	case attempt.Status == domain.ExecSettled && attempt.FailureReason == "":
		// The spread is consumed; drop the opportunity for everyone.
		if err := e.reg.Retire(ctx, opportunityID, registry.RetireExecuted); err != nil && !errors.Is(err, domain.ErrNotFound) {
			e.logger.Warn("retire after execution failed", slog.String("error", err.Error()))
		}
		e.publish(ctx, domain.ChannelExecutions, domain.EventExecutionCompleted, userID, map[string]any{
			"execution_id": attempt.ID,
			"net_profit":   attempt.NetProfit,
		})
	default:
		// Failed, or settled at a realized loss after a partial fill.
		e.publish(ctx, domain.ChannelExecutions, domain.EventExecutionFailed, userID, map[string]any{
			"execution_id": attempt.ID,
			"reason":       attempt.FailureReason,
			"net_profit":   attempt.NetProfit,
		})
	}
	e.auditLog(ctx, "execution_"+string(attempt.Status), map[string]any{
		"execution_id":   attempt.ID,
		"opportunity_id": opportunityID,
		"user_id":        userID,
		"net_profit":     attempt.NetProfit,
	})
	return attempt, nil
}

func (e *Executor) newAttempt(opp domain.Opportunity, userID string, fraction float64) domain.ExecutionAttempt {
	return domain.ExecutionAttempt{
		ID:              uuid.NewString(),
		OpportunityID:   opp.ID,
		UserID:          userID,
		CapitalFraction: fraction,
		LegA: domain.ExecutionLeg{
			Venue:  opp.VenueA.Venue,
			Side:   opp.VenueA.Side,
			Price:  opp.VenueA.Price,
			Size:   opp.VenueA.Size * fraction,
			Status: domain.LegPending,
		},
		LegB: domain.ExecutionLeg{
			Venue:  opp.VenueB.Venue,
			Side:   opp.VenueB.Side,
			Price:  opp.VenueB.Price,
			Size:   opp.VenueB.Size * fraction,
			Status: domain.LegPending,
		},
		Status:    domain.ExecCreated,
		StartedAt: time.Now().UTC(),
	}
}

// placeLegs submits both legs concurrently, each bounded by LegTimeout, then
// classifies the outcome: both filled, partial failure (with unwind), or a
// clean failure with nothing at risk.
func (e *Executor) placeLegs(ctx context.Context, attempt domain.ExecutionAttempt) domain.ExecutionAttempt {
	attempt.Status = domain.ExecLegsPlacing

	var wg sync.WaitGroup
	legs := []*domain.ExecutionLeg{&attempt.LegA, &attempt.LegB}
	errs := make([]error, len(legs))
	for i, leg := range legs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.placeLeg(ctx, attempt.OpportunityID, leg)
		}()
	}
	wg.Wait()

	filledA := attempt.LegA.Status == domain.LegFilled
	filledB := attempt.LegB.Status == domain.LegFilled
	switch {
	case filledA && filledB:
		attempt.Status = domain.ExecLegsFilled
	case filledA != filledB:
		attempt.Status = domain.ExecPartialFailure
		failErr := errs[0]
		if filledA {
			failErr = errs[1]
		}
		attempt.FailureReason = fmt.Sprintf("%s: %v", domain.ErrPartialFill.Error(), failErr)
		attempt = e.cancelResting(ctx, attempt)
		attempt = e.unwind(ctx, attempt)
	default:
		attempt.Status = domain.ExecFailed
		attempt.FailureReason = fmt.Sprintf("both legs failed: %v; %v", errs[0], errs[1])
		attempt = e.cancelResting(ctx, attempt)
	}
	return attempt
}

// cancelResting cancels every leg left resting on its venue's book. An
// unfilled limit order still carries an external id; left alone it can fill
// later into a one-sided position after the attempt is already terminal.
func (e *Executor) cancelResting(ctx context.Context, attempt domain.ExecutionAttempt) domain.ExecutionAttempt {
	for _, leg := range []*domain.ExecutionLeg{&attempt.LegA, &attempt.LegB} {
		if leg.Status != domain.LegPlaced || leg.ExternalOrderID == "" {
			continue
		}
		venue, ok := e.venues[leg.Venue]
		if !ok {
			e.logger.Error("no adapter to cancel resting order", slog.String("venue", leg.Venue))
			continue
		}

		cancelCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
		proceeds, err := venue.CancelOrUnwind(cancelCtx, leg.ExternalOrderID)
		cancel()
		if err != nil {
			// Resting order left on the book; flagged for the operator.
			e.logger.Error("cancel resting order failed",
				slog.String("execution_id", attempt.ID),
				slog.String("venue", leg.Venue),
				slog.String("order_id", leg.ExternalOrderID),
				slog.String("error", err.Error()),
			)
			attempt.FailureReason += "; cancel failed: " + err.Error()
			continue
		}

		leg.Status = domain.LegCancelled
		// A partially filled resting order is unwound by the venue; the
		// realized difference lands in the attempt's PnL.
		attempt.NetProfit += proceeds - leg.FilledPrice*leg.FilledSize
		e.logger.Info("resting order cancelled",
			slog.String("execution_id", attempt.ID),
			slog.String("venue", leg.Venue),
			slog.String("order_id", leg.ExternalOrderID),
		)
	}
	return attempt
}

func (e *Executor) placeLeg(ctx context.Context, opportunityID string, leg *domain.ExecutionLeg) error {
	venue, ok := e.venues[leg.Venue]
	if !ok {
		leg.Status = domain.LegFailed
		return fmt.Errorf("no adapter for venue %q", leg.Venue)
	}

	legCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()

	leg.Status = domain.LegPlaced
	res, err := venue.PlaceOrder(legCtx, opportunityID, leg.Side, leg.Price, leg.Size)
	if err != nil {
		leg.Status = domain.LegFailed
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", leg.Venue, domain.ErrAdapterTimeout)
		}
		return fmt.Errorf("%s: %w", leg.Venue, err)
	}

	leg.Status = res.Status
	leg.ExternalOrderID = res.ExternalOrderID
	leg.FilledSize = res.FilledSize
	leg.FilledPrice = res.FilledPrice
	if leg.Status != domain.LegFilled {
		return fmt.Errorf("%s: order %s not filled (status %s)", leg.Venue, res.ExternalOrderID, res.Status)
	}
	return nil
}

// unwind closes out the filled leg of a partial failure. The realized loss
// is the difference between the leg's cost and the unwind proceeds.
func (e *Executor) unwind(ctx context.Context, attempt domain.ExecutionAttempt) domain.ExecutionAttempt {
	filled := &attempt.LegA
	if attempt.LegB.Status == domain.LegFilled {
		filled = &attempt.LegB
	}

	venue, ok := e.venues[filled.Venue]
	if !ok {
		e.logger.Error("no adapter to unwind leg", slog.String("venue", filled.Venue))
		return attempt
	}

	unwindCtx, cancel := context.WithTimeout(ctx, e.cfg.LegTimeout)
	defer cancel()

	proceeds, err := venue.CancelOrUnwind(unwindCtx, filled.ExternalOrderID)
	if err != nil {
		// Position left open; flagged for the operator, not retried here.
		e.logger.Error("unwind failed",
			slog.String("execution_id", attempt.ID),
			slog.String("venue", filled.Venue),
			slog.String("order_id", filled.ExternalOrderID),
			slog.String("error", err.Error()),
		)
		attempt.FailureReason += "; unwind failed: " + err.Error()
		return attempt
	}

	filled.Unwound = true
	cost := filled.FilledPrice * filled.FilledSize
	attempt.NetProfit += proceeds - cost

	e.logger.Warn("partial failure unwound",
		slog.String("execution_id", attempt.ID),
		slog.String("venue", filled.Venue),
		slog.Float64("loss", attempt.NetProfit),
	)
	return attempt
}

// settle finalizes a fully-filled attempt: gross profit is the guaranteed
// payout minus both fills, the service keeps the flat fee plus its share,
// and the remainder is distributed to the user's wallet.
func (e *Executor) settle(ctx context.Context, attempt domain.ExecutionAttempt, user domain.User) domain.ExecutionAttempt {
	now := time.Now().UTC()
	switch attempt.Status {
	case domain.ExecLegsFilled:
		// Fall through to settlement below.
	case domain.ExecPartialFailure:
		// A completed-but-lossy execution: the unwind already realized the
		// loss in NetProfit, so the attempt settles at that figure.
		attempt.Status = domain.ExecSettled
		attempt.SettledAt = &now
		return attempt
	default:
		attempt.SettledAt = &now
		return attempt
	}

	payout := attempt.LegA.FilledSize
	if attempt.LegB.FilledSize < payout {
		payout = attempt.LegB.FilledSize
	}
	cost := attempt.LegA.FilledPrice*attempt.LegA.FilledSize + attempt.LegB.FilledPrice*attempt.LegB.FilledSize
	gross := payout - cost

	attempt.FeeUSDC = e.cfg.FlatFeeUSDC
	attempt.ProfitShareUSDC = gross * e.cfg.ProfitSharePct / 100
	attempt.NetProfit = gross - attempt.FeeUSDC - attempt.ProfitShareUSDC
	attempt.Status = domain.ExecSettled
	attempt.SettledAt = &now

	if e.distributor != nil && attempt.NetProfit > 0 {
		ref, err := e.distributor.Distribute(ctx, user.WalletAddress, attempt.NetProfit)
		if err != nil {
			// Settlement stands; the distribution is retryable from the
			// stored attempt.
			e.logger.Error("profit distribution failed",
				slog.String("execution_id", attempt.ID),
				slog.String("error", err.Error()),
			)
			return attempt
		}
		attempt.DistributionRef = ref
		e.publish(ctx, domain.ChannelProfits, domain.EventProfitDistributed, user.ID, map[string]any{
			"execution_id": attempt.ID,
			"amount":       attempt.NetProfit,
			"reference":    ref,
		})
	}

	e.logger.Info("execution settled",
		slog.String("execution_id", attempt.ID),
		slog.Float64("gross_profit", gross),
		slog.Float64("net_profit", attempt.NetProfit),
	)
	return attempt
}

func (e *Executor) publish(ctx context.Context, channel, eventType, userID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	ev := domain.NewEvent(eventType, payload)
	ev.UserID = userID
	if err := e.bus.Publish(ctx, channel, ev.Encode()); err != nil {
		e.logger.Warn("publish event failed",
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) auditLog(ctx context.Context, event string, detail map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Log(ctx, event, detail); err != nil {
		e.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}
