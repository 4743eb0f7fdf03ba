// Package ledger records which users have unlocked which opportunities, and
// gates paid unlocks behind on-chain payment verification.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

// Ledger is the unlock ledger. Paid unlocks verify the payment reference
// against the chain before recording; each non-empty reference can be
// consumed at most once across the whole ledger.
type Ledger struct {
	unlocks  domain.UnlockStore
	verifier domain.PaymentVerifier
	bus      domain.SignalBus
	audit    domain.AuditStore
	feeUSDC  float64
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a Ledger. bus and audit may be nil in tests.
func New(unlocks domain.UnlockStore, verifier domain.PaymentVerifier, bus domain.SignalBus, audit domain.AuditStore, feeUSDC float64, logger *slog.Logger) *Ledger {
	return &Ledger{
		unlocks:  unlocks,
		verifier: verifier,
		bus:      bus,
		audit:    audit,
		feeUSDC:  feeUSDC,
		logger:   logger.With(slog.String("component", "ledger")),
		now:      time.Now,
	}
}

// FeeUSDC returns the flat unlock fee.
func (l *Ledger) FeeUSDC() float64 { return l.feeUSDC }

// Unlock records a paid unlock for (opportunity, user) after verifying the
// payment reference. Re-submitting the same (opportunity, user, reference)
// triple returns the existing record without error; a reference already
// consumed by a different unlock fails with domain.ErrPaymentInvalid.
func (l *Ledger) Unlock(ctx context.Context, opp domain.Opportunity, user domain.User, paymentReference string) (domain.UnlockRecord, error) {
	if paymentReference == "" {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: empty payment reference: %w", domain.ErrPaymentInvalid)
	}
	if !opp.ActiveAt(l.now()) {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: unlock %s: %w", opp.ID, domain.ErrOpportunityExpired)
	}

	// Idempotent retry: the exact same triple returns the prior record.
	if existing, err := l.unlocks.Get(ctx, opp.ID, user.ID); err == nil {
		if existing.PaymentReference == paymentReference {
			return existing, nil
		}
		return domain.UnlockRecord{}, fmt.Errorf("ledger: %s already unlocked for %s with a different reference: %w",
			opp.ID, user.ID, domain.ErrAlreadyExists)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: lookup unlock: %w", err)
	}

	// Replay check before touching the chain: a reference consumed by any
	// other unlock is invalid here.
	if owner, err := l.unlocks.GetByReference(ctx, paymentReference); err == nil {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: reference %s already consumed by unlock %s/%s: %w",
			paymentReference, owner.OpportunityID, owner.UserID, domain.ErrPaymentInvalid)
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: lookup reference: %w", err)
	}

	if err := l.verifier.Verify(ctx, paymentReference, l.feeUSDC, user.WalletAddress); err != nil {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: verify %s: %w", paymentReference, err)
	}

	rec := domain.UnlockRecord{
		OpportunityID:    opp.ID,
		UserID:           user.ID,
		Status:           domain.UnlockPaid,
		PaymentReference: paymentReference,
		FeeUSDC:          l.feeUSDC,
		UnlockedAt:       l.now().UTC(),
	}
	if err := l.unlocks.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			// Lost a race with a concurrent unlock consuming the same
			// reference.
			return domain.UnlockRecord{}, fmt.Errorf("ledger: reference %s consumed concurrently: %w",
				paymentReference, domain.ErrPaymentInvalid)
		}
		return domain.UnlockRecord{}, fmt.Errorf("ledger: create unlock: %w", err)
	}

	l.logger.Info("unlock recorded",
		slog.String("opportunity_id", opp.ID),
		slog.String("user_id", user.ID),
		slog.Float64("fee_usdc", l.feeUSDC),
	)
	l.auditLog(ctx, "unlock_paid", map[string]any{
		"opportunity_id": opp.ID,
		"user_id":        user.ID,
		"reference":      paymentReference,
		"fee_usdc":       l.feeUSDC,
	})
	l.publishConfirmed(ctx, rec)
	return rec, nil
}

// RecordAutoUnlock records a fee-waived unlock granted by the eligibility
// engine. It is idempotent for the (opportunity, user) pair.
func (l *Ledger) RecordAutoUnlock(ctx context.Context, opp domain.Opportunity, user domain.User) (domain.UnlockRecord, error) {
	if existing, err := l.unlocks.Get(ctx, opp.ID, user.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: lookup unlock: %w", err)
	}

	rec := domain.UnlockRecord{
		OpportunityID: opp.ID,
		UserID:        user.ID,
		Status:        domain.UnlockAutoUnlocked,
		UnlockedAt:    l.now().UTC(),
	}
	if err := l.unlocks.Create(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			return l.Status(ctx, opp.ID, user.ID)
		}
		return domain.UnlockRecord{}, fmt.Errorf("ledger: create auto unlock: %w", err)
	}

	l.logger.Info("auto unlock recorded",
		slog.String("opportunity_id", opp.ID),
		slog.String("user_id", user.ID),
	)
	l.auditLog(ctx, "unlock_auto", map[string]any{
		"opportunity_id": opp.ID,
		"user_id":        user.ID,
	})
	l.publishConfirmed(ctx, rec)
	return rec, nil
}

// Status returns the unlock record for (opportunity, user), or
// domain.ErrNotFound when nothing has been recorded.
func (l *Ledger) Status(ctx context.Context, opportunityID, userID string) (domain.UnlockRecord, error) {
	rec, err := l.unlocks.Get(ctx, opportunityID, userID)
	if err != nil {
		return domain.UnlockRecord{}, fmt.Errorf("ledger: status %s/%s: %w", opportunityID, userID, err)
	}
	return rec, nil
}

// IsUnlocked reports whether the user holds an unlock for the opportunity.
func (l *Ledger) IsUnlocked(ctx context.Context, opportunityID, userID string) (bool, error) {
	rec, err := l.unlocks.Get(ctx, opportunityID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return rec.Status.Unlocked(), nil
}

// ListByUser returns the user's unlock history.
func (l *Ledger) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.UnlockRecord, error) {
	return l.unlocks.ListByUser(ctx, userID, opts)
}

func (l *Ledger) publishConfirmed(ctx context.Context, rec domain.UnlockRecord) {
	if l.bus == nil {
		return
	}
	ev := domain.NewEvent(domain.EventUnlockConfirmed, map[string]any{
		"opportunity_id": rec.OpportunityID,
		"status":         string(rec.Status),
		"fee_usdc":       rec.FeeUSDC,
	})
	ev.UserID = rec.UserID
	if err := l.bus.Publish(ctx, domain.ChannelUnlocks, ev.Encode()); err != nil {
		l.logger.Warn("publish unlock event failed", slog.String("error", err.Error()))
	}
}

func (l *Ledger) auditLog(ctx context.Context, event string, detail map[string]any) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Log(ctx, event, detail); err != nil {
		l.logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}
