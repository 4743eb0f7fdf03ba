package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/store/memory"
)

// fakeVerifier accepts references present in valid and fails otherwise.
type fakeVerifier struct {
	valid map[string]bool
	calls int
}

func (f *fakeVerifier) Verify(ctx context.Context, reference string, expectedAmount float64, expectedPayer string) error {
	f.calls++
	if !f.valid[reference] {
		return fmt.Errorf("verifier: reference %s not found on chain: %w", reference, domain.ErrPaymentInvalid)
	}
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func activeOpportunity() domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:              "opp-1",
		EventID:         "fed-rate-cut-march",
		VenueA:          domain.Leg{Venue: "polymarket", Side: domain.SideYes, Price: 0.40, Size: 4739},
		VenueB:          domain.Leg{Venue: "kalshi", Side: domain.SideNo, Price: 0.58, Size: 4739},
		Size:            4739,
		TotalCost:       4644.22,
		EstimatedProfit: 94.78,
		CreatedAt:       now.Add(-time.Minute),
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func testUser() domain.User {
	return domain.User{ID: "user-a", WalletAddress: "0x1111111111111111111111111111111111111111"}
}

func newTestLedger(verifier *fakeVerifier) (*Ledger, *memory.UnlockStore) {
	unlocks := memory.NewUnlockStore()
	return New(unlocks, verifier, nil, memory.NewAuditStore(), 2.00, testLogger()), unlocks
}

func TestUnlockHappyPath(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{valid: map[string]bool{"0xpay1": true}}
	l, _ := newTestLedger(verifier)

	rec, err := l.Unlock(ctx, activeOpportunity(), testUser(), "0xpay1")
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if rec.Status != domain.UnlockPaid {
		t.Errorf("status = %q, want paid", rec.Status)
	}
	if rec.FeeUSDC != 2.00 {
		t.Errorf("fee = %v, want 2.00", rec.FeeUSDC)
	}

	unlocked, err := l.IsUnlocked(ctx, "opp-1", "user-a")
	if err != nil {
		t.Fatal(err)
	}
	if !unlocked {
		t.Error("expected unlocked after payment")
	}
}

func TestUnlockIdempotentRetry(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{valid: map[string]bool{"0xpay1": true}}
	l, _ := newTestLedger(verifier)

	first, err := l.Unlock(ctx, activeOpportunity(), testUser(), "0xpay1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := l.Unlock(ctx, activeOpportunity(), testUser(), "0xpay1")
	if err != nil {
		t.Fatalf("idempotent retry should succeed: %v", err)
	}
	if first.UnlockedAt != second.UnlockedAt {
		t.Error("retry should return the original record")
	}
	if verifier.calls != 1 {
		t.Errorf("verifier called %d times, want 1 (retry short-circuits)", verifier.calls)
	}
}

func TestUnlockReplayedReferenceRejected(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{valid: map[string]bool{"0xpay1": true}}
	l, _ := newTestLedger(verifier)

	if _, err := l.Unlock(ctx, activeOpportunity(), testUser(), "0xpay1"); err != nil {
		t.Fatal(err)
	}

	// Same reference against a different opportunity must fail, even though
	// the reference itself verifies on chain.
	other := activeOpportunity()
	other.ID = "opp-2"
	_, err := l.Unlock(ctx, other, testUser(), "0xpay1")
	if !errors.Is(err, domain.ErrPaymentInvalid) {
		t.Fatalf("replayed reference = %v, want ErrPaymentInvalid", err)
	}
}

func TestUnlockInvalidPayment(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{valid: map[string]bool{}}
	l, unlocks := newTestLedger(verifier)

	_, err := l.Unlock(ctx, activeOpportunity(), testUser(), "0xbogus")
	if !errors.Is(err, domain.ErrPaymentInvalid) {
		t.Fatalf("err = %v, want ErrPaymentInvalid", err)
	}
	// Nothing recorded on failure.
	if _, err := unlocks.Get(ctx, "opp-1", "user-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Error("failed unlock must not be recorded")
	}
}

func TestUnlockExpiredOpportunity(t *testing.T) {
	ctx := context.Background()
	verifier := &fakeVerifier{valid: map[string]bool{"0xpay1": true}}
	l, _ := newTestLedger(verifier)

	opp := activeOpportunity()
	opp.ExpiresAt = time.Now().UTC().Add(-time.Minute)

	_, err := l.Unlock(ctx, opp, testUser(), "0xpay1")
	if !errors.Is(err, domain.ErrOpportunityExpired) {
		t.Fatalf("err = %v, want ErrOpportunityExpired", err)
	}
	if verifier.calls != 0 {
		t.Error("verifier should not be called for expired opportunities")
	}
}

func TestRecordAutoUnlock(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(&fakeVerifier{})

	rec, err := l.RecordAutoUnlock(ctx, activeOpportunity(), testUser())
	if err != nil {
		t.Fatalf("RecordAutoUnlock: %v", err)
	}
	if rec.Status != domain.UnlockAutoUnlocked {
		t.Errorf("status = %q, want auto_unlocked", rec.Status)
	}
	if rec.FeeUSDC != 0 {
		t.Errorf("auto unlock fee = %v, want 0", rec.FeeUSDC)
	}

	// Idempotent.
	again, err := l.RecordAutoUnlock(ctx, activeOpportunity(), testUser())
	if err != nil {
		t.Fatal(err)
	}
	if again.UnlockedAt != rec.UnlockedAt {
		t.Error("repeat auto unlock should return the original record")
	}
}
