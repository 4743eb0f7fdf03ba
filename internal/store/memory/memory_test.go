package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
)

func sampleOpportunity(id string) domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:      id,
		EventID: "fed-rate-cut-march",
		Title:   "Fed cuts rates in March?",
		VenueA:  domain.Leg{Venue: "polymarket", Side: domain.SideYes, Price: 0.40, Size: 4739},
		VenueB:  domain.Leg{Venue: "kalshi", Side: domain.SideNo, Price: 0.58, Size: 4739},
		Size:    4739, TotalCost: 4644.22, EstimatedProfit: 94.78,
		CreatedAt: now, ExpiresAt: now.Add(5 * time.Minute),
	}
}

func TestOpportunityStoreInsertAndRetire(t *testing.T) {
	ctx := context.Background()
	s := NewOpportunityStore()

	opp := sampleOpportunity("opp-1")
	if err := s.Insert(ctx, opp); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.Insert(ctx, opp); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate Insert = %v, want ErrAlreadyExists", err)
	}

	got, err := s.GetByID(ctx, "opp-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.EstimatedProfit != 94.78 {
		t.Errorf("profit = %v, want 94.78", got.EstimatedProfit)
	}

	if err := s.MarkRetired(ctx, "opp-1", "expired"); err != nil {
		t.Fatalf("MarkRetired: %v", err)
	}
	recent, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 0 {
		t.Errorf("retired opportunity still listed: %v", recent)
	}
	retired, err := s.ListRetiredBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(retired) != 1 {
		t.Errorf("ListRetiredBefore = %d rows, want 1", len(retired))
	}

	if err := s.MarkRetired(ctx, "missing", "expired"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("MarkRetired missing = %v, want ErrNotFound", err)
	}
}

func TestUnlockStorePaymentReferenceUnique(t *testing.T) {
	ctx := context.Background()
	s := NewUnlockStore()

	rec := domain.UnlockRecord{
		OpportunityID:    "opp-1",
		UserID:           "user-a",
		Status:           domain.UnlockPaid,
		PaymentReference: "0xabc",
		FeeUSDC:          2.00,
		UnlockedAt:       time.Now().UTC(),
	}
	if err := s.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Same reference on a different unlock must be rejected.
	replay := rec
	replay.OpportunityID = "opp-2"
	if err := s.Create(ctx, replay); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("replayed reference = %v, want ErrAlreadyExists", err)
	}

	// Same key again is also a conflict.
	if err := s.Create(ctx, rec); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate key = %v, want ErrAlreadyExists", err)
	}

	byRef, err := s.GetByReference(ctx, "0xabc")
	if err != nil {
		t.Fatalf("GetByReference: %v", err)
	}
	if byRef.OpportunityID != "opp-1" {
		t.Errorf("GetByReference returned %q", byRef.OpportunityID)
	}
}

func TestExecutionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewExecutionStore()

	attempt := domain.ExecutionAttempt{
		ID:            "exec-1",
		OpportunityID: "opp-1",
		UserID:        "user-a",
		Status:        domain.ExecCreated,
		StartedAt:     time.Now().UTC(),
	}
	if err := s.Create(ctx, attempt); err != nil {
		t.Fatalf("Create: %v", err)
	}

	settled := time.Now().UTC()
	attempt.Status = domain.ExecSettled
	attempt.NetProfit = 94.78
	attempt.SettledAt = &settled
	if err := s.Update(ctx, attempt); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := s.GetByID(ctx, "exec-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.ExecSettled || got.NetProfit != 94.78 {
		t.Errorf("got %+v after update", got)
	}

	old, err := s.ListSettledBefore(ctx, settled.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(old) != 1 {
		t.Errorf("ListSettledBefore = %d rows, want 1", len(old))
	}
}

func TestTradeCounterIncrementIfBelow(t *testing.T) {
	ctx := context.Background()
	c := NewTradeCounter()

	for i := 1; i <= 3; i++ {
		n, ok, err := c.IncrementIfBelow(ctx, "user-a", 3)
		if err != nil || !ok || n != i {
			t.Fatalf("increment %d: n=%d ok=%v err=%v", i, n, ok, err)
		}
	}
	n, ok, err := c.IncrementIfBelow(ctx, "user-a", 3)
	if err != nil {
		t.Fatal(err)
	}
	if ok || n != 3 {
		t.Errorf("over-limit increment: n=%d ok=%v, want n=3 ok=false", n, ok)
	}

	if err := c.Decrement(ctx, "user-a"); err != nil {
		t.Fatal(err)
	}
	if n, _ := c.Count(ctx, "user-a"); n != 2 {
		t.Errorf("count after decrement = %d, want 2", n)
	}
}

func TestLockManagerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewLockManager()

	unlock, err := m.Acquire(ctx, "exec:opp-1:user-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := m.Acquire(ctx, "exec:opp-1:user-a", time.Minute); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("second Acquire = %v, want ErrLockHeld", err)
	}

	unlock()
	unlock() // idempotent

	unlock2, err := m.Acquire(ctx, "exec:opp-1:user-a", time.Minute)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	unlock2()
}
