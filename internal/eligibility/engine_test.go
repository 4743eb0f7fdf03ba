package eligibility

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOpportunity(totalCost float64) domain.Opportunity {
	now := time.Now().UTC()
	return domain.Opportunity{
		ID:              "opp-1",
		EventID:         "fed-rate-cut-march",
		VenueA:          domain.Leg{Venue: "polymarket", Side: domain.SideYes, Price: 0.40, Size: 4739},
		VenueB:          domain.Leg{Venue: "kalshi", Side: domain.SideNo, Price: 0.58, Size: 4739},
		Size:            4739,
		TotalCost:       totalCost,
		EstimatedProfit: 4739 - totalCost,
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
}

func testUser() domain.User {
	return domain.User{
		ID:                 "user-a",
		WalletAddress:      "0x1111111111111111111111111111111111111111",
		MaxCapitalPerTrade: 5000,
		MaxTradesPerDay:    10,
		MinAccountBalance:  0,
		AutoExecuteEnabled: true,
	}
}

func TestEvaluateAutoUnlock(t *testing.T) {
	ctx := context.Background()
	counter := memory.NewTradeCounter()
	balances := memory.NewBalanceCache()
	engine := NewEngine(counter, balances, testLogger())

	if err := balances.SetBalance(ctx, "user-a", 10000, time.Now()); err != nil {
		t.Fatal(err)
	}

	dec, err := engine.Evaluate(ctx, testUser(), testOpportunity(4644.22))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !dec.AutoUnlock {
		t.Fatalf("expected auto unlock, got %+v", dec)
	}
}

func TestEvaluateCapitalLimitWins(t *testing.T) {
	ctx := context.Background()
	counter := memory.NewTradeCounter()
	balances := memory.NewBalanceCache()
	engine := NewEngine(counter, balances, testLogger())

	// No balance cached and auto-execute off: both would reject on their
	// own, but the capital rule is checked first, so its reason wins.
	user := testUser()
	user.MaxCapitalPerTrade = 100
	user.AutoExecuteEnabled = false

	dec, err := engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.AutoUnlock {
		t.Fatal("expected preview only")
	}
	if dec.Reason != domain.ReasonCapitalLimit {
		t.Errorf("reason = %q, want %q", dec.Reason, domain.ReasonCapitalLimit)
	}
}

func TestEvaluateDailyLimit(t *testing.T) {
	ctx := context.Background()
	counter := memory.NewTradeCounter()
	balances := memory.NewBalanceCache()
	engine := NewEngine(counter, balances, testLogger())

	user := testUser()
	user.MaxTradesPerDay = 2
	if err := balances.SetBalance(ctx, user.ID, 10000, time.Now()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, _, err := counter.IncrementIfBelow(ctx, user.ID, 10); err != nil {
			t.Fatal(err)
		}
	}

	dec, err := engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.AutoUnlock || dec.Reason != domain.ReasonDailyLimit {
		t.Errorf("decision = %+v, want daily_limit preview", dec)
	}
}

func TestEvaluateInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	counter := memory.NewTradeCounter()
	balances := memory.NewBalanceCache()
	engine := NewEngine(counter, balances, testLogger())

	user := testUser()

	// No cached balance at all counts as insufficient.
	dec, err := engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Reason != domain.ReasonInsufficientBalance {
		t.Errorf("uncached balance reason = %q", dec.Reason)
	}

	// Balance below total cost.
	if err := balances.SetBalance(ctx, user.ID, 1000, time.Now()); err != nil {
		t.Fatal(err)
	}
	dec, err = engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Reason != domain.ReasonInsufficientBalance {
		t.Errorf("low balance reason = %q", dec.Reason)
	}

	// Balance covers cost but would dip below the configured floor.
	user.MinAccountBalance = 6000
	if err := balances.SetBalance(ctx, user.ID, 10000, time.Now()); err != nil {
		t.Fatal(err)
	}
	dec, err = engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.Reason != domain.ReasonInsufficientBalance {
		t.Errorf("floor breach reason = %q", dec.Reason)
	}
}

func TestEvaluateAutoExecuteDisabled(t *testing.T) {
	ctx := context.Background()
	counter := memory.NewTradeCounter()
	balances := memory.NewBalanceCache()
	engine := NewEngine(counter, balances, testLogger())

	user := testUser()
	user.AutoExecuteEnabled = false
	if err := balances.SetBalance(ctx, user.ID, 10000, time.Now()); err != nil {
		t.Fatal(err)
	}

	dec, err := engine.Evaluate(ctx, user, testOpportunity(4644.22))
	if err != nil {
		t.Fatal(err)
	}
	if dec.AutoUnlock {
		t.Fatal("expected preview only")
	}
	if dec.Reason != domain.ReasonAutoExecuteDisabled {
		t.Errorf("reason = %q, want %q", dec.Reason, domain.ReasonAutoExecuteDisabled)
	}
	if !dec.Eligible {
		t.Error("auto_execute_disabled previews are still payment-eligible")
	}
}
