package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/ledger"
	"github.com/arborlabs/arbd/internal/registry"
	"github.com/arborlabs/arbd/internal/store/memory"
)

// fakeVenue fills orders at their quoted price unless failPlace is set or
// restOrder leaves the order unfilled on the book.
type fakeVenue struct {
	name      string
	failPlace error
	restOrder bool    // orders rest unfilled instead of filling
	unwindAt  float64 // proceeds returned by CancelOrUnwind
	block     chan struct{}

	mu        sync.Mutex
	placed    int
	cancelled []string
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) PlaceOrder(ctx context.Context, eventID string, side domain.Side, price, size float64) (domain.OrderResult, error) {
	if v.block != nil {
		select {
		case <-v.block:
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		}
	}
	if v.failPlace != nil {
		return domain.OrderResult{}, v.failPlace
	}
	v.mu.Lock()
	v.placed++
	n := v.placed
	v.mu.Unlock()
	if v.restOrder {
		return domain.OrderResult{
			Status:          domain.LegPlaced,
			ExternalOrderID: fmt.Sprintf("%s-resting-%d", v.name, n),
		}, nil
	}
	return domain.OrderResult{
		Status:          domain.LegFilled,
		ExternalOrderID: fmt.Sprintf("%s-order-%d", v.name, n),
		FilledSize:      size,
		FilledPrice:     price,
	}, nil
}

func (v *fakeVenue) CancelOrUnwind(ctx context.Context, externalOrderID string) (float64, error) {
	v.mu.Lock()
	v.cancelled = append(v.cancelled, externalOrderID)
	v.mu.Unlock()
	return v.unwindAt, nil
}

func (v *fakeVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.placed
}

func (v *fakeVenue) cancelledOrders() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.cancelled...)
}

// fakeDistributor records distributions.
type fakeDistributor struct {
	mu    sync.Mutex
	calls []float64
}

func (d *fakeDistributor) Distribute(ctx context.Context, wallet string, amount float64) (string, error) {
	d.mu.Lock()
	d.calls = append(d.calls, amount)
	d.mu.Unlock()
	return "0xdist1", nil
}

type fixture struct {
	exec    *Executor
	reg     *registry.Registry
	led     *ledger.Ledger
	users   *memory.UserStore
	store   *memory.ExecutionStore
	counter *memory.TradeCounter
	dist    *fakeDistributor
	poly    *fakeVenue
	kalshi  *fakeVenue
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()

	f := &fixture{
		reg:     registry.New(memory.NewOpportunityStore(), nil, logger),
		users:   memory.NewUserStore(),
		store:   memory.NewExecutionStore(),
		counter: memory.NewTradeCounter(),
		dist:    &fakeDistributor{},
		poly:    &fakeVenue{name: "polymarket"},
		kalshi:  &fakeVenue{name: "kalshi"},
	}
	f.led = ledger.New(memory.NewUnlockStore(), nil, nil, nil, 2.00, logger)

	cfg := Config{
		LegTimeout:     time.Second,
		LockTTL:        time.Minute,
		FlatFeeUSDC:    2.00,
		ProfitSharePct: 5.0,
	}
	f.exec = New(cfg, f.reg, f.led, f.users, f.store,
		map[string]domain.OrderExecutor{"polymarket": f.poly, "kalshi": f.kalshi},
		memory.NewLockManager(), f.counter, f.dist, nil, memory.NewAuditStore(), logger)
	return f
}

func (f *fixture) seed(t *testing.T) (domain.Opportunity, domain.User) {
	t.Helper()
	opp, user := f.seedWithoutUnlock(t)
	if _, err := f.led.RecordAutoUnlock(context.Background(), opp, user); err != nil {
		t.Fatal(err)
	}
	return opp, user
}

func (f *fixture) seedWithoutUnlock(t *testing.T) (domain.Opportunity, domain.User) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	opp := domain.Opportunity{
		ID:              "opp-1",
		EventID:         "fed-rate-cut-march",
		VenueA:          domain.Leg{Venue: "polymarket", Side: domain.SideYes, Price: 0.40, Size: 4739},
		VenueB:          domain.Leg{Venue: "kalshi", Side: domain.SideNo, Price: 0.58, Size: 4739},
		Size:            4739,
		TotalCost:       4644.22,
		EstimatedProfit: 94.78,
		CreatedAt:       now,
		ExpiresAt:       now.Add(5 * time.Minute),
	}
	if err := f.reg.Publish(ctx, opp); err != nil {
		t.Fatal(err)
	}

	user := domain.User{
		ID:                 "user-a",
		WalletAddress:      "0x1111111111111111111111111111111111111111",
		MaxCapitalPerTrade: 5000,
		MaxTradesPerDay:    10,
		AutoExecuteEnabled: true,
		CreatedAt:          now,
	}
	if err := f.users.Upsert(ctx, user); err != nil {
		t.Fatal(err)
	}
	return opp, user
}

func TestExecuteSettlesBothLegs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempt.Status != domain.ExecSettled {
		t.Fatalf("status = %q, want settled (reason: %s)", attempt.Status, attempt.FailureReason)
	}

	// Gross 94.78, minus 2.00 flat fee and 5% share (4.739).
	wantNet := 94.78 - 2.00 - 94.78*0.05
	if !almostEqual(attempt.NetProfit, wantNet) {
		t.Errorf("net profit = %v, want %v", attempt.NetProfit, wantNet)
	}
	if !almostEqual(attempt.ProfitShareUSDC, 4.739) {
		t.Errorf("profit share = %v, want 4.739", attempt.ProfitShareUSDC)
	}
	if attempt.DistributionRef != "0xdist1" {
		t.Errorf("distribution ref = %q", attempt.DistributionRef)
	}
	if len(f.dist.calls) != 1 || !almostEqual(f.dist.calls[0], wantNet) {
		t.Errorf("distributor calls = %v", f.dist.calls)
	}

	// The consumed opportunity leaves the working set.
	if _, err := f.reg.Get("opp-1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("opportunity still active after settlement: %v", err)
	}
	// One trade consumed.
	if n, _ := f.counter.Count(ctx, "user-a"); n != 1 {
		t.Errorf("trade count = %d, want 1", n)
	}
	// Attempt persisted in its terminal state.
	stored, err := f.store.GetByID(ctx, attempt.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.ExecSettled || stored.SettledAt == nil {
		t.Errorf("stored attempt = %+v", stored)
	}
}

func TestExecuteRequiresUnlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seed(t)

	// A different user without an unlock.
	other := user
	other.ID = "user-b"
	if err := f.users.Upsert(ctx, other); err != nil {
		t.Fatal(err)
	}

	_, err := f.exec.Execute(ctx, opp.ID, "user-b", 1.0)
	if !errors.Is(err, domain.ErrNotUnlocked) {
		t.Fatalf("err = %v, want ErrNotUnlocked", err)
	}
	if f.poly.placedCount() != 0 || f.kalshi.placedCount() != 0 {
		t.Error("no orders may be placed without an unlock")
	}
}

func TestExecuteConcurrentSecondRequestRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	// Both venues stall until released so the first attempt stays in
	// flight while the second arrives.
	gate := make(chan struct{})
	f.poly.block = gate
	f.kalshi.block = gate

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
			results <- err
		}()
	}

	// Wait until one attempt holds the lock and is placing orders, then
	// give the loser time to hit the lock.
	time.Sleep(100 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(results)

	var inProgress, succeeded int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrExecutionInProgress):
			inProgress++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || inProgress != 1 {
		t.Fatalf("succeeded=%d inProgress=%d, want exactly one of each", succeeded, inProgress)
	}
	// Exactly one attempt placed orders.
	if f.poly.placedCount() != 1 || f.kalshi.placedCount() != 1 {
		t.Errorf("orders placed: poly=%d kalshi=%d, want 1 each",
			f.poly.placedCount(), f.kalshi.placedCount())
	}
	if n, _ := f.counter.Count(ctx, "user-a"); n != 1 {
		t.Errorf("trade count = %d, want 1", n)
	}
}

func TestExecutePartialFailureUnwinds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.kalshi.failPlace = errors.New("insufficient liquidity")
	f.poly.unwindAt = 1800.00 // filled leg cost 0.40*4739 = 1895.60

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// A partial fill settles at its realized loss rather than failing.
	if attempt.Status != domain.ExecSettled {
		t.Fatalf("status = %q, want settled", attempt.Status)
	}
	if attempt.SettledAt == nil {
		t.Error("settled attempt must carry a settlement time")
	}
	if !strings.Contains(attempt.FailureReason, domain.ErrPartialFill.Error()) {
		t.Errorf("failure reason = %q, want partial fill", attempt.FailureReason)
	}
	if !attempt.LegA.Unwound {
		t.Error("filled leg must be unwound")
	}
	wantLoss := 1800.00 - 1895.60
	if !almostEqual(attempt.NetProfit, wantLoss) {
		t.Errorf("net profit = %v, want %v", attempt.NetProfit, wantLoss)
	}
	if len(f.dist.calls) != 0 {
		t.Error("no distribution on a loss")
	}
	// A lossy settlement leaves the opportunity live for other users.
	if _, err := f.reg.Get("opp-1"); err != nil {
		t.Errorf("opportunity should remain active: %v", err)
	}
}

func TestExecuteRestingLegCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	// Kalshi leaves its limit order resting on the book; the polymarket leg
	// fills and is unwound. The resting order must be cancelled, not
	// abandoned to fill later into a one-sided position.
	f.kalshi.restOrder = true
	f.poly.unwindAt = 1800.00

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempt.Status != domain.ExecSettled {
		t.Fatalf("status = %q, want settled", attempt.Status)
	}
	if attempt.LegB.Status != domain.LegCancelled {
		t.Errorf("resting leg status = %q, want cancelled", attempt.LegB.Status)
	}
	cancelled := f.kalshi.cancelledOrders()
	if len(cancelled) != 1 || cancelled[0] != "kalshi-resting-1" {
		t.Errorf("kalshi cancels = %v, want the resting order", cancelled)
	}
	if !attempt.LegA.Unwound {
		t.Error("filled leg must be unwound")
	}
	wantLoss := 1800.00 - 1895.60
	if !almostEqual(attempt.NetProfit, wantLoss) {
		t.Errorf("net profit = %v, want %v", attempt.NetProfit, wantLoss)
	}
}

func TestExecuteBothLegsRestingCancelled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.poly.restOrder = true
	f.kalshi.restOrder = true

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempt.Status != domain.ExecFailed {
		t.Fatalf("status = %q, want failed", attempt.Status)
	}
	if attempt.LegA.Status != domain.LegCancelled || attempt.LegB.Status != domain.LegCancelled {
		t.Errorf("leg statuses = %q/%q, want both cancelled",
			attempt.LegA.Status, attempt.LegB.Status)
	}
	if len(f.poly.cancelledOrders()) != 1 || len(f.kalshi.cancelledOrders()) != 1 {
		t.Error("both resting orders must be cancelled")
	}
	if attempt.NetProfit != 0 {
		t.Errorf("net profit = %v, want 0 (nothing filled)", attempt.NetProfit)
	}
}

func TestExecuteDailyLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, user := f.seed(t)

	user.MaxTradesPerDay = 1
	if err := f.users.Upsert(ctx, user); err != nil {
		t.Fatal(err)
	}

	if _, err := f.exec.Execute(ctx, opp.ID, user.ID, 1.0); err != nil {
		t.Fatalf("first Execute: %v", err)
	}

	// Republish so the opportunity is live again, unlock carries over.
	opp2 := opp
	opp2.ID = "opp-2"
	if err := f.reg.Publish(ctx, opp2); err != nil {
		t.Fatal(err)
	}
	if _, err := f.led.RecordAutoUnlock(ctx, opp2, user); err != nil {
		t.Fatal(err)
	}

	_, err := f.exec.Execute(ctx, "opp-2", user.ID, 1.0)
	if !errors.Is(err, domain.ErrIneligible) {
		t.Fatalf("err = %v, want ErrIneligible", err)
	}
	if n, _ := f.counter.Count(ctx, user.ID); n != 1 {
		t.Errorf("trade count = %d, want 1 after rejection", n)
	}
}

func TestExecuteExpiredOpportunity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	opp, _ := f.seed(t)

	if err := f.reg.Retire(ctx, opp.ID, registry.RetireExpired); err != nil {
		t.Fatal(err)
	}

	_, err := f.exec.Execute(ctx, opp.ID, "user-a", 1.0)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if n, _ := f.counter.Count(ctx, "user-a"); n != 0 {
		t.Errorf("trade count = %d, want 0", n)
	}
}

func TestExecuteCapitalFractionScalesLegs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if !almostEqual(attempt.LegA.FilledSize, 4739*0.5) {
		t.Errorf("leg A filled size = %v, want %v", attempt.LegA.FilledSize, 4739*0.5)
	}
	// Half the size, half the gross.
	wantNet := 94.78*0.5 - 2.00 - 94.78*0.5*0.05
	if !almostEqual(attempt.NetProfit, wantNet) {
		t.Errorf("net profit = %v, want %v", attempt.NetProfit, wantNet)
	}

	_, err = f.exec.Execute(ctx, "opp-1", "user-a", 0)
	if err == nil {
		t.Error("zero capital fraction must be rejected")
	}
}

func TestExecuteBothLegsFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t)

	f.poly.failPlace = errors.New("venue down")
	f.kalshi.failPlace = errors.New("venue down")

	attempt, err := f.exec.Execute(ctx, "opp-1", "user-a", 1.0)
	if err != nil {
		t.Fatal(err)
	}
	if attempt.Status != domain.ExecFailed {
		t.Fatalf("status = %q, want failed", attempt.Status)
	}
	if attempt.NetProfit != 0 {
		t.Errorf("net profit = %v, want 0 (nothing at risk)", attempt.NetProfit)
	}
	// Failed attempts are terminal but do not retire the opportunity.
	if _, err := f.reg.Get("opp-1"); err != nil {
		t.Errorf("opportunity should remain active: %v", err)
	}
}
