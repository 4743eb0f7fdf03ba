package balance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/store/memory"
)

type fakeBalancer struct {
	balances map[string]float64
	errs     map[string]error
	calls    int
}

func (f *fakeBalancer) BalanceOf(_ context.Context, wallet string) (float64, error) {
	f.calls++
	if err := f.errs[wallet]; err != nil {
		return 0, err
	}
	return f.balances[wallet], nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRefreshFillsCache(t *testing.T) {
	ctx := context.Background()
	users := memory.NewUserStore()
	cache := memory.NewBalanceCache()

	for _, u := range []domain.User{
		{ID: "user-a", WalletAddress: "0xaaa"},
		{ID: "user-b", WalletAddress: "0xbbb"},
		{ID: "user-nowallet"},
	} {
		if err := users.Upsert(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	balancer := &fakeBalancer{balances: map[string]float64{
		"0xaaa": 1250.50,
		"0xbbb": 10,
	}}
	p := NewPoller(users, cache, balancer, 0, testLogger())
	p.refresh(ctx)

	if bal, _, err := cache.GetBalance(ctx, "user-a"); err != nil || bal != 1250.50 {
		t.Errorf("user-a balance = %v, %v; want 1250.50", bal, err)
	}
	if bal, _, err := cache.GetBalance(ctx, "user-b"); err != nil || bal != 10 {
		t.Errorf("user-b balance = %v, %v; want 10", bal, err)
	}
	if _, _, err := cache.GetBalance(ctx, "user-nowallet"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("user without wallet must stay uncached, got %v", err)
	}
	if balancer.calls != 2 {
		t.Errorf("balancer calls = %d, want 2", balancer.calls)
	}
}

func TestRefreshSkipsFailedLookups(t *testing.T) {
	ctx := context.Background()
	users := memory.NewUserStore()
	cache := memory.NewBalanceCache()

	for _, u := range []domain.User{
		{ID: "user-a", WalletAddress: "0xaaa"},
		{ID: "user-b", WalletAddress: "0xbbb"},
	} {
		if err := users.Upsert(ctx, u); err != nil {
			t.Fatal(err)
		}
	}

	balancer := &fakeBalancer{
		balances: map[string]float64{"0xbbb": 42},
		errs:     map[string]error{"0xaaa": errors.New("rpc down")},
	}
	p := NewPoller(users, cache, balancer, 0, testLogger())
	p.refresh(ctx)

	if _, _, err := cache.GetBalance(ctx, "user-a"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("failed lookup must not cache, got %v", err)
	}
	if bal, _, err := cache.GetBalance(ctx, "user-b"); err != nil || bal != 42 {
		t.Errorf("user-b balance = %v, %v; want 42", bal, err)
	}
}
