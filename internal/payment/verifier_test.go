package payment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/arborlabs/arbd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUsdcUnits(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{2.00, 2_000_000},
		{0.5, 500_000},
		{94.78, 94_780_000},
		{0, 0},
	}
	for _, tc := range cases {
		if got := UsdcUnits(tc.in); got.Cmp(big.NewInt(tc.want)) != 0 {
			t.Errorf("UsdcUnits(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMockVerifierMalformedReference(t *testing.T) {
	m := NewMockVerifier(testLogger())
	ctx := context.Background()

	for _, ref := range []string{"", "abc", "0x123", "deadbeef"} {
		if err := m.Verify(ctx, ref, 2.00, "0xpayer"); !errors.Is(err, domain.ErrPaymentInvalid) {
			t.Errorf("Verify(%q) = %v, want ErrPaymentInvalid", ref, err)
		}
	}
}

func TestMockVerifierIdempotentPerPayer(t *testing.T) {
	m := NewMockVerifier(testLogger())
	ctx := context.Background()
	ref := "0x" + strings.Repeat("ab", 32)

	if err := m.Verify(ctx, ref, 2.00, "0xpayer-1"); err != nil {
		t.Fatalf("first Verify: %v", err)
	}
	if err := m.Verify(ctx, ref, 2.00, "0xpayer-1"); err != nil {
		t.Fatalf("repeat Verify: %v", err)
	}
	if err := m.Verify(ctx, ref, 2.00, "0xpayer-2"); !errors.Is(err, domain.ErrPaymentInvalid) {
		t.Errorf("cross-payer Verify = %v, want ErrPaymentInvalid", err)
	}
}
