package payment

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/arborlabs/arbd/internal/domain"
)

// MockVerifier accepts any well-formed transaction hash without touching the
// chain. It backs local development and the mock_verifier config flag.
type MockVerifier struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]string // reference -> payer it was first verified for
}

// NewMockVerifier returns a MockVerifier.
func NewMockVerifier(logger *slog.Logger) *MockVerifier {
	return &MockVerifier{
		logger: logger.With(slog.String("component", "payment_verifier"), slog.Bool("mock", true)),
		seen:   make(map[string]string),
	}
}

var _ domain.PaymentVerifier = (*MockVerifier)(nil)

// Verify accepts any 32-byte hex reference. Like the real verifier it is
// idempotent per payer, but a reference re-verified for a different payer is
// rejected so replay tests behave realistically.
func (m *MockVerifier) Verify(ctx context.Context, reference string, expectedAmount float64, expectedPayer string) error {
	if !strings.HasPrefix(reference, "0x") || len(reference) != 66 {
		return fmt.Errorf("payment: malformed reference %q: %w", reference, domain.ErrPaymentInvalid)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if payer, ok := m.seen[reference]; ok && !strings.EqualFold(payer, expectedPayer) {
		return fmt.Errorf("payment: reference %s belongs to another payer: %w", reference, domain.ErrPaymentInvalid)
	}
	m.seen[reference] = expectedPayer

	m.logger.Debug("mock payment accepted",
		slog.String("reference", reference),
		slog.Float64("amount_usdc", expectedAmount),
	)
	return nil
}

// mockBalanceUSDC is generous enough to pass any realistic sufficiency check.
const mockBalanceUSDC = 1_000_000

// BalanceOf reports a fixed balance for every wallet so chain-less runs can
// still reach auto-unlock.
func (m *MockVerifier) BalanceOf(ctx context.Context, wallet string) (float64, error) {
	return mockBalanceUSDC, nil
}
