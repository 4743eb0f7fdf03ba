// Package payment verifies unlock-fee payments against the chain. A payment
// reference is the hash of a USDC transfer transaction; verification checks
// that the transfer landed in the treasury wallet from the expected payer
// for at least the expected amount.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arborlabs/arbd/internal/domain"
)

// usdcDecimals is the USDC token precision on every chain it is issued on.
const usdcDecimals = 6

// transferTopic is keccak256("Transfer(address,address,uint256)"), the first
// topic of every ERC-20 transfer log.
var transferTopic = ethcrypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Verifier checks payment references against an Ethereum-compatible RPC
// endpoint. Verification is read-only and idempotent: the same reference
// verifies the same way every time.
type Verifier struct {
	client   *ethclient.Client
	usdc     common.Address
	treasury common.Address
	timeout  time.Duration
	logger   *slog.Logger
}

// NewVerifier dials the RPC endpoint and returns a Verifier for transfers of
// the given USDC contract into the treasury wallet.
func NewVerifier(rpcURL, usdcContract, treasury string, timeout time.Duration, logger *slog.Logger) (*Verifier, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("payment: dial rpc: %w", err)
	}
	return &Verifier{
		client:   client,
		usdc:     common.HexToAddress(usdcContract),
		treasury: common.HexToAddress(treasury),
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "payment_verifier")),
	}, nil
}

var _ domain.PaymentVerifier = (*Verifier)(nil)

// Close releases the underlying RPC connection.
func (v *Verifier) Close() error {
	v.client.Close()
	return nil
}

// Verify confirms that reference names a successful transaction containing a
// USDC transfer of at least expectedAmount from expectedPayer to the
// treasury. Every failure mode maps to domain.ErrPaymentInvalid so callers
// need not distinguish a missing transaction from a short payment.
func (v *Verifier) Verify(ctx context.Context, reference string, expectedAmount float64, expectedPayer string) error {
	if !strings.HasPrefix(reference, "0x") || len(reference) != 66 {
		return fmt.Errorf("payment: malformed reference %q: %w", reference, domain.ErrPaymentInvalid)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := v.client.TransactionReceipt(ctx, common.HexToHash(reference))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return fmt.Errorf("payment: transaction %s not found: %w", reference, domain.ErrPaymentInvalid)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("payment: receipt lookup timed out: %w", domain.ErrAdapterTimeout)
		}
		return fmt.Errorf("payment: receipt lookup: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("payment: transaction %s reverted: %w", reference, domain.ErrPaymentInvalid)
	}

	want := UsdcUnits(expectedAmount)
	payer := common.HexToAddress(expectedPayer)
	for _, lg := range receipt.Logs {
		if !v.matchesTransfer(lg, payer, want) {
			continue
		}
		v.logger.Debug("payment verified",
			slog.String("reference", reference),
			slog.String("payer", expectedPayer),
			slog.Float64("amount_usdc", expectedAmount),
		)
		return nil
	}
	return fmt.Errorf("payment: no qualifying transfer in %s: %w", reference, domain.ErrPaymentInvalid)
}

// balanceOfSelector is the first four bytes of keccak256("balanceOf(address)").
var balanceOfSelector = ethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]

// BalanceOf reads the wallet's current USDC balance via eth_call.
func (v *Verifier) BalanceOf(ctx context.Context, wallet string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(wallet).Bytes(), 32)...)

	out, err := v.client.CallContract(ctx, ethereum.CallMsg{To: &v.usdc, Data: data}, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("payment: balance lookup timed out: %w", domain.ErrAdapterTimeout)
		}
		return 0, fmt.Errorf("payment: balance of %s: %w", wallet, err)
	}

	units := new(big.Int).SetBytes(out)
	balance, _ := new(big.Float).Quo(new(big.Float).SetInt(units), big.NewFloat(1e6)).Float64()
	return balance, nil
}

// matchesTransfer reports whether one log is a USDC transfer from payer to
// the treasury of at least want base units.
func (v *Verifier) matchesTransfer(lg *types.Log, payer common.Address, want *big.Int) bool {
	if lg.Address != v.usdc || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
		return false
	}
	from := common.BytesToAddress(lg.Topics[1].Bytes())
	to := common.BytesToAddress(lg.Topics[2].Bytes())
	if from != payer || to != v.treasury {
		return false
	}
	amount := new(big.Int).SetBytes(lg.Data)
	return amount.Cmp(want) >= 0
}

// UsdcUnits converts a USDC amount into base units (6 decimals).
func UsdcUnits(amount float64) *big.Int {
	units := new(big.Float).Mul(big.NewFloat(amount), big.NewFloat(1e6))
	out, _ := units.Int(nil)
	return out
}
