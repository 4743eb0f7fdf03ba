// Package profit pays out settled arbitrage profits as USDC transfers from
// the service treasury wallet.
package profit

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/arborlabs/arbd/internal/domain"
	"github.com/arborlabs/arbd/internal/payment"
)

// transferSelector is the 4-byte selector of transfer(address,uint256).
var transferSelector = ethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]

// erc20TransferGasLimit comfortably covers a USDC transfer (~65k observed).
const erc20TransferGasLimit = 100_000

// Distributor sends USDC from the treasury wallet to user wallets and
// returns the transaction hash as the distribution reference.
type Distributor struct {
	client *ethclient.Client
	key    *ecdsa.PrivateKey
	from   common.Address
	usdc   common.Address
	chain  *big.Int
	logger *slog.Logger
}

// NewDistributor dials the RPC endpoint and prepares a Distributor signing
// with the given hex-encoded treasury private key.
func NewDistributor(rpcURL, usdcContract, privateKeyHex string, logger *slog.Logger) (*Distributor, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("profit: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("profit: dial rpc: %w", err)
	}
	chain, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("profit: chain id: %w", err)
	}

	return &Distributor{
		client: client,
		key:    key,
		from:   ethcrypto.PubkeyToAddress(key.PublicKey),
		usdc:   common.HexToAddress(usdcContract),
		chain:  chain,
		logger: logger.With(slog.String("component", "distributor")),
	}, nil
}

var _ domain.ProfitDistributor = (*Distributor)(nil)

// Close releases the underlying RPC connection.
func (d *Distributor) Close() error {
	d.client.Close()
	return nil
}

// Address returns the treasury address payouts are sent from.
func (d *Distributor) Address() string {
	return d.from.Hex()
}

// Distribute transfers amount USDC to the wallet and returns the transaction
// hash once the transaction is accepted by the node. It does not wait for
// confirmation; the hash is durable enough to reconcile later.
func (d *Distributor) Distribute(ctx context.Context, wallet string, amount float64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("profit: distribution amount %.6f is not positive", amount)
	}
	to := common.HexToAddress(wallet)

	nonce, err := d.client.PendingNonceAt(ctx, d.from)
	if err != nil {
		return "", fmt.Errorf("profit: pending nonce: %w", err)
	}
	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("profit: gas price: %w", err)
	}

	data := transferCalldata(to, payment.UsdcUnits(amount))
	tx := types.NewTransaction(nonce, d.usdc, big.NewInt(0), erc20TransferGasLimit, gasPrice, data)

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(d.chain), d.key)
	if err != nil {
		return "", fmt.Errorf("profit: sign tx: %w", err)
	}
	if err := d.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("profit: send tx: %w", err)
	}

	ref := signed.Hash().Hex()
	d.logger.Info("profit distributed",
		slog.String("wallet", wallet),
		slog.Float64("amount_usdc", amount),
		slog.String("tx", ref),
	)
	return ref, nil
}

// transferCalldata ABI-encodes transfer(to, amount).
func transferCalldata(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}
