package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// TxReceipt is the outcome of a mined contract call.
type TxReceipt struct {
	Hash string
	// Output is the ABI-encoded return data. redeem() returns the USDC
	// payout as a single uint256.
	Output []byte
}

// TxSender submits a contract call and waits for it to be mined. It is
// implemented by the relayer client; tests substitute their own.
type TxSender interface {
	Execute(ctx context.Context, to common.Address, data []byte) (TxReceipt, error)
}

// Executor implements domain.OnChainExecutor against the settlement contract.
type Executor struct {
	builder *PayloadBuilder
	sender  TxSender
	target  common.Address
	logger  *slog.Logger
}

// NewExecutor creates an Executor that encodes redeem calls through builder
// and submits them through sender.
func NewExecutor(builder *PayloadBuilder, sender TxSender, logger *slog.Logger) *Executor {
	return &Executor{
		builder: builder,
		sender:  sender,
		target:  common.HexToAddress(builder.addrs.Settlement),
		logger:  logger.With(slog.String("component", "chain_executor")),
	}
}

// Redeem submits a redeem call for the investor's shares and decodes the
// reported payout from the return data.
func (e *Executor) Redeem(ctx context.Context, chainPoolID int64, investorAddress string, shares fixedpoint.Shares) (domain.ExecutionResult, error) {
	data, err := e.builder.RedeemCalldata(chainPoolID, investorAddress, shares)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	receipt, err := e.sender.Execute(ctx, e.target, data)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("chain: redeem pool %d: %w", chainPoolID, err)
	}

	amount, err := decodePayout(receipt.Output)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("chain: redeem pool %d: %w", chainPoolID, err)
	}

	e.logger.Info("chain: redeem executed",
		slog.Int64("chain_pool_id", chainPoolID),
		slog.String("investor", investorAddress),
		slog.Int64("shares", int64(shares)),
		slog.String("tx_hash", receipt.Hash),
	)

	return domain.ExecutionResult{TxHash: receipt.Hash, Amount: amount}, nil
}

// decodePayout reads the uint256 payout from the first return word.
func decodePayout(output []byte) (fixedpoint.USDC, error) {
	if len(output) < 32 {
		return 0, fmt.Errorf("short return data (%d bytes)", len(output))
	}
	v := new(big.Int).SetBytes(output[:32])
	if !v.IsInt64() {
		return 0, fmt.Errorf("payout %s overflows int64", v)
	}
	return fixedpoint.USDC(v.Int64()), nil
}

// Compile-time interface check.
var _ domain.OnChainExecutor = (*Executor)(nil)
