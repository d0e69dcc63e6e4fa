package domain

import (
	"context"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// ExecutionResult is the outcome of a successful on-chain redemption.
type ExecutionResult struct {
	TxHash string
	// Amount is the executor-reported USDC payout.
	Amount fixedpoint.USDC
}

// OnChainExecutor redeems shares on chain. It is invoked once per settlement
// attempt; any error is treated as settlement failure and no retry behavior
// is assumed.
type OnChainExecutor interface {
	Redeem(ctx context.Context, chainPoolID int64, investorAddress string, shares fixedpoint.Shares) (ExecutionResult, error)
}

// BlobWriter stores a payload under a key in object storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte) error
}
