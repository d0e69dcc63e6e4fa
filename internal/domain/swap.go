package domain

import (
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// SwapStatus is the cross-pool swap state machine.
//
//	pending -> building -> awaiting_signature -> submitted -> confirmed
//
// failed and cancelled are reachable from any non-terminal state; confirmed,
// failed and cancelled are terminal.
type SwapStatus string

const (
	SwapStatusPending           SwapStatus = "pending"
	SwapStatusBuilding          SwapStatus = "building"
	SwapStatusAwaitingSignature SwapStatus = "awaiting_signature"
	SwapStatusSubmitted         SwapStatus = "submitted"
	SwapStatusConfirmed         SwapStatus = "confirmed"
	SwapStatusFailed            SwapStatus = "failed"
	SwapStatusCancelled         SwapStatus = "cancelled"
)

// IsTerminal reports whether no further transition is permitted.
func (s SwapStatus) IsTerminal() bool {
	switch s {
	case SwapStatusConfirmed, SwapStatusFailed, SwapStatusCancelled:
		return true
	}
	return false
}

// StaleSwapStatuses are the states bulk-cancelled by cleanup when a swap has
// sat unresolved past twice the quote validity window.
var StaleSwapStatuses = []SwapStatus{
	SwapStatusPending,
	SwapStatusBuilding,
	SwapStatusAwaitingSignature,
}

// SwapQuoteTTL is the validity window of a swap quote. Enforced by
// recomputing quote age at validation time, not by a timer.
const SwapQuoteTTL = 5 * time.Minute

// DefaultSwapFeeBps is charged on the source amount of every swap.
const DefaultSwapFeeBps fixedpoint.Bps = 25

// MaxSwapSlippageBps bounds the caller-supplied slippage tolerance.
const MaxSwapSlippageBps fixedpoint.Bps = 1000

// SwapQuote is a soft lease on a cross-pool conversion rate.
type SwapQuote struct {
	UserID          string
	SourcePoolID    string
	TargetPoolID    string
	Shares          fixedpoint.Shares
	SourceNav       fixedpoint.NAV
	TargetNav       fixedpoint.NAV
	SourceAmount    fixedpoint.USDC
	Fee             fixedpoint.USDC
	TargetAmount    fixedpoint.USDC
	TargetShares    fixedpoint.Shares
	MinOutputShares fixedpoint.Shares
	SlippageBps     fixedpoint.Bps
	QuotedAt        time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the quote has aged past its validity window.
func (q SwapQuote) Expired(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// PoolSwap is a persisted swap with the quote snapshot used to build it.
type PoolSwap struct {
	ID              string
	UserID          string
	SourcePoolID    string
	TargetPoolID    string
	Shares          fixedpoint.Shares
	SourceAmount    fixedpoint.USDC
	TargetAmount    fixedpoint.USDC
	Fee             fixedpoint.USDC
	SourceNav       fixedpoint.NAV
	TargetNav       fixedpoint.NAV
	TargetShares    fixedpoint.Shares
	SlippageBps     fixedpoint.Bps
	MinOutputShares fixedpoint.Shares
	Status          SwapStatus
	QuotedAt        time.Time
	TxHash          string
	Error           string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SwapCall is one call of the atomic multi-call payload.
type SwapCall struct {
	Target string
	Value  string
	Data   []byte
}

// SwapUserOp is the opaque payload handed to the account-abstraction wallet.
// Calls are ordered redeem(source) -> approve(spender) -> invest(target).
type SwapUserOp struct {
	SwapID string
	Calls  []SwapCall
}
