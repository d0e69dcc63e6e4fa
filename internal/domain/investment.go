package domain

import (
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// InvestmentType is the direction of a ledger event.
type InvestmentType string

const (
	InvestmentTypeInvest InvestmentType = "invest"
	InvestmentTypeRedeem InvestmentType = "redeem"
)

// InvestmentStatus gates whether an event counts toward balances. Only
// confirmed events do.
type InvestmentStatus string

const (
	InvestmentStatusConfirmed InvestmentStatus = "confirmed"
	InvestmentStatusPending   InvestmentStatus = "pending"
	InvestmentStatusFailed    InvestmentStatus = "failed"
)

// Investment is one immutable, append-only ledger event. The ledger is the
// sole source of truth for share balances: a user's confirmed balance in a
// pool is sum(invest shares) - sum(redeem shares).
type Investment struct {
	ID      string
	UserID  string
	PoolID  string
	Type    InvestmentType
	Amount  fixedpoint.USDC
	Shares  fixedpoint.Shares
	Status  InvestmentStatus
	TxHash  string
	// SharePriceAtEvent snapshots the NAV used for the event, when known.
	SharePriceAtEvent fixedpoint.NAV
	CreatedAt         time.Time
}

// UserPosition is a derived view of a user's holdings in one pool.
type UserPosition struct {
	UserID string
	PoolID string
	// TotalShares is the confirmed ledger balance.
	TotalShares fixedpoint.Shares
	// LockedShares are held by non-terminal redemption queue entries.
	LockedShares fixedpoint.Shares
	// AvailableShares = TotalShares - LockedShares.
	AvailableShares fixedpoint.Shares
	// Value is AvailableShares at the pool's current NAV.
	Value fixedpoint.USDC
}
