package domain

import (
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// RedemptionStatus is the redemption queue state machine.
//
//	queued            -> processing | cancelled
//	pending_approval  -> approved | rejected | cancelled
//	approved          -> processing
//	processing        -> settled | partially_filled | failed
//
// settled, rejected, cancelled and failed are terminal. A failed entry stays
// failed; settlement is at-most-once and resolution is manual.
type RedemptionStatus string

const (
	RedemptionStatusQueued          RedemptionStatus = "queued"
	RedemptionStatusPendingApproval RedemptionStatus = "pending_approval"
	RedemptionStatusApproved        RedemptionStatus = "approved"
	RedemptionStatusRejected        RedemptionStatus = "rejected"
	RedemptionStatusProcessing      RedemptionStatus = "processing"
	RedemptionStatusPartiallyFilled RedemptionStatus = "partially_filled"
	RedemptionStatusSettled         RedemptionStatus = "settled"
	RedemptionStatusFailed          RedemptionStatus = "failed"
	RedemptionStatusCancelled       RedemptionStatus = "cancelled"
)

// NonTerminalRedemptionStatuses are the states whose shares count as locked
// against a user's available balance.
var NonTerminalRedemptionStatuses = []RedemptionStatus{
	RedemptionStatusQueued,
	RedemptionStatusPendingApproval,
	RedemptionStatusApproved,
	RedemptionStatusProcessing,
	RedemptionStatusPartiallyFilled,
}

// IsTerminal reports whether no further transition is permitted.
func (s RedemptionStatus) IsTerminal() bool {
	switch s {
	case RedemptionStatusSettled, RedemptionStatusRejected,
		RedemptionStatusCancelled, RedemptionStatusFailed:
		return true
	}
	return false
}

// Cancellable reports whether the user may still withdraw the request.
func (s RedemptionStatus) Cancellable() bool {
	return s == RedemptionStatusQueued || s == RedemptionStatusPendingApproval
}

// RedemptionQueueEntry is a queued redemption request with its NAV locked at
// request time. Entries are never deleted; terminal rows are the audit trail.
type RedemptionQueueEntry struct {
	ID     string
	UserID string
	PoolID string
	Shares fixedpoint.Shares
	// NavAtRequest is the pool NAV locked when the request was accepted.
	NavAtRequest    fixedpoint.NAV
	EstimatedAmount fixedpoint.USDC
	// QueuePosition is unique and strictly increasing per pool, never reused.
	QueuePosition  int64
	SettlementDate time.Time
	Status         RedemptionStatus
	ApprovedBy     string
	Reason         string
	FilledShares   fixedpoint.Shares
	TxHash         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PoolQueueStats aggregates the open queue per status bucket.
type PoolQueueStats struct {
	PoolID    string
	ByStatus  map[RedemptionStatus]QueueBucket
	UpdatedAt time.Time
}

// QueueBucket is one status bucket of PoolQueueStats.
type QueueBucket struct {
	Count           int64
	Shares          fixedpoint.Shares
	EstimatedAmount fixedpoint.USDC
}
