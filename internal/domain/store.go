package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PoolStore reads pool state. NAV and deposits are written by the external
// pricing process; this engine only reads them.
type PoolStore interface {
	Upsert(ctx context.Context, pool Pool) error
	GetByID(ctx context.Context, id string) (Pool, error)
	ListActive(ctx context.Context) ([]Pool, error)
}

// FeeConfigStore persists per-pool fee parameters.
type FeeConfigStore interface {
	Get(ctx context.Context, poolID string) (FeeConfig, error)
	Upsert(ctx context.Context, cfg FeeConfig) error
}

// AccruedFeeStore persists append-only fee accruals. Insert must surface
// ErrAlreadyExists when a row for the same (pool, type, period) exists.
type AccruedFeeStore interface {
	Insert(ctx context.Context, fee AccruedFee) error
	ExistsForPeriod(ctx context.Context, poolID string, feeType FeeType, period string) (bool, error)
	ListPending(ctx context.Context, poolID string) ([]AccruedFee, error)
	MarkCollected(ctx context.Context, ids []string, txHash string) error
	Summary(ctx context.Context, poolID string) (PoolFeeSummary, error)
}

// WatermarkStore persists position high-watermarks. ChargePerformanceFee runs
// the read-compare-raise cycle in a single transaction: it locks (or creates,
// defaulting to NavBase) the watermark row, returns 0 leaving the watermark
// untouched when currentNav is at or below it, and otherwise computes the fee
// and raises the watermark to currentNav before committing.
type WatermarkStore interface {
	Get(ctx context.Context, userID, poolID string) (PositionHighWatermark, error)
	ChargePerformanceFee(ctx context.Context, userID, poolID string, shares fixedpoint.Shares, currentNav fixedpoint.NAV, performanceFeeBps fixedpoint.Bps) (fixedpoint.USDC, error)
}

// InvestmentStore persists the append-only share ledger.
type InvestmentStore interface {
	Insert(ctx context.Context, inv Investment) error
	// ConfirmedShareBalance returns sum(invest) - sum(redeem) over confirmed
	// events for the user and pool.
	ConfirmedShareBalance(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Investment, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Investment, error)
}

// RedemptionStore persists the redemption queue. Create assigns the per-pool
// queue position atomically with the insert and re-checks the available-share
// invariant inside the same transaction, failing with ErrInsufficientShares
// when the entry would lock more shares than the user holds unlocked.
// Transition methods are conditional updates that fail with
// ErrInvalidTransition when the entry is not in an allowed source status.
type RedemptionStore interface {
	Create(ctx context.Context, entry RedemptionQueueEntry) (RedemptionQueueEntry, error)
	GetByID(ctx context.Context, id string) (RedemptionQueueEntry, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]RedemptionQueueEntry, error)
	// LockedShares sums shares held by the user's non-terminal entries in the
	// pool.
	LockedShares(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error)
	CountNonTerminal(ctx context.Context, userID string) (int64, error)
	// Transition moves the entry to status `to` only when it currently is in
	// one of `from`. This conditional update is the sole claim operation for
	// settlement processing.
	Transition(ctx context.Context, id string, to RedemptionStatus, from ...RedemptionStatus) error
	Approve(ctx context.Context, id, approver string) error
	Reject(ctx context.Context, id, approver, reason string) error
	// MarkSettled flips the entry to settled and appends the confirmed redeem
	// ledger event in the same transaction, so the status change and its
	// balance effect land together or not at all.
	MarkSettled(ctx context.Context, id string, filled fixedpoint.Shares, txHash string, ledger Investment) error
	MarkFailed(ctx context.Context, id, reason string) error
	// ListEligible returns queued/approved entries whose settlement date has
	// passed, ordered by pool then queue position ascending. Empty poolID
	// means all pools.
	ListEligible(ctx context.Context, poolID string, asOf time.Time) ([]RedemptionQueueEntry, error)
	QueueStats(ctx context.Context, poolID string) (PoolQueueStats, error)
}

// SwapStore persists pool swaps. Confirm transitions the swap to confirmed
// and appends the redeem and invest ledger events in the same transaction.
type SwapStore interface {
	Create(ctx context.Context, swap PoolSwap) error
	GetByID(ctx context.Context, id string) (PoolSwap, error)
	Transition(ctx context.Context, id string, to SwapStatus, from ...SwapStatus) error
	Confirm(ctx context.Context, id, txHash string) (PoolSwap, error)
	MarkFailed(ctx context.Context, id, errMsg string) error
	// CancelStale bulk-cancels swaps still in a pre-submission status created
	// before the cutoff, returning the number cancelled.
	CancelStale(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
