package domain

import (
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// FeeType distinguishes accrued fee rows.
type FeeType string

const (
	FeeTypeManagement  FeeType = "management"
	FeeTypePerformance FeeType = "performance"
	FeeTypeEntry       FeeType = "entry"
	FeeTypeExit        FeeType = "exit"
)

// AccruedFeeStatus tracks collection of an accrued fee.
type AccruedFeeStatus string

const (
	AccruedFeeStatusPending   AccruedFeeStatus = "pending"
	AccruedFeeStatusCollected AccruedFeeStatus = "collected"
)

// Upper bounds enforced whenever a fee config is written.
const (
	MaxManagementFeeBps  fixedpoint.Bps = 500  // 5%
	MaxPerformanceFeeBps fixedpoint.Bps = 2000 // 20%
	MaxEntryFeeBps       fixedpoint.Bps = 200  // 2%
	MaxExitFeeBps        fixedpoint.Bps = 500  // 5%
)

// FeeConfig holds per-pool fee parameters in basis points.
type FeeConfig struct {
	PoolID            string
	ManagementFeeBps  fixedpoint.Bps
	PerformanceFeeBps fixedpoint.Bps
	EntryFeeBps       fixedpoint.Bps
	ExitFeeBps        fixedpoint.Bps
	FeeRecipient      string
	UpdatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// FeeConfigUpdate carries optional field updates; nil fields are untouched.
type FeeConfigUpdate struct {
	ManagementFeeBps  *fixedpoint.Bps
	PerformanceFeeBps *fixedpoint.Bps
	EntryFeeBps       *fixedpoint.Bps
	ExitFeeBps        *fixedpoint.Bps
	FeeRecipient      *string
}

// AccruedFee is one immutable fee accrual for a pool, fee type and calendar
// day. Uniqueness of (PoolID, Type, Period) is the accrual idempotency guard.
type AccruedFee struct {
	ID     string
	PoolID string
	Type   FeeType
	Amount fixedpoint.USDC
	// Period is the calendar-day key, formatted YYYY-MM-DD in UTC.
	Period    string
	Status    AccruedFeeStatus
	TxHash    string
	CreatedAt time.Time
}

// FeePeriod renders t as the calendar-day accrual key.
func FeePeriod(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// PositionHighWatermark records the highest NAV at which a performance fee
// has been charged for a (user, pool) position. The watermark only moves up.
type PositionHighWatermark struct {
	UserID           string
	PoolID           string
	HighWatermarkNav fixedpoint.NAV
	UpdatedAt        time.Time
}

// PoolFeeSummary aggregates accrued fees per pool for reporting.
type PoolFeeSummary struct {
	PoolID         string
	PendingCount   int64
	PendingAmount  fixedpoint.USDC
	CollectedCount int64
	CollectedTotal fixedpoint.USDC
}
