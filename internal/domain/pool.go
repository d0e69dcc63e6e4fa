package domain

import (
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// PoolStatus tracks whether a pool accepts activity.
type PoolStatus string

const (
	PoolStatusActive PoolStatus = "active"
	PoolStatusPaused PoolStatus = "paused"
	PoolStatusClosed PoolStatus = "closed"
)

// Pool is a tokenized asset pool. NAV is written by the external pricing
// process; this engine only reads it.
type Pool struct {
	ID             string
	ChainPoolID    int64
	Name           string
	NavPerShare    fixedpoint.NAV
	Status         PoolStatus
	TotalDeposited fixedpoint.USDC
	SettlementDays int
	// LargeRedemptionThreshold routes redemptions above it through admin
	// approval. Zero means no threshold.
	LargeRedemptionThreshold fixedpoint.Shares
	// LastQueuePosition backs the per-pool monotonic queue counter. Advanced
	// only by RedemptionStore.Create inside its transaction.
	LastQueuePosition int64
	TokenAddress      string
	PoolAddress       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IsActive reports whether the pool accepts redemptions and swaps.
func (p Pool) IsActive() bool {
	return p.Status == PoolStatusActive
}
