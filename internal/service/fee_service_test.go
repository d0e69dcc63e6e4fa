package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
)

const testTreasury = "0x00000000000000000000000000000000000000aa"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type feeFixture struct {
	svc        *FeeService
	pools      *memory.PoolStore
	configs    *memory.FeeConfigStore
	accrued    *memory.AccruedFeeStore
	watermarks *memory.WatermarkStore
	audit      *memory.AuditStore
}

func newFeeFixture(t *testing.T, defaults FeeDefaults) *feeFixture {
	t.Helper()
	f := &feeFixture{
		pools:      memory.NewPoolStore(),
		configs:    memory.NewFeeConfigStore(),
		accrued:    memory.NewAccruedFeeStore(),
		watermarks: memory.NewWatermarkStore(),
		audit:      memory.NewAuditStore(),
	}
	f.svc = NewFeeService(f.pools, f.configs, f.accrued, f.watermarks,
		memory.NewSignalBus(), f.audit, defaults, testLogger())
	return f
}

func defaultFees() FeeDefaults {
	return FeeDefaults{
		ManagementFeeBps:  50,
		PerformanceFeeBps: 1000,
		EntryFeeBps:       0,
		ExitFeeBps:        50,
		Treasury:          testTreasury,
		Admins:            []string{"admin-1"},
	}
}

func activePool(id string, deposited fixedpoint.USDC, nav fixedpoint.NAV) domain.Pool {
	return domain.Pool{
		ID:             id,
		ChainPoolID:    1,
		Name:           "Pool " + id,
		NavPerShare:    nav,
		Status:         domain.PoolStatusActive,
		TotalDeposited: deposited,
		SettlementDays: 2,
	}
}

func TestGetOrCreateFeeConfigDefaults(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	cfg, err := f.svc.GetOrCreateFeeConfig(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Bps(50), cfg.ManagementFeeBps)
	assert.Equal(t, testTreasury, cfg.FeeRecipient)

	// Second call returns the stored config, not a new one.
	again, err := f.svc.GetOrCreateFeeConfig(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, cfg.CreatedAt, again.CreatedAt)
}

func TestGetOrCreateFeeConfigRejectsMissingTreasury(t *testing.T) {
	defaults := defaultFees()
	defaults.Treasury = ""
	f := newFeeFixture(t, defaults)

	_, err := f.svc.GetOrCreateFeeConfig(context.Background(), "pool-1")
	require.ErrorIs(t, err, domain.ErrZeroAddress)
}

func TestGetOrCreateFeeConfigRejectsZeroTreasury(t *testing.T) {
	defaults := defaultFees()
	defaults.Treasury = "0x0000000000000000000000000000000000000000"
	f := newFeeFixture(t, defaults)

	_, err := f.svc.GetOrCreateFeeConfig(context.Background(), "pool-1")
	require.ErrorIs(t, err, domain.ErrZeroAddress)
}

func TestUpdateFeeConfigAuthorization(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	mgmt := fixedpoint.Bps(100)
	_, err := f.svc.UpdateFeeConfig(ctx, "pool-1", "not-an-admin", domain.FeeConfigUpdate{
		ManagementFeeBps: &mgmt,
	})
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	cfg, err := f.svc.UpdateFeeConfig(ctx, "pool-1", "admin-1", domain.FeeConfigUpdate{
		ManagementFeeBps: &mgmt,
	})
	require.NoError(t, err)
	assert.Equal(t, mgmt, cfg.ManagementFeeBps)
	assert.Equal(t, "admin-1", cfg.UpdatedBy)
}

func TestUpdateFeeConfigBounds(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	over := fixedpoint.Bps(501)
	_, err := f.svc.UpdateFeeConfig(ctx, "pool-1", "admin-1", domain.FeeConfigUpdate{
		ManagementFeeBps: &over,
	})
	require.ErrorIs(t, err, domain.ErrFeeOutOfBounds)

	perf := fixedpoint.Bps(2001)
	_, err = f.svc.UpdateFeeConfig(ctx, "pool-1", "admin-1", domain.FeeConfigUpdate{
		PerformanceFeeBps: &perf,
	})
	require.ErrorIs(t, err, domain.ErrFeeOutOfBounds)

	zero := "0x0000000000000000000000000000000000000000"
	_, err = f.svc.UpdateFeeConfig(ctx, "pool-1", "admin-1", domain.FeeConfigUpdate{
		FeeRecipient: &zero,
	})
	require.ErrorIs(t, err, domain.ErrZeroAddress)

	// Nothing above should have landed.
	cfg, err := f.svc.GetOrCreateFeeConfig(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Bps(50), cfg.ManagementFeeBps)
	assert.Equal(t, testTreasury, cfg.FeeRecipient)
}

func TestAccrueManagementFeesIdempotent(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	// 10,000 USDC deposited at 50 bps annual is 50 USDC per year, one day
	// floors to 0.136986 USDC.
	require.NoError(t, f.pools.Upsert(ctx, activePool("pool-1", 10_000*fixedpoint.USDCUnit, fixedpoint.NavBase)))

	asOf := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	written, err := f.svc.AccrueManagementFees(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, fixedpoint.USDC(136_986), written[0].Amount)
	assert.Equal(t, "2026-08-29", written[0].Period)
	assert.Equal(t, domain.AccruedFeeStatusPending, written[0].Status)

	// Re-running the same day writes nothing.
	again, err := f.svc.AccrueManagementFees(ctx, asOf)
	require.NoError(t, err)
	assert.Empty(t, again)

	// A new day accrues again.
	next, err := f.svc.AccrueManagementFees(ctx, asOf.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "2026-08-30", next[0].Period)
}

func TestAccrueManagementFeesSkipsCoveredPeriod(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	require.NoError(t, f.pools.Upsert(ctx, activePool("pool-1", 10_000*fixedpoint.USDCUnit, fixedpoint.NavBase)))
	require.NoError(t, f.pools.Upsert(ctx, activePool("pool-2", 10_000*fixedpoint.USDCUnit, fixedpoint.NavBase)))

	asOf := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	// pool-1 was already accrued for the period by an earlier run; the
	// period pre-check skips it without touching its fee config.
	require.NoError(t, f.accrued.Insert(ctx, domain.AccruedFee{
		ID:        "earlier-run",
		PoolID:    "pool-1",
		Type:      domain.FeeTypeManagement,
		Amount:    fixedpoint.USDCUnit,
		Period:    domain.FeePeriod(asOf),
		Status:    domain.AccruedFeeStatusPending,
		CreatedAt: asOf,
	}))

	written, err := f.svc.AccrueManagementFees(ctx, asOf)
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, "pool-2", written[0].PoolID)

	_, err = f.configs.Get(ctx, "pool-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAccrueManagementFeesSkipsEmptyPools(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	require.NoError(t, f.pools.Upsert(ctx, activePool("empty", 0, fixedpoint.NavBase)))
	paused := activePool("paused", 1000*fixedpoint.USDCUnit, fixedpoint.NavBase)
	paused.Status = domain.PoolStatusPaused
	require.NoError(t, f.pools.Upsert(ctx, paused))

	written, err := f.svc.AccrueManagementFees(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, written)
}

func TestPerformanceFeeOnlyAboveWatermark(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()

	// NAV 1.10 against the default 1.00 watermark: gain of 0.10 per share on
	// 1000 shares = 100 USDC, fee at 10% = 10 USDC.
	pool := activePool("pool-1", 10_000*fixedpoint.USDCUnit, 110_000_000)
	require.NoError(t, f.pools.Upsert(ctx, pool))

	shares := 1000 * fixedpoint.ShareUnit
	fee, err := f.svc.CalculatePerformanceFee(ctx, "user-1", "pool-1", shares)
	require.NoError(t, err)
	assert.Equal(t, 10*fixedpoint.USDCUnit, fee)

	// Same NAV again: watermark has risen, no double charge.
	fee, err = f.svc.CalculatePerformanceFee(ctx, "user-1", "pool-1", shares)
	require.NoError(t, err)
	assert.Zero(t, fee)

	// NAV drops below the watermark: no fee, watermark untouched.
	pool.NavPerShare = 105_000_000
	require.NoError(t, f.pools.Upsert(ctx, pool))
	fee, err = f.svc.CalculatePerformanceFee(ctx, "user-1", "pool-1", shares)
	require.NoError(t, err)
	assert.Zero(t, fee)

	wm, err := f.watermarks.Get(ctx, "user-1", "pool-1")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.NAV(110_000_000), wm.HighWatermarkNav)
}

func TestPerformanceFeeValidation(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()
	require.NoError(t, f.pools.Upsert(ctx, activePool("pool-1", 0, fixedpoint.NavBase)))

	_, err := f.svc.CalculatePerformanceFee(ctx, "user-1", "pool-1", 0)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.CalculatePerformanceFee(ctx, "user-1", "missing", fixedpoint.ShareUnit)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkFeesCollected(t *testing.T) {
	f := newFeeFixture(t, defaultFees())
	ctx := context.Background()
	require.NoError(t, f.pools.Upsert(ctx, activePool("pool-1", 10_000*fixedpoint.USDCUnit, fixedpoint.NavBase)))

	written, err := f.svc.AccrueManagementFees(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, written, 1)

	require.NoError(t, f.svc.MarkFeesCollected(ctx, []string{written[0].ID}, "0xfee"))

	pending, err := f.svc.GetPendingFees(ctx, "pool-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	sum, err := f.svc.GetPoolFeeSummary(ctx, "pool-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.CollectedCount)
	assert.Equal(t, written[0].Amount, sum.CollectedTotal)
	assert.Zero(t, sum.PendingCount)
}
