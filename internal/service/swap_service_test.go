package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/chain"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
)

const testInvestor = "0x1111111111111111111111111111111111111111"

type swapFixture struct {
	svc         *SwapService
	pools       *memory.PoolStore
	investments *memory.InvestmentStore
	redemptions *memory.RedemptionStore
	swaps       *memory.SwapStore
	navs        *memory.NavCache
}

func newSwapFixture(t *testing.T) *swapFixture {
	t.Helper()
	f := &swapFixture{
		pools:       memory.NewPoolStore(),
		investments: memory.NewInvestmentStore(),
		navs:        memory.NewNavCache(),
	}
	f.redemptions = memory.NewRedemptionStore(f.investments)
	f.swaps = memory.NewSwapStore(f.investments)

	builder, err := chain.NewPayloadBuilder(chain.Addresses{
		Settlement: "0x2222222222222222222222222222222222222222",
		USDC:       "0x3333333333333333333333333333333333333333",
	})
	require.NoError(t, err)

	f.svc = NewSwapService(f.pools, f.investments, f.redemptions, f.swaps,
		f.navs, builder, memory.NewSignalBus(), memory.NewAuditStore(),
		SwapLimits{MinNav: fixedpoint.NavBase / 100, MaxNav: 100 * fixedpoint.NavBase},
		testLogger())
	return f
}

// seedSwapPools creates an active source pool at 1.00 and target pool at 2.00
// and gives the investor 1000 source shares.
func (f *swapFixture) seedSwapPools(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	source := activePool("source", 0, fixedpoint.NavBase)
	source.ChainPoolID = 1
	target := activePool("target", 0, 2*fixedpoint.NavBase)
	target.ChainPoolID = 2
	require.NoError(t, f.pools.Upsert(ctx, source))
	require.NoError(t, f.pools.Upsert(ctx, target))

	require.NoError(t, f.investments.Insert(ctx, domain.Investment{
		ID:        uuid.New().String(),
		UserID:    testInvestor,
		PoolID:    "source",
		Type:      domain.InvestmentTypeInvest,
		Amount:    1000 * fixedpoint.USDCUnit,
		Shares:    1000 * fixedpoint.ShareUnit,
		Status:    domain.InvestmentStatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}))
}

func TestGetSwapQuoteMath(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	// 1000 shares at 1.00 is 1000 USDC; 25 bps fee is 2.50 USDC; the
	// remaining 997.50 buys 498.75 target shares at 2.00.
	quote, err := f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", 1000*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.USDC(1_000_000_000), quote.SourceAmount)
	assert.Equal(t, fixedpoint.USDC(2_500_000), quote.Fee)
	assert.Equal(t, fixedpoint.USDC(997_500_000), quote.TargetAmount)
	assert.Equal(t, fixedpoint.Shares(498_750_000), quote.TargetShares)
	assert.Equal(t, fixedpoint.Shares(496_256_250), quote.MinOutputShares)
	assert.Equal(t, quote.QuotedAt.Add(domain.SwapQuoteTTL), quote.ExpiresAt)
	assert.False(t, quote.Expired(quote.QuotedAt.Add(4*time.Minute)))
	assert.True(t, quote.Expired(quote.QuotedAt.Add(6*time.Minute)))
}

func TestGetSwapQuoteValidation(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()
	shares := 10 * fixedpoint.ShareUnit

	_, err := f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", 0, 50)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", shares, 1001)
	require.ErrorIs(t, err, domain.ErrInvalidSlippage)

	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "source", shares, 50)
	require.ErrorIs(t, err, domain.ErrSamePool)

	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "missing", shares, 50)
	require.ErrorIs(t, err, domain.ErrNotFound)

	// More shares than held.
	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", 2000*fixedpoint.ShareUnit, 50)
	require.ErrorIs(t, err, domain.ErrInsufficientShares)

	// Paused target.
	target, err := f.pools.GetByID(ctx, "target")
	require.NoError(t, err)
	target.Status = domain.PoolStatusPaused
	require.NoError(t, f.pools.Upsert(ctx, target))
	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", shares, 50)
	require.ErrorIs(t, err, domain.ErrPoolInactive)
}

func TestGetSwapQuoteNavSanityBand(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	// A NAV far outside the configured band is treated as corrupted data.
	source, err := f.pools.GetByID(ctx, "source")
	require.NoError(t, err)
	source.NavPerShare = 100_000 * fixedpoint.NavBase
	require.NoError(t, f.pools.Upsert(ctx, source))

	_, err = f.svc.GetSwapQuote(ctx, testInvestor, "source", "target", fixedpoint.ShareUnit, 50)
	require.ErrorIs(t, err, domain.ErrNavOutOfBand)
}

func TestBuildSwapUserOp(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, op, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 1000*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	assert.Equal(t, domain.SwapStatusBuilding, sw.Status)
	assert.Equal(t, fixedpoint.Shares(496_256_250), sw.MinOutputShares)

	// The persisted row carries the quote snapshot.
	stored, err := f.swaps.GetByID(ctx, sw.ID)
	require.NoError(t, err)
	assert.Equal(t, sw.SourceNav, stored.SourceNav)
	assert.Equal(t, sw.TargetAmount, stored.TargetAmount)

	// Three calls ordered redeem -> approve -> invest.
	require.Len(t, op.Calls, 3)
	assert.Equal(t, sw.ID, op.SwapID)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", op.Calls[0].Target)
	assert.Equal(t, "0x3333333333333333333333333333333333333333", op.Calls[1].Target)
	assert.Equal(t, "0x2222222222222222222222222222222222222222", op.Calls[2].Target)
	assert.Len(t, op.Calls[0].Data, 4+3*32, "redeem: selector plus three ABI words")
	assert.Len(t, op.Calls[1].Data, 4+2*32, "approve: selector plus two ABI words")
	assert.Len(t, op.Calls[2].Data, 4+3*32, "invest: selector plus three ABI words")
}

func TestBuildSwapUserOpRejectsBadInvestor(t *testing.T) {
	f := newSwapFixture(t)
	ctx := context.Background()
	f.seedSwapPools(t)

	// Give the zero address a balance so validation reaches the builder.
	require.NoError(t, f.investments.Insert(ctx, domain.Investment{
		ID:        uuid.New().String(),
		UserID:    "0x0000000000000000000000000000000000000000",
		PoolID:    "source",
		Type:      domain.InvestmentTypeInvest,
		Shares:    10 * fixedpoint.ShareUnit,
		Status:    domain.InvestmentStatusConfirmed,
		CreatedAt: time.Now().UTC(),
	}))

	_, _, err := f.svc.BuildSwapUserOp(ctx, "0x0000000000000000000000000000000000000000", "source", "target", fixedpoint.ShareUnit, 50)
	require.ErrorIs(t, err, domain.ErrZeroAddress)
}

func TestValidateSwapExecution(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 1000*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	require.NoError(t, f.svc.ValidateSwapExecution(ctx, sw.ID))

	// Still valid after moving to awaiting_signature.
	require.NoError(t, f.svc.MarkAwaitingSignature(ctx, sw.ID))
	require.NoError(t, f.svc.ValidateSwapExecution(ctx, sw.ID))

	// Target NAV rises: the recomputed output falls below the stored floor.
	target, err := f.pools.GetByID(ctx, "target")
	require.NoError(t, err)
	target.NavPerShare = 3 * fixedpoint.NavBase
	require.NoError(t, f.pools.Upsert(ctx, target))
	require.ErrorIs(t, f.svc.ValidateSwapExecution(ctx, sw.ID), domain.ErrSlippageExceeded)
}

func TestValidateSwapExecutionReadsCachedNav(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 1000*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	// Quoting populated the cache with both pool NAVs.
	nav, _, err := f.navs.GetNav(ctx, "target")
	require.NoError(t, err)
	require.Equal(t, 2*fixedpoint.NavBase, nav)

	// A fresh cached NAV takes precedence over the pool store: target at 3.00
	// pushes the recomputed output below the stored floor.
	require.NoError(t, f.navs.SetNav(ctx, "target", 3*fixedpoint.NavBase, time.Now().UTC()))
	require.ErrorIs(t, f.svc.ValidateSwapExecution(ctx, sw.ID), domain.ErrSlippageExceeded)

	// A corrupted cached price is refused outright.
	require.NoError(t, f.navs.SetNav(ctx, "target", 100_000*fixedpoint.NavBase, time.Now().UTC()))
	require.ErrorIs(t, f.svc.ValidateSwapExecution(ctx, sw.ID), domain.ErrNavOutOfBand)

	// A stale cached NAV is ignored in favour of the pool store, and the
	// fallback repopulates the cache.
	require.NoError(t, f.navs.SetNav(ctx, "target", 3*fixedpoint.NavBase, time.Now().UTC().Add(-2*domain.SwapQuoteTTL)))
	require.NoError(t, f.svc.ValidateSwapExecution(ctx, sw.ID))
	nav, ts, err := f.navs.GetNav(ctx, "target")
	require.NoError(t, err)
	assert.Equal(t, 2*fixedpoint.NavBase, nav)
	assert.WithinDuration(t, time.Now().UTC(), ts, time.Minute)
}

func TestValidateSwapExecutionExpiry(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	// A stale quote fails even when NAV has not moved at all.
	stale := domain.PoolSwap{
		ID:              uuid.New().String(),
		UserID:          testInvestor,
		SourcePoolID:    "source",
		TargetPoolID:    "target",
		Shares:          10 * fixedpoint.ShareUnit,
		SourceNav:       fixedpoint.NavBase,
		TargetNav:       2 * fixedpoint.NavBase,
		MinOutputShares: fixedpoint.ShareUnit,
		Status:          domain.SwapStatusBuilding,
		QuotedAt:        time.Now().UTC().Add(-6 * time.Minute),
		CreatedAt:       time.Now().UTC().Add(-6 * time.Minute),
	}
	require.NoError(t, f.swaps.Create(ctx, stale))
	require.ErrorIs(t, f.svc.ValidateSwapExecution(ctx, stale.ID), domain.ErrQuoteExpired)
}

func TestValidateSwapExecutionStatusGate(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 100*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkAwaitingSignature(ctx, sw.ID))
	require.NoError(t, f.svc.MarkSubmitted(ctx, sw.ID))
	require.ErrorIs(t, f.svc.ValidateSwapExecution(ctx, sw.ID), domain.ErrInvalidTransition)
}

func TestConfirmSwapWritesLedgerEvents(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 1000*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)
	require.NoError(t, f.svc.MarkAwaitingSignature(ctx, sw.ID))

	confirmed, err := f.svc.ConfirmSwap(ctx, sw.ID, "0xswap")
	require.NoError(t, err)
	assert.Equal(t, domain.SwapStatusConfirmed, confirmed.Status)
	assert.Equal(t, "0xswap", confirmed.TxHash)

	// Source emptied, target credited with the quote's share count.
	sourceBal, err := f.investments.ConfirmedShareBalance(ctx, testInvestor, "source")
	require.NoError(t, err)
	assert.Zero(t, sourceBal)

	targetBal, err := f.investments.ConfirmedShareBalance(ctx, testInvestor, "target")
	require.NoError(t, err)
	assert.Equal(t, fixedpoint.Shares(498_750_000), targetBal)

	// Confirming twice is rejected.
	_, err = f.svc.ConfirmSwap(ctx, sw.ID, "0xswap2")
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelSwapOwnershipAndStatus(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	sw, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 100*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.CancelSwap(ctx, sw.ID, "someone-else"), domain.ErrUnauthorized)
	require.NoError(t, f.svc.CancelSwap(ctx, sw.ID, testInvestor))

	// Terminal now; a second cancel is an invalid transition.
	require.ErrorIs(t, f.svc.CancelSwap(ctx, sw.ID, testInvestor), domain.ErrInvalidTransition)
}

func TestCleanupStaleSwaps(t *testing.T) {
	f := newSwapFixture(t)
	f.seedSwapPools(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-3 * domain.SwapQuoteTTL)
	staleSwap := domain.PoolSwap{
		ID:           uuid.New().String(),
		UserID:       testInvestor,
		SourcePoolID: "source",
		TargetPoolID: "target",
		Status:       domain.SwapStatusBuilding,
		QuotedAt:     old,
		CreatedAt:    old,
	}
	require.NoError(t, f.swaps.Create(ctx, staleSwap))

	submitted := domain.PoolSwap{
		ID:           uuid.New().String(),
		UserID:       testInvestor,
		SourcePoolID: "source",
		TargetPoolID: "target",
		Status:       domain.SwapStatusSubmitted,
		QuotedAt:     old,
		CreatedAt:    old,
	}
	require.NoError(t, f.swaps.Create(ctx, submitted))

	fresh, _, err := f.svc.BuildSwapUserOp(ctx, testInvestor, "source", "target", 10*fixedpoint.ShareUnit, 50)
	require.NoError(t, err)

	n, err := f.svc.CleanupStaleSwaps(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := f.swaps.GetByID(ctx, staleSwap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SwapStatusCancelled, got.Status)

	// Submitted and fresh swaps are untouched.
	got, err = f.swaps.GetByID(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SwapStatusSubmitted, got.Status)
	got, err = f.swaps.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SwapStatusBuilding, got.Status)
}
