package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/chain"
	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// SwapLimits bounds the NAV values a quote may be computed from. A NAV
// outside the band is treated as corrupted price data and the quote is
// refused.
type SwapLimits struct {
	MinNav fixedpoint.NAV
	MaxNav fixedpoint.NAV
	// FeeBps is the swap fee on the source amount. Zero means
	// domain.DefaultSwapFeeBps.
	FeeBps fixedpoint.Bps
}

// SwapService implements the swap composer: quoting, multi-call payload
// construction, pre-submission re-validation and terminal transitions.
type SwapService struct {
	pools       domain.PoolStore
	investments domain.InvestmentStore
	redemptions domain.RedemptionStore
	swaps       domain.SwapStore
	navs        domain.NavCache
	builder     *chain.PayloadBuilder
	bus         domain.SignalBus
	audit       domain.AuditStore
	limits      SwapLimits
	logger      *slog.Logger
}

// NewSwapService creates a SwapService with all required dependencies.
func NewSwapService(
	pools domain.PoolStore,
	investments domain.InvestmentStore,
	redemptions domain.RedemptionStore,
	swaps domain.SwapStore,
	navs domain.NavCache,
	builder *chain.PayloadBuilder,
	bus domain.SignalBus,
	audit domain.AuditStore,
	limits SwapLimits,
	logger *slog.Logger,
) *SwapService {
	if limits.FeeBps <= 0 {
		limits.FeeBps = domain.DefaultSwapFeeBps
	}
	return &SwapService{
		pools:       pools,
		investments: investments,
		redemptions: redemptions,
		swaps:       swaps,
		navs:        navs,
		builder:     builder,
		bus:         bus,
		audit:       audit,
		limits:      limits,
		logger:      logger,
	}
}

func (s *SwapService) navInBand(nav fixedpoint.NAV) bool {
	if nav <= 0 {
		return false
	}
	if s.limits.MinNav > 0 && nav < s.limits.MinNav {
		return false
	}
	if s.limits.MaxNav > 0 && nav > s.limits.MaxNav {
		return false
	}
	return true
}

// GetSwapQuote validates the request and computes a cross-pool conversion
// with a 5-minute validity window. The quote is not persisted; BuildSwapUserOp
// re-fetches a fresh one.
func (s *SwapService) GetSwapQuote(ctx context.Context, userID, sourcePoolID, targetPoolID string, shares fixedpoint.Shares, slippageBps fixedpoint.Bps) (domain.SwapQuote, error) {
	if shares <= 0 {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: shares %d: %w", shares, domain.ErrInvalidAmount)
	}
	if slippageBps < 0 || slippageBps > domain.MaxSwapSlippageBps {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: slippage %d bps: %w", slippageBps, domain.ErrInvalidSlippage)
	}
	if sourcePoolID == targetPoolID {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: pool %q: %w", sourcePoolID, domain.ErrSamePool)
	}

	source, err := s.pools.GetByID(ctx, sourcePoolID)
	if err != nil {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: get source pool %q: %w", sourcePoolID, err)
	}
	target, err := s.pools.GetByID(ctx, targetPoolID)
	if err != nil {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: get target pool %q: %w", targetPoolID, err)
	}
	if !source.IsActive() {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: source pool %q: %w", sourcePoolID, domain.ErrPoolInactive)
	}
	if !target.IsActive() {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: target pool %q: %w", targetPoolID, domain.ErrPoolInactive)
	}
	if !s.navInBand(source.NavPerShare) {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: source nav %d: %w", source.NavPerShare, domain.ErrNavOutOfBand)
	}
	if !s.navInBand(target.NavPerShare) {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: target nav %d: %w", target.NavPerShare, domain.ErrNavOutOfBand)
	}

	available, err := s.availableShares(ctx, userID, sourcePoolID)
	if err != nil {
		return domain.SwapQuote{}, err
	}
	if shares > available {
		return domain.SwapQuote{}, fmt.Errorf("swap_service: requested %d, available %d: %w", shares, available, domain.ErrInsufficientShares)
	}

	now := time.Now().UTC()
	for _, p := range []domain.Pool{source, target} {
		if cacheErr := s.navs.SetNav(ctx, p.ID, p.NavPerShare, now); cacheErr != nil {
			s.logger.WarnContext(ctx, "swap_service: nav cache write failed",
				slog.String("pool_id", p.ID),
				slog.String("error", cacheErr.Error()),
			)
		}
	}

	sourceAmount := fixedpoint.SharesToUSDC(shares, source.NavPerShare)
	fee := fixedpoint.ApplyBps(sourceAmount, s.limits.FeeBps)
	targetAmount := sourceAmount - fee
	targetShares := fixedpoint.USDCToShares(targetAmount, target.NavPerShare)
	minOut := fixedpoint.SlippageFloor(targetShares, slippageBps)

	return domain.SwapQuote{
		UserID:          userID,
		SourcePoolID:    sourcePoolID,
		TargetPoolID:    targetPoolID,
		Shares:          shares,
		SourceNav:       source.NavPerShare,
		TargetNav:       target.NavPerShare,
		SourceAmount:    sourceAmount,
		Fee:             fee,
		TargetAmount:    targetAmount,
		TargetShares:    targetShares,
		MinOutputShares: minOut,
		SlippageBps:     slippageBps,
		QuotedAt:        now,
		ExpiresAt:       now.Add(domain.SwapQuoteTTL),
	}, nil
}

func (s *SwapService) availableShares(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	total, err := s.investments.ConfirmedShareBalance(ctx, userID, poolID)
	if err != nil {
		return 0, fmt.Errorf("swap_service: share balance %s/%s: %w", userID, poolID, err)
	}
	locked, err := s.redemptions.LockedShares(ctx, userID, poolID)
	if err != nil {
		return 0, fmt.Errorf("swap_service: locked shares %s/%s: %w", userID, poolID, err)
	}
	return total - locked, nil
}

// BuildSwapUserOp fetches a fresh quote, persists the swap in building status
// with the quote snapshot, and encodes the atomic redeem -> approve -> invest
// payload for the account-abstraction wallet.
func (s *SwapService) BuildSwapUserOp(ctx context.Context, userID, sourcePoolID, targetPoolID string, shares fixedpoint.Shares, slippageBps fixedpoint.Bps) (domain.PoolSwap, domain.SwapUserOp, error) {
	quote, err := s.GetSwapQuote(ctx, userID, sourcePoolID, targetPoolID, shares, slippageBps)
	if err != nil {
		return domain.PoolSwap{}, domain.SwapUserOp{}, err
	}

	source, err := s.pools.GetByID(ctx, sourcePoolID)
	if err != nil {
		return domain.PoolSwap{}, domain.SwapUserOp{}, fmt.Errorf("swap_service: get source pool %q: %w", sourcePoolID, err)
	}
	target, err := s.pools.GetByID(ctx, targetPoolID)
	if err != nil {
		return domain.PoolSwap{}, domain.SwapUserOp{}, fmt.Errorf("swap_service: get target pool %q: %w", targetPoolID, err)
	}

	now := time.Now().UTC()
	sw := domain.PoolSwap{
		ID:              uuid.New().String(),
		UserID:          userID,
		SourcePoolID:    sourcePoolID,
		TargetPoolID:    targetPoolID,
		Shares:          quote.Shares,
		SourceAmount:    quote.SourceAmount,
		TargetAmount:    quote.TargetAmount,
		Fee:             quote.Fee,
		SourceNav:       quote.SourceNav,
		TargetNav:       quote.TargetNav,
		TargetShares:    quote.TargetShares,
		SlippageBps:     quote.SlippageBps,
		MinOutputShares: quote.MinOutputShares,
		Status:          domain.SwapStatusBuilding,
		QuotedAt:        quote.QuotedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	op, err := s.builder.BuildSwapUserOp(chain.SwapParams{
		SwapID:          sw.ID,
		Investor:        userID,
		SourceChainPool: source.ChainPoolID,
		TargetChainPool: target.ChainPoolID,
		Shares:          quote.Shares,
		TargetAmount:    quote.TargetAmount,
	})
	if err != nil {
		return domain.PoolSwap{}, domain.SwapUserOp{}, fmt.Errorf("swap_service: build payload: %w", err)
	}

	if err := s.swaps.Create(ctx, sw); err != nil {
		return domain.PoolSwap{}, domain.SwapUserOp{}, fmt.Errorf("swap_service: create swap: %w", err)
	}

	s.publishEvent(ctx, "swap_building", map[string]any{
		"swap_id":        sw.ID,
		"user_id":        userID,
		"source_pool_id": sourcePoolID,
		"target_pool_id": targetPoolID,
		"shares":         int64(sw.Shares),
		"target_amount":  int64(sw.TargetAmount),
	})

	s.logger.InfoContext(ctx, "swap_service: swap payload built",
		slog.String("swap_id", sw.ID),
		slog.String("source_pool_id", sourcePoolID),
		slog.String("target_pool_id", targetPoolID),
		slog.Int64("shares", int64(sw.Shares)),
	)

	return sw, op, nil
}

// ValidateSwapExecution re-checks a swap immediately before submission: the
// swap must still be pre-submission, both pools active, the quote younger
// than its validity window, and the conversion recomputed at current NAV must
// still clear the stored minimum output.
func (s *SwapService) ValidateSwapExecution(ctx context.Context, swapID string) error {
	sw, err := s.swaps.GetByID(ctx, swapID)
	if err != nil {
		return fmt.Errorf("swap_service: get swap %q: %w", swapID, err)
	}

	switch sw.Status {
	case domain.SwapStatusBuilding, domain.SwapStatusAwaitingSignature:
	default:
		return fmt.Errorf("swap_service: swap %q in %s: %w", swapID, sw.Status, domain.ErrInvalidTransition)
	}

	if time.Now().UTC().Sub(sw.QuotedAt) > domain.SwapQuoteTTL {
		return fmt.Errorf("swap_service: swap %q quoted at %s: %w", swapID, sw.QuotedAt.Format(time.RFC3339), domain.ErrQuoteExpired)
	}

	source, err := s.pools.GetByID(ctx, sw.SourcePoolID)
	if err != nil {
		return fmt.Errorf("swap_service: get source pool %q: %w", sw.SourcePoolID, err)
	}
	target, err := s.pools.GetByID(ctx, sw.TargetPoolID)
	if err != nil {
		return fmt.Errorf("swap_service: get target pool %q: %w", sw.TargetPoolID, err)
	}
	if !source.IsActive() {
		return fmt.Errorf("swap_service: source pool %q: %w", sw.SourcePoolID, domain.ErrPoolInactive)
	}
	if !target.IsActive() {
		return fmt.Errorf("swap_service: target pool %q: %w", sw.TargetPoolID, domain.ErrPoolInactive)
	}

	// Recompute the conversion at live NAV against the stored floor. The NAV
	// comes from the cache when a fresh value exists, the pool store
	// otherwise, and must still sit inside the sanity band.
	sourceNav := s.liveNav(ctx, source)
	targetNav := s.liveNav(ctx, target)
	if !s.navInBand(sourceNav) {
		return fmt.Errorf("swap_service: source nav %d: %w", sourceNav, domain.ErrNavOutOfBand)
	}
	if !s.navInBand(targetNav) {
		return fmt.Errorf("swap_service: target nav %d: %w", targetNav, domain.ErrNavOutOfBand)
	}

	sourceAmount := fixedpoint.SharesToUSDC(sw.Shares, sourceNav)
	fee := fixedpoint.ApplyBps(sourceAmount, s.limits.FeeBps)
	targetShares := fixedpoint.USDCToShares(sourceAmount-fee, targetNav)
	if targetShares < sw.MinOutputShares {
		return fmt.Errorf("swap_service: swap %q output %d below floor %d: %w", swapID, targetShares, sw.MinOutputShares, domain.ErrSlippageExceeded)
	}

	return nil
}

// liveNav returns the freshest NAV for the pool: the cached value when it is
// younger than the quote validity window, the pool store value otherwise. A
// fallback repopulates the cache so the next check hits it.
func (s *SwapService) liveNav(ctx context.Context, pool domain.Pool) fixedpoint.NAV {
	nav, ts, err := s.navs.GetNav(ctx, pool.ID)
	if err == nil && time.Since(ts) <= domain.SwapQuoteTTL {
		return nav
	}
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "swap_service: nav cache read failed",
			slog.String("pool_id", pool.ID),
			slog.String("error", err.Error()),
		)
	}
	if cacheErr := s.navs.SetNav(ctx, pool.ID, pool.NavPerShare, time.Now().UTC()); cacheErr != nil {
		s.logger.WarnContext(ctx, "swap_service: nav cache write failed",
			slog.String("pool_id", pool.ID),
			slog.String("error", cacheErr.Error()),
		)
	}
	return pool.NavPerShare
}

// MarkAwaitingSignature moves a built swap into awaiting_signature once its
// payload has been handed to the wallet.
func (s *SwapService) MarkAwaitingSignature(ctx context.Context, swapID string) error {
	if err := s.swaps.Transition(ctx, swapID, domain.SwapStatusAwaitingSignature, domain.SwapStatusBuilding); err != nil {
		return fmt.Errorf("swap_service: await signature %q: %w", swapID, err)
	}
	return nil
}

// MarkSubmitted records that the signed payload has been broadcast.
func (s *SwapService) MarkSubmitted(ctx context.Context, swapID string) error {
	if err := s.swaps.Transition(ctx, swapID, domain.SwapStatusSubmitted, domain.SwapStatusAwaitingSignature); err != nil {
		return fmt.Errorf("swap_service: submit %q: %w", swapID, err)
	}
	return nil
}

// ConfirmSwap finalizes the swap and appends its two ledger events in one
// store transaction.
func (s *SwapService) ConfirmSwap(ctx context.Context, swapID, txHash string) (domain.PoolSwap, error) {
	sw, err := s.swaps.Confirm(ctx, swapID, txHash)
	if err != nil {
		return domain.PoolSwap{}, fmt.Errorf("swap_service: confirm swap %q: %w", swapID, err)
	}

	s.publishEvent(ctx, "swap_confirmed", map[string]any{
		"swap_id":        swapID,
		"user_id":        sw.UserID,
		"source_pool_id": sw.SourcePoolID,
		"target_pool_id": sw.TargetPoolID,
		"shares":         int64(sw.Shares),
		"target_shares":  int64(sw.TargetShares),
		"tx_hash":        txHash,
	})

	s.logger.InfoContext(ctx, "swap_service: swap confirmed",
		slog.String("swap_id", swapID),
		slog.String("tx_hash", txHash),
	)
	return sw, nil
}

// FailSwap terminally fails the swap with its error message.
func (s *SwapService) FailSwap(ctx context.Context, swapID, errMsg string) error {
	if err := s.swaps.MarkFailed(ctx, swapID, errMsg); err != nil {
		return fmt.Errorf("swap_service: fail swap %q: %w", swapID, err)
	}
	s.publishEvent(ctx, "swap_failed", map[string]any{
		"swap_id": swapID,
		"error":   errMsg,
	})
	return nil
}

// CancelSwap withdraws the user's own pre-submission swap.
func (s *SwapService) CancelSwap(ctx context.Context, swapID, userID string) error {
	sw, err := s.swaps.GetByID(ctx, swapID)
	if err != nil {
		return fmt.Errorf("swap_service: get swap %q: %w", swapID, err)
	}
	if sw.UserID != userID {
		return fmt.Errorf("swap_service: swap %q owned by another user: %w", swapID, domain.ErrUnauthorized)
	}

	if err := s.swaps.Transition(ctx, swapID, domain.SwapStatusCancelled, domain.StaleSwapStatuses...); err != nil {
		return fmt.Errorf("swap_service: cancel swap %q: %w", swapID, err)
	}

	s.publishEvent(ctx, "swap_cancelled", map[string]any{
		"swap_id": swapID,
		"user_id": userID,
	})
	return nil
}

// CleanupStaleSwaps bulk-cancels pre-submission swaps older than twice the
// quote validity window and returns the number cancelled.
func (s *SwapService) CleanupStaleSwaps(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-2 * domain.SwapQuoteTTL)
	n, err := s.swaps.CancelStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("swap_service: cleanup stale swaps: %w", err)
	}
	if n > 0 {
		s.logger.InfoContext(ctx, "swap_service: stale swaps cancelled",
			slog.Int64("count", n),
		)
		if auditErr := s.audit.Log(ctx, "stale_swaps_cancelled", map[string]any{
			"count": n,
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "swap_service: audit log failed",
				slog.String("error", auditErr.Error()),
			)
		}
	}
	return n, nil
}

// publishEvent emits a lifecycle event on the bus and the audit log. Neither
// failure blocks the calling operation.
func (s *SwapService) publishEvent(ctx context.Context, event string, detail map[string]any) {
	payload, _ := json.Marshal(mergeEvent(event, detail))
	if pubErr := s.bus.Publish(ctx, "swaps", payload); pubErr != nil {
		s.logger.WarnContext(ctx, "swap_service: publish event failed",
			slog.String("event", event),
			slog.String("error", pubErr.Error()),
		)
	}
	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "swap_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}
