// Package service implements the settlement engines over the domain store
// interfaces: fee accrual, the redemption queue and the swap composer.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// FeeDefaults holds the environment-provided fee parameters used when a pool
// has no config yet, plus the admin allow-list for config mutation.
type FeeDefaults struct {
	ManagementFeeBps  fixedpoint.Bps
	PerformanceFeeBps fixedpoint.Bps
	EntryFeeBps       fixedpoint.Bps
	ExitFeeBps        fixedpoint.Bps
	// Treasury is the default fee recipient. A zero address here is fatal to
	// config creation.
	Treasury string
	// Admins are the identifiers allowed to update fee configs.
	Admins []string
}

// FeeService implements the fee accrual engine: daily management fees per
// pool and high-watermark-gated performance fees per position.
type FeeService struct {
	pools      domain.PoolStore
	configs    domain.FeeConfigStore
	accrued    domain.AccruedFeeStore
	watermarks domain.WatermarkStore
	bus        domain.SignalBus
	audit      domain.AuditStore
	defaults   FeeDefaults
	logger     *slog.Logger
}

// NewFeeService creates a FeeService with all required dependencies.
func NewFeeService(
	pools domain.PoolStore,
	configs domain.FeeConfigStore,
	accrued domain.AccruedFeeStore,
	watermarks domain.WatermarkStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	defaults FeeDefaults,
	logger *slog.Logger,
) *FeeService {
	return &FeeService{
		pools:      pools,
		configs:    configs,
		accrued:    accrued,
		watermarks: watermarks,
		bus:        bus,
		audit:      audit,
		defaults:   defaults,
		logger:     logger,
	}
}

// validFeeRecipient rejects malformed and zero addresses.
func validFeeRecipient(addr string) bool {
	return common.IsHexAddress(addr) && common.HexToAddress(addr) != (common.Address{})
}

// checkFeeBounds enforces the write-time upper bounds on every fee field.
func checkFeeBounds(cfg domain.FeeConfig) error {
	if cfg.ManagementFeeBps < 0 || cfg.ManagementFeeBps > domain.MaxManagementFeeBps {
		return fmt.Errorf("fee_service: management fee %d bps: %w", cfg.ManagementFeeBps, domain.ErrFeeOutOfBounds)
	}
	if cfg.PerformanceFeeBps < 0 || cfg.PerformanceFeeBps > domain.MaxPerformanceFeeBps {
		return fmt.Errorf("fee_service: performance fee %d bps: %w", cfg.PerformanceFeeBps, domain.ErrFeeOutOfBounds)
	}
	if cfg.EntryFeeBps < 0 || cfg.EntryFeeBps > domain.MaxEntryFeeBps {
		return fmt.Errorf("fee_service: entry fee %d bps: %w", cfg.EntryFeeBps, domain.ErrFeeOutOfBounds)
	}
	if cfg.ExitFeeBps < 0 || cfg.ExitFeeBps > domain.MaxExitFeeBps {
		return fmt.Errorf("fee_service: exit fee %d bps: %w", cfg.ExitFeeBps, domain.ErrFeeOutOfBounds)
	}
	return nil
}

// GetOrCreateFeeConfig returns the pool's fee config, creating one with the
// bounded defaults when none exists. It fails if no valid default recipient
// is configured.
func (s *FeeService) GetOrCreateFeeConfig(ctx context.Context, poolID string) (domain.FeeConfig, error) {
	cfg, err := s.configs.Get(ctx, poolID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.FeeConfig{}, fmt.Errorf("fee_service: get fee config %q: %w", poolID, err)
	}

	if !validFeeRecipient(s.defaults.Treasury) {
		return domain.FeeConfig{}, fmt.Errorf("fee_service: default treasury %q: %w", s.defaults.Treasury, domain.ErrZeroAddress)
	}

	now := time.Now().UTC()
	cfg = domain.FeeConfig{
		PoolID:            poolID,
		ManagementFeeBps:  s.defaults.ManagementFeeBps,
		PerformanceFeeBps: s.defaults.PerformanceFeeBps,
		EntryFeeBps:       s.defaults.EntryFeeBps,
		ExitFeeBps:        s.defaults.ExitFeeBps,
		FeeRecipient:      s.defaults.Treasury,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := checkFeeBounds(cfg); err != nil {
		return domain.FeeConfig{}, err
	}

	if err := s.configs.Upsert(ctx, cfg); err != nil {
		return domain.FeeConfig{}, fmt.Errorf("fee_service: create fee config %q: %w", poolID, err)
	}

	if auditErr := s.audit.Log(ctx, "fee_config_created", map[string]any{
		"pool_id":             poolID,
		"management_fee_bps":  int64(cfg.ManagementFeeBps),
		"performance_fee_bps": int64(cfg.PerformanceFeeBps),
		"fee_recipient":       cfg.FeeRecipient,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "fee_service: audit log failed",
			slog.String("pool_id", poolID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "fee_service: fee config created",
		slog.String("pool_id", poolID),
		slog.Int64("management_fee_bps", int64(cfg.ManagementFeeBps)),
	)
	return cfg, nil
}

// UpdateFeeConfig applies a partial update to the pool's fee config after
// authorizing the caller against the admin allow-list and re-validating every
// bound.
func (s *FeeService) UpdateFeeConfig(ctx context.Context, poolID, adminID string, upd domain.FeeConfigUpdate) (domain.FeeConfig, error) {
	if !s.isAdmin(adminID) {
		return domain.FeeConfig{}, fmt.Errorf("fee_service: update fee config by %q: %w", adminID, domain.ErrUnauthorized)
	}

	cfg, err := s.GetOrCreateFeeConfig(ctx, poolID)
	if err != nil {
		return domain.FeeConfig{}, err
	}

	if upd.ManagementFeeBps != nil {
		cfg.ManagementFeeBps = *upd.ManagementFeeBps
	}
	if upd.PerformanceFeeBps != nil {
		cfg.PerformanceFeeBps = *upd.PerformanceFeeBps
	}
	if upd.EntryFeeBps != nil {
		cfg.EntryFeeBps = *upd.EntryFeeBps
	}
	if upd.ExitFeeBps != nil {
		cfg.ExitFeeBps = *upd.ExitFeeBps
	}
	if upd.FeeRecipient != nil {
		if !validFeeRecipient(*upd.FeeRecipient) {
			return domain.FeeConfig{}, fmt.Errorf("fee_service: fee recipient %q: %w", *upd.FeeRecipient, domain.ErrZeroAddress)
		}
		cfg.FeeRecipient = *upd.FeeRecipient
	}

	if err := checkFeeBounds(cfg); err != nil {
		return domain.FeeConfig{}, err
	}

	cfg.UpdatedBy = adminID
	cfg.UpdatedAt = time.Now().UTC()

	if err := s.configs.Upsert(ctx, cfg); err != nil {
		return domain.FeeConfig{}, fmt.Errorf("fee_service: update fee config %q: %w", poolID, err)
	}

	if auditErr := s.audit.Log(ctx, "fee_config_updated", map[string]any{
		"pool_id":             poolID,
		"updated_by":          adminID,
		"management_fee_bps":  int64(cfg.ManagementFeeBps),
		"performance_fee_bps": int64(cfg.PerformanceFeeBps),
		"entry_fee_bps":       int64(cfg.EntryFeeBps),
		"exit_fee_bps":        int64(cfg.ExitFeeBps),
		"fee_recipient":       cfg.FeeRecipient,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "fee_service: audit log failed",
			slog.String("pool_id", poolID),
			slog.String("error", auditErr.Error()),
		)
	}

	return cfg, nil
}

func (s *FeeService) isAdmin(adminID string) bool {
	for _, a := range s.defaults.Admins {
		if a == adminID {
			return true
		}
	}
	return false
}

// AccrueManagementFees writes one day of management fee for every active pool
// with positive deposits, skipping pools already accrued for the period. It
// returns the newly written accruals; calling it again within the same day is
// a no-op for pools already covered.
func (s *FeeService) AccrueManagementFees(ctx context.Context, asOf time.Time) ([]domain.AccruedFee, error) {
	pools, err := s.pools.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("fee_service: list active pools: %w", err)
	}

	period := domain.FeePeriod(asOf)
	var written []domain.AccruedFee

	for _, pool := range pools {
		if pool.TotalDeposited <= 0 {
			continue
		}

		covered, err := s.accrued.ExistsForPeriod(ctx, pool.ID, domain.FeeTypeManagement, period)
		if err != nil {
			return written, fmt.Errorf("fee_service: check period %s for %q: %w", period, pool.ID, err)
		}
		if covered {
			continue
		}

		cfg, err := s.GetOrCreateFeeConfig(ctx, pool.ID)
		if err != nil {
			return written, err
		}
		amount := fixedpoint.DailyManagementFee(pool.TotalDeposited, cfg.ManagementFeeBps)
		if amount <= 0 {
			continue
		}

		fee := domain.AccruedFee{
			ID:        uuid.New().String(),
			PoolID:    pool.ID,
			Type:      domain.FeeTypeManagement,
			Amount:    amount,
			Period:    period,
			Status:    domain.AccruedFeeStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.accrued.Insert(ctx, fee); err != nil {
			if errors.Is(err, domain.ErrAlreadyExists) {
				// Raced with another run; the unique index is the backstop.
				continue
			}
			return written, fmt.Errorf("fee_service: accrue pool %q period %s: %w", pool.ID, period, err)
		}
		written = append(written, fee)

		s.logger.InfoContext(ctx, "fee_service: management fee accrued",
			slog.String("pool_id", pool.ID),
			slog.String("period", period),
			slog.Int64("amount", int64(amount)),
		)
	}

	if len(written) > 0 {
		evt, _ := json.Marshal(map[string]any{
			"event":  "fees_accrued",
			"period": period,
			"pools":  len(written),
		})
		if pubErr := s.bus.Publish(ctx, "fees", evt); pubErr != nil {
			s.logger.WarnContext(ctx, "fee_service: publish event failed",
				slog.String("error", pubErr.Error()),
			)
		}
		if auditErr := s.audit.Log(ctx, "fees_accrued", map[string]any{
			"period": period,
			"pools":  len(written),
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "fee_service: audit log failed",
				slog.String("error", auditErr.Error()),
			)
		}
	}

	return written, nil
}

// CalculatePerformanceFee charges the performance fee on a position's NAV
// gain above its high-watermark and raises the watermark, both inside one
// store transaction. It returns 0 when the pool's current NAV is at or below
// the watermark.
func (s *FeeService) CalculatePerformanceFee(ctx context.Context, userID, poolID string, shares fixedpoint.Shares) (fixedpoint.USDC, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("fee_service: performance fee shares %d: %w", shares, domain.ErrInvalidAmount)
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return 0, fmt.Errorf("fee_service: get pool %q: %w", poolID, err)
	}
	if pool.NavPerShare <= 0 {
		return 0, fmt.Errorf("fee_service: pool %q nav %d: %w", poolID, pool.NavPerShare, domain.ErrInvalidAmount)
	}

	cfg, err := s.GetOrCreateFeeConfig(ctx, poolID)
	if err != nil {
		return 0, err
	}
	if cfg.PerformanceFeeBps <= 0 {
		return 0, nil
	}

	fee, err := s.watermarks.ChargePerformanceFee(ctx, userID, poolID, shares, pool.NavPerShare, cfg.PerformanceFeeBps)
	if err != nil {
		return 0, fmt.Errorf("fee_service: charge performance fee %s/%s: %w", userID, poolID, err)
	}

	if fee > 0 {
		if auditErr := s.audit.Log(ctx, "performance_fee_charged", map[string]any{
			"user_id": userID,
			"pool_id": poolID,
			"shares":  int64(shares),
			"nav":     int64(pool.NavPerShare),
			"fee":     int64(fee),
		}); auditErr != nil {
			s.logger.WarnContext(ctx, "fee_service: audit log failed",
				slog.String("user_id", userID),
				slog.String("error", auditErr.Error()),
			)
		}
	}

	return fee, nil
}

// GetPendingFees lists uncollected accruals, optionally scoped to one pool.
func (s *FeeService) GetPendingFees(ctx context.Context, poolID string) ([]domain.AccruedFee, error) {
	fees, err := s.accrued.ListPending(ctx, poolID)
	if err != nil {
		return nil, fmt.Errorf("fee_service: list pending fees: %w", err)
	}
	return fees, nil
}

// MarkFeesCollected flips the given pending accruals to collected with the
// collection transaction hash.
func (s *FeeService) MarkFeesCollected(ctx context.Context, ids []string, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.accrued.MarkCollected(ctx, ids, txHash); err != nil {
		return fmt.Errorf("fee_service: mark fees collected: %w", err)
	}
	if auditErr := s.audit.Log(ctx, "fees_collected", map[string]any{
		"count":   len(ids),
		"tx_hash": txHash,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "fee_service: audit log failed",
			slog.String("error", auditErr.Error()),
		)
	}
	return nil
}

// GetPoolFeeSummary aggregates pending and collected fee totals for a pool.
func (s *FeeService) GetPoolFeeSummary(ctx context.Context, poolID string) (domain.PoolFeeSummary, error) {
	sum, err := s.accrued.Summary(ctx, poolID)
	if err != nil {
		return domain.PoolFeeSummary{}, fmt.Errorf("fee_service: fee summary %q: %w", poolID, err)
	}
	return sum, nil
}
