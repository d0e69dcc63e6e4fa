package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// WatermarkStore implements domain.WatermarkStore using PostgreSQL.
type WatermarkStore struct {
	pool *pgxpool.Pool
}

// NewWatermarkStore creates a new WatermarkStore backed by the given pool.
func NewWatermarkStore(pool *pgxpool.Pool) *WatermarkStore {
	return &WatermarkStore{pool: pool}
}

// Get retrieves the stored watermark, or domain.ErrNotFound when the
// position has never been charged.
func (s *WatermarkStore) Get(ctx context.Context, userID, poolID string) (domain.PositionHighWatermark, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, pool_id, high_watermark_nav, updated_at
		FROM position_watermarks WHERE user_id = $1 AND pool_id = $2`,
		userID, poolID)

	var wm domain.PositionHighWatermark
	var nav int64
	err := row.Scan(&wm.UserID, &wm.PoolID, &nav, &wm.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionHighWatermark{}, domain.ErrNotFound
		}
		return domain.PositionHighWatermark{}, fmt.Errorf("postgres: get watermark %s/%s: %w", userID, poolID, err)
	}
	wm.HighWatermarkNav = fixedpoint.NAV(nav)
	return wm, nil
}

// ChargePerformanceFee computes the performance fee for a position and raises
// its high-watermark in one transaction. The watermark row is locked FOR
// UPDATE (created at NavBase on first touch) so two concurrent charges can
// never both observe the same gain.
func (s *WatermarkStore) ChargePerformanceFee(
	ctx context.Context,
	userID, poolID string,
	shares fixedpoint.Shares,
	currentNav fixedpoint.NAV,
	performanceFeeBps fixedpoint.Bps,
) (fixedpoint.USDC, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("postgres: begin performance fee tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// First touch: default watermark is NavBase (no gain yet).
	_, err = tx.Exec(ctx, `
		INSERT INTO position_watermarks (user_id, pool_id, high_watermark_nav)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, pool_id) DO NOTHING`,
		userID, poolID, int64(fixedpoint.NavBase))
	if err != nil {
		return 0, fmt.Errorf("postgres: init watermark %s/%s: %w", userID, poolID, err)
	}

	var stored int64
	err = tx.QueryRow(ctx, `
		SELECT high_watermark_nav FROM position_watermarks
		WHERE user_id = $1 AND pool_id = $2 FOR UPDATE`,
		userID, poolID).Scan(&stored)
	if err != nil {
		return 0, fmt.Errorf("postgres: lock watermark %s/%s: %w", userID, poolID, err)
	}

	watermark := fixedpoint.NAV(stored)
	if currentNav <= watermark {
		// No gain above the watermark; leave it untouched.
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("postgres: commit performance fee tx: %w", err)
		}
		return 0, nil
	}

	gain := fixedpoint.PerformanceGain(shares, currentNav, watermark)
	fee := fixedpoint.ApplyBps(gain, performanceFeeBps)

	_, err = tx.Exec(ctx, `
		UPDATE position_watermarks
		SET high_watermark_nav = $3, updated_at = NOW()
		WHERE user_id = $1 AND pool_id = $2`,
		userID, poolID, int64(currentNav))
	if err != nil {
		return 0, fmt.Errorf("postgres: raise watermark %s/%s: %w", userID, poolID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("postgres: commit performance fee tx: %w", err)
	}
	return fee, nil
}

// Compile-time interface check.
var _ domain.WatermarkStore = (*WatermarkStore)(nil)
