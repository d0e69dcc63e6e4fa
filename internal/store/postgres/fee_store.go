package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// uniqueViolation is the PostgreSQL error code for unique constraint breaks.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// FeeConfigStore implements domain.FeeConfigStore using PostgreSQL.
type FeeConfigStore struct {
	pool *pgxpool.Pool
}

// NewFeeConfigStore creates a new FeeConfigStore backed by the given pool.
func NewFeeConfigStore(pool *pgxpool.Pool) *FeeConfigStore {
	return &FeeConfigStore{pool: pool}
}

// Get retrieves the fee config for a pool, or domain.ErrNotFound.
func (s *FeeConfigStore) Get(ctx context.Context, poolID string) (domain.FeeConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT pool_id, management_fee_bps, performance_fee_bps, entry_fee_bps,
			exit_fee_bps, fee_recipient, updated_by, created_at, updated_at
		FROM fee_configs WHERE pool_id = $1`, poolID)

	var cfg domain.FeeConfig
	var mgmt, perf, entry, exit int64
	err := row.Scan(&cfg.PoolID, &mgmt, &perf, &entry, &exit,
		&cfg.FeeRecipient, &cfg.UpdatedBy, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.FeeConfig{}, domain.ErrNotFound
		}
		return domain.FeeConfig{}, fmt.Errorf("postgres: get fee config %s: %w", poolID, err)
	}

	cfg.ManagementFeeBps = fixedpoint.Bps(mgmt)
	cfg.PerformanceFeeBps = fixedpoint.Bps(perf)
	cfg.EntryFeeBps = fixedpoint.Bps(entry)
	cfg.ExitFeeBps = fixedpoint.Bps(exit)
	return cfg, nil
}

// Upsert writes the fee config for a pool.
func (s *FeeConfigStore) Upsert(ctx context.Context, cfg domain.FeeConfig) error {
	const query = `
		INSERT INTO fee_configs (
			pool_id, management_fee_bps, performance_fee_bps, entry_fee_bps,
			exit_fee_bps, fee_recipient, updated_by, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (pool_id) DO UPDATE SET
			management_fee_bps = EXCLUDED.management_fee_bps,
			performance_fee_bps = EXCLUDED.performance_fee_bps,
			entry_fee_bps = EXCLUDED.entry_fee_bps,
			exit_fee_bps = EXCLUDED.exit_fee_bps,
			fee_recipient = EXCLUDED.fee_recipient,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		cfg.PoolID, int64(cfg.ManagementFeeBps), int64(cfg.PerformanceFeeBps),
		int64(cfg.EntryFeeBps), int64(cfg.ExitFeeBps), cfg.FeeRecipient,
		cfg.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert fee config %s: %w", cfg.PoolID, err)
	}
	return nil
}

// AccruedFeeStore implements domain.AccruedFeeStore using PostgreSQL.
type AccruedFeeStore struct {
	pool *pgxpool.Pool
}

// NewAccruedFeeStore creates a new AccruedFeeStore backed by the given pool.
func NewAccruedFeeStore(pool *pgxpool.Pool) *AccruedFeeStore {
	return &AccruedFeeStore{pool: pool}
}

// Insert appends a new accrued fee row. The (pool_id, fee_type, period)
// unique constraint turns a duplicate accrual into domain.ErrAlreadyExists.
func (s *AccruedFeeStore) Insert(ctx context.Context, fee domain.AccruedFee) error {
	const query = `
		INSERT INTO accrued_fees (id, pool_id, fee_type, amount, period, status, tx_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		fee.ID, fee.PoolID, string(fee.Type), int64(fee.Amount),
		fee.Period, string(fee.Status), fee.TxHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert accrued fee %s: %w", fee.ID, err)
	}
	return nil
}

// ExistsForPeriod reports whether an accrual exists for (pool, type, period).
func (s *AccruedFeeStore) ExistsForPeriod(ctx context.Context, poolID string, feeType domain.FeeType, period string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM accrued_fees
			WHERE pool_id = $1 AND fee_type = $2 AND period = $3
		)`, poolID, string(feeType), period).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check accrued fee %s/%s/%s: %w", poolID, feeType, period, err)
	}
	return exists, nil
}

// ListPending returns pending accrued fees, optionally filtered by pool.
func (s *AccruedFeeStore) ListPending(ctx context.Context, poolID string) ([]domain.AccruedFee, error) {
	query := `
		SELECT id, pool_id, fee_type, amount, period, status, tx_hash, created_at
		FROM accrued_fees WHERE status = 'pending'`
	args := []any{}
	if poolID != "" {
		query += ` AND pool_id = $1`
		args = append(args, poolID)
	}
	query += ` ORDER BY period, pool_id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending fees: %w", err)
	}
	defer rows.Close()

	var fees []domain.AccruedFee
	for rows.Next() {
		var f domain.AccruedFee
		var feeType, status string
		var amount int64
		if err := rows.Scan(&f.ID, &f.PoolID, &feeType, &amount, &f.Period,
			&status, &f.TxHash, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan accrued fee: %w", err)
		}
		f.Type = domain.FeeType(feeType)
		f.Amount = fixedpoint.USDC(amount)
		f.Status = domain.AccruedFeeStatus(status)
		fees = append(fees, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pending fees rows: %w", err)
	}
	return fees, nil
}

// MarkCollected transitions the given fee rows from pending to collected,
// recording the collection transaction hash.
func (s *AccruedFeeStore) MarkCollected(ctx context.Context, ids []string, txHash string) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE accrued_fees SET status = 'collected', tx_hash = $2
		WHERE id = ANY($1) AND status = 'pending'`, ids, txHash)
	if err != nil {
		return fmt.Errorf("postgres: mark fees collected: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Summary aggregates accrued fee totals for one pool.
func (s *AccruedFeeStore) Summary(ctx context.Context, poolID string) (domain.PoolFeeSummary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0),
			COUNT(*) FILTER (WHERE status = 'collected'),
			COALESCE(SUM(amount) FILTER (WHERE status = 'collected'), 0)
		FROM accrued_fees WHERE pool_id = $1`, poolID)

	sum := domain.PoolFeeSummary{PoolID: poolID}
	var pending, collected int64
	if err := row.Scan(&sum.PendingCount, &pending, &sum.CollectedCount, &collected); err != nil {
		return domain.PoolFeeSummary{}, fmt.Errorf("postgres: fee summary %s: %w", poolID, err)
	}
	sum.PendingAmount = fixedpoint.USDC(pending)
	sum.CollectedTotal = fixedpoint.USDC(collected)
	return sum, nil
}

// Compile-time interface checks.
var (
	_ domain.FeeConfigStore  = (*FeeConfigStore)(nil)
	_ domain.AccruedFeeStore = (*AccruedFeeStore)(nil)
)
