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

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

// Upsert inserts or updates a pool row. last_queue_position is deliberately
// excluded from the update set: only the redemption insert transaction may
// advance it.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, chain_pool_id, name, nav_per_share, status, total_deposited,
			settlement_days, large_redemption_threshold, token_address,
			pool_address, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			chain_pool_id = EXCLUDED.chain_pool_id,
			name = EXCLUDED.name,
			nav_per_share = EXCLUDED.nav_per_share,
			status = EXCLUDED.status,
			total_deposited = EXCLUDED.total_deposited,
			settlement_days = EXCLUDED.settlement_days,
			large_redemption_threshold = EXCLUDED.large_redemption_threshold,
			token_address = EXCLUDED.token_address,
			pool_address = EXCLUDED.pool_address,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.ChainPoolID, p.Name, int64(p.NavPerShare), string(p.Status),
		int64(p.TotalDeposited), p.SettlementDays,
		int64(p.LargeRedemptionThreshold), p.TokenAddress, p.PoolAddress,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pool %s: %w", p.ID, err)
	}
	return nil
}

const poolSelectCols = `id, chain_pool_id, name, nav_per_share, status,
	total_deposited, settlement_days, large_redemption_threshold,
	last_queue_position, token_address, pool_address, created_at, updated_at`

func scanPool(scanner interface{ Scan(dest ...any) error }) (domain.Pool, error) {
	var p domain.Pool
	var status string
	var nav, deposited, threshold int64

	err := scanner.Scan(
		&p.ID, &p.ChainPoolID, &p.Name, &nav, &status,
		&deposited, &p.SettlementDays, &threshold,
		&p.LastQueuePosition, &p.TokenAddress, &p.PoolAddress,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Pool{}, err
	}

	p.NavPerShare = fixedpoint.NAV(nav)
	p.Status = domain.PoolStatus(status)
	p.TotalDeposited = fixedpoint.USDC(deposited)
	p.LargeRedemptionThreshold = fixedpoint.Shares(threshold)
	return p, nil
}

// GetByID retrieves a single pool.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id)

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, err)
	}
	return p, nil
}

// ListActive returns all pools in active status.
func (s *PoolStore) ListActive(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list active pools rows: %w", err)
	}
	return pools, nil
}

// Compile-time interface check.
var _ domain.PoolStore = (*PoolStore)(nil)
