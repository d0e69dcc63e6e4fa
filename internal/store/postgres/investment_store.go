package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// InvestmentStore implements domain.InvestmentStore using PostgreSQL. Rows
// are append-only; there is no update path.
type InvestmentStore struct {
	pool *pgxpool.Pool
}

// NewInvestmentStore creates a new InvestmentStore backed by the given pool.
func NewInvestmentStore(pool *pgxpool.Pool) *InvestmentStore {
	return &InvestmentStore{pool: pool}
}

// Insert appends a ledger event.
func (s *InvestmentStore) Insert(ctx context.Context, inv domain.Investment) error {
	const query = `
		INSERT INTO investments (
			id, user_id, pool_id, event_type, amount, shares, status,
			tx_hash, share_price_at_event, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		inv.ID, inv.UserID, inv.PoolID, string(inv.Type),
		int64(inv.Amount), int64(inv.Shares), string(inv.Status),
		inv.TxHash, int64(inv.SharePriceAtEvent), inv.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: insert investment %s: %w", inv.ID, err)
	}
	return nil
}

// ConfirmedShareBalance sums confirmed invest shares minus confirmed redeem
// shares for the user and pool.
func (s *InvestmentStore) ConfirmedShareBalance(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN event_type = 'invest' THEN shares ELSE -shares END
		), 0)
		FROM investments
		WHERE user_id = $1 AND pool_id = $2 AND status = 'confirmed'`,
		userID, poolID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("postgres: share balance %s/%s: %w", userID, poolID, err)
	}
	return fixedpoint.Shares(balance), nil
}

const investmentSelectCols = `id, user_id, pool_id, event_type, amount,
	shares, status, tx_hash, share_price_at_event, created_at`

func scanInvestmentRows(rows pgx.Rows) ([]domain.Investment, error) {
	var events []domain.Investment
	for rows.Next() {
		var inv domain.Investment
		var eventType, status string
		var amount, shares, price int64
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.PoolID, &eventType,
			&amount, &shares, &status, &inv.TxHash, &price, &inv.CreatedAt); err != nil {
			return nil, err
		}
		inv.Type = domain.InvestmentType(eventType)
		inv.Amount = fixedpoint.USDC(amount)
		inv.Shares = fixedpoint.Shares(shares)
		inv.Status = domain.InvestmentStatus(status)
		inv.SharePriceAtEvent = fixedpoint.NAV(price)
		events = append(events, inv)
	}
	return events, rows.Err()
}

// ListByUser returns a user's ledger events, newest first.
func (s *InvestmentStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Investment, error) {
	query := `SELECT ` + investmentSelectCols + ` FROM investments WHERE user_id = $1`
	args := []any{userID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list investments for %s: %w", userID, err)
	}
	defer rows.Close()

	events, err := scanInvestmentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan investments for %s: %w", userID, err)
	}
	return events, nil
}

// ListBefore returns ledger events created before the cutoff, oldest first,
// for archival export.
func (s *InvestmentStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Investment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+investmentSelectCols+` FROM investments
		WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`,
		before, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list investments before %s: %w", before, err)
	}
	defer rows.Close()

	events, err := scanInvestmentRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan investments before %s: %w", before, err)
	}
	return events, nil
}

// Compile-time interface check.
var _ domain.InvestmentStore = (*InvestmentStore)(nil)
