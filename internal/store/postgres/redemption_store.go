package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// RedemptionStore implements domain.RedemptionStore using PostgreSQL.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore creates a new RedemptionStore backed by the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

// Create inserts a queue entry, assigning its queue position from the pool's
// monotonic counter. The counter advance and the insert commit together, so
// concurrent requests against the same pool can never share a position. The
// same pool-row lock serializes admissions, which makes the available-share
// re-check below race-free: two requests that both passed the service-side
// check cannot both lock the same shares.
func (s *RedemptionStore) Create(ctx context.Context, e domain.RedemptionQueueEntry) (domain.RedemptionQueueEntry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: begin redemption tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Single-statement advance: the row lock taken by UPDATE serializes
	// concurrent position assignment without an explicit SELECT FOR UPDATE.
	var position int64
	err = tx.QueryRow(ctx, `
		UPDATE pools SET last_queue_position = last_queue_position + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING last_queue_position`, e.PoolID).Scan(&position)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RedemptionQueueEntry{}, domain.ErrNotFound
		}
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: advance queue position %s: %w", e.PoolID, err)
	}
	e.QueuePosition = position

	var confirmed int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE WHEN event_type = 'invest' THEN shares ELSE -shares END
		), 0)
		FROM investments
		WHERE user_id = $1 AND pool_id = $2 AND status = 'confirmed'`,
		e.UserID, e.PoolID).Scan(&confirmed)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: share balance %s/%s: %w", e.UserID, e.PoolID, err)
	}

	var locked int64
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(shares), 0) FROM redemption_queue
		WHERE user_id = $1 AND pool_id = $2 AND status = ANY($3)`,
		e.UserID, e.PoolID, nonTerminalStatuses()).Scan(&locked)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: locked shares %s/%s: %w", e.UserID, e.PoolID, err)
	}
	if int64(e.Shares) > confirmed-locked {
		return domain.RedemptionQueueEntry{}, domain.ErrInsufficientShares
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO redemption_queue (
			id, user_id, pool_id, shares, nav_at_request, estimated_amount,
			queue_position, settlement_date, status, approved_by, reason,
			filled_shares, tx_hash, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		e.ID, e.UserID, e.PoolID, int64(e.Shares), int64(e.NavAtRequest),
		int64(e.EstimatedAmount), e.QueuePosition, e.SettlementDate,
		string(e.Status), e.ApprovedBy, e.Reason, int64(e.FilledShares),
		e.TxHash, e.CreatedAt,
	)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: insert redemption %s: %w", e.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: commit redemption tx: %w", err)
	}
	return e, nil
}

const redemptionSelectCols = `id, user_id, pool_id, shares, nav_at_request,
	estimated_amount, queue_position, settlement_date, status, approved_by,
	reason, filled_shares, tx_hash, created_at, updated_at`

func scanRedemption(scanner interface{ Scan(dest ...any) error }) (domain.RedemptionQueueEntry, error) {
	var e domain.RedemptionQueueEntry
	var status string
	var shares, nav, estimated, filled int64

	err := scanner.Scan(
		&e.ID, &e.UserID, &e.PoolID, &shares, &nav,
		&estimated, &e.QueuePosition, &e.SettlementDate, &status,
		&e.ApprovedBy, &e.Reason, &filled, &e.TxHash,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return domain.RedemptionQueueEntry{}, err
	}

	e.Shares = fixedpoint.Shares(shares)
	e.NavAtRequest = fixedpoint.NAV(nav)
	e.EstimatedAmount = fixedpoint.USDC(estimated)
	e.Status = domain.RedemptionStatus(status)
	e.FilledShares = fixedpoint.Shares(filled)
	return e, nil
}

// GetByID retrieves a single queue entry.
func (s *RedemptionStore) GetByID(ctx context.Context, id string) (domain.RedemptionQueueEntry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+redemptionSelectCols+` FROM redemption_queue WHERE id = $1`, id)

	e, err := scanRedemption(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RedemptionQueueEntry{}, domain.ErrNotFound
		}
		return domain.RedemptionQueueEntry{}, fmt.Errorf("postgres: get redemption %s: %w", id, err)
	}
	return e, nil
}

// ListByUser returns a user's queue entries, newest first.
func (s *RedemptionStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.RedemptionQueueEntry, error) {
	query := `SELECT ` + redemptionSelectCols + ` FROM redemption_queue WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list redemptions for %s: %w", userID, err)
	}
	defer rows.Close()

	var entries []domain.RedemptionQueueEntry
	for rows.Next() {
		e, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan redemption: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list redemptions rows: %w", err)
	}
	return entries, nil
}

// nonTerminalStatuses returns the status strings counted as share locks.
func nonTerminalStatuses() []string {
	out := make([]string, len(domain.NonTerminalRedemptionStatuses))
	for i, st := range domain.NonTerminalRedemptionStatuses {
		out[i] = string(st)
	}
	return out
}

// LockedShares sums shares held by the user's non-terminal entries in a pool.
func (s *RedemptionStore) LockedShares(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	var locked int64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(shares), 0) FROM redemption_queue
		WHERE user_id = $1 AND pool_id = $2 AND status = ANY($3)`,
		userID, poolID, nonTerminalStatuses()).Scan(&locked)
	if err != nil {
		return 0, fmt.Errorf("postgres: locked shares %s/%s: %w", userID, poolID, err)
	}
	return fixedpoint.Shares(locked), nil
}

// CountNonTerminal counts a user's open entries across all pools.
func (s *RedemptionStore) CountNonTerminal(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM redemption_queue
		WHERE user_id = $1 AND status = ANY($2)`,
		userID, nonTerminalStatuses()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("postgres: count non-terminal %s: %w", userID, err)
	}
	return count, nil
}

// Transition moves the entry to `to` only when it is currently in one of
// `from`. Zero rows affected means the entry either does not exist or is in
// a disallowed status; callers distinguish via GetByID.
func (s *RedemptionStore) Transition(ctx context.Context, id string, to domain.RedemptionStatus, from ...domain.RedemptionStatus) error {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_queue SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), fromStrs)
	if err != nil {
		return fmt.Errorf("postgres: transition redemption %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// Approve moves a pending_approval entry to approved.
func (s *RedemptionStore) Approve(ctx context.Context, id, approver string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_queue SET status = $2, approved_by = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, string(domain.RedemptionStatusApproved), approver,
		string(domain.RedemptionStatusPendingApproval))
	if err != nil {
		return fmt.Errorf("postgres: approve redemption %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// Reject moves a pending_approval entry to rejected with a reason.
func (s *RedemptionStore) Reject(ctx context.Context, id, approver, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_queue SET status = $2, approved_by = $3, reason = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, string(domain.RedemptionStatusRejected), approver, reason,
		string(domain.RedemptionStatusPendingApproval))
	if err != nil {
		return fmt.Errorf("postgres: reject redemption %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// MarkSettled records a successful on-chain settlement and appends the
// confirmed redeem ledger event in the same transaction. A processing entry
// never becomes settled without its balance effect.
func (s *RedemptionStore) MarkSettled(ctx context.Context, id string, filled fixedpoint.Shares, txHash string, ledger domain.Investment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin settle tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE redemption_queue
		SET status = $2, filled_shares = $3, tx_hash = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, string(domain.RedemptionStatusSettled), int64(filled), txHash,
		string(domain.RedemptionStatusProcessing))
	if err != nil {
		return fmt.Errorf("postgres: settle redemption %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO investments (
			id, user_id, pool_id, event_type, amount, shares, status,
			tx_hash, share_price_at_event, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ledger.ID, ledger.UserID, ledger.PoolID, string(ledger.Type),
		int64(ledger.Amount), int64(ledger.Shares), string(ledger.Status),
		ledger.TxHash, int64(ledger.SharePriceAtEvent), ledger.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: settle redemption %s ledger event: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit settle tx: %w", err)
	}
	return nil
}

// MarkFailed records an on-chain settlement failure. The entry stays failed;
// settlement is at-most-once and resolution is manual.
func (s *RedemptionStore) MarkFailed(ctx context.Context, id, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_queue SET status = $2, reason = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4`,
		id, string(domain.RedemptionStatusFailed), reason,
		string(domain.RedemptionStatusProcessing))
	if err != nil {
		return fmt.Errorf("postgres: fail redemption %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// ListEligible returns queued/approved entries whose settlement date has
// passed, FIFO within each pool.
func (s *RedemptionStore) ListEligible(ctx context.Context, poolID string, asOf time.Time) ([]domain.RedemptionQueueEntry, error) {
	query := `
		SELECT ` + redemptionSelectCols + ` FROM redemption_queue
		WHERE status = ANY($1) AND settlement_date <= $2`
	args := []any{
		[]string{string(domain.RedemptionStatusQueued), string(domain.RedemptionStatusApproved)},
		asOf,
	}
	if poolID != "" {
		query += ` AND pool_id = $3`
		args = append(args, poolID)
	}
	query += ` ORDER BY pool_id, queue_position ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list eligible redemptions: %w", err)
	}
	defer rows.Close()

	var entries []domain.RedemptionQueueEntry
	for rows.Next() {
		e, err := scanRedemption(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan eligible redemption: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list eligible rows: %w", err)
	}
	return entries, nil
}

// QueueStats aggregates the open queue by status bucket.
func (s *RedemptionStore) QueueStats(ctx context.Context, poolID string) (domain.PoolQueueStats, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(shares), 0), COALESCE(SUM(estimated_amount), 0)
		FROM redemption_queue
		WHERE pool_id = $1 AND status = ANY($2)
		GROUP BY status`,
		poolID, []string{
			string(domain.RedemptionStatusQueued),
			string(domain.RedemptionStatusPendingApproval),
			string(domain.RedemptionStatusProcessing),
		})
	if err != nil {
		return domain.PoolQueueStats{}, fmt.Errorf("postgres: queue stats %s: %w", poolID, err)
	}
	defer rows.Close()

	stats := domain.PoolQueueStats{
		PoolID:    poolID,
		ByStatus:  map[domain.RedemptionStatus]domain.QueueBucket{},
		UpdatedAt: time.Now().UTC(),
	}
	for rows.Next() {
		var status string
		var bucket domain.QueueBucket
		var shares, estimated int64
		if err := rows.Scan(&status, &bucket.Count, &shares, &estimated); err != nil {
			return domain.PoolQueueStats{}, fmt.Errorf("postgres: scan queue stats: %w", err)
		}
		bucket.Shares = fixedpoint.Shares(shares)
		bucket.EstimatedAmount = fixedpoint.USDC(estimated)
		stats.ByStatus[domain.RedemptionStatus(status)] = bucket
	}
	if err := rows.Err(); err != nil {
		return domain.PoolQueueStats{}, fmt.Errorf("postgres: queue stats rows: %w", err)
	}
	return stats, nil
}

// Compile-time interface check.
var _ domain.RedemptionStore = (*RedemptionStore)(nil)
