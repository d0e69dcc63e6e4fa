package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// SwapStore implements domain.SwapStore using PostgreSQL.
type SwapStore struct {
	pool *pgxpool.Pool
}

// NewSwapStore creates a new SwapStore backed by the given connection pool.
func NewSwapStore(pool *pgxpool.Pool) *SwapStore {
	return &SwapStore{pool: pool}
}

// Create inserts a new swap row.
func (s *SwapStore) Create(ctx context.Context, sw domain.PoolSwap) error {
	const query = `
		INSERT INTO pool_swaps (
			id, user_id, source_pool_id, target_pool_id, shares,
			source_amount, target_amount, fee, source_nav, target_nav,
			target_shares, slippage_bps, min_output_shares, status,
			quoted_at, tx_hash, error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $18)`

	_, err := s.pool.Exec(ctx, query,
		sw.ID, sw.UserID, sw.SourcePoolID, sw.TargetPoolID, int64(sw.Shares),
		int64(sw.SourceAmount), int64(sw.TargetAmount), int64(sw.Fee),
		int64(sw.SourceNav), int64(sw.TargetNav), int64(sw.TargetShares),
		int64(sw.SlippageBps), int64(sw.MinOutputShares), string(sw.Status),
		sw.QuotedAt, sw.TxHash, sw.Error, sw.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create swap %s: %w", sw.ID, err)
	}
	return nil
}

const swapSelectCols = `id, user_id, source_pool_id, target_pool_id, shares,
	source_amount, target_amount, fee, source_nav, target_nav, target_shares,
	slippage_bps, min_output_shares, status, quoted_at, tx_hash, error,
	created_at, updated_at`

func scanSwap(scanner interface{ Scan(dest ...any) error }) (domain.PoolSwap, error) {
	var sw domain.PoolSwap
	var status string
	var shares, srcAmt, tgtAmt, fee, srcNav, tgtNav, tgtShares, slippage, minOut int64

	err := scanner.Scan(
		&sw.ID, &sw.UserID, &sw.SourcePoolID, &sw.TargetPoolID, &shares,
		&srcAmt, &tgtAmt, &fee, &srcNav, &tgtNav, &tgtShares,
		&slippage, &minOut, &status, &sw.QuotedAt, &sw.TxHash, &sw.Error,
		&sw.CreatedAt, &sw.UpdatedAt,
	)
	if err != nil {
		return domain.PoolSwap{}, err
	}

	sw.Shares = fixedpoint.Shares(shares)
	sw.SourceAmount = fixedpoint.USDC(srcAmt)
	sw.TargetAmount = fixedpoint.USDC(tgtAmt)
	sw.Fee = fixedpoint.USDC(fee)
	sw.SourceNav = fixedpoint.NAV(srcNav)
	sw.TargetNav = fixedpoint.NAV(tgtNav)
	sw.TargetShares = fixedpoint.Shares(tgtShares)
	sw.SlippageBps = fixedpoint.Bps(slippage)
	sw.MinOutputShares = fixedpoint.Shares(minOut)
	sw.Status = domain.SwapStatus(status)
	return sw, nil
}

// GetByID retrieves a single swap.
func (s *SwapStore) GetByID(ctx context.Context, id string) (domain.PoolSwap, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+swapSelectCols+` FROM pool_swaps WHERE id = $1`, id)

	sw, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PoolSwap{}, domain.ErrNotFound
		}
		return domain.PoolSwap{}, fmt.Errorf("postgres: get swap %s: %w", id, err)
	}
	return sw, nil
}

// Transition moves the swap to `to` only when it is in one of `from`.
func (s *SwapStore) Transition(ctx context.Context, id string, to domain.SwapStatus, from ...domain.SwapStatus) error {
	fromStrs := make([]string, len(from))
	for i, st := range from {
		fromStrs[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_swaps SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		id, string(to), fromStrs)
	if err != nil {
		return fmt.Errorf("postgres: transition swap %s to %s: %w", id, to, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// Confirm transitions the swap to confirmed and appends the redeem and
// invest ledger events in one transaction, so the swap's effect on share
// balances lands atomically.
func (s *SwapStore) Confirm(ctx context.Context, id, txHash string) (domain.PoolSwap, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return domain.PoolSwap{}, fmt.Errorf("postgres: begin confirm swap tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx,
		`SELECT `+swapSelectCols+` FROM pool_swaps WHERE id = $1 FOR UPDATE`, id)
	sw, err := scanSwap(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PoolSwap{}, domain.ErrNotFound
		}
		return domain.PoolSwap{}, fmt.Errorf("postgres: lock swap %s: %w", id, err)
	}

	switch sw.Status {
	case domain.SwapStatusAwaitingSignature, domain.SwapStatusSubmitted:
	default:
		return domain.PoolSwap{}, domain.ErrInvalidTransition
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE pool_swaps SET status = $2, tx_hash = $3, updated_at = NOW()
		WHERE id = $1`,
		id, string(domain.SwapStatusConfirmed), txHash)
	if err != nil {
		return domain.PoolSwap{}, fmt.Errorf("postgres: confirm swap %s: %w", id, err)
	}

	const insertEvent = `
		INSERT INTO investments (
			id, user_id, pool_id, event_type, amount, shares, status,
			tx_hash, share_price_at_event, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err = tx.Exec(ctx, insertEvent,
		uuid.New().String(), sw.UserID, sw.SourcePoolID,
		string(domain.InvestmentTypeRedeem), int64(sw.SourceAmount),
		int64(sw.Shares), string(domain.InvestmentStatusConfirmed),
		txHash, int64(sw.SourceNav), now,
	)
	if err != nil {
		return domain.PoolSwap{}, fmt.Errorf("postgres: swap %s redeem event: %w", id, err)
	}

	_, err = tx.Exec(ctx, insertEvent,
		uuid.New().String(), sw.UserID, sw.TargetPoolID,
		string(domain.InvestmentTypeInvest), int64(sw.TargetAmount),
		int64(sw.TargetShares), string(domain.InvestmentStatusConfirmed),
		txHash, int64(sw.TargetNav), now,
	)
	if err != nil {
		return domain.PoolSwap{}, fmt.Errorf("postgres: swap %s invest event: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.PoolSwap{}, fmt.Errorf("postgres: commit confirm swap tx: %w", err)
	}

	sw.Status = domain.SwapStatusConfirmed
	sw.TxHash = txHash
	return sw, nil
}

// MarkFailed records a terminal failure with its error message.
func (s *SwapStore) MarkFailed(ctx context.Context, id, errMsg string) error {
	fromStrs := make([]string, 0, len(domain.StaleSwapStatuses)+1)
	for _, st := range domain.StaleSwapStatuses {
		fromStrs = append(fromStrs, string(st))
	}
	fromStrs = append(fromStrs, string(domain.SwapStatusSubmitted))

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_swaps SET status = $2, error = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($4)`,
		id, string(domain.SwapStatusFailed), errMsg, fromStrs)
	if err != nil {
		return fmt.Errorf("postgres: fail swap %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// CancelStale bulk-cancels swaps still in a pre-submission status created
// before the cutoff.
func (s *SwapStore) CancelStale(ctx context.Context, before time.Time) (int64, error) {
	statuses := make([]string, len(domain.StaleSwapStatuses))
	for i, st := range domain.StaleSwapStatuses {
		statuses[i] = string(st)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE pool_swaps SET status = $1, updated_at = NOW()
		WHERE status = ANY($2) AND created_at < $3`,
		string(domain.SwapStatusCancelled), statuses, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: cancel stale swaps: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.SwapStore = (*SwapStore)(nil)
