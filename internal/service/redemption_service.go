package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// maxNonTerminalPerUser bounds queue growth per user.
const maxNonTerminalPerUser = 10

// RedemptionParams tunes queue admission.
type RedemptionParams struct {
	// RateLimit / RateWindow throttle QueueRedemption per user.
	RateLimit  int
	RateWindow time.Duration
	// Admins are the identifiers allowed to approve or reject entries.
	Admins []string
}

// RedemptionService implements the redemption queue engine: admission with
// the available-share invariant, the status state machine, and at-most-once
// settlement through the on-chain executor.
type RedemptionService struct {
	pools       domain.PoolStore
	investments domain.InvestmentStore
	redemptions domain.RedemptionStore
	limiter     domain.RateLimiter
	executor    domain.OnChainExecutor
	bus         domain.SignalBus
	audit       domain.AuditStore
	params      RedemptionParams
	logger      *slog.Logger
}

// NewRedemptionService creates a RedemptionService with all required
// dependencies.
func NewRedemptionService(
	pools domain.PoolStore,
	investments domain.InvestmentStore,
	redemptions domain.RedemptionStore,
	limiter domain.RateLimiter,
	executor domain.OnChainExecutor,
	bus domain.SignalBus,
	audit domain.AuditStore,
	params RedemptionParams,
	logger *slog.Logger,
) *RedemptionService {
	if params.RateLimit <= 0 {
		params.RateLimit = 5
	}
	if params.RateWindow <= 0 {
		params.RateWindow = time.Minute
	}
	return &RedemptionService{
		pools:       pools,
		investments: investments,
		redemptions: redemptions,
		limiter:     limiter,
		executor:    executor,
		bus:         bus,
		audit:       audit,
		params:      params,
		logger:      logger,
	}
}

// QueueRedemption admits a redemption request, locking the pool NAV into the
// entry and assigning the next queue position. Requests at or above the
// pool's large-redemption threshold start in pending_approval instead of
// queued.
func (s *RedemptionService) QueueRedemption(ctx context.Context, userID, poolID string, shares fixedpoint.Shares) (domain.RedemptionQueueEntry, error) {
	if shares <= 0 {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: shares %d: %w", shares, domain.ErrInvalidAmount)
	}

	allowed, err := s.limiter.Allow(ctx, "redeem:"+userID, s.params.RateLimit, s.params.RateWindow)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: rate limit check: %w", err)
	}
	if !allowed {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: user %q: %w", userID, domain.ErrRateLimited)
	}

	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: get pool %q: %w", poolID, err)
	}
	if !pool.IsActive() {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: pool %q: %w", poolID, domain.ErrPoolInactive)
	}

	open, err := s.redemptions.CountNonTerminal(ctx, userID)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: count open entries: %w", err)
	}
	if open >= maxNonTerminalPerUser {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: user %q has %d open entries: %w", userID, open, domain.ErrQueueLimitReached)
	}

	// Fast-path rejection with a readable error; the store re-checks the
	// invariant inside the admission transaction, so two racing requests
	// cannot both lock the same shares.
	available, err := s.availableShares(ctx, userID, poolID)
	if err != nil {
		return domain.RedemptionQueueEntry{}, err
	}
	if shares > available {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: requested %d, available %d: %w", shares, available, domain.ErrInsufficientShares)
	}

	status := domain.RedemptionStatusQueued
	if pool.LargeRedemptionThreshold > 0 && shares >= pool.LargeRedemptionThreshold {
		status = domain.RedemptionStatusPendingApproval
	}

	now := time.Now().UTC()
	entry := domain.RedemptionQueueEntry{
		ID:              uuid.New().String(),
		UserID:          userID,
		PoolID:          poolID,
		Shares:          shares,
		NavAtRequest:    pool.NavPerShare,
		EstimatedAmount: fixedpoint.SharesToUSDC(shares, pool.NavPerShare),
		SettlementDate:  now.AddDate(0, 0, pool.SettlementDays),
		Status:          status,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	entry, err = s.redemptions.Create(ctx, entry)
	if err != nil {
		return domain.RedemptionQueueEntry{}, fmt.Errorf("redemption_service: create entry: %w", err)
	}

	s.publishEvent(ctx, "redemption_queued", map[string]any{
		"redemption_id":  entry.ID,
		"user_id":        userID,
		"pool_id":        poolID,
		"shares":         int64(shares),
		"queue_position": entry.QueuePosition,
		"status":         string(entry.Status),
	})

	s.logger.InfoContext(ctx, "redemption_service: redemption queued",
		slog.String("redemption_id", entry.ID),
		slog.String("pool_id", poolID),
		slog.Int64("shares", int64(shares)),
		slog.Int64("queue_position", entry.QueuePosition),
		slog.String("status", string(entry.Status)),
	)

	return entry, nil
}

// availableShares derives confirmed minus locked shares for the position.
func (s *RedemptionService) availableShares(ctx context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	total, err := s.investments.ConfirmedShareBalance(ctx, userID, poolID)
	if err != nil {
		return 0, fmt.Errorf("redemption_service: share balance %s/%s: %w", userID, poolID, err)
	}
	locked, err := s.redemptions.LockedShares(ctx, userID, poolID)
	if err != nil {
		return 0, fmt.Errorf("redemption_service: locked shares %s/%s: %w", userID, poolID, err)
	}
	return total - locked, nil
}

// GetUserPosition derives the user's holdings in a pool from the ledger and
// the open queue.
func (s *RedemptionService) GetUserPosition(ctx context.Context, userID, poolID string) (domain.UserPosition, error) {
	pool, err := s.pools.GetByID(ctx, poolID)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("redemption_service: get pool %q: %w", poolID, err)
	}

	total, err := s.investments.ConfirmedShareBalance(ctx, userID, poolID)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("redemption_service: share balance %s/%s: %w", userID, poolID, err)
	}
	locked, err := s.redemptions.LockedShares(ctx, userID, poolID)
	if err != nil {
		return domain.UserPosition{}, fmt.Errorf("redemption_service: locked shares %s/%s: %w", userID, poolID, err)
	}

	available := total - locked
	return domain.UserPosition{
		UserID:          userID,
		PoolID:          poolID,
		TotalShares:     total,
		LockedShares:    locked,
		AvailableShares: available,
		Value:           fixedpoint.SharesToUSDC(available, pool.NavPerShare),
	}, nil
}

// CancelRedemption withdraws the user's own entry while it is still in an
// initial state.
func (s *RedemptionService) CancelRedemption(ctx context.Context, id, userID string) error {
	entry, err := s.redemptions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("redemption_service: get entry %q: %w", id, err)
	}
	if entry.UserID != userID {
		return fmt.Errorf("redemption_service: entry %q owned by another user: %w", id, domain.ErrUnauthorized)
	}
	if !entry.Status.Cancellable() {
		return fmt.Errorf("redemption_service: entry %q in %s: %w", id, entry.Status, domain.ErrInvalidTransition)
	}

	if err := s.redemptions.Transition(ctx, id, domain.RedemptionStatusCancelled,
		domain.RedemptionStatusQueued, domain.RedemptionStatusPendingApproval); err != nil {
		return fmt.Errorf("redemption_service: cancel entry %q: %w", id, err)
	}

	s.publishEvent(ctx, "redemption_cancelled", map[string]any{
		"redemption_id": id,
		"user_id":       userID,
	})
	return nil
}

// ApproveRedemption moves a pending_approval entry to approved.
func (s *RedemptionService) ApproveRedemption(ctx context.Context, id, adminID string) error {
	if !s.isAdmin(adminID) {
		return fmt.Errorf("redemption_service: approve by %q: %w", adminID, domain.ErrUnauthorized)
	}
	if err := s.redemptions.Approve(ctx, id, adminID); err != nil {
		return fmt.Errorf("redemption_service: approve entry %q: %w", id, err)
	}
	s.publishEvent(ctx, "redemption_approved", map[string]any{
		"redemption_id": id,
		"approved_by":   adminID,
	})
	return nil
}

// RejectRedemption terminally rejects a pending_approval entry with a reason.
func (s *RedemptionService) RejectRedemption(ctx context.Context, id, adminID, reason string) error {
	if !s.isAdmin(adminID) {
		return fmt.Errorf("redemption_service: reject by %q: %w", adminID, domain.ErrUnauthorized)
	}
	if err := s.redemptions.Reject(ctx, id, adminID, reason); err != nil {
		return fmt.Errorf("redemption_service: reject entry %q: %w", id, err)
	}
	s.publishEvent(ctx, "redemption_rejected", map[string]any{
		"redemption_id": id,
		"rejected_by":   adminID,
		"reason":        reason,
	})
	return nil
}

func (s *RedemptionService) isAdmin(adminID string) bool {
	for _, a := range s.params.Admins {
		if a == adminID {
			return true
		}
	}
	return false
}

// GetEligibleRedemptions lists queued/approved entries due for settlement,
// FIFO within each pool. Empty poolID means all pools.
func (s *RedemptionService) GetEligibleRedemptions(ctx context.Context, poolID string, asOf time.Time) ([]domain.RedemptionQueueEntry, error) {
	entries, err := s.redemptions.ListEligible(ctx, poolID, asOf)
	if err != nil {
		return nil, fmt.Errorf("redemption_service: list eligible: %w", err)
	}
	return entries, nil
}

// ProcessSettlement claims one eligible entry and executes it on chain. The
// conditional transition to processing is the sole claim: a second caller
// racing on the same entry gets ErrInvalidTransition and backs off. Executor
// failure is recorded on the entry (failed + reason) and not returned as an
// error; settlement is at-most-once and failed entries await manual
// intervention.
func (s *RedemptionService) ProcessSettlement(ctx context.Context, id string) error {
	entry, err := s.redemptions.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("redemption_service: get entry %q: %w", id, err)
	}

	pool, err := s.pools.GetByID(ctx, entry.PoolID)
	if err != nil {
		return fmt.Errorf("redemption_service: get pool %q: %w", entry.PoolID, err)
	}

	// Claim. Anything not queued/approved (including already-processing)
	// fails here without touching the executor.
	if err := s.redemptions.Transition(ctx, id, domain.RedemptionStatusProcessing,
		domain.RedemptionStatusQueued, domain.RedemptionStatusApproved); err != nil {
		return fmt.Errorf("redemption_service: claim entry %q: %w", id, err)
	}

	result, execErr := s.executor.Redeem(ctx, pool.ChainPoolID, entry.UserID, entry.Shares)
	if execErr != nil {
		if failErr := s.redemptions.MarkFailed(ctx, id, execErr.Error()); failErr != nil {
			return fmt.Errorf("redemption_service: record failure for %q: %w", id, failErr)
		}
		s.publishEvent(ctx, "settlement_failed", map[string]any{
			"redemption_id": id,
			"pool_id":       entry.PoolID,
			"reason":        execErr.Error(),
		})
		s.logger.ErrorContext(ctx, "redemption_service: settlement failed",
			slog.String("redemption_id", id),
			slog.String("pool_id", entry.PoolID),
			slog.String("error", execErr.Error()),
		)
		return nil
	}

	// The settled status and the redeem ledger event commit in one store
	// transaction. If the write fails the entry stays processing with its
	// shares locked; it never reads as settled without its balance effect.
	ledgerEvent := domain.Investment{
		ID:                uuid.New().String(),
		UserID:            entry.UserID,
		PoolID:            entry.PoolID,
		Type:              domain.InvestmentTypeRedeem,
		Amount:            result.Amount,
		Shares:            entry.Shares,
		Status:            domain.InvestmentStatusConfirmed,
		TxHash:            result.TxHash,
		SharePriceAtEvent: entry.NavAtRequest,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.redemptions.MarkSettled(ctx, id, entry.Shares, result.TxHash, ledgerEvent); err != nil {
		return fmt.Errorf("redemption_service: settle entry %q: %w", id, err)
	}

	s.publishEvent(ctx, "redemption_settled", map[string]any{
		"redemption_id": id,
		"pool_id":       entry.PoolID,
		"shares":        int64(entry.Shares),
		"amount":        int64(result.Amount),
		"tx_hash":       result.TxHash,
	})

	s.logger.InfoContext(ctx, "redemption_service: redemption settled",
		slog.String("redemption_id", id),
		slog.String("pool_id", entry.PoolID),
		slog.Int64("shares", int64(entry.Shares)),
		slog.Int64("amount", int64(result.Amount)),
		slog.String("tx_hash", result.TxHash),
	)
	return nil
}

// GetPoolQueueStats aggregates the open queue per status bucket.
func (s *RedemptionService) GetPoolQueueStats(ctx context.Context, poolID string) (domain.PoolQueueStats, error) {
	stats, err := s.redemptions.QueueStats(ctx, poolID)
	if err != nil {
		return domain.PoolQueueStats{}, fmt.Errorf("redemption_service: queue stats %q: %w", poolID, err)
	}
	return stats, nil
}

// ListUserRedemptions pages through a user's queue entries, newest first.
func (s *RedemptionService) ListUserRedemptions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.RedemptionQueueEntry, error) {
	entries, err := s.redemptions.ListByUser(ctx, userID, opts)
	if err != nil {
		return nil, fmt.Errorf("redemption_service: list entries for %q: %w", userID, err)
	}
	return entries, nil
}

// publishEvent emits a lifecycle event on the bus and the audit log. Neither
// failure blocks the calling operation.
func (s *RedemptionService) publishEvent(ctx context.Context, event string, detail map[string]any) {
	payload, _ := json.Marshal(mergeEvent(event, detail))
	if pubErr := s.bus.Publish(ctx, "redemptions", payload); pubErr != nil {
		s.logger.WarnContext(ctx, "redemption_service: publish event failed",
			slog.String("event", event),
			slog.String("error", pubErr.Error()),
		)
	}
	if auditErr := s.audit.Log(ctx, event, detail); auditErr != nil {
		s.logger.WarnContext(ctx, "redemption_service: audit log failed",
			slog.String("event", event),
			slog.String("error", auditErr.Error()),
		)
	}
}

func mergeEvent(event string, detail map[string]any) map[string]any {
	out := make(map[string]any, len(detail)+1)
	out["event"] = event
	for k, v := range detail {
		out[k] = v
	}
	return out
}
