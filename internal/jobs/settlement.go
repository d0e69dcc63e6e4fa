package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/service"
)

// settlementLockKey guards the sweep across runners.
const settlementLockKey = "settlement_sweep"

// SettlementJob sweeps the redemption queue: acquire the distributed lock,
// list eligible entries FIFO per pool, and settle each through the executor.
// The per-entry conditional claim inside ProcessSettlement is the second
// line of defence if two sweeps ever overlap anyway.
type SettlementJob struct {
	redemptions *service.RedemptionService
	locks       domain.LockManager
	interval    time.Duration
	lockTTL     time.Duration
	logger      *slog.Logger
}

// NewSettlementJob creates a SettlementJob sweeping at the given interval.
func NewSettlementJob(redemptions *service.RedemptionService, locks domain.LockManager, interval time.Duration, logger *slog.Logger) *SettlementJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SettlementJob{
		redemptions: redemptions,
		locks:       locks,
		interval:    interval,
		lockTTL:     interval,
		logger:      logger.With(slog.String("component", "settlement_job")),
	}
}

// Run executes a single settlement sweep. When another runner holds the
// lock the sweep is skipped without error.
func (j *SettlementJob) Run(ctx context.Context) error {
	unlock, err := j.locks.Acquire(ctx, settlementLockKey, j.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.Info("settlement sweep skipped, lock held elsewhere")
			return nil
		}
		return fmt.Errorf("jobs: settlement lock: %w", err)
	}
	defer unlock()

	entries, err := j.redemptions.GetEligibleRedemptions(ctx, "", time.Now().UTC())
	if err != nil {
		return fmt.Errorf("jobs: settlement sweep: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	j.logger.Info("settlement sweep started", slog.Int("eligible", len(entries)))

	var settled, skipped int
	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := j.redemptions.ProcessSettlement(ctx, entry.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Claimed by someone else between listing and processing.
				skipped++
				continue
			}
			j.logger.Error("settlement failed to record",
				slog.String("redemption_id", entry.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		settled++
	}

	j.logger.Info("settlement sweep complete",
		slog.Int("processed", settled),
		slog.Int("skipped", skipped),
	)
	return nil
}

// RunLoop runs settlement sweeps until the context is cancelled.
func (j *SettlementJob) RunLoop(ctx context.Context) error {
	j.logger.Info("settlement job started", slog.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("settlement job stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("settlement sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}
