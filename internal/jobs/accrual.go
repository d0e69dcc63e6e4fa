// Package jobs holds the periodic background drivers: the daily fee accrual
// pass and the redemption settlement sweep.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolledger/internal/service"
)

// AccrualJob drives FeeService.AccrueManagementFees on an interval. The
// accrual itself is idempotent per (pool, day), so running more often than
// daily is harmless.
type AccrualJob struct {
	fees     *service.FeeService
	interval time.Duration
	logger   *slog.Logger
}

// NewAccrualJob creates an AccrualJob ticking at the given interval.
func NewAccrualJob(fees *service.FeeService, interval time.Duration, logger *slog.Logger) *AccrualJob {
	if interval <= 0 {
		interval = time.Hour
	}
	return &AccrualJob{
		fees:     fees,
		interval: interval,
		logger:   logger.With(slog.String("component", "accrual_job")),
	}
}

// Run executes a single accrual pass.
func (j *AccrualJob) Run(ctx context.Context) error {
	written, err := j.fees.AccrueManagementFees(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("jobs: accrual pass: %w", err)
	}
	if len(written) > 0 {
		j.logger.Info("accrual pass complete", slog.Int("pools_accrued", len(written)))
	}
	return nil
}

// RunLoop runs accrual passes until the context is cancelled. A failed pass
// is logged and retried on the next tick.
func (j *AccrualJob) RunLoop(ctx context.Context) error {
	j.logger.Info("accrual job started", slog.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// One pass up front so a fresh deploy does not wait a full interval.
	if err := j.Run(ctx); err != nil {
		j.logger.Error("accrual pass failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("accrual job stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("accrual pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
