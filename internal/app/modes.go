package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/jobs"
	"github.com/alanyoungcy/poolledger/internal/notify"
)

// FullMode runs every background driver: fee accrual, settlement sweeps,
// stale swap cleanup, ledger archival (when S3 is enabled) and the alert
// listener.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	svcs, err := BuildServices(a.cfg, deps, a.logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	accrual := jobs.NewAccrualJob(svcs.Fees, a.cfg.Queue.AccrualInterval.Duration, a.logger)
	g.Go(func() error {
		return accrual.RunLoop(ctx)
	})

	sweep := jobs.NewSettlementJob(svcs.Redemptions, deps.LockManager, a.cfg.Queue.SweepInterval.Duration, a.logger)
	g.Go(func() error {
		return sweep.RunLoop(ctx)
	})

	if svcs.Swaps != nil {
		g.Go(func() error {
			return a.staleSwapLoop(ctx, svcs)
		})
	}

	if deps.Archiver != nil {
		archive := jobs.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.cfg.Archive.Interval.Duration, a.logger)
		g.Go(func() error {
			return archive.RunLoop(ctx)
		})
	}

	listener := notify.NewListener(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error {
		return listener.Run(ctx)
	})

	return g.Wait()
}

// AccrueMode runs a single fee accrual pass and exits. Suited to cron-style
// deployment.
func (a *App) AccrueMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting accrue mode")

	svcs, err := BuildServices(a.cfg, deps, a.logger)
	if err != nil {
		return err
	}
	return jobs.NewAccrualJob(svcs.Fees, a.cfg.Queue.AccrualInterval.Duration, a.logger).Run(ctx)
}

// SettleMode runs a single settlement sweep and exits.
func (a *App) SettleMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting settle mode")

	if deps.Executor == nil {
		return fmt.Errorf("app: settle mode requires chain configuration")
	}
	svcs, err := BuildServices(a.cfg, deps, a.logger)
	if err != nil {
		return err
	}
	return jobs.NewSettlementJob(svcs.Redemptions, deps.LockManager, a.cfg.Queue.SweepInterval.Duration, a.logger).Run(ctx)
}

// ArchiveMode runs a single ledger export pass and exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	if deps.Archiver == nil {
		return fmt.Errorf("app: archive mode requires s3 configuration")
	}
	return jobs.NewArchiveJob(deps.Archiver, a.cfg.Archive.RetentionDays, a.cfg.Archive.Interval.Duration, a.logger).Run(ctx)
}

// staleSwapLoop cancels swaps stuck before submission at twice the quote TTL.
func (a *App) staleSwapLoop(ctx context.Context, svcs *Services) error {
	ticker := time.NewTicker(domain.SwapQuoteTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := svcs.Swaps.CleanupStaleSwaps(ctx); err != nil {
				a.logger.Error("stale swap cleanup failed", slog.String("error", err.Error()))
			}
		}
	}
}
