package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// LedgerExporter is the export pass the archive job drives.
type LedgerExporter interface {
	Run(ctx context.Context, cutoff time.Time) (int, error)
}

// ArchiveJob drives periodic ledger exports to object storage. Exports never
// delete from the primary store; the retention window only chooses the
// cutoff date.
type ArchiveJob struct {
	exporter      LedgerExporter
	retentionDays int
	interval      time.Duration
	logger        *slog.Logger
}

// NewArchiveJob creates an ArchiveJob ticking at the given interval.
func NewArchiveJob(exporter LedgerExporter, retentionDays int, interval time.Duration, logger *slog.Logger) *ArchiveJob {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &ArchiveJob{
		exporter:      exporter,
		retentionDays: retentionDays,
		interval:      interval,
		logger:        logger.With(slog.String("component", "archive_job")),
	}
}

// Run executes a single export pass with the cutoff at the retention
// boundary.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -j.retentionDays)
	n, err := j.exporter.Run(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("jobs: archive pass: %w", err)
	}
	if n > 0 {
		j.logger.Info("archive pass complete",
			slog.Int("events_exported", n),
			slog.Time("cutoff", cutoff),
		)
	}
	return nil
}

// RunLoop runs export passes until the context is cancelled. A failed pass
// is logged and retried on the next tick.
func (j *ArchiveJob) RunLoop(ctx context.Context) error {
	j.logger.Info("archive job started",
		slog.Duration("interval", j.interval),
		slog.Int("retention_days", j.retentionDays),
	)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	if err := j.Run(ctx); err != nil {
		j.logger.Error("archive pass failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("archive job stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("archive pass failed", slog.String("error", err.Error()))
			}
		}
	}
}
