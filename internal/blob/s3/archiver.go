package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// archiveBatchSize bounds one export query.
const archiveBatchSize = 5000

// LedgerArchiver exports confirmed ledger events and audit rows to object
// storage as JSONL snapshots. Nothing is deleted from the primary store; the
// ledger and audit log are append-only and the archive is an export-only
// retention copy.
type LedgerArchiver struct {
	writer      domain.BlobWriter
	investments domain.InvestmentStore
	audit       domain.AuditStore
	logger      *slog.Logger
}

// NewLedgerArchiver creates a LedgerArchiver writing through the given blob
// writer.
func NewLedgerArchiver(writer domain.BlobWriter, investments domain.InvestmentStore, audit domain.AuditStore, logger *slog.Logger) *LedgerArchiver {
	return &LedgerArchiver{
		writer:      writer,
		investments: investments,
		audit:       audit,
		logger:      logger.With(slog.String("component", "ledger_archiver")),
	}
}

// Run exports ledger events created before the cutoff and the full audit log
// under a date-stamped prefix, returning the number of ledger events
// exported.
func (a *LedgerArchiver) Run(ctx context.Context, cutoff time.Time) (int, error) {
	prefix := fmt.Sprintf("ledger/%s", cutoff.UTC().Format("2006-01-02"))

	events, err := a.investments.ListBefore(ctx, cutoff, archiveBatchSize)
	if err != nil {
		return 0, fmt.Errorf("s3blob: list ledger events: %w", err)
	}

	if len(events) > 0 {
		body, err := marshalJSONL(events)
		if err != nil {
			return 0, fmt.Errorf("s3blob: encode ledger events: %w", err)
		}
		key := prefix + "/investments.jsonl"
		if err := a.writer.Put(ctx, key, body); err != nil {
			return 0, err
		}
		a.logger.Info("ledger events exported",
			slog.String("key", key),
			slog.Int("count", len(events)),
		)
	}

	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &cutoff})
	if err != nil {
		return len(events), fmt.Errorf("s3blob: list audit entries: %w", err)
	}
	if len(entries) > 0 {
		body, err := marshalJSONL(entries)
		if err != nil {
			return len(events), fmt.Errorf("s3blob: encode audit entries: %w", err)
		}
		key := prefix + "/audit.jsonl"
		if err := a.writer.Put(ctx, key, body); err != nil {
			return len(events), err
		}
		a.logger.Info("audit entries exported",
			slog.String("key", key),
			slog.Int("count", len(entries)),
		)
	}

	return len(events), nil
}

// marshalJSONL renders a slice as newline-delimited JSON.
func marshalJSONL[T any](items []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
