package s3blob

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
	"github.com/alanyoungcy/poolledger/internal/store/memory"
)

func TestLedgerArchiverExportsBeforeCutoff(t *testing.T) {
	ctx := context.Background()
	investments := memory.NewInvestmentStore()
	audit := memory.NewAuditStore()
	writer := memory.NewBlobWriter()

	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	old := domain.Investment{
		ID:        "inv-old",
		UserID:    "user-1",
		PoolID:    "pool-1",
		Type:      domain.InvestmentTypeInvest,
		Shares:    10 * fixedpoint.ShareUnit,
		Status:    domain.InvestmentStatusConfirmed,
		CreatedAt: cutoff.AddDate(0, -1, 0),
	}
	recent := old
	recent.ID = "inv-recent"
	recent.CreatedAt = cutoff.AddDate(0, 1, 0)
	require.NoError(t, investments.Insert(ctx, old))
	require.NoError(t, investments.Insert(ctx, recent))

	require.NoError(t, audit.Log(ctx, "redemption_queued", map[string]any{"redemption_id": "r1"}))

	archiver := NewLedgerArchiver(writer, investments, audit,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := archiver.Run(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	body, ok := writer.Get("ledger/2026-08-01/investments.jsonl")
	require.True(t, ok)
	assert.Contains(t, string(body), "inv-old")
	assert.NotContains(t, string(body), "inv-recent")
	assert.Equal(t, 1, strings.Count(string(body), "\n"))
}

func TestLedgerArchiverEmptyLedger(t *testing.T) {
	ctx := context.Background()
	writer := memory.NewBlobWriter()
	archiver := NewLedgerArchiver(writer, memory.NewInvestmentStore(), memory.NewAuditStore(),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := archiver.Run(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, writer.Keys())
}
