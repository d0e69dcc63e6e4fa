package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/poolledger/internal/store/memory"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
	fail bool
}

func (s *recordingSender) Send(_ context.Context, title, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("boom")
	}
	s.sent = append(s.sent, title+": "+message)
	return nil
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) titles() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	copy(out, s.sent)
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNotifierEventFilter(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	n := NewNotifier([]Sender{sender}, []string{"settlement_failed"}, testLogger())

	require.NoError(t, n.Notify(ctx, "fees_accrued", "Fees", "filtered"))
	require.NoError(t, n.Notify(ctx, "settlement_failed", "Failed", "delivered"))
	require.NoError(t, n.NotifyAll(ctx, "Broadcast", "always"))

	assert.Equal(t, []string{"Failed: delivered", "Broadcast: always"}, sender.titles())
}

func TestNotifierCollectsSenderErrors(t *testing.T) {
	ctx := context.Background()
	good := &recordingSender{}
	bad := &recordingSender{fail: true}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.NotifyAll(ctx, "Title", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recording: boom")
	assert.Len(t, good.titles(), 1)
}

func TestListenerForwardsBusEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := memory.NewSignalBus()
	sender := &recordingSender{}
	listener := NewListener(bus,
		NewNotifier([]Sender{sender}, []string{"settlement_failed", "swap_confirmed"}, testLogger()),
		testLogger())

	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	// Let Run register its subscriptions before publishing.
	time.Sleep(20 * time.Millisecond)

	failed, _ := json.Marshal(map[string]any{
		"event":         "settlement_failed",
		"redemption_id": "r-1",
		"pool_id":       "pool-1",
		"reason":        "rpc timeout",
	})
	require.NoError(t, bus.Publish(ctx, "redemptions", failed))

	filtered, _ := json.Marshal(map[string]any{"event": "redemption_queued", "redemption_id": "r-2"})
	require.NoError(t, bus.Publish(ctx, "redemptions", filtered))

	confirmed, _ := json.Marshal(map[string]any{"event": "swap_confirmed", "swap_id": "s-1", "user_id": "u-1"})
	require.NoError(t, bus.Publish(ctx, "swaps", confirmed))

	require.Eventually(t, func() bool {
		return len(sender.titles()) == 2
	}, time.Second, 10*time.Millisecond)

	titles := sender.titles()
	assert.Contains(t, titles[0], "Settlement failed")
	assert.Contains(t, titles[0], "rpc timeout")
	assert.Contains(t, titles[1], "Swap confirmed")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("listener did not stop on cancel")
	}
}
