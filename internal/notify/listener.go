package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// busChannels are the signal bus channels the listener drains.
var busChannels = []string{"fees", "redemptions", "swaps"}

// Listener drains lifecycle events off the signal bus and turns them into
// operator alerts. Event filtering happens in the Notifier, so the listener
// subscribes to every channel and lets the allow-list decide what goes out.
type Listener struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewListener creates a Listener forwarding bus events to the notifier.
func NewListener(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Listener {
	return &Listener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_listener")),
	}
}

// Run subscribes to all lifecycle channels and blocks until the context is
// cancelled or a subscription fails.
func (l *Listener) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, channel := range busChannels {
		msgs, err := l.bus.Subscribe(ctx, channel)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", channel, err)
		}
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case payload, ok := <-msgs:
					if !ok {
						return nil
					}
					l.handle(ctx, payload)
				}
			}
		})
	}
	return g.Wait()
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var event struct {
		Event        string `json:"event"`
		PoolID       string `json:"pool_id"`
		RedemptionID string `json:"redemption_id"`
		SwapID       string `json:"swap_id"`
		UserID       string `json:"user_id"`
		Reason       string `json:"reason"`
		Period       string `json:"period"`
		Pools        int    `json:"pools"`
		Count        int    `json:"count"`
	}
	if err := json.Unmarshal(payload, &event); err != nil {
		l.logger.WarnContext(ctx, "undecodable bus payload",
			slog.String("error", err.Error()),
		)
		return
	}
	if event.Event == "" {
		return
	}

	title, message := renderAlert(alertFields{
		event:        event.Event,
		poolID:       event.PoolID,
		redemptionID: event.RedemptionID,
		swapID:       event.SwapID,
		userID:       event.UserID,
		reason:       event.Reason,
		period:       event.Period,
		pools:        event.Pools,
		count:        event.Count,
	})
	if err := l.notifier.Notify(ctx, event.Event, title, message); err != nil {
		l.logger.WarnContext(ctx, "alert delivery failed",
			slog.String("event", event.Event),
			slog.String("error", err.Error()),
		)
	}
}

type alertFields struct {
	event        string
	poolID       string
	redemptionID string
	swapID       string
	userID       string
	reason       string
	period       string
	pools        int
	count        int
}

// renderAlert maps a lifecycle event to a human-readable alert.
func renderAlert(f alertFields) (string, string) {
	switch f.event {
	case "settlement_failed":
		return "Settlement failed",
			fmt.Sprintf("Redemption %s on pool %s failed: %s", f.redemptionID, f.poolID, f.reason)
	case "fees_accrued":
		return "Management fees accrued",
			fmt.Sprintf("Period %s: fees accrued for %d pool(s)", f.period, f.pools)
	case "swap_confirmed":
		return "Swap confirmed",
			fmt.Sprintf("Swap %s for user %s confirmed on-chain", f.swapID, f.userID)
	case "redemption_queued":
		return "Redemption queued",
			fmt.Sprintf("Redemption %s queued for pool %s", f.redemptionID, f.poolID)
	case "redemption_settled":
		return "Redemption settled",
			fmt.Sprintf("Redemption %s settled on pool %s", f.redemptionID, f.poolID)
	case "stale_swaps_cancelled":
		return "Stale swaps cancelled",
			fmt.Sprintf("%d stale swap(s) cancelled", f.count)
	default:
		return f.event, fmt.Sprintf("Event %s on pool %s", f.event, f.poolID)
	}
}
