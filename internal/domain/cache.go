package domain

import (
	"context"
	"time"

	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// NavCache caches per-pool NAV reads so hot paths avoid a database round-trip
// for price sanity checks.
type NavCache interface {
	SetNav(ctx context.Context, poolID string, nav fixedpoint.NAV, ts time.Time) error
	GetNav(ctx context.Context, poolID string) (fixedpoint.NAV, time.Time, error)
}

// LockManager provides distributed mutual exclusion. Acquire returns an
// unlock function on success or ErrLockHeld when another party holds the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// RateLimiter provides sliding-window request limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// StreamMessage is one durable message read from a stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus publishes lifecycle events for downstream consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
