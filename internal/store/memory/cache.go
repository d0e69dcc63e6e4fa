package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// NavCache is an in-memory domain.NavCache.
type NavCache struct {
	mu   sync.Mutex
	navs map[string]navEntry
}

type navEntry struct {
	nav fixedpoint.NAV
	ts  time.Time
}

func NewNavCache() *NavCache {
	return &NavCache{navs: make(map[string]navEntry)}
}

func (c *NavCache) SetNav(_ context.Context, poolID string, nav fixedpoint.NAV, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.navs[poolID] = navEntry{nav: nav, ts: ts}
	return nil
}

func (c *NavCache) GetNav(_ context.Context, poolID string) (fixedpoint.NAV, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.navs[poolID]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return e.nav, e.ts, nil
}

var _ domain.NavCache = (*NavCache)(nil)

// LockManager is an in-memory domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]bool
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]bool)}
}

func (m *LockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, domain.ErrLockHeld
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// RateLimiter is an in-memory sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time

	// Denied forces Allow to return false, for tests.
	Denied bool
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time)}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Denied {
		return false, nil
	}
	now := time.Now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

func (r *RateLimiter) Wait(_ context.Context, _ string) error {
	return nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// SignalBus is an in-memory domain.SignalBus. Published payloads are retained
// for assertions; subscriptions receive subsequent publishes on the channel.
type SignalBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][]domain.StreamMessage
	subs      map[string][]chan []byte
	nextID    int64
}

func NewSignalBus() *SignalBus {
	return &SignalBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][]domain.StreamMessage),
		subs:      make(map[string][]chan []byte),
		nextID:    1,
	}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 16)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      time.Now().UTC().Format("20060102150405.000000"),
		Payload: payload,
	})
	return nil
}

func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for _, m := range b.streams[stream] {
		if lastID != "" && m.ID <= lastID {
			continue
		}
		out = append(out, m)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

// Published returns payloads published to the channel, for assertions.
func (b *SignalBus) Published(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[channel]))
	copy(out, b.published[channel])
	return out
}

var _ domain.SignalBus = (*SignalBus)(nil)
