// Package memory provides in-memory implementations of the domain store and
// cache interfaces for tests.
package memory

import (
	"context"
	"sync"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// PoolStore is an in-memory domain.PoolStore.
type PoolStore struct {
	mu    sync.Mutex
	pools map[string]domain.Pool
}

func NewPoolStore() *PoolStore {
	return &PoolStore{pools: make(map[string]domain.Pool)}
}

func (s *PoolStore) Upsert(_ context.Context, pool domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools[pool.ID] = pool
	return nil
}

func (s *PoolStore) GetByID(_ context.Context, id string) (domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[id]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	return pool, nil
}

func (s *PoolStore) ListActive(_ context.Context) ([]domain.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Pool
	for _, p := range s.pools {
		if p.IsActive() {
			out = append(out, p)
		}
	}
	return out, nil
}

var _ domain.PoolStore = (*PoolStore)(nil)
