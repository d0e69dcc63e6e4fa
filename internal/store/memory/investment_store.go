package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// InvestmentStore is an in-memory domain.InvestmentStore.
type InvestmentStore struct {
	mu     sync.Mutex
	events []domain.Investment
	ids    map[string]bool

	// InsertErr forces Insert to fail, for tests.
	InsertErr error
}

func NewInvestmentStore() *InvestmentStore {
	return &InvestmentStore{ids: make(map[string]bool)}
}

func (s *InvestmentStore) Insert(_ context.Context, inv domain.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	return s.insertLocked(inv)
}

func (s *InvestmentStore) insertLocked(inv domain.Investment) error {
	if s.ids[inv.ID] {
		return domain.ErrAlreadyExists
	}
	s.ids[inv.ID] = true
	s.events = append(s.events, inv)
	return nil
}

func (s *InvestmentStore) ConfirmedShareBalance(_ context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var balance fixedpoint.Shares
	for _, e := range s.events {
		if e.UserID != userID || e.PoolID != poolID || e.Status != domain.InvestmentStatusConfirmed {
			continue
		}
		if e.Type == domain.InvestmentTypeInvest {
			balance += e.Shares
		} else {
			balance -= e.Shares
		}
	}
	return balance, nil
}

func (s *InvestmentStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Investment
	for _, e := range s.events {
		if e.UserID != userID {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s *InvestmentStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Investment
	for _, e := range s.events {
		if e.CreatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a copy of every stored event, in insertion order.
func (s *InvestmentStore) All() []domain.Investment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Investment, len(s.events))
	copy(out, s.events)
	return out
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

var _ domain.InvestmentStore = (*InvestmentStore)(nil)
