package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/poolledger/internal/domain"
)

// SwapStore is an in-memory domain.SwapStore. Confirm appends the two ledger
// events to the given InvestmentStore under the swap store mutex, mirroring
// the database transaction.
type SwapStore struct {
	mu          sync.Mutex
	swaps       map[string]domain.PoolSwap
	investments *InvestmentStore
}

func NewSwapStore(investments *InvestmentStore) *SwapStore {
	return &SwapStore{
		swaps:       make(map[string]domain.PoolSwap),
		investments: investments,
	}
}

func (s *SwapStore) Create(_ context.Context, sw domain.PoolSwap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.swaps[sw.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.swaps[sw.ID] = sw
	return nil
}

func (s *SwapStore) GetByID(_ context.Context, id string) (domain.PoolSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.swaps[id]
	if !ok {
		return domain.PoolSwap{}, domain.ErrNotFound
	}
	return sw, nil
}

func (s *SwapStore) transitionLocked(id string, to domain.SwapStatus, from ...domain.SwapStatus) (domain.PoolSwap, error) {
	sw, ok := s.swaps[id]
	if !ok {
		return domain.PoolSwap{}, domain.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if sw.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.PoolSwap{}, domain.ErrInvalidTransition
	}
	sw.Status = to
	sw.UpdatedAt = time.Now().UTC()
	s.swaps[id] = sw
	return sw, nil
}

func (s *SwapStore) Transition(_ context.Context, id string, to domain.SwapStatus, from ...domain.SwapStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(id, to, from...)
	return err
}

func (s *SwapStore) Confirm(ctx context.Context, id, txHash string) (domain.PoolSwap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, err := s.transitionLocked(id, domain.SwapStatusConfirmed,
		domain.SwapStatusAwaitingSignature, domain.SwapStatusSubmitted)
	if err != nil {
		return domain.PoolSwap{}, err
	}
	sw.TxHash = txHash
	s.swaps[id] = sw

	now := time.Now().UTC()
	redeem := domain.Investment{
		ID:                uuid.New().String(),
		UserID:            sw.UserID,
		PoolID:            sw.SourcePoolID,
		Type:              domain.InvestmentTypeRedeem,
		Amount:            sw.SourceAmount,
		Shares:            sw.Shares,
		Status:            domain.InvestmentStatusConfirmed,
		TxHash:            txHash,
		SharePriceAtEvent: sw.SourceNav,
		CreatedAt:         now,
	}
	invest := domain.Investment{
		ID:                uuid.New().String(),
		UserID:            sw.UserID,
		PoolID:            sw.TargetPoolID,
		Type:              domain.InvestmentTypeInvest,
		Amount:            sw.TargetAmount,
		Shares:            sw.TargetShares,
		Status:            domain.InvestmentStatusConfirmed,
		TxHash:            txHash,
		SharePriceAtEvent: sw.TargetNav,
		CreatedAt:         now,
	}
	if err := s.investments.Insert(ctx, redeem); err != nil {
		return domain.PoolSwap{}, err
	}
	if err := s.investments.Insert(ctx, invest); err != nil {
		return domain.PoolSwap{}, err
	}
	return sw, nil
}

func (s *SwapStore) MarkFailed(_ context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := append([]domain.SwapStatus{}, domain.StaleSwapStatuses...)
	from = append(from, domain.SwapStatusSubmitted)
	sw, err := s.transitionLocked(id, domain.SwapStatusFailed, from...)
	if err != nil {
		return err
	}
	sw.Error = errMsg
	s.swaps[id] = sw
	return nil
}

func (s *SwapStore) CancelStale(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, sw := range s.swaps {
		stale := false
		for _, st := range domain.StaleSwapStatuses {
			if sw.Status == st {
				stale = true
				break
			}
		}
		if !stale || !sw.CreatedAt.Before(before) {
			continue
		}
		sw.Status = domain.SwapStatusCancelled
		sw.UpdatedAt = time.Now().UTC()
		s.swaps[id] = sw
		n++
	}
	return n, nil
}

var _ domain.SwapStore = (*SwapStore)(nil)
