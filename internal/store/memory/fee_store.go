package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// FeeConfigStore is an in-memory domain.FeeConfigStore.
type FeeConfigStore struct {
	mu      sync.Mutex
	configs map[string]domain.FeeConfig
}

func NewFeeConfigStore() *FeeConfigStore {
	return &FeeConfigStore{configs: make(map[string]domain.FeeConfig)}
}

func (s *FeeConfigStore) Get(_ context.Context, poolID string) (domain.FeeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[poolID]
	if !ok {
		return domain.FeeConfig{}, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *FeeConfigStore) Upsert(_ context.Context, cfg domain.FeeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.PoolID] = cfg
	return nil
}

var _ domain.FeeConfigStore = (*FeeConfigStore)(nil)

// AccruedFeeStore is an in-memory domain.AccruedFeeStore. Uniqueness of
// (pool, type, period) is enforced the same way the database does.
type AccruedFeeStore struct {
	mu   sync.Mutex
	fees map[string]domain.AccruedFee
}

func NewAccruedFeeStore() *AccruedFeeStore {
	return &AccruedFeeStore{fees: make(map[string]domain.AccruedFee)}
}

func periodKey(poolID string, feeType domain.FeeType, period string) string {
	return fmt.Sprintf("%s|%s|%s", poolID, feeType, period)
}

func (s *AccruedFeeStore) Insert(_ context.Context, fee domain.AccruedFee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := periodKey(fee.PoolID, fee.Type, fee.Period)
	for _, f := range s.fees {
		if periodKey(f.PoolID, f.Type, f.Period) == key {
			return domain.ErrAlreadyExists
		}
	}
	if _, ok := s.fees[fee.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.fees[fee.ID] = fee
	return nil
}

func (s *AccruedFeeStore) ExistsForPeriod(_ context.Context, poolID string, feeType domain.FeeType, period string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fees {
		if f.PoolID == poolID && f.Type == feeType && f.Period == period {
			return true, nil
		}
	}
	return false, nil
}

func (s *AccruedFeeStore) ListPending(_ context.Context, poolID string) ([]domain.AccruedFee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AccruedFee
	for _, f := range s.fees {
		if f.Status != domain.AccruedFeeStatusPending {
			continue
		}
		if poolID != "" && f.PoolID != poolID {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *AccruedFeeStore) MarkCollected(_ context.Context, ids []string, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		f, ok := s.fees[id]
		if !ok || f.Status != domain.AccruedFeeStatusPending {
			continue
		}
		f.Status = domain.AccruedFeeStatusCollected
		f.TxHash = txHash
		s.fees[id] = f
	}
	return nil
}

func (s *AccruedFeeStore) Summary(_ context.Context, poolID string) (domain.PoolFeeSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := domain.PoolFeeSummary{PoolID: poolID}
	for _, f := range s.fees {
		if f.PoolID != poolID {
			continue
		}
		switch f.Status {
		case domain.AccruedFeeStatusPending:
			sum.PendingCount++
			sum.PendingAmount += f.Amount
		case domain.AccruedFeeStatusCollected:
			sum.CollectedCount++
			sum.CollectedTotal += f.Amount
		}
	}
	return sum, nil
}

var _ domain.AccruedFeeStore = (*AccruedFeeStore)(nil)

// WatermarkStore is an in-memory domain.WatermarkStore. The mutex stands in
// for the database row lock.
type WatermarkStore struct {
	mu    sync.Mutex
	marks map[string]domain.PositionHighWatermark
}

func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{marks: make(map[string]domain.PositionHighWatermark)}
}

func positionKey(userID, poolID string) string {
	return userID + "|" + poolID
}

func (s *WatermarkStore) Get(_ context.Context, userID, poolID string) (domain.PositionHighWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[positionKey(userID, poolID)]
	if !ok {
		return domain.PositionHighWatermark{}, domain.ErrNotFound
	}
	return wm, nil
}

func (s *WatermarkStore) ChargePerformanceFee(
	_ context.Context,
	userID, poolID string,
	shares fixedpoint.Shares,
	currentNav fixedpoint.NAV,
	performanceFeeBps fixedpoint.Bps,
) (fixedpoint.USDC, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := positionKey(userID, poolID)
	wm, ok := s.marks[key]
	if !ok {
		wm = domain.PositionHighWatermark{
			UserID:           userID,
			PoolID:           poolID,
			HighWatermarkNav: fixedpoint.NavBase,
		}
	}

	if currentNav <= wm.HighWatermarkNav {
		s.marks[key] = wm
		return 0, nil
	}

	gain := fixedpoint.PerformanceGain(shares, currentNav, wm.HighWatermarkNav)
	fee := fixedpoint.ApplyBps(gain, performanceFeeBps)

	wm.HighWatermarkNav = currentNav
	wm.UpdatedAt = time.Now().UTC()
	s.marks[key] = wm
	return fee, nil
}

var _ domain.WatermarkStore = (*WatermarkStore)(nil)
