package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/poolledger/internal/domain"
	"github.com/alanyoungcy/poolledger/internal/fixedpoint"
)

// RedemptionStore is an in-memory domain.RedemptionStore. Queue positions are
// assigned from a per-pool counter under the store mutex, matching the
// database's single-statement counter advance. Create re-checks the
// available-share invariant and MarkSettled appends the redeem ledger event
// against the given InvestmentStore, both under the mutex, mirroring the
// database transactions.
type RedemptionStore struct {
	mu          sync.Mutex
	entries     map[string]domain.RedemptionQueueEntry
	counters    map[string]int64
	investments *InvestmentStore
}

func NewRedemptionStore(investments *InvestmentStore) *RedemptionStore {
	return &RedemptionStore{
		entries:     make(map[string]domain.RedemptionQueueEntry),
		counters:    make(map[string]int64),
		investments: investments,
	}
}

func (s *RedemptionStore) Create(ctx context.Context, entry domain.RedemptionQueueEntry) (domain.RedemptionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return domain.RedemptionQueueEntry{}, domain.ErrAlreadyExists
	}
	confirmed, err := s.investments.ConfirmedShareBalance(ctx, entry.UserID, entry.PoolID)
	if err != nil {
		return domain.RedemptionQueueEntry{}, err
	}
	if entry.Shares > confirmed-s.lockedSharesLocked(entry.UserID, entry.PoolID) {
		return domain.RedemptionQueueEntry{}, domain.ErrInsufficientShares
	}
	s.counters[entry.PoolID]++
	entry.QueuePosition = s.counters[entry.PoolID]
	s.entries[entry.ID] = entry
	return entry, nil
}

func (s *RedemptionStore) GetByID(_ context.Context, id string) (domain.RedemptionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return domain.RedemptionQueueEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

func (s *RedemptionStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.RedemptionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionQueueEntry
	for _, e := range s.entries {
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

func (s *RedemptionStore) LockedShares(_ context.Context, userID, poolID string) (fixedpoint.Shares, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lockedSharesLocked(userID, poolID), nil
}

func (s *RedemptionStore) lockedSharesLocked(userID, poolID string) fixedpoint.Shares {
	var locked fixedpoint.Shares
	for _, e := range s.entries {
		if e.UserID == userID && e.PoolID == poolID && !e.Status.IsTerminal() {
			locked += e.Shares
		}
	}
	return locked
}

func (s *RedemptionStore) CountNonTerminal(_ context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, e := range s.entries {
		if e.UserID == userID && !e.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (s *RedemptionStore) transitionLocked(id string, to domain.RedemptionStatus, from ...domain.RedemptionStatus) (domain.RedemptionQueueEntry, error) {
	entry, ok := s.entries[id]
	if !ok {
		return domain.RedemptionQueueEntry{}, domain.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if entry.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return domain.RedemptionQueueEntry{}, domain.ErrInvalidTransition
	}
	entry.Status = to
	entry.UpdatedAt = time.Now().UTC()
	s.entries[id] = entry
	return entry, nil
}

func (s *RedemptionStore) Transition(_ context.Context, id string, to domain.RedemptionStatus, from ...domain.RedemptionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.transitionLocked(id, to, from...)
	return err
}

func (s *RedemptionStore) Approve(_ context.Context, id, approver string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.transitionLocked(id, domain.RedemptionStatusApproved, domain.RedemptionStatusPendingApproval)
	if err != nil {
		return err
	}
	entry.ApprovedBy = approver
	s.entries[id] = entry
	return nil
}

func (s *RedemptionStore) Reject(_ context.Context, id, approver, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.transitionLocked(id, domain.RedemptionStatusRejected, domain.RedemptionStatusPendingApproval)
	if err != nil {
		return err
	}
	entry.ApprovedBy = approver
	entry.Reason = reason
	s.entries[id] = entry
	return nil
}

func (s *RedemptionStore) MarkSettled(ctx context.Context, id string, filled fixedpoint.Shares, txHash string, ledger domain.Investment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.entries[id]
	if !ok {
		return domain.ErrNotFound
	}
	entry, err := s.transitionLocked(id, domain.RedemptionStatusSettled, domain.RedemptionStatusProcessing)
	if err != nil {
		return err
	}
	entry.FilledShares = filled
	entry.TxHash = txHash
	s.entries[id] = entry
	// Mirror the database transaction: a failed ledger append rolls the
	// status change back.
	if err := s.investments.Insert(ctx, ledger); err != nil {
		s.entries[id] = prev
		return err
	}
	return nil
}

func (s *RedemptionStore) MarkFailed(_ context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.transitionLocked(id, domain.RedemptionStatusFailed, domain.RedemptionStatusProcessing)
	if err != nil {
		return err
	}
	entry.Reason = reason
	s.entries[id] = entry
	return nil
}

func (s *RedemptionStore) ListEligible(_ context.Context, poolID string, asOf time.Time) ([]domain.RedemptionQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.RedemptionQueueEntry
	for _, e := range s.entries {
		if e.Status != domain.RedemptionStatusQueued && e.Status != domain.RedemptionStatusApproved {
			continue
		}
		if e.SettlementDate.After(asOf) {
			continue
		}
		if poolID != "" && e.PoolID != poolID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PoolID != out[j].PoolID {
			return out[i].PoolID < out[j].PoolID
		}
		return out[i].QueuePosition < out[j].QueuePosition
	})
	return out, nil
}

func (s *RedemptionStore) QueueStats(_ context.Context, poolID string) (domain.PoolQueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.PoolQueueStats{
		PoolID:    poolID,
		ByStatus:  make(map[domain.RedemptionStatus]domain.QueueBucket),
		UpdatedAt: time.Now().UTC(),
	}
	for _, e := range s.entries {
		if e.PoolID != poolID {
			continue
		}
		switch e.Status {
		case domain.RedemptionStatusQueued, domain.RedemptionStatusPendingApproval, domain.RedemptionStatusProcessing:
			b := stats.ByStatus[e.Status]
			b.Count++
			b.Shares += e.Shares
			b.EstimatedAmount += e.EstimatedAmount
			stats.ByStatus[e.Status] = b
		}
	}
	return stats, nil
}

var _ domain.RedemptionStore = (*RedemptionStore)(nil)
