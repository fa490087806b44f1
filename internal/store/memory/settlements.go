package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// SettlementStore implements domain.SettlementStore.
type SettlementStore struct {
	db *DB
}

// Create inserts a settlement; one per match.
func (s *SettlementStore) Create(_ context.Context, st domain.Settlement) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.settlements[st.ID]; ok {
		return fmt.Errorf("memory: create settlement %s: %w", st.ID, domain.ErrAlreadyExists)
	}
	if _, ok := s.db.byMatch[st.MatchID]; ok {
		return fmt.Errorf("memory: create settlement for match %s: %w", st.MatchID, domain.ErrAlreadyExists)
	}
	now := s.db.now().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = now
	}
	st.UpdatedAt = now
	s.db.settlements[st.ID] = st
	s.db.byMatch[st.MatchID] = st.ID
	return nil
}

// GetByID returns a settlement.
func (s *SettlementStore) GetByID(_ context.Context, id string) (domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	st, ok := s.db.settlements[id]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	return st, nil
}

// GetByMatchID returns the settlement of a match.
func (s *SettlementStore) GetByMatchID(_ context.Context, matchID string) (domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	id, ok := s.db.byMatch[matchID]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	return s.db.settlements[id], nil
}

// Transition applies upd when the settlement is still in from.
func (s *SettlementStore) Transition(_ context.Context, id string, from domain.SettlementStatus, upd domain.SettlementUpdate) (domain.Settlement, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	st, ok := s.db.settlements[id]
	if !ok {
		return domain.Settlement{}, domain.ErrNotFound
	}
	if st.Status != from {
		return st, fmt.Errorf("memory: settlement %s is %s, expected %s: %w", id, st.Status, from, domain.ErrStaleTransition)
	}
	if !from.CanTransition(upd.Status) {
		return st, fmt.Errorf("memory: settlement %s %s -> %s: %w", id, from, upd.Status, domain.ErrIllegalTransition)
	}
	st.Status = upd.Status
	if upd.RetryCount != nil {
		st.RetryCount = *upd.RetryCount
	}
	if upd.LedgerTxRef != "" {
		st.LedgerTxRef = upd.LedgerTxRef
	}
	st.LastError = upd.LastError
	if upd.ConfirmedAt != nil {
		t := *upd.ConfirmedAt
		st.ConfirmedAt = &t
	}
	st.UpdatedAt = s.db.now().UTC()
	s.db.settlements[id] = st
	return st, nil
}

func (s *SettlementStore) filter(keep func(domain.Settlement) bool) []domain.Settlement {
	var out []domain.Settlement
	for _, st := range s.db.settlements {
		if keep(st) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListByStatus returns settlements in status, oldest first.
func (s *SettlementStore) ListByStatus(_ context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := s.filter(func(st domain.Settlement) bool {
		return (status == "" || st.Status == status) && inRange(st.CreatedAt, opts)
	})
	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}

// ListRetryable returns failed settlements that still have retries left.
func (s *SettlementStore) ListRetryable(_ context.Context, maxRetries, limit int) ([]domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := s.filter(func(st domain.Settlement) bool { return st.CanRetry(maxRetries) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListExhausted returns settlements that failed permanently.
func (s *SettlementStore) ListExhausted(_ context.Context, maxRetries int, opts domain.ListOpts) ([]domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := s.filter(func(st domain.Settlement) bool {
		return st.Exhausted(maxRetries) && inRange(st.CreatedAt, opts)
	})
	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}

// ListByEpoch returns an epoch's settlements.
func (s *SettlementStore) ListByEpoch(_ context.Context, epochID string) ([]domain.Settlement, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	return s.filter(func(st domain.Settlement) bool { return st.EpochID == epochID }), nil
}
