package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// EpochStore implements domain.EpochStore.
type EpochStore struct {
	db *DB
}

// Create inserts an epoch. Ids and sequence numbers are unique.
func (s *EpochStore) Create(_ context.Context, e domain.Epoch) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.epochs[e.ID]; ok {
		return fmt.Errorf("memory: create epoch %s: %w", e.ID, domain.ErrAlreadyExists)
	}
	for _, other := range s.db.epochs {
		if other.Sequence == e.Sequence {
			return fmt.Errorf("memory: create epoch seq %d: %w", e.Sequence, domain.ErrAlreadyExists)
		}
	}
	now := s.db.now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	s.db.epochs[e.ID] = e
	return nil
}

// GetByID returns an epoch.
func (s *EpochStore) GetByID(_ context.Context, id string) (domain.Epoch, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.epochs[id]
	if !ok {
		return domain.Epoch{}, domain.ErrNotFound
	}
	return e, nil
}

// Transition moves an epoch from -> to when it is still in from.
func (s *EpochStore) Transition(_ context.Context, id string, from, to domain.EpochStatus, upd domain.EpochUpdate) (domain.Epoch, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	e, ok := s.db.epochs[id]
	if !ok {
		return domain.Epoch{}, domain.ErrNotFound
	}
	if e.Status != from {
		return e, fmt.Errorf("memory: epoch %s is %s, expected %s: %w", id, e.Status, from, domain.ErrStaleTransition)
	}
	if !from.CanTransition(to) {
		return e, fmt.Errorf("memory: epoch %s %s -> %s: %w", id, from, to, domain.ErrIllegalTransition)
	}
	if to == domain.EpochStatusActive {
		for _, other := range s.db.epochs {
			if other.ID != id && other.Status == domain.EpochStatusActive {
				return e, fmt.Errorf("memory: epoch %s already active: %w", other.ID, domain.ErrIllegalTransition)
			}
		}
	}
	e.Status = to
	if upd.Stats != nil {
		e.Stats = *upd.Stats
	}
	if upd.ClearedAt != nil {
		t := *upd.ClearedAt
		e.ClearedAt = &t
	}
	if upd.FailureReason != "" {
		e.FailureReason = upd.FailureReason
	}
	e.UpdatedAt = s.db.now().UTC()
	s.db.epochs[id] = e
	return e, nil
}

// Latest returns the epoch with the highest sequence.
func (s *EpochStore) Latest(_ context.Context) (domain.Epoch, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var (
		best  domain.Epoch
		found bool
	)
	for _, e := range s.db.epochs {
		if !found || e.Sequence > best.Sequence {
			best, found = e, true
		}
	}
	if !found {
		return domain.Epoch{}, domain.ErrNotFound
	}
	return best, nil
}

// ListByStatus returns epochs in any of statuses, oldest sequence first.
func (s *EpochStore) ListByStatus(_ context.Context, statuses ...domain.EpochStatus) ([]domain.Epoch, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	want := make(map[domain.EpochStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Epoch
	for _, e := range s.db.epochs {
		if want[e.Status] {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// List returns epochs newest first, filtered on StartTime.
func (s *EpochStore) List(_ context.Context, opts domain.ListOpts) ([]domain.Epoch, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Epoch
	for _, e := range s.db.epochs {
		if inRange(e.StartTime, opts) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}
