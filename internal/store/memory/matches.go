package memory

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// MatchStore implements domain.MatchStore.
type MatchStore struct {
	db *DB
}

// RecordMatch stores m and the fill state of both orders in one step.
func (s *MatchStore) RecordMatch(_ context.Context, m domain.Match, buy, sell domain.Order) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.matches[m.ID]; ok {
		return fmt.Errorf("memory: record match %s: %w", m.ID, domain.ErrAlreadyExists)
	}
	for _, o := range []domain.Order{buy, sell} {
		if err := s.checkFill(o); err != nil {
			return fmt.Errorf("memory: record match %s: %w", m.ID, err)
		}
	}
	s.db.orders[buy.ID] = buy
	s.db.orders[sell.ID] = sell
	s.db.matches[m.ID] = m
	s.db.matchIDs = append(s.db.matchIDs, m.ID)
	return nil
}

func (s *MatchStore) checkFill(next domain.Order) error {
	cur, ok := s.db.orders[next.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", next.ID, domain.ErrNotFound)
	}
	if !cur.Status.CanTransition(next.Status) {
		return fmt.Errorf("order %s %s -> %s: %w", next.ID, cur.Status, next.Status, domain.ErrIllegalTransition)
	}
	if next.FilledQuantity.LessThanOrEqual(cur.FilledQuantity) || next.FilledQuantity.GreaterThan(cur.Quantity) {
		return fmt.Errorf("order %s fill %s -> %s: %w", next.ID, cur.FilledQuantity, next.FilledQuantity, domain.ErrInvariantViolation)
	}
	return nil
}

// ListByEpoch returns an epoch's matches in the order they were recorded.
func (s *MatchStore) ListByEpoch(_ context.Context, epochID string) ([]domain.Match, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Match
	for _, id := range s.db.matchIDs {
		if m := s.db.matches[id]; m.EpochID == epochID {
			out = append(out, m)
		}
	}
	return out, nil
}

// GetByID returns a match.
func (s *MatchStore) GetByID(_ context.Context, id string) (domain.Match, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	m, ok := s.db.matches[id]
	if !ok {
		return domain.Match{}, domain.ErrNotFound
	}
	return m, nil
}
