package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	db *DB
}

// Create inserts a new order.
func (s *OrderStore) Create(_ context.Context, o domain.Order) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.orders[o.ID]; ok {
		return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	s.db.orders[o.ID] = o
	return nil
}

// GetByID returns an order.
func (s *OrderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	o, ok := s.db.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// UpdateStatus moves an order to status.
func (s *OrderStore) UpdateStatus(_ context.Context, id string, status domain.OrderStatus) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	o, ok := s.db.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !o.Status.CanTransition(status) {
		return fmt.Errorf("memory: order %s %s -> %s: %w", id, o.Status, status, domain.ErrIllegalTransition)
	}
	o.Status = status
	o.UpdatedAt = s.db.now().UTC()
	s.db.orders[id] = o
	return nil
}

// Rebind moves live orders to epochID.
func (s *OrderStore) Rebind(_ context.Context, ids []string, epochID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, id := range ids {
		o, ok := s.db.orders[id]
		if !ok {
			return fmt.Errorf("memory: rebind order %s: %w", id, domain.ErrNotFound)
		}
		if !o.Status.Live() {
			return fmt.Errorf("memory: rebind order %s (%s): %w", id, o.Status, domain.ErrOrderClosed)
		}
	}
	now := s.db.now().UTC()
	for _, id := range ids {
		o := s.db.orders[id]
		o.EpochID = epochID
		o.UpdatedAt = now
		s.db.orders[id] = o
	}
	return nil
}

// ListByEpoch returns the epoch's orders in arrival order, optionally
// filtered by status.
func (s *OrderStore) ListByEpoch(_ context.Context, epochID string, statuses ...domain.OrderStatus) ([]domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	want := make(map[domain.OrderStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	var out []domain.Order
	for _, o := range s.db.orders {
		if o.EpochID != epochID {
			continue
		}
		if len(want) > 0 && !want[o.Status] {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ArrivedBefore(out[j]) })
	return out, nil
}

// ListByOwner returns an owner's orders, newest first.
func (s *OrderStore) ListByOwner(_ context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Order
	for _, o := range s.db.orders {
		if o.Owner == owner && inRange(o.CreatedAt, opts) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[j].ArrivedBefore(out[i]) })
	lo, hi := page(len(out), opts)
	return out[lo:hi], nil
}

// CountByEpoch counts every order ever bound to epochID.
func (s *OrderStore) CountByEpoch(_ context.Context, epochID string) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var n int64
	for _, o := range s.db.orders {
		if o.EpochID == epochID {
			n++
		}
	}
	return n, nil
}

// MaxSeq returns the highest order sequence, or 0 when empty.
func (s *OrderStore) MaxSeq(_ context.Context) (int64, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var max int64
	for _, o := range s.db.orders {
		if o.Seq > max {
			max = o.Seq
		}
	}
	return max, nil
}
