// Package book keeps the live, price-time ordered view of open orders for the
// active epoch. All mutation goes through a single mutex; the epoch binding
// flip and the freeze of the outgoing epoch's orders happen in one critical
// section so an order is always unambiguously in exactly one epoch.
package book

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// PersistFunc is called with the lock held before the book changes. A
// non-nil error leaves the book untouched.
type PersistFunc func(o domain.Order) error

// Book is a concurrency-safe two-sided order book bound to one epoch.
type Book struct {
	mu        sync.RWMutex
	epochID   string
	bids      *btree.BTreeG[domain.Order]
	asks      *btree.BTreeG[domain.Order]
	index     map[string]domain.Order
	frozen    map[string]string // order id -> epoch id being cleared
	maxOrders int
	now       func() time.Time
}

// Option configures a Book.
type Option func(*Book)

// WithMaxOrders caps the number of live orders the book accepts.
func WithMaxOrders(n int) Option {
	return func(b *Book) { b.maxOrders = n }
}

// WithClock overrides the time source used for snapshots.
func WithClock(now func() time.Time) Option {
	return func(b *Book) { b.now = now }
}

// New creates an empty book bound to epochID (which may be empty until the
// first epoch becomes active).
func New(epochID string, opts ...Option) *Book {
	b := &Book{
		epochID: epochID,
		bids:    btree.NewBTreeG(BidLess),
		asks:    btree.NewBTreeG(AskLess),
		index:   make(map[string]domain.Order),
		frozen:  make(map[string]string),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BidLess orders buys by higher price, then earlier arrival, then lower seq.
func BidLess(a, b domain.Order) bool {
	if c := a.LimitPrice.Cmp(b.LimitPrice); c != 0 {
		return c > 0
	}
	return arrivalLess(a, b)
}

// AskLess orders sells by lower price, then earlier arrival, then lower seq.
func AskLess(a, b domain.Order) bool {
	if c := a.LimitPrice.Cmp(b.LimitPrice); c != 0 {
		return c < 0
	}
	return arrivalLess(a, b)
}

func arrivalLess(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.ID < b.ID
}

// EpochID returns the epoch the book currently accepts orders for.
func (b *Book) EpochID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.epochID
}

// Len returns the number of live orders.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.index)
}

// Insert adds a live order. It rejects non-positive quantity or price and an
// epoch id that differs from the book's binding.
func (b *Book) Insert(o domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLocked(o); err != nil {
		return err
	}
	b.insertLocked(o)
	return nil
}

// Admit binds o to the current epoch, persists it through persist and only
// then inserts it. The returned order carries the assigned epoch id.
func (b *Book) Admit(o domain.Order, persist PersistFunc) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.epochID == "" {
		return o, domain.ErrNoActiveEpoch
	}
	if o.EpochID == "" {
		o.EpochID = b.epochID
	}
	if err := b.checkLocked(o); err != nil {
		return o, err
	}
	if b.maxOrders > 0 && len(b.index) >= b.maxOrders {
		return o, fmt.Errorf("%w: %d live orders", domain.ErrEpochFull, len(b.index))
	}
	if persist != nil {
		if err := persist(o); err != nil {
			return o, err
		}
	}
	b.insertLocked(o)
	return o, nil
}

func (b *Book) checkLocked(o domain.Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	if !o.Status.Live() {
		return fmt.Errorf("%w: status %s", domain.ErrInvalidOrder, o.Status)
	}
	if !o.Remaining().IsPositive() {
		return fmt.Errorf("%w: nothing remaining", domain.ErrInvalidOrder)
	}
	if o.EpochID != b.epochID {
		return fmt.Errorf("%w: order epoch %s, book epoch %s", domain.ErrWrongEpoch, o.EpochID, b.epochID)
	}
	if _, ok := b.index[o.ID]; ok {
		return fmt.Errorf("%w: order %s", domain.ErrAlreadyExists, o.ID)
	}
	return nil
}

func (b *Book) insertLocked(o domain.Order) {
	b.side(o.Side).Set(o)
	b.index[o.ID] = o
}

func (b *Book) side(s domain.OrderSide) *btree.BTreeG[domain.Order] {
	if s == domain.OrderSideBuy {
		return b.bids
	}
	return b.asks
}

// Remove deletes a live order. It is a no-op returning false when the order
// is not live in the book (already filled, cancelled or frozen).
func (b *Book) Remove(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.removeLocked(orderID)
}

func (b *Book) removeLocked(orderID string) bool {
	o, ok := b.index[orderID]
	if !ok {
		return false
	}
	b.side(o.Side).Delete(o)
	delete(b.index, orderID)
	return true
}

// Cancel removes a live order after persist accepted the cancellation. An
// order frozen for clearing is rejected with ErrAlreadyMatched; an unknown
// order with ErrNotFound.
func (b *Book) Cancel(orderID string, persist PersistFunc) (domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	o, ok := b.index[orderID]
	if !ok {
		if _, frozen := b.frozen[orderID]; frozen {
			return domain.Order{}, domain.ErrAlreadyMatched
		}
		return domain.Order{}, domain.ErrNotFound
	}
	if persist != nil {
		if err := persist(o); err != nil {
			return o, err
		}
	}
	b.removeLocked(orderID)
	o.Status = domain.OrderStatusCancelled
	return o, nil
}

// Get returns a live order by id.
func (b *Book) Get(orderID string) (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.index[orderID]
	return o, ok
}

// IsFrozen reports whether the order is part of an epoch being cleared.
func (b *Book) IsFrozen(orderID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.frozen[orderID]
	return ok
}

// BestBid peeks at the highest-priority buy order.
func (b *Book) BestBid() (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bids.Min()
}

// BestAsk peeks at the highest-priority sell order.
func (b *Book) BestAsk() (domain.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.asks.Min()
}

// Rotate atomically rebinds the book to nextEpochID and returns the outgoing
// epoch's live orders in arrival order. The returned orders leave the live
// book and stay frozen until Thaw so that late cancels are rejected.
func (b *Book) Rotate(nextEpochID string) []domain.Order {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.epochID
	out := make([]domain.Order, 0, len(b.index))
	for id, o := range b.index {
		out = append(out, o)
		b.frozen[id] = prev
	}
	sort.Slice(out, func(i, j int) bool { return arrivalLess(out[i], out[j]) })

	b.bids = btree.NewBTreeG(BidLess)
	b.asks = btree.NewBTreeG(AskLess)
	b.index = make(map[string]domain.Order)
	b.epochID = nextEpochID
	return out
}

// Freeze marks orders of epochID as being cleared without touching the live
// book. Used when a clearing pass is rebuilt from storage.
func (b *Book) Freeze(epochID string, orders []domain.Order) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		b.frozen[o.ID] = epochID
	}
}

// Thaw forgets the frozen set of epochID once its clearing pass finished.
func (b *Book) Thaw(epochID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.frozen {
		if e == epochID {
			delete(b.frozen, id)
		}
	}
}

// Restore re-inserts resting orders into the live book, keeping their
// arrival time and seq so time priority survives the carry-over. Orders are
// expected to already carry the book's epoch id.
func (b *Book) Restore(orders []domain.Order) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range orders {
		if err := b.checkLocked(o); err != nil {
			return fmt.Errorf("book: restore %s: %w", o.ID, err)
		}
	}
	for _, o := range orders {
		delete(b.frozen, o.ID)
		b.insertLocked(o)
	}
	return nil
}

// Snapshot returns an immutable view of both sides in priority order.
func (b *Book) Snapshot() domain.BookSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := domain.BookSnapshot{
		EpochID: b.epochID,
		Bids:    make([]domain.BookEntry, 0, b.bids.Len()),
		Asks:    make([]domain.BookEntry, 0, b.asks.Len()),
		TakenAt: b.now().UTC(),
	}
	b.bids.Scan(func(o domain.Order) bool {
		snap.Bids = append(snap.Bids, entryOf(o))
		return true
	})
	b.asks.Scan(func(o domain.Order) bool {
		snap.Asks = append(snap.Asks, entryOf(o))
		return true
	})
	snap.BidLevels = aggregate(snap.Bids)
	snap.AskLevels = aggregate(snap.Asks)
	return snap
}

func entryOf(o domain.Order) domain.BookEntry {
	return domain.BookEntry{
		OrderID:   o.ID,
		Owner:     o.Owner,
		Side:      o.Side,
		Price:     o.LimitPrice,
		Remaining: o.Remaining(),
		Seq:       o.Seq,
		CreatedAt: o.CreatedAt,
	}
}

// aggregate collapses priority-ordered entries into price levels.
func aggregate(entries []domain.BookEntry) []domain.PriceLevel {
	var levels []domain.PriceLevel
	for _, e := range entries {
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(e.Price) {
			levels[n-1].Quantity = levels[n-1].Quantity.Add(e.Remaining)
			levels[n-1].Orders++
			continue
		}
		levels = append(levels, domain.PriceLevel{Price: e.Price, Quantity: e.Remaining, Orders: 1})
	}
	return levels
}
