// Package memory implements the domain store interfaces in process memory.
// It backs the dev run mode and the tests of every package above the store
// layer. All stores created from one DB share a single lock, so RecordMatch
// is atomic in the same way the PostgreSQL transaction is.
package memory

import (
	"sync"
	"time"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// DB is the shared state behind the in-memory stores.
type DB struct {
	mu          sync.RWMutex
	orders      map[string]domain.Order
	epochs      map[string]domain.Epoch
	matches     map[string]domain.Match
	matchIDs    []string
	settlements map[string]domain.Settlement
	byMatch     map[string]string
	audit       []domain.AuditEntry
	now         func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New creates an empty DB.
func New(opts ...Option) *DB {
	db := &DB{
		orders:      make(map[string]domain.Order),
		epochs:      make(map[string]domain.Epoch),
		matches:     make(map[string]domain.Match),
		settlements: make(map[string]domain.Settlement),
		byMatch:     make(map[string]string),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Stores returns every store backed by db.
func (db *DB) Stores() domain.Stores {
	return domain.Stores{
		Orders:      &OrderStore{db: db},
		Epochs:      &EpochStore{db: db},
		Matches:     &MatchStore{db: db},
		Settlements: &SettlementStore{db: db},
		Audit:       &AuditStore{db: db},
	}
}

// page applies limit/offset to n items and returns the [lo, hi) bounds.
func page(n int, opts domain.ListOpts) (int, int) {
	lo := opts.Offset
	if lo > n {
		lo = n
	}
	hi := n
	if opts.Limit > 0 && lo+opts.Limit < hi {
		hi = lo + opts.Limit
	}
	return lo, hi
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}
