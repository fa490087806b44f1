package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders. Orders are never deleted.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	// UpdateStatus moves an order to status, refusing illegal transitions.
	UpdateStatus(ctx context.Context, id string, status OrderStatus) error
	// Rebind moves live orders to another epoch (carry-over of resting orders).
	Rebind(ctx context.Context, ids []string, epochID string) error
	ListByEpoch(ctx context.Context, epochID string, statuses ...OrderStatus) ([]Order, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Order, error)
	CountByEpoch(ctx context.Context, epochID string) (int64, error)
	MaxSeq(ctx context.Context) (int64, error)
}

// EpochStore persists epochs.
type EpochStore interface {
	Create(ctx context.Context, epoch Epoch) error
	GetByID(ctx context.Context, id string) (Epoch, error)
	// Transition moves an epoch from one status to another only if it is
	// still in from; otherwise it returns ErrStaleTransition.
	Transition(ctx context.Context, id string, from, to EpochStatus, upd EpochUpdate) (Epoch, error)
	Latest(ctx context.Context) (Epoch, error)
	ListByStatus(ctx context.Context, statuses ...EpochStatus) ([]Epoch, error)
	List(ctx context.Context, opts ListOpts) ([]Epoch, error)
}

// MatchStore persists matches.
type MatchStore interface {
	// RecordMatch writes the match and the two filled orders atomically.
	RecordMatch(ctx context.Context, m Match, buy, sell Order) error
	ListByEpoch(ctx context.Context, epochID string) ([]Match, error)
	GetByID(ctx context.Context, id string) (Match, error)
}

// SettlementStore persists settlements.
type SettlementStore interface {
	// Create inserts a settlement; ErrAlreadyExists when the match already
	// has one.
	Create(ctx context.Context, s Settlement) error
	GetByID(ctx context.Context, id string) (Settlement, error)
	GetByMatchID(ctx context.Context, matchID string) (Settlement, error)
	// Transition applies upd only if the settlement is still in from.
	Transition(ctx context.Context, id string, from SettlementStatus, upd SettlementUpdate) (Settlement, error)
	ListByStatus(ctx context.Context, status SettlementStatus, opts ListOpts) ([]Settlement, error)
	ListRetryable(ctx context.Context, maxRetries, limit int) ([]Settlement, error)
	ListExhausted(ctx context.Context, maxRetries int, opts ListOpts) ([]Settlement, error)
	ListByEpoch(ctx context.Context, epochID string) ([]Settlement, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores bundles the persistence collaborators.
type Stores struct {
	Orders      OrderStore
	Epochs      EpochStore
	Matches     MatchStore
	Settlements SettlementStore
	Audit       AuditStore
}
