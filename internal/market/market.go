// Package market is the facade over the clearing core. Order submission and
// cancellation go through the live book with write-ahead persistence; reads
// come from the stores; clearing and settlement are delegated to the
// scheduler and the settlement orchestrator.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/events"
	"github.com/alanyoungcy/gridclear/internal/metrics"
)

// Clearing triggers an early clearing pass. The scheduler implements it.
type Clearing interface {
	TriggerClearing(ctx context.Context, epochID string) (domain.Epoch, error)
}

// Exhausted lists settlements that failed permanently. The settlement
// orchestrator implements it.
type Exhausted interface {
	ListExhausted(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error)
}

// Config tunes order admission.
type Config struct {
	// RateLimit is the number of submissions an owner may make per
	// RateWindow. Zero disables limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Market is the facade. It owns no goroutines.
type Market struct {
	cfg      Config
	stores   domain.Stores
	book     *book.Book
	clearing Clearing
	settle   Exhausted
	events   domain.EventSink
	limiter  domain.RateLimiter
	cache    domain.BookCache
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	seq      atomic.Int64
}

// Option configures a Market.
type Option func(*Market)

// WithEvents sets the event sink.
func WithEvents(sink domain.EventSink) Option {
	return func(m *Market) { m.events = sink }
}

// WithRateLimiter limits submissions per owner.
func WithRateLimiter(rl domain.RateLimiter) Option {
	return func(m *Market) { m.limiter = rl }
}

// WithBookCache publishes snapshots after every book change and serves
// snapshots from the cache when the local book is not bound to an epoch.
func WithBookCache(c domain.BookCache) Option {
	return func(m *Market) { m.cache = c }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Market) { m.metrics = mt }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Market) { m.now = now }
}

// New creates a Market. The order sequence resumes after the highest
// persisted one.
func New(ctx context.Context, cfg Config, stores domain.Stores, b *book.Book, clearing Clearing, settle Exhausted, logger *slog.Logger, opts ...Option) (*Market, error) {
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	m := &Market{
		cfg:      cfg,
		stores:   stores,
		book:     b,
		clearing: clearing,
		settle:   settle,
		events:   domain.NopSink{},
		logger:   logger.With(slog.String("component", "market")),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	maxSeq, err := stores.Orders.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("market: load order sequence: %w", err)
	}
	m.seq.Store(maxSeq)
	return m, nil
}

// SubmitOrder validates req and admits it into the active epoch. The order
// is persisted before it becomes visible in the book.
func (m *Market) SubmitOrder(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	now := m.now().UTC()
	if err := m.checkRequest(ctx, req, now); err != nil {
		m.rejected(err)
		return domain.Order{}, err
	}

	o := domain.Order{
		ID:         uuid.NewString(),
		Side:       req.Side,
		Owner:      req.Owner,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		EpochID:    req.EpochID,
		Status:     domain.OrderStatusOpen,
		Seq:        m.seq.Add(1),
		CreatedAt:  now,
		ExpiresAt:  req.ExpiresAt,
		UpdatedAt:  now,
	}
	admitted, err := m.book.Admit(o, func(o domain.Order) error {
		return m.stores.Orders.Create(ctx, o)
	})
	if err != nil {
		m.rejected(err)
		return domain.Order{}, fmt.Errorf("market: submit order: %w", err)
	}

	if m.metrics != nil {
		m.metrics.OrdersAccepted.WithLabelValues(string(admitted.Side)).Inc()
	}
	m.logger.InfoContext(ctx, "order accepted",
		slog.String("order_id", admitted.ID),
		slog.String("epoch_id", admitted.EpochID),
		slog.String("side", string(admitted.Side)),
		slog.String("quantity", admitted.Quantity.String()),
		slog.String("limit_price", admitted.LimitPrice.String()),
		slog.Int64("seq", admitted.Seq),
	)
	m.events.Publish(ctx, events.New(domain.EventOrderAccepted, admitted.EpochID, now, map[string]string{
		"order_id":    admitted.ID,
		"owner":       admitted.Owner,
		"side":        string(admitted.Side),
		"quantity":    admitted.Quantity.String(),
		"limit_price": admitted.LimitPrice.String(),
	}))
	m.publishSnapshot(ctx)
	return admitted, nil
}

func (m *Market) checkRequest(ctx context.Context, req domain.OrderRequest, now time.Time) error {
	switch {
	case !req.Side.Valid():
		return fmt.Errorf("market: %w: unknown side %q", domain.ErrInvalidOrder, req.Side)
	case req.Owner == "":
		return fmt.Errorf("market: %w: missing owner", domain.ErrInvalidOrder)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("market: %w: quantity must be positive", domain.ErrInvalidOrder)
	case !req.LimitPrice.IsPositive():
		return fmt.Errorf("market: %w: limit price must be positive", domain.ErrInvalidOrder)
	case req.ExpiresAt != nil && !req.ExpiresAt.After(now):
		return fmt.Errorf("market: %w: expiry %s is not in the future", domain.ErrInvalidOrder, req.ExpiresAt.Format(time.RFC3339))
	}
	if req.EpochID != "" && req.EpochID != m.book.EpochID() {
		return fmt.Errorf("market: %w: %s", domain.ErrWrongEpoch, req.EpochID)
	}

	if m.limiter != nil && m.cfg.RateLimit > 0 {
		ok, err := m.limiter.Allow(ctx, "orders:"+req.Owner, m.cfg.RateLimit, m.cfg.RateWindow)
		if err != nil {
			// A limiter outage must not stop trading.
			m.logger.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
			return nil
		}
		if !ok {
			return fmt.Errorf("market: owner %s: %w", req.Owner, domain.ErrRateLimited)
		}
	}
	return nil
}

func (m *Market) rejected(err error) {
	if m.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, domain.ErrInvalidOrder):
		reason = "invalid"
	case errors.Is(err, domain.ErrWrongEpoch):
		reason = "wrong_epoch"
	case errors.Is(err, domain.ErrNoActiveEpoch):
		reason = "no_active_epoch"
	case errors.Is(err, domain.ErrEpochFull):
		reason = "epoch_full"
	case errors.Is(err, domain.ErrRateLimited):
		reason = "rate_limited"
	}
	m.metrics.OrdersRejected.WithLabelValues(reason).Inc()
}

// CancelOrder cancels a live order. Orders already taken into a clearing
// pass or filled by one are rejected with ErrAlreadyMatched; cancelled and
// expired orders with ErrOrderClosed.
func (m *Market) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	cancelled, err := m.book.Cancel(orderID, func(o domain.Order) error {
		return m.stores.Orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCancelled)
	})
	if errors.Is(err, domain.ErrNotFound) {
		cancelled, err = m.cancelStored(ctx, orderID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("market: cancel %s: %w", orderID, err)
	}

	now := m.now().UTC()
	if m.metrics != nil {
		m.metrics.OrdersCancelled.Inc()
	}
	m.logger.InfoContext(ctx, "order cancelled",
		slog.String("order_id", cancelled.ID),
		slog.String("epoch_id", cancelled.EpochID),
	)
	m.events.Publish(ctx, events.New(domain.EventOrderCancelled, cancelled.EpochID, now, map[string]string{
		"order_id": cancelled.ID,
		"owner":    cancelled.Owner,
	}))
	m.publishSnapshot(ctx)
	return cancelled, nil
}

// cancelStored handles orders the live book does not hold: closed orders,
// orders of an epoch being cleared, and orders stranded in a failed epoch.
func (m *Market) cancelStored(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := m.stores.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	switch o.Status {
	case domain.OrderStatusFilled:
		return o, domain.ErrAlreadyMatched
	case domain.OrderStatusCancelled, domain.OrderStatusExpired:
		return o, domain.ErrOrderClosed
	}

	ep, err := m.stores.Epochs.GetByID(ctx, o.EpochID)
	if err != nil {
		return domain.Order{}, err
	}
	switch ep.Status {
	case domain.EpochStatusClearing, domain.EpochStatusSettled:
		return o, domain.ErrAlreadyMatched
	case domain.EpochStatusActive, domain.EpochStatusPending:
		// Live in storage but held by another node's book.
		return o, domain.ErrNotFound
	}
	if err := m.stores.Orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCancelled); err != nil {
		return o, err
	}
	o.Status = domain.OrderStatusCancelled
	return o, nil
}

// GetOrder returns an order.
func (m *Market) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := m.stores.Orders.GetByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("market: get order %s: %w", orderID, err)
	}
	return o, nil
}

// OwnerOrders returns an owner's orders, newest first.
func (m *Market) OwnerOrders(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Order, error) {
	return m.stores.Orders.ListByOwner(ctx, owner, opts)
}

// CurrentEpoch returns the active epoch.
func (m *Market) CurrentEpoch(ctx context.Context) (domain.Epoch, error) {
	active, err := m.stores.Epochs.ListByStatus(ctx, domain.EpochStatusActive)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("market: current epoch: %w", err)
	}
	if len(active) == 0 {
		return domain.Epoch{}, domain.ErrNoActiveEpoch
	}
	return active[0], nil
}

// GetEpoch returns an epoch.
func (m *Market) GetEpoch(ctx context.Context, epochID string) (domain.Epoch, error) {
	return m.stores.Epochs.GetByID(ctx, epochID)
}

// EpochHistory returns epochs newest first.
func (m *Market) EpochHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Epoch, error) {
	return m.stores.Epochs.List(ctx, opts)
}

// EpochMatches returns an epoch's matches.
func (m *Market) EpochMatches(ctx context.Context, epochID string) ([]domain.Match, error) {
	if _, err := m.stores.Epochs.GetByID(ctx, epochID); err != nil {
		return nil, fmt.Errorf("market: epoch %s: %w", epochID, err)
	}
	return m.stores.Matches.ListByEpoch(ctx, epochID)
}

// BookSnapshot returns the live book. A replica whose book is not bound to
// an epoch serves the leader's cached snapshot instead.
func (m *Market) BookSnapshot(ctx context.Context) (domain.BookSnapshot, error) {
	if m.book.EpochID() == "" && m.cache != nil {
		return m.cache.GetSnapshot(ctx)
	}
	return m.book.Snapshot(), nil
}

func (m *Market) publishSnapshot(ctx context.Context) {
	if m.cache == nil && m.metrics == nil {
		return
	}
	snap := m.book.Snapshot()
	if m.metrics != nil {
		m.metrics.ObserveBook(snap)
	}
	if m.cache == nil {
		return
	}
	if err := m.cache.SetSnapshot(ctx, snap); err != nil {
		m.logger.WarnContext(ctx, "book snapshot cache update failed", slog.String("error", err.Error()))
	}
}

// TriggerClearing clears an epoch ahead of its window end. An empty id
// means the active epoch.
func (m *Market) TriggerClearing(ctx context.Context, epochID string) (domain.Epoch, error) {
	if epochID == "" {
		cur, err := m.CurrentEpoch(ctx)
		if err != nil {
			return domain.Epoch{}, err
		}
		epochID = cur.ID
	}
	ep, err := m.clearing.TriggerClearing(ctx, epochID)
	if err != nil {
		return ep, err
	}
	m.publishSnapshot(ctx)
	return ep, nil
}

// GetSettlement returns a settlement by its id or by its match id.
func (m *Market) GetSettlement(ctx context.Context, id string) (domain.Settlement, error) {
	st, err := m.stores.Settlements.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		st, err = m.stores.Settlements.GetByMatchID(ctx, id)
	}
	if err != nil {
		return domain.Settlement{}, fmt.Errorf("market: settlement %s: %w", id, err)
	}
	return st, nil
}

// ListSettlements returns settlements in status; an empty status lists all.
func (m *Market) ListSettlements(ctx context.Context, status domain.SettlementStatus, opts domain.ListOpts) ([]domain.Settlement, error) {
	return m.stores.Settlements.ListByStatus(ctx, status, opts)
}

// EpochSettlements returns the settlements of an epoch.
func (m *Market) EpochSettlements(ctx context.Context, epochID string) ([]domain.Settlement, error) {
	return m.stores.Settlements.ListByEpoch(ctx, epochID)
}

// ListExhaustedSettlements returns settlements that failed permanently.
func (m *Market) ListExhaustedSettlements(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error) {
	return m.settle.ListExhausted(ctx, opts)
}
