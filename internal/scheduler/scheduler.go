// Package scheduler drives the epoch lifecycle: it opens trading windows,
// closes them at their boundary (or on a manual trigger), runs the clearing
// pass and hands the resulting matches to settlement.
//
// Every status change is a compare-and-set on the epoch store, so at most one
// clearing pass runs per epoch even when two schedulers race. Across replicas
// each tick additionally runs under a short-lived distributed lock.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/gridclear/internal/book"
	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/events"
	"github.com/alanyoungcy/gridclear/internal/matching"
	"github.com/alanyoungcy/gridclear/internal/metrics"
)

// LockKey is the distributed lock a tick runs under.
const LockKey = "gridclear:scheduler"

var liveStatuses = []domain.OrderStatus{domain.OrderStatusOpen, domain.OrderStatusPartiallyFilled}

// Handoff receives the matches of a cleared epoch. The settlement
// orchestrator implements it.
type Handoff interface {
	Handoff(ctx context.Context, matches []domain.Match) ([]domain.Settlement, error)
}

// Config tunes the scheduler.
type Config struct {
	EpochDuration time.Duration
	PollInterval  time.Duration
	// CarryOver keeps unmatched orders alive in the next epoch. When false
	// they expire at clearing.
	CarryOver bool
	LockTTL   time.Duration
}

func (c *Config) applyDefaults() {
	if c.EpochDuration <= 0 {
		c.EpochDuration = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
}

// Scheduler owns epoch transitions. It shares the book with the market
// facade but is the only writer of epoch status.
type Scheduler struct {
	cfg     Config
	stores  domain.Stores
	book    *book.Book
	engine  *matching.Engine
	settle  Handoff
	locks   domain.LockManager
	events  domain.EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex // serialises ticks and triggers within the process
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLockManager runs every tick under a distributed lock.
func WithLockManager(lm domain.LockManager) Option {
	return func(s *Scheduler) { s.locks = lm }
}

// WithEvents sets the event sink.
func WithEvents(sink domain.EventSink) Option {
	return func(s *Scheduler) { s.events = sink }
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides the time source used by Run and TriggerClearing.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(cfg Config, stores domain.Stores, b *book.Book, settle Handoff, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		cfg:    cfg,
		stores: stores,
		book:   b,
		engine: matching.NewEngine(),
		settle: settle,
		events: domain.NopSink{},
		logger: logger.With(slog.String("component", "scheduler")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run recovers persisted state, then ticks every PollInterval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx, s.now().UTC()); err != nil {
		return err
	}
	return s.Loop(ctx)
}

// Loop ticks every PollInterval until ctx is cancelled. Callers that ran
// Recover themselves use it instead of Run.
func (s *Scheduler) Loop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("epoch_duration", s.cfg.EpochDuration),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Bool("carry_over", s.cfg.CarryOver),
	)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx, s.now().UTC()); err != nil && ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "scheduler tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Tick advances the lifecycle to now: clearing passes interrupted by a
// persistence error are retried, an active epoch past its end is closed and
// cleared, and an active epoch is opened when none exists. A tick that finds
// the lock held elsewhere does nothing.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	return s.leader(ctx, func() error {
		stuck, err := s.stores.Epochs.ListByStatus(ctx, domain.EpochStatusClearing)
		if err != nil {
			return fmt.Errorf("scheduler: list clearing: %w", err)
		}

		var errs []error
		active, ok, err := s.activeEpoch(ctx)
		if err != nil {
			return err
		}
		if ok && !now.Before(active.EndTime) {
			if err := s.closeEpoch(ctx, active, now); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.ensureActive(ctx, now); err != nil {
			errs = append(errs, err)
		}
		// Residual orders of a resumed pass carry over into the active
		// epoch, so it must exist first.
		for _, ep := range stuck {
			if err := s.resume(ctx, ep); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// TriggerClearing closes and clears an active epoch ahead of its window end.
// Triggering an epoch that already left the active state returns its current
// state without error.
func (s *Scheduler) TriggerClearing(ctx context.Context, epochID string) (domain.Epoch, error) {
	ep, err := s.stores.Epochs.GetByID(ctx, epochID)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("scheduler: trigger %s: %w", epochID, err)
	}
	if ep.Status.PastActive() {
		return ep, nil
	}
	if ep.Status != domain.EpochStatusActive {
		return ep, fmt.Errorf("scheduler: trigger %s in %s: %w", epochID, ep.Status, domain.ErrIllegalTransition)
	}

	err = s.leader(ctx, func() error {
		// Re-read under the lock; a concurrent tick may have closed it.
		cur, err := s.stores.Epochs.GetByID(ctx, epochID)
		if err != nil {
			return err
		}
		if cur.Status != domain.EpochStatusActive {
			return nil
		}
		return s.closeEpoch(ctx, cur, s.now().UTC())
	})
	if err != nil {
		return ep, fmt.Errorf("scheduler: trigger %s: %w", epochID, err)
	}
	return s.stores.Epochs.GetByID(ctx, epochID)
}

// Recover rebuilds in-memory state after a restart. The live book is
// restored from the active epoch's persisted orders, an active epoch past
// its end is cleared, and epochs left in clearing are re-run over their
// orders' remaining quantities.
func (s *Scheduler) Recover(ctx context.Context, now time.Time) error {
	return s.leader(ctx, func() error {
		stuck, err := s.stores.Epochs.ListByStatus(ctx, domain.EpochStatusClearing)
		if err != nil {
			return fmt.Errorf("scheduler: list clearing: %w", err)
		}
		active, ok, err := s.activeEpoch(ctx)
		if err != nil {
			return err
		}
		if ok {
			orders, err := s.stores.Orders.ListByEpoch(ctx, active.ID, liveStatuses...)
			if err != nil {
				return fmt.Errorf("scheduler: recover book: %w", err)
			}
			s.book.Rotate(active.ID)
			if err := s.book.Restore(orders); err != nil {
				return fmt.Errorf("scheduler: recover book: %w", err)
			}
			s.logger.InfoContext(ctx, "order book restored",
				slog.String("epoch_id", active.ID),
				slog.Int("orders", len(orders)),
			)
		}

		var errs []error
		if ok && !now.Before(active.EndTime) {
			if err := s.closeEpoch(ctx, active, now); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.ensureActive(ctx, now); err != nil {
			errs = append(errs, err)
		}
		for _, ep := range stuck {
			if err := s.resume(ctx, ep); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// leader runs fn under the in-process mutex and, when configured, the
// distributed lock. A lock held by another replica is not an error.
func (s *Scheduler) leader(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, LockKey, s.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "scheduler lock held elsewhere, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("scheduler: acquire lock: %w", err)
		}
		defer unlock()
	}
	return fn()
}

func (s *Scheduler) activeEpoch(ctx context.Context) (domain.Epoch, bool, error) {
	active, err := s.stores.Epochs.ListByStatus(ctx, domain.EpochStatusActive)
	if err != nil {
		return domain.Epoch{}, false, fmt.Errorf("scheduler: list active: %w", err)
	}
	if len(active) == 0 {
		return domain.Epoch{}, false, nil
	}
	return active[0], true, nil
}

// window returns the aligned window containing t.
func (s *Scheduler) window(t time.Time) (time.Time, time.Time) {
	start := t.Truncate(s.cfg.EpochDuration)
	return start, start.Add(s.cfg.EpochDuration)
}

// ensureActive opens an epoch when none is active: a pending epoch whose
// window has started is activated, otherwise one is created for the window
// containing now.
func (s *Scheduler) ensureActive(ctx context.Context, now time.Time) error {
	if _, ok, err := s.activeEpoch(ctx); err != nil || ok {
		return err
	}

	pending, err := s.stores.Epochs.ListByStatus(ctx, domain.EpochStatusPending)
	if err != nil {
		return fmt.Errorf("scheduler: list pending: %w", err)
	}
	for _, ep := range pending {
		if now.Before(ep.StartTime) {
			continue
		}
		return s.activate(ctx, ep)
	}

	start, end := s.window(now)
	ep, err := s.createEpoch(ctx, start, end)
	if err != nil {
		return err
	}
	return s.activate(ctx, ep)
}

func (s *Scheduler) createEpoch(ctx context.Context, start, end time.Time) (domain.Epoch, error) {
	var seq int64 = 1
	latest, err := s.stores.Epochs.Latest(ctx)
	switch {
	case err == nil:
		seq = latest.Sequence + 1
	case errors.Is(err, domain.ErrNotFound):
	default:
		return domain.Epoch{}, fmt.Errorf("scheduler: latest epoch: %w", err)
	}

	ep := domain.Epoch{
		ID:        uuid.New().String(),
		Sequence:  seq,
		StartTime: start.UTC(),
		EndTime:   end.UTC(),
		Status:    domain.EpochStatusPending,
	}
	if err := s.stores.Epochs.Create(ctx, ep); err != nil {
		return domain.Epoch{}, fmt.Errorf("scheduler: create epoch %d: %w", seq, err)
	}
	s.logger.InfoContext(ctx, "epoch created",
		slog.String("epoch_id", ep.ID),
		slog.Int64("sequence", ep.Sequence),
		slog.Time("start", ep.StartTime),
		slog.Time("end", ep.EndTime),
	)
	return ep, nil
}

// activate moves ep to active and binds the book to it.
func (s *Scheduler) activate(ctx context.Context, ep domain.Epoch) error {
	if _, err := s.transition(ctx, ep, domain.EpochStatusActive, domain.EpochUpdate{}); err != nil {
		return err
	}
	if s.book.EpochID() != ep.ID {
		s.book.Rotate(ep.ID)
	}
	return nil
}

// successor returns the pending epoch that follows ep, creating it when
// needed. A boundary close opens the aligned window containing now; an early
// close opens the remainder of ep's window so alignment is kept.
func (s *Scheduler) successor(ctx context.Context, ep domain.Epoch, now time.Time) (domain.Epoch, error) {
	pending, err := s.stores.Epochs.ListByStatus(ctx, domain.EpochStatusPending)
	if err != nil {
		return domain.Epoch{}, fmt.Errorf("scheduler: list pending: %w", err)
	}
	for _, p := range pending {
		if p.Sequence > ep.Sequence {
			return p, nil
		}
	}

	start, end := s.window(now)
	if now.Before(ep.EndTime) {
		start, end = now, ep.EndTime
	}
	return s.createEpoch(ctx, start, end)
}

// closeEpoch runs the boundary sequence for an active epoch: the successor
// becomes active and takes over the book before ep is cleared.
func (s *Scheduler) closeEpoch(ctx context.Context, ep domain.Epoch, now time.Time) error {
	next, err := s.successor(ctx, ep, now)
	if err != nil {
		return err
	}

	clearing, err := s.transition(ctx, ep, domain.EpochStatusClearing, domain.EpochUpdate{})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.transition(ctx, next, domain.EpochStatusActive, domain.EpochUpdate{}); err != nil {
		return err
	}
	frozen := s.book.Rotate(next.ID)
	s.logger.InfoContext(ctx, "epoch closed",
		slog.String("epoch_id", ep.ID),
		slog.String("next_epoch_id", next.ID),
		slog.Int("frozen_orders", len(frozen)),
	)
	return s.clear(ctx, clearing)
}

// resume re-runs a clearing pass left unfinished by a crash or a persistence
// error.
func (s *Scheduler) resume(ctx context.Context, ep domain.Epoch) error {
	s.logger.WarnContext(ctx, "resuming interrupted clearing", slog.String("epoch_id", ep.ID))
	return s.clear(ctx, ep)
}

// clear runs the clearing pass for an epoch in clearing. The pass reads the
// epoch's live orders from the store, so a re-run after a crash only sees
// the quantities no persisted match consumed.
func (s *Scheduler) clear(ctx context.Context, ep domain.Epoch) error {
	start := time.Now()
	at := s.now().UTC()

	orders, err := s.stores.Orders.ListByEpoch(ctx, ep.ID, liveStatuses...)
	if err != nil {
		return fmt.Errorf("scheduler: clear %s: load orders: %w", ep.ID, err)
	}
	s.book.Freeze(ep.ID, orders)

	total, err := s.stores.Orders.CountByEpoch(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("scheduler: clear %s: count orders: %w", ep.ID, err)
	}

	res, err := s.engine.Match(matching.Input{EpochID: ep.ID, Orders: orders, At: at})
	if errors.Is(err, domain.ErrInvariantViolation) {
		return s.fail(ctx, ep, err)
	}
	if err != nil {
		return fmt.Errorf("scheduler: clear %s: %w", ep.ID, err)
	}

	var recorded []domain.Match
	for _, f := range res.Fills {
		err := s.stores.Matches.RecordMatch(ctx, f.Match, f.Buy, f.Sell)
		if errors.Is(err, domain.ErrAlreadyExists) {
			continue
		}
		if errors.Is(err, domain.ErrInvariantViolation) {
			return s.fail(ctx, ep, err)
		}
		if err != nil {
			return fmt.Errorf("scheduler: clear %s: record match %s: %w", ep.ID, f.Match.ID, err)
		}
		recorded = append(recorded, f.Match)
		s.publish(ctx, domain.EventOrderMatched, ep.ID, at, map[string]string{
			"match_id":      f.Match.ID,
			"buy_order_id":  f.Match.BuyOrderID,
			"sell_order_id": f.Match.SellOrderID,
			"quantity":      f.Match.Quantity.String(),
			"price":         f.Match.Price.String(),
		})
	}
	if s.metrics != nil {
		s.metrics.ObserveMatches(recorded)
	}

	for _, o := range res.Expired {
		if err := s.expire(ctx, o); err != nil {
			return fmt.Errorf("scheduler: clear %s: %w", ep.ID, err)
		}
	}
	if err := s.carryOver(ctx, ep, res.Residual); err != nil {
		return fmt.Errorf("scheduler: clear %s: %w", ep.ID, err)
	}

	matches, err := s.stores.Matches.ListByEpoch(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("scheduler: clear %s: list matches: %w", ep.ID, err)
	}
	if _, err := s.settle.Handoff(ctx, matches); err != nil {
		return fmt.Errorf("scheduler: clear %s: %w", ep.ID, err)
	}

	stats := matching.Summarize(total, matches)
	_, err = s.transition(ctx, ep, domain.EpochStatusSettled, domain.EpochUpdate{
		Stats:     &stats,
		ClearedAt: &at,
	})
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return err
	}
	s.book.Thaw(ep.ID)

	if s.metrics != nil {
		s.metrics.ClearingDuration.Observe(time.Since(start).Seconds())
	}
	s.logger.InfoContext(ctx, "epoch cleared",
		slog.String("epoch_id", ep.ID),
		slog.Int64("total_orders", stats.TotalOrders),
		slog.Int64("matches", stats.MatchCount),
		slog.Int("new_matches", len(recorded)),
		slog.String("volume", stats.TotalVolume.String()),
		slog.String("clearing_price", stats.ClearingPrice.String()),
		slog.Int("expired", len(res.Expired)),
		slog.Int("residual", len(res.Residual)),
	)
	return nil
}

// carryOver moves unmatched orders into the active epoch, keeping their
// arrival time and seq. Orders that would expire before the active epoch
// ends, or all of them when carry-over is off, are expired instead.
func (s *Scheduler) carryOver(ctx context.Context, ep domain.Epoch, residual []domain.Order) error {
	if len(residual) == 0 {
		return nil
	}
	next, ok, err := s.activeEpoch(ctx)
	if err != nil {
		return err
	}

	var keep []domain.Order
	for _, o := range residual {
		if !s.cfg.CarryOver || !ok || o.ExpiredAt(next.EndTime) {
			if err := s.expire(ctx, o); err != nil {
				return err
			}
			continue
		}
		keep = append(keep, o)
	}
	if len(keep) == 0 {
		return nil
	}

	ids := make([]string, len(keep))
	for i := range keep {
		ids[i] = keep[i].ID
		keep[i].EpochID = next.ID
	}
	if err := s.stores.Orders.Rebind(ctx, ids, next.ID); err != nil {
		return fmt.Errorf("carry over to %s: %w", next.ID, err)
	}
	if s.book.EpochID() != next.ID {
		return nil
	}
	if err := s.book.Restore(keep); err != nil {
		// The orders are bound to next in storage; the book is rebuilt from
		// storage on the next restart.
		s.logger.ErrorContext(ctx, "carry-over restore failed",
			slog.String("from_epoch_id", ep.ID),
			slog.String("to_epoch_id", next.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func (s *Scheduler) expire(ctx context.Context, o domain.Order) error {
	err := s.stores.Orders.UpdateStatus(ctx, o.ID, domain.OrderStatusExpired)
	if err != nil && !errors.Is(err, domain.ErrIllegalTransition) {
		return fmt.Errorf("expire order %s: %w", o.ID, err)
	}
	return nil
}

// fail marks ep failed after a matching invariant violation. Its orders stay
// bound to it and may still be cancelled.
// fail moves an epoch whose clearing broke an invariant to failed. Matches
// already committed for the epoch are handed off first, since their orders
// are filled and cannot be matched again.
func (s *Scheduler) fail(ctx context.Context, ep domain.Epoch, cause error) error {
	s.logger.ErrorContext(ctx, "clearing invariant violated",
		slog.String("epoch_id", ep.ID),
		slog.String("error", cause.Error()),
	)
	matches, err := s.stores.Matches.ListByEpoch(ctx, ep.ID)
	if err != nil {
		return fmt.Errorf("scheduler: fail %s: list matches: %w", ep.ID, err)
	}
	if len(matches) > 0 {
		if _, err := s.settle.Handoff(ctx, matches); err != nil {
			return fmt.Errorf("scheduler: fail %s: %w", ep.ID, err)
		}
	}
	now := s.now().UTC()
	_, err = s.transition(ctx, ep, domain.EpochStatusFailed, domain.EpochUpdate{
		ClearedAt:     &now,
		FailureReason: cause.Error(),
	})
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return err
	}
	s.book.Thaw(ep.ID)
	return nil
}

func (s *Scheduler) transition(ctx context.Context, ep domain.Epoch, to domain.EpochStatus, upd domain.EpochUpdate) (domain.Epoch, error) {
	next, err := s.stores.Epochs.Transition(ctx, ep.ID, ep.Status, to, upd)
	if err != nil {
		return next, fmt.Errorf("scheduler: epoch %s %s -> %s: %w", ep.ID, ep.Status, to, err)
	}
	if s.metrics != nil {
		s.metrics.EpochTransitions.WithLabelValues(string(to)).Inc()
	}
	s.logger.InfoContext(ctx, "epoch transitioned",
		slog.String("epoch_id", ep.ID),
		slog.Int64("sequence", ep.Sequence),
		slog.String("from", string(ep.Status)),
		slog.String("to", string(to)),
	)
	payload := map[string]string{
		"from":     string(ep.Status),
		"to":       string(to),
		"sequence": fmt.Sprint(ep.Sequence),
	}
	if upd.FailureReason != "" {
		payload["reason"] = upd.FailureReason
	}
	s.publish(ctx, domain.EventEpochTransitioned, ep.ID, s.now().UTC(), payload)
	return next, nil
}

func (s *Scheduler) publish(ctx context.Context, typ domain.EventType, epochID string, at time.Time, payload map[string]string) {
	s.events.Publish(ctx, events.New(typ, epochID, at, payload))
}
