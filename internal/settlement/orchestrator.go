// Package settlement drives matches to completion on the external ledger.
//
// Every match becomes one Settlement row. Workers move a settlement from
// pending through processing to confirmed or failed; a periodic sweep
// retries failed settlements until MaxRetries is reached, after which the
// settlement stays failed and an operator-facing event is emitted. All
// coordination with the scheduler happens through the settlement store.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/events"
	"github.com/alanyoungcy/gridclear/internal/metrics"
)

// settlementNamespace seeds settlement ids derived from match ids.
var settlementNamespace = uuid.MustParse("0b6f7f0e-8d8a-4e7c-b3c1-5a6a2f9e4d21")

var bpsDivisor = decimal.NewFromInt(10000)

// Config tunes the orchestrator.
type Config struct {
	FeeBps          int64
	AmountPrecision int32
	MaxRetries      int
	RetryInterval   time.Duration
	ConfirmTimeout  time.Duration
	Workers         int
	QueueSize       int
	SweepBatch      int
}

func (c *Config) applyDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = time.Minute
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.AmountPrecision <= 0 {
		c.AmountPrecision = 6
	}
}

// Orchestrator creates settlements and realises them through a Ledger.
type Orchestrator struct {
	cfg     Config
	store   domain.SettlementStore
	ledger  domain.Ledger
	events  domain.EventSink
	metrics *metrics.Metrics
	logger  *slog.Logger
	queue   chan string
	now     func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator. events may be nil.
func New(cfg Config, store domain.SettlementStore, ledger domain.Ledger, sink domain.EventSink, logger *slog.Logger, opts ...Option) *Orchestrator {
	cfg.applyDefaults()
	if sink == nil {
		sink = domain.NopSink{}
	}
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		ledger: ledger,
		events: sink,
		logger: logger.With(slog.String("component", "settlement")),
		queue:  make(chan string, cfg.QueueSize),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// MaxRetries returns the configured retry bound.
func (o *Orchestrator) MaxRetries() int { return o.cfg.MaxRetries }

// Amounts computes gross, fee and net for a match. gross == net + fee holds
// exactly because net is derived by subtraction after rounding.
func (o *Orchestrator) Amounts(m domain.Match) (gross, fee, net decimal.Decimal) {
	gross = m.Quantity.Mul(m.Price).Round(o.cfg.AmountPrecision)
	fee = gross.Mul(decimal.NewFromInt(o.cfg.FeeBps)).Div(bpsDivisor).Round(o.cfg.AmountPrecision)
	net = gross.Sub(fee)
	return gross, fee, net
}

// SettlementID derives the settlement id of a match.
func SettlementID(matchID string) string {
	return uuid.NewSHA1(settlementNamespace, []byte(matchID)).String()
}

// Handoff creates one pending settlement per match and queues it for the
// workers. It is idempotent on match id, so a clearing pass that is retried
// after a crash never creates a second settlement.
func (o *Orchestrator) Handoff(ctx context.Context, matches []domain.Match) ([]domain.Settlement, error) {
	out := make([]domain.Settlement, 0, len(matches))
	for _, m := range matches {
		gross, fee, net := o.Amounts(m)
		st := domain.Settlement{
			ID:          SettlementID(m.ID),
			MatchID:     m.ID,
			EpochID:     m.EpochID,
			Buyer:       m.Buyer,
			Seller:      m.Seller,
			Quantity:    m.Quantity,
			Price:       m.Price,
			GrossAmount: gross,
			PlatformFee: fee,
			NetAmount:   net,
			Status:      domain.SettlementStatusPending,
			CreatedAt:   o.now().UTC(),
		}
		err := o.store.Create(ctx, st)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrAlreadyExists):
			existing, getErr := o.store.GetByMatchID(ctx, m.ID)
			if getErr != nil {
				return out, fmt.Errorf("settlement: handoff %s: %w", m.ID, getErr)
			}
			st = existing
		default:
			return out, fmt.Errorf("settlement: handoff %s: %w", m.ID, err)
		}
		out = append(out, st)
		if st.Status == domain.SettlementStatusPending {
			o.enqueue(ctx, st.ID)
		}
	}
	return out, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, id string) {
	select {
	case o.queue <- id:
	default:
		// The sweep picks up pending settlements the workers never saw.
		o.logger.WarnContext(ctx, "settlement queue full, deferring to sweep",
			slog.String("settlement_id", id),
		)
	}
}

// Run starts the workers and the retry sweep and blocks until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.worker(ctx)
		}()
	}

	ticker := time.NewTicker(o.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return nil
		case <-ticker.C:
			if err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
				o.logger.ErrorContext(ctx, "settlement sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			if err := o.Process(ctx, id); err != nil && ctx.Err() == nil {
				o.logger.ErrorContext(ctx, "settlement processing failed",
					slog.String("settlement_id", id),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Process claims a pending settlement and attempts it once. A settlement
// already claimed elsewhere is skipped. Ledger failures are recorded on the
// settlement, not returned; the returned error is a store failure.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	st, err := o.store.Transition(ctx, id, domain.SettlementStatusPending, domain.SettlementUpdate{
		Status: domain.SettlementStatusProcessing,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: claim %s: %w", id, err)
	}
	return o.attempt(ctx, st)
}

// Sweep reclaims settlements left in processing past the confirm deadline,
// retries failed settlements that have retries left and picks up pending
// settlements that sat unclaimed for a full retry interval.
func (o *Orchestrator) Sweep(ctx context.Context) error {
	inflight, err := o.store.ListByStatus(ctx, domain.SettlementStatusProcessing, domain.ListOpts{Limit: o.cfg.SweepBatch})
	if err != nil {
		return fmt.Errorf("settlement: list processing: %w", err)
	}
	deadline := o.now().Add(-(o.cfg.ConfirmTimeout + o.cfg.RetryInterval))
	for _, st := range inflight {
		if st.UpdatedAt.After(deadline) {
			continue
		}
		if err := o.reclaim(ctx, st, "stale processing"); err != nil {
			return err
		}
	}

	failed, err := o.store.ListRetryable(ctx, o.cfg.MaxRetries, o.cfg.SweepBatch)
	if err != nil {
		return fmt.Errorf("settlement: list retryable: %w", err)
	}
	for _, st := range failed {
		if err := o.retry(ctx, st); err != nil {
			return err
		}
	}

	pending, err := o.store.ListByStatus(ctx, domain.SettlementStatusPending, domain.ListOpts{Limit: o.cfg.SweepBatch})
	if err != nil {
		return fmt.Errorf("settlement: list pending: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.RetryInterval)
	for _, st := range pending {
		if st.UpdatedAt.After(cutoff) {
			continue
		}
		if err := o.Process(ctx, st.ID); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) retry(ctx context.Context, st domain.Settlement) error {
	if !st.CanRetry(o.cfg.MaxRetries) {
		return nil
	}
	next := st.RetryCount + 1
	claimed, err := o.store.Transition(ctx, st.ID, domain.SettlementStatusFailed, domain.SettlementUpdate{
		Status:     domain.SettlementStatusProcessing,
		RetryCount: &next,
		LastError:  st.LastError,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: claim retry %s: %w", st.ID, err)
	}
	if o.metrics != nil {
		o.metrics.SettlementRetries.Inc()
	}
	o.logger.InfoContext(ctx, "retrying settlement",
		slog.String("settlement_id", st.ID),
		slog.Int("retry", next),
		slog.Int("max_retries", o.cfg.MaxRetries),
	)
	return o.attempt(ctx, claimed)
}

// attempt runs one ledger round-trip for a settlement in processing.
func (o *Orchestrator) attempt(ctx context.Context, st domain.Settlement) error {
	ref, ledgerErr := o.transfer(ctx, st)
	if ledgerErr == nil {
		now := o.now().UTC()
		done, err := o.store.Transition(ctx, st.ID, domain.SettlementStatusProcessing, domain.SettlementUpdate{
			Status:      domain.SettlementStatusConfirmed,
			LedgerTxRef: string(ref),
			ConfirmedAt: &now,
		})
		if err != nil {
			return fmt.Errorf("settlement: confirm %s: %w", st.ID, err)
		}
		o.observe("confirmed")
		o.logger.InfoContext(ctx, "settlement confirmed",
			slog.String("settlement_id", done.ID),
			slog.String("match_id", done.MatchID),
			slog.String("tx_ref", done.LedgerTxRef),
			slog.Int("retry_count", done.RetryCount),
		)
		o.events.Publish(ctx, events.New(domain.EventSettlementConfirmed, done.EpochID, now, map[string]string{
			"settlement_id": done.ID,
			"match_id":      done.MatchID,
			"net_amount":    done.NetAmount.String(),
			"tx_ref":        done.LedgerTxRef,
		}))
		return nil
	}

	failed, err := o.store.Transition(ctx, st.ID, domain.SettlementStatusProcessing, domain.SettlementUpdate{
		Status:      domain.SettlementStatusFailed,
		LedgerTxRef: string(ref),
		LastError:   ledgerErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("settlement: record failure %s: %w", st.ID, err)
	}
	o.observe("failed")
	terminal := failed.Exhausted(o.cfg.MaxRetries)
	o.logger.WarnContext(ctx, "settlement attempt failed",
		slog.String("settlement_id", failed.ID),
		slog.String("kind", string(domain.LedgerErrorKindOf(ledgerErr))),
		slog.Int("retry_count", failed.RetryCount),
		slog.Bool("exhausted", terminal),
		slog.String("error", ledgerErr.Error()),
	)
	if terminal {
		o.exhausted(ctx, failed, domain.LedgerErrorKindOf(ledgerErr))
	}
	return nil
}

func (o *Orchestrator) exhausted(ctx context.Context, st domain.Settlement, kind domain.LedgerErrorKind) {
	if o.metrics != nil {
		o.metrics.SettlementExhausted.Inc()
	}
	o.events.Publish(ctx, events.New(domain.EventSettlementFailed, st.EpochID, o.now(), map[string]string{
		"settlement_id": st.ID,
		"match_id":      st.MatchID,
		"retry_count":   strconv.Itoa(st.RetryCount),
		"error":         st.LastError,
		"kind":          string(kind),
	}))
}

// reclaim moves a settlement whose outcome is unknown from processing to
// failed. The ledger reference is kept so a retry reuses the same transfer.
func (o *Orchestrator) reclaim(ctx context.Context, st domain.Settlement, reason string) error {
	failed, err := o.store.Transition(ctx, st.ID, domain.SettlementStatusProcessing, domain.SettlementUpdate{
		Status:      domain.SettlementStatusFailed,
		LastError:   reason,
		LedgerTxRef: st.LedgerTxRef,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: reclaim %s: %w", st.ID, err)
	}
	terminal := failed.Exhausted(o.cfg.MaxRetries)
	o.logger.WarnContext(ctx, "settlement reclaimed from processing",
		slog.String("settlement_id", failed.ID),
		slog.String("reason", reason),
		slog.Int("retry_count", failed.RetryCount),
		slog.Bool("exhausted", terminal),
	)
	if terminal {
		o.exhausted(ctx, failed, domain.LedgerTimeout)
	}
	return nil
}

// transfer moves the net amount from buyer to seller and waits for the
// ledger to confirm it. The settlement id is the idempotency key.
func (o *Orchestrator) transfer(ctx context.Context, st domain.Settlement) (domain.TxRef, error) {
	buyer, err := o.timed("ensure_account", func() (domain.AccountRef, error) {
		return o.ledger.EnsureAccount(ctx, st.Buyer)
	})
	if err != nil {
		return "", err
	}
	seller, err := o.timed("ensure_account", func() (domain.AccountRef, error) {
		return o.ledger.EnsureAccount(ctx, st.Seller)
	})
	if err != nil {
		return "", err
	}

	start := time.Now()
	ref, err := o.ledger.Transfer(ctx, st.ID, buyer, seller, st.NetAmount)
	o.latency("transfer", start)
	if err != nil {
		return ref, err
	}

	start = time.Now()
	err = o.ledger.Confirm(ctx, ref, o.cfg.ConfirmTimeout)
	o.latency("confirm", start)
	return ref, err
}

func (o *Orchestrator) timed(op string, fn func() (domain.AccountRef, error)) (domain.AccountRef, error) {
	start := time.Now()
	ref, err := fn()
	o.latency(op, start)
	return ref, err
}

func (o *Orchestrator) latency(op string, start time.Time) {
	if o.metrics != nil {
		o.metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func (o *Orchestrator) observe(outcome string) {
	if o.metrics != nil {
		o.metrics.Settlements.WithLabelValues(outcome).Inc()
	}
}

// Recover runs once at startup: settlements interrupted mid-flight are marked
// failed so the sweep retries them under the same idempotency key, and
// pending settlements are queued again.
func (o *Orchestrator) Recover(ctx context.Context) error {
	inflight, err := o.store.ListByStatus(ctx, domain.SettlementStatusProcessing, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("settlement: recover list processing: %w", err)
	}
	for _, st := range inflight {
		if err := o.reclaim(ctx, st, "interrupted by restart"); err != nil {
			return fmt.Errorf("settlement: recover: %w", err)
		}
	}

	pending, err := o.store.ListByStatus(ctx, domain.SettlementStatusPending, domain.ListOpts{})
	if err != nil {
		return fmt.Errorf("settlement: recover list pending: %w", err)
	}
	for _, st := range pending {
		o.enqueue(ctx, st.ID)
	}
	o.logger.InfoContext(ctx, "settlement recovery complete",
		slog.Int("interrupted", len(inflight)),
		slog.Int("requeued", len(pending)),
	)
	return nil
}

// ListExhausted returns settlements that failed permanently.
func (o *Orchestrator) ListExhausted(ctx context.Context, opts domain.ListOpts) ([]domain.Settlement, error) {
	return o.store.ListExhausted(ctx, o.cfg.MaxRetries, opts)
}
