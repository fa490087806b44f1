package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/metrics"
)

var errBatchFull = errors.New("outbox: batch full")

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	Interval   time.Duration
	BatchSize  int
	MaxRetries uint32
	// Retention is how long ACKED records are kept before pruning.
	Retention time.Duration
}

func (c *RelayConfig) defaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 10
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
}

// Relay moves outbox records to a Publisher.
type Relay struct {
	store   *Store
	pub     Publisher
	cfg     RelayConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRelay creates a Relay. m may be nil.
func NewRelay(store *Store, pub Publisher, cfg RelayConfig, m *metrics.Metrics, logger *slog.Logger) *Relay {
	cfg.defaults()
	return &Relay{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(slog.String("component", "outbox_relay")),
		now:     time.Now,
	}
}

// Run relays until ctx is cancelled. Records left SENT by a previous process
// are resent, so delivery is at least once.
func (r *Relay) Run(ctx context.Context) error {
	if err := r.requeueSent(); err != nil {
		return err
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.ErrorContext(ctx, "outbox flush failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (r *Relay) requeueSent() error {
	var stuck []Record
	if err := r.store.Scan(0, func(rec Record) error {
		stuck = append(stuck, rec)
		return nil
	}, StateSent); err != nil {
		return err
	}
	for _, rec := range stuck {
		if err := r.store.Mark(rec.Seq, StateNew, rec.Retries, rec.LastAttempt); err != nil {
			return err
		}
	}
	if len(stuck) > 0 {
		r.logger.Warn("requeued unacknowledged outbox records", slog.Int("count", len(stuck)))
	}
	return nil
}

// Flush publishes one batch of NEW and retryable FAILED records and returns
// how many were acknowledged.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	defer r.observe()

	var batch []Record
	err := r.store.Scan(0, func(rec Record) error {
		if rec.State == StateFailed && rec.Retries >= r.cfg.MaxRetries {
			return nil
		}
		batch = append(batch, rec)
		if len(batch) >= r.cfg.BatchSize {
			return errBatchFull
		}
		return nil
	}, StateNew, StateFailed)
	if err != nil && !errors.Is(err, errBatchFull) {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	now := r.now()
	for _, rec := range batch {
		if err := r.store.Mark(rec.Seq, StateSent, rec.Retries, now); err != nil {
			return 0, err
		}
	}

	if err := r.pub.Publish(ctx, batch); err != nil {
		for _, rec := range batch {
			if markErr := r.store.Mark(rec.Seq, StateFailed, rec.Retries+1, now); markErr != nil {
				return 0, markErr
			}
		}
		r.logger.WarnContext(ctx, "outbox publish failed",
			slog.Int("records", len(batch)),
			slog.String("error", err.Error()),
		)
		return 0, err
	}

	for _, rec := range batch {
		if err := r.store.Mark(rec.Seq, StateAcked, rec.Retries, now); err != nil {
			return 0, err
		}
	}
	if pruned, err := r.store.Prune(now.Add(-r.cfg.Retention)); err != nil {
		r.logger.WarnContext(ctx, "outbox prune failed", slog.String("error", err.Error()))
	} else if pruned > 0 {
		r.logger.DebugContext(ctx, "outbox pruned", slog.Int("records", pruned))
	}
	return len(batch), nil
}

func (r *Relay) observe() {
	if r.metrics == nil {
		return
	}
	if n, err := r.store.Count(StateNew, StateSent, StateFailed); err == nil {
		r.metrics.OutboxPending.Set(float64(n))
	}
}

// Sink appends events to the outbox. It implements events.Sink.
type Sink struct {
	store *Store
}

// NewSink creates a Sink.
func NewSink(store *Store) *Sink {
	return &Sink{store: store}
}

// Name implements events.Sink.
func (s *Sink) Name() string { return "outbox" }

// Deliver implements events.Sink.
func (s *Sink) Deliver(_ context.Context, evt domain.Event) error {
	_, err := s.store.Append(evt)
	return err
}
