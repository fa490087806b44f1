// Package events fans clearing-core notifications out to delivery sinks
// (Redis, the Kafka outbox, operator alerts, the audit log). Publishing never
// blocks the caller: events are queued and delivered by a single goroutine,
// and a full queue drops the event with a warning.
package events

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// Sink delivers one event to a downstream system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, evt domain.Event) error
}

// New builds an event with a fresh id.
func New(typ domain.EventType, epochID string, at time.Time, payload map[string]string) domain.Event {
	return domain.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		EpochID:    epochID,
		Payload:    payload,
		OccurredAt: at.UTC(),
	}
}

// Dispatcher implements domain.EventSink on top of a bounded queue.
type Dispatcher struct {
	sinks   []Sink
	queue   chan domain.Event
	logger  *slog.Logger
	dropped atomic.Int64
	onDrop  func(domain.EventType)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDropHook registers a callback invoked for every dropped event.
func WithDropHook(fn func(domain.EventType)) Option {
	return func(d *Dispatcher) { d.onDrop = fn }
}

// NewDispatcher creates a dispatcher with a queue of size entries.
func NewDispatcher(logger *slog.Logger, size int, sinks []Sink, opts ...Option) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	d := &Dispatcher{
		sinks:  sinks,
		queue:  make(chan domain.Event, size),
		logger: logger.With(slog.String("component", "events")),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish enqueues evt without blocking.
func (d *Dispatcher) Publish(ctx context.Context, evt domain.Event) {
	select {
	case d.queue <- evt:
	default:
		d.dropped.Add(1)
		if d.onDrop != nil {
			d.onDrop(evt.Type)
		}
		d.logger.WarnContext(ctx, "event queue full, dropping event",
			slog.String("type", string(evt.Type)),
			slog.String("event_id", evt.ID),
		)
	}
}

// Dropped returns the number of events dropped so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then drains whatever is
// still queued with a short grace period.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case evt := <-d.queue:
			d.deliver(ctx, evt)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, evt domain.Event) {
	for _, s := range d.sinks {
		if err := s.Deliver(ctx, evt); err != nil {
			d.logger.ErrorContext(ctx, "event delivery failed",
				slog.String("sink", s.Name()),
				slog.String("type", string(evt.Type)),
				slog.String("event_id", evt.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

var _ domain.EventSink = (*Dispatcher)(nil)
