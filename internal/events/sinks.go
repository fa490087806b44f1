package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// Channel returns the pub/sub channel an event type is published on.
func Channel(typ domain.EventType) string {
	return "gridclear:events:" + string(typ)
}

// Stream is the durable Redis stream every event is appended to.
const Stream = "gridclear:events"

// BusSink publishes events to a SignalBus: one pub/sub channel per event
// type for live consumers plus a capped stream for replay.
type BusSink struct {
	bus domain.SignalBus
}

// NewBusSink creates a BusSink.
func NewBusSink(bus domain.SignalBus) *BusSink {
	return &BusSink{bus: bus}
}

// Name implements Sink.
func (s *BusSink) Name() string { return "signal_bus" }

// Deliver implements Sink.
func (s *BusSink) Deliver(ctx context.Context, evt domain.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: marshal %s: %w", evt.ID, err)
	}
	if err := s.bus.Publish(ctx, Channel(evt.Type), payload); err != nil {
		return err
	}
	return s.bus.StreamAppend(ctx, Stream, payload)
}

// AuditSink records events in the audit log.
type AuditSink struct {
	audit domain.AuditStore
}

// NewAuditSink creates an AuditSink.
func NewAuditSink(audit domain.AuditStore) *AuditSink {
	return &AuditSink{audit: audit}
}

// Name implements Sink.
func (s *AuditSink) Name() string { return "audit" }

// Deliver implements Sink.
func (s *AuditSink) Deliver(ctx context.Context, evt domain.Event) error {
	detail := make(map[string]any, len(evt.Payload)+2)
	for k, v := range evt.Payload {
		detail[k] = v
	}
	detail["event_id"] = evt.ID
	if evt.EpochID != "" {
		detail["epoch_id"] = evt.EpochID
	}
	return s.audit.Log(ctx, string(evt.Type), detail)
}

// FuncSink adapts a function to Sink.
type FuncSink struct {
	SinkName string
	Fn       func(ctx context.Context, evt domain.Event) error
}

// Name implements Sink.
func (s FuncSink) Name() string { return s.SinkName }

// Deliver implements Sink.
func (s FuncSink) Deliver(ctx context.Context, evt domain.Event) error { return s.Fn(ctx, evt) }
