package domain

import (
	"context"
	"time"
)

// EventType names a notification emitted by the clearing core.
type EventType string

const (
	EventOrderAccepted       EventType = "order_accepted"
	EventOrderCancelled      EventType = "order_cancelled"
	EventOrderMatched        EventType = "order_matched"
	EventEpochTransitioned   EventType = "epoch_transitioned"
	EventSettlementConfirmed EventType = "settlement_confirmed"
	EventSettlementFailed    EventType = "settlement_failed"
)

// Event is a fire-and-forget notification. Payload is a flat string map so
// every sink can encode it without knowing domain types.
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	EpochID    string            `json:"epoch_id,omitempty"`
	Payload    map[string]string `json:"payload,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// EventSink consumes events. Publish must not block the caller on delivery.
type EventSink interface {
	Publish(ctx context.Context, evt Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt Event)

// Publish calls f.
func (f EventSinkFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// NopSink discards every event.
type NopSink struct{}

// Publish does nothing.
func (NopSink) Publish(context.Context, Event) {}
