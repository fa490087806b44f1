package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/store/memory"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recorder struct {
	mu   sync.Mutex
	seen []domain.Event
}

func (r *recorder) sink(name string, err error) Sink {
	return FuncSink{SinkName: name, Fn: func(_ context.Context, evt domain.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.seen = append(r.seen, evt)
		return err
	}}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func TestDispatcherFansOutDespiteFailingSink(t *testing.T) {
	var failing, ok recorder
	d := NewDispatcher(discard(), 8, []Sink{failing.sink("bad", errors.New("down")), ok.sink("good", nil)})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	d.Publish(ctx, New(domain.EventOrderAccepted, "e1", time.Now(), map[string]string{"order_id": "o1"}))
	require.Eventually(t, func() bool { return ok.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, failing.count())

	cancel()
	<-done
}

func TestPublishDropsWhenFull(t *testing.T) {
	var dropped []domain.EventType
	d := NewDispatcher(discard(), 1, nil, WithDropHook(func(t domain.EventType) { dropped = append(dropped, t) }))

	d.Publish(context.Background(), New(domain.EventOrderAccepted, "e1", time.Now(), nil))
	d.Publish(context.Background(), New(domain.EventOrderCancelled, "e1", time.Now(), nil))

	assert.Equal(t, int64(1), d.Dropped())
	assert.Equal(t, []domain.EventType{domain.EventOrderCancelled}, dropped)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	var rec recorder
	d := NewDispatcher(discard(), 4, []Sink{rec.sink("r", nil)})
	for i := 0; i < 3; i++ {
		d.Publish(context.Background(), New(domain.EventOrderMatched, "e1", time.Now(), nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 3, rec.count())
}

func TestAuditSink(t *testing.T) {
	st := memory.New().Stores()
	sink := NewAuditSink(st.Audit)
	evt := New(domain.EventEpochTransitioned, "e1", time.Now(), map[string]string{"from": "active", "to": "clearing"})
	require.NoError(t, sink.Deliver(context.Background(), evt))

	entries, err := st.Audit.List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "epoch_transitioned", entries[0].Event)
	assert.Equal(t, "clearing", entries[0].Detail["to"])
	assert.Equal(t, "e1", entries[0].Detail["epoch_id"])
}

type fakeBus struct {
	channels []string
	streams  []string
}

func (b *fakeBus) Publish(_ context.Context, channel string, _ []byte) error {
	b.channels = append(b.channels, channel)
	return nil
}
func (b *fakeBus) Subscribe(context.Context, string) (<-chan []byte, error) { return nil, nil }
func (b *fakeBus) StreamAppend(_ context.Context, stream string, _ []byte) error {
	b.streams = append(b.streams, stream)
	return nil
}
func (b *fakeBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusSink(t *testing.T) {
	bus := &fakeBus{}
	require.NoError(t, NewBusSink(bus).Deliver(context.Background(), New(domain.EventSettlementFailed, "e1", time.Now(), nil)))
	assert.Equal(t, []string{"gridclear:events:settlement_failed"}, bus.channels)
	assert.Equal(t, []string{Stream}, bus.streams)
}
