package outbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
	"github.com/alanyoungcy/gridclear/internal/metrics"
)

type fakePublisher struct {
	mu   sync.Mutex
	got  []Record
	fail int
}

func (f *fakePublisher) Publish(_ context.Context, recs []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return errors.New("broker unavailable")
	}
	f.got = append(f.got, recs...)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func event(i int) domain.Event {
	return domain.Event{
		ID:         fmt.Sprintf("evt-%d", i),
		Type:       domain.EventOrderAccepted,
		EpochID:    "ep-1",
		Payload:    map[string]string{"order_id": fmt.Sprintf("o%d", i)},
		OccurredAt: time.Date(2026, 3, 1, 12, 0, i, 0, time.UTC),
	}
}

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("outbox", InMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRelay(s *Store, pub Publisher, cfg RelayConfig, m *metrics.Metrics) *Relay {
	return NewRelay(s, pub, cfg, m, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAppendAndMark(t *testing.T) {
	s := openMem(t)

	seq, err := s.Append(event(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	at := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	require.NoError(t, s.Mark(seq, StateFailed, 2, at))

	rec, err := s.Get(seq)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, uint32(2), rec.Retries)
	assert.True(t, at.Equal(rec.LastAttempt))
	assert.Equal(t, "evt-1", rec.Event.ID)
	assert.Equal(t, "o1", rec.Event.Payload["order_id"])

	assert.ErrorIs(t, s.Mark(99, StateAcked, 0, at), domain.ErrNotFound)
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := s.Append(event(i))
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	seq, err := s.Append(event(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestFlushPublishesInOrder(t *testing.T) {
	s := openMem(t)
	sink := NewSink(s)
	for i := 1; i <= 5; i++ {
		require.NoError(t, sink.Deliver(context.Background(), event(i)))
	}

	pub := &fakePublisher{}
	m := metrics.New()
	r := newRelay(s, pub, RelayConfig{BatchSize: 3}, m)

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.got, 5)
	for i, rec := range pub.got {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}
	acked, err := s.Count(StateAcked)
	require.NoError(t, err)
	assert.Equal(t, 5, acked)
}

func TestFlushRetriesUntilExhausted(t *testing.T) {
	s := openMem(t)
	_, err := s.Append(event(1))
	require.NoError(t, err)

	pub := &fakePublisher{fail: 2}
	r := newRelay(s, pub, RelayConfig{MaxRetries: 2}, nil)

	_, err = r.Flush(context.Background())
	require.Error(t, err)
	_, err = r.Flush(context.Background())
	require.Error(t, err)

	rec, err := s.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, rec.State)
	assert.Equal(t, uint32(2), rec.Retries)

	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.got)
}

func TestExhaustedRecordsDoNotBlockBatch(t *testing.T) {
	s := openMem(t)
	for i := 1; i <= 3; i++ {
		_, err := s.Append(event(i))
		require.NoError(t, err)
	}
	require.NoError(t, s.Mark(1, StateFailed, 5, time.Now()))

	pub := &fakePublisher{}
	r := newRelay(s, pub, RelayConfig{BatchSize: 1, MaxRetries: 5}, nil)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(2), pub.got[0].Seq)
}

func TestRunRequeuesSentRecords(t *testing.T) {
	s := openMem(t)
	_, err := s.Append(event(1))
	require.NoError(t, err)
	require.NoError(t, s.Mark(1, StateSent, 0, time.Now()))

	pub := &fakePublisher{}
	r := newRelay(s, pub, RelayConfig{Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec, err := s.Get(1)
		return err == nil && rec.State == StateAcked
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPruneRemovesOldAcked(t *testing.T) {
	s := openMem(t)
	for i := 1; i <= 2; i++ {
		_, err := s.Append(event(i))
		require.NoError(t, err)
	}
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Mark(1, StateAcked, 0, old))
	require.NoError(t, s.Mark(2, StateAcked, 0, old.Add(48*time.Hour)))

	n, err := s.Prune(old.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(2)
	assert.NoError(t, err)
}

func TestKafkaMessageKeysByEpoch(t *testing.T) {
	m, err := message(Record{Seq: 1, Event: event(1)})
	require.NoError(t, err)
	assert.Equal(t, "ep-1", string(m.Key))
	assert.Equal(t, "order_accepted", string(m.Headers[0].Value))

	m, err = message(Record{Seq: 2, Event: domain.Event{ID: "x", Type: domain.EventSettlementFailed}})
	require.NoError(t, err)
	assert.Equal(t, "settlement_failed", string(m.Key))
}
