package redis

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "lock:gridclear:scheduler", lockKey("gridclear:scheduler"))
	assert.Equal(t, "ratelimit:orders:alice", rateLimitKey("orders:alice"))
	assert.Equal(t, "gridclear:ledger:tx:abc", txIndexKey("abc"))
}

// cmdRecorder records every command sent through a client whose dialer
// always fails, so no server is needed.
type cmdRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *cmdRecorder) record(cmds ...redis.Cmder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cmds {
		if args := c.Args(); len(args) > 1 {
			if key, ok := args[1].(string); ok {
				r.keys = append(r.keys, key)
			}
		}
	}
}

func (r *cmdRecorder) DialHook(redis.DialHook) redis.DialHook {
	return func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("offline")
	}
}

func (r *cmdRecorder) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		r.record(cmd)
		return next(ctx, cmd)
	}
}

func (r *cmdRecorder) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		r.record(cmds...)
		return next(ctx, cmds)
	}
}

func TestBookCacheWritesOnlyTheSnapshot(t *testing.T) {
	rec := &cmdRecorder{}
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", MaxRetries: -1})
	rdb.AddHook(rec)
	t.Cleanup(func() { _ = rdb.Close() })
	bc := &BookCache{rdb: rdb, ttl: time.Hour}

	snap := domain.BookSnapshot{
		EpochID: "e1",
		Bids:    []domain.BookEntry{{OrderID: "b1", Price: decimal.RequireFromString("5.5")}},
		TakenAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.Error(t, bc.SetSnapshot(context.Background(), snap))
	_, err := bc.GetSnapshot(context.Background())
	require.Error(t, err)

	require.NotEmpty(t, rec.keys)
	for _, key := range rec.keys {
		assert.Equal(t, bookSnapshotKey, key)
	}
}

func TestPayloadBytes(t *testing.T) {
	b, ok := payloadBytes("x")
	assert.True(t, ok)
	assert.Equal(t, []byte("x"), b)

	_, ok = payloadBytes(42)
	assert.False(t, ok)
}
