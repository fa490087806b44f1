package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/gridclear/internal/domain"
)

// bookSnapshotKey holds the JSON encoded domain.BookSnapshot. Best bid and
// ask are read from the snapshot itself.
const bookSnapshotKey = "gridclear:book:snapshot"

// BookCache implements domain.BookCache. Read replicas serve snapshots from
// it without touching the leader's in-memory book.
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache. A zero ttl keeps snapshots until they are
// replaced.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

// SetSnapshot replaces the cached snapshot.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: encode book snapshot: %w", err)
	}
	if err := bc.rdb.Set(ctx, bookSnapshotKey, data, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set book snapshot: %w", err)
	}
	return nil
}

// GetSnapshot returns the cached snapshot or domain.ErrNotFound.
func (bc *BookCache) GetSnapshot(ctx context.Context) (domain.BookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookSnapshotKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.BookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: get book snapshot: %w", err)
	}
	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.BookSnapshot{}, fmt.Errorf("redis: decode book snapshot: %w", err)
	}
	return snap, nil
}

var _ domain.BookCache = (*BookCache)(nil)
