package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const txIndexPrefix = "gridclear:ledger:tx:"

// TxIndex maps ledger idempotency keys to submitted transaction hashes so a
// restarted settlement process does not resubmit a transfer.
type TxIndex struct {
	rdb *redis.Client
}

// NewTxIndex creates a TxIndex.
func NewTxIndex(c *Client) *TxIndex {
	return &TxIndex{rdb: c.Underlying()}
}

func txIndexKey(idempotencyKey string) string {
	return txIndexPrefix + idempotencyKey
}

// Lookup returns the hash recorded for key.
func (x *TxIndex) Lookup(ctx context.Context, key string) (string, bool, error) {
	hash, err := x.rdb.Get(ctx, txIndexKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis: tx index get %s: %w", key, err)
	}
	return hash, true, nil
}

// Record stores hash for key. An existing mapping is kept.
func (x *TxIndex) Record(ctx context.Context, key, hash string) error {
	if err := x.rdb.SetNX(ctx, txIndexKey(key), hash, 0).Err(); err != nil {
		return fmt.Errorf("redis: tx index set %s: %w", key, err)
	}
	return nil
}
