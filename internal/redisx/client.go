// Package redisx holds the Redis client setup and the service's key and TTL
// catalog. Redis is an accelerator only: idempotency fast paths and status
// caches in front of the ledger, never the source of truth.
package redisx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// KV exposes the client as a best-effort string cache. Errors are swallowed:
// a miss and a failure look the same to the caller, and the ledger stays the
// source of truth.
type KV struct {
	RDB *redis.Client
}

func (k KV) Get(ctx context.Context, key string) (string, bool) {
	s, err := k.RDB.Get(ctx, key).Result()
	return s, err == nil && s != ""
}

func (k KV) Set(ctx context.Context, key, value string, ttl time.Duration) {
	_ = k.RDB.Set(ctx, key, value, ttl).Err()
}

// Exists tolerates a nil client so callers can treat Redis as optional.
func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	if rdb == nil {
		return false, nil
	}
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}
