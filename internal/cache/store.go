package cache

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("cache key not found")

// Store is the key/value backend shared by the query cache and the hit/miss
// counters. Implementations must make Incr atomic.
type Store interface {
	// Get returns ErrNotFound for missing or expired keys.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	// Counter reads a counter written by Incr. Missing counters are zero.
	Counter(ctx context.Context, key string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}
