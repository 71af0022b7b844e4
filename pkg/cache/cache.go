// Package cache is the small-value KV layer shared by admission counters,
// token nonces, kill-switch state, and statistics caching. Two
// implementations satisfy the same interface: Redis for deployments and an
// in-process map for tests and lite mode.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("cache: key not found")

// KV is the contract every consumer programs against. All operations are
// atomic with respect to a single key.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets the key only if absent; reports whether it was set.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer at key, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	// IncrWithTTL increments and, when this call created the key, applies
	// ttl. The counter therefore expires ttl after its first increment.
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr atomically decrements the integer at key. Redis semantics: a
	// missing key is created at -1.
	Decr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Close() error
}
