// Package kvstore is the agent's contract over the networked key-value store.
//
// The contract covers set membership, hash fields, plain keys with expiry,
// grouped atomic writes and a persistence-flush signal. Missing keys are
// reported through ok=false results, never as errors.
package kvstore

import (
	"context"
	"time"
)

// NoExpiry is the TTL reported for keys without an expiry.
const NoExpiry time.Duration = -1

// Store is the key-value contract used by the registration store, the
// description cache and the mapping template store.
type Store interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	// TTL returns NoExpiry for persistent keys and ok=false for missing ones.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	// Atomic applies every write queued by fn as one unit.
	Atomic(ctx context.Context, fn func(b Batch)) error

	// Save asks the store to persist to disk. Failures are logged only.
	Save(ctx context.Context)
	Ping(ctx context.Context) error
	Close() error
}

// Batch collects writes for Store.Atomic.
type Batch interface {
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	HSet(key string, fields map[string]string)
	HDel(key string, fields ...string)
	Set(key, value string, ttl time.Duration)
	Del(keys ...string)
}
