// Package cache provides a generic, thread-safe in-process TTL cache.
//
// The agent uses it for short-lived lookups that would otherwise cost a
// registry round trip, such as resolving the agent that owns a remote OID.
// Statistics are always collected; Prometheus export is optional.
package cache

import (
	"time"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

// Cache represents a generic cache keyed by string.
type Cache[V any] interface {
	// Get retrieves a value by key. Expired entries are reported as missing.
	Get(key string) (V, bool)

	// Set stores a value with the cache's default TTL. Returns true if a new entry was created.
	Set(key string, value V) (bool, error)

	// SetWithTTL stores a value that expires after ttl instead of the default.
	SetWithTTL(key string, value V, ttl time.Duration) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries, expired ones included until cleanup.
	Size() int

	// Keys returns the keys of all live entries.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close stops background cleanup.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

func validateKey(key string) error {
	if key == "" {
		return errs.WrapInvalid(errs.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
