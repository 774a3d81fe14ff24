package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) expiredAt(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// ttlCache evicts entries once their TTL has elapsed. Expired entries are
// dropped lazily on Get and periodically by a background sweep.
type ttlCache[V any] struct {
	mu              sync.RWMutex
	ttl             time.Duration
	cleanupInterval time.Duration
	items           map[string]*ttlEntry[V]
	clock           clockwork.Clock
	stats           *Statistics
	metrics         *cacheMetrics
	evictFn         EvictCallback[V]

	shutdown  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewTTL creates a TTL cache. The cleanup goroutine stops when ctx ends or Close is called.
func NewTTL[V any](ctx context.Context, ttl, cleanupInterval time.Duration, options ...Option[V]) (Cache[V], error) {
	if ttl <= 0 {
		return nil, errs.WrapInvalid(errs.ErrInvalidConfig, "cache", "NewTTL",
			fmt.Sprintf("ttl must be positive, got %v", ttl))
	}
	if cleanupInterval <= 0 {
		cleanupInterval = ttl
	}
	opts := applyOptions(options...)

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errs.WrapTransient(err, "cache", "NewTTL", "metrics registration")
		}
	}

	c := &ttlCache[V]{
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		items:           make(map[string]*ttlEntry[V]),
		clock:           opts.clock,
		stats:           NewStatistics(),
		metrics:         metrics,
		evictFn:         opts.evictCallback,
		shutdown:        make(chan struct{}),
		done:            make(chan struct{}),
	}

	go c.cleanup(ctx)

	return c, nil
}

func (c *ttlCache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if exists && entry.expiredAt(now) {
		var evicted *ttlEntry[V]
		c.mu.Lock()
		if current, still := c.items[key]; still && current.expiredAt(now) {
			delete(c.items, key)
			evicted = current
		}
		size := len(c.items)
		c.mu.Unlock()
		if evicted != nil {
			c.recordEviction(evicted, size)
		}
		exists = false
	}

	if !exists {
		c.stats.Miss()
		c.metrics.recordMiss()
		var zero V
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return entry.value, true
}

func (c *ttlCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.ttl)
}

func (c *ttlCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: c.clock.Now().Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet()
	c.metrics.updateSize(size)

	return !exists, nil
}

func (c *ttlCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	c.mu.Lock()
	entry, exists := c.items[key]
	if exists {
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		if c.evictFn != nil {
			c.evictFn(key, entry.value)
		}
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		c.metrics.recordDelete()
		c.metrics.updateSize(size)
	}
	return exists, nil
}

func (c *ttlCache[V]) Clear() error {
	c.mu.Lock()
	old := c.items
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	if c.evictFn != nil {
		for _, entry := range old {
			c.evictFn(entry.key, entry.value)
		}
	}
	c.stats.UpdateSize(0)
	c.metrics.updateSize(0)
	return nil
}

func (c *ttlCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *ttlCache[V]) Keys() []string {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for key, entry := range c.items {
		if !entry.expiredAt(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

func (c *ttlCache[V]) Stats() *Statistics {
	return c.stats
}

func (c *ttlCache[V]) Close() error {
	c.closeOnce.Do(func() { close(c.shutdown) })

	select {
	case <-c.done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("timeout waiting for cleanup goroutine to finish")
	}
}

func (c *ttlCache[V]) cleanup(ctx context.Context) {
	defer close(c.done)

	ticker := c.clock.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.shutdown:
			return
		case <-ticker.Chan():
			c.removeExpired()
		}
	}
}

func (c *ttlCache[V]) removeExpired() {
	now := c.clock.Now()

	c.mu.Lock()
	var expired []*ttlEntry[V]
	for key, entry := range c.items {
		if entry.expiredAt(now) {
			expired = append(expired, entry)
			delete(c.items, key)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, entry := range expired {
		c.recordEviction(entry, size)
	}
}

// recordEviction is called without the lock so evictFn may re-enter the cache.
func (c *ttlCache[V]) recordEviction(entry *ttlEntry[V], size int) {
	if c.evictFn != nil {
		c.evictFn(entry.key, entry.value)
	}
	c.stats.Eviction()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordEviction()
	c.metrics.updateSize(size)
}
