// Package tdcache is the time-bounded cache of Thing Descriptions kept in the
// key-value store.
//
// Each document lives under td:<oid> with its own expiry and is indexed in
// the thingdescriptions set. Redis expires the document but not the index
// member, so readers prune members whose document is gone.
package tdcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AuroralH2020/auroral-node-agent/config"
	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/kvstore"
	"github.com/AuroralH2020/auroral-node-agent/metric"
)

const (
	component = "tdcache"
	keyPrefix = "td:"
	indexKey  = "thingdescriptions"

	maxConcurrentIO = 8
)

// Cache stores Thing Descriptions by OID.
type Cache struct {
	kv        kvstore.Store
	localTTL  time.Duration
	remoteTTL time.Duration
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// New creates a cache over kv using the TTLs of cfg.
func New(kv kvstore.Store, cfg config.CacheConfig, metrics *metric.Metrics, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		kv:        kv,
		localTTL:  cfg.LocalTDTTL,
		remoteTTL: cfg.RemoteTDTTL,
		metrics:   metrics,
		logger:    logger.With("component", component),
	}
}

func key(oid string) string { return keyPrefix + oid }

// TTL returns the expiry applied to local or remote documents.
func (c *Cache) TTL(remote bool) time.Duration {
	if remote {
		return c.remoteTTL
	}
	return c.localTTL
}

// Put stores doc for oid. Remote documents get the remote TTL.
func (c *Cache) Put(ctx context.Context, oid string, doc json.RawMessage, remote bool) error {
	if oid == "" {
		return errs.WrapInvalid(errs.ErrMissingParameters, component, "Put", "validate oid")
	}
	if !json.Valid(doc) {
		return errs.WrapInvalid(errs.ErrInvalidData, component, "Put", "validate document of "+oid)
	}
	ttl := c.TTL(remote)
	err := c.kv.Atomic(ctx, func(b kvstore.Batch) {
		b.Set(key(oid), string(doc), ttl)
		b.SAdd(indexKey, oid)
	})
	if err != nil {
		return errs.Wrap(err, component, "Put", "cache document of "+oid)
	}
	return nil
}

// PutMany stores every document independently and concurrently. Failures
// are joined; successful writes are kept.
func (c *Cache) PutMany(ctx context.Context, docs map[string]json.RawMessage, remote bool) error {
	var (
		mu     sync.Mutex
		failed []error
	)
	var g errgroup.Group
	g.SetLimit(maxConcurrentIO)
	for oid, doc := range docs {
		g.Go(func() error {
			if err := c.Put(ctx, oid, doc, remote); err != nil {
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.Join(failed...)
}

// Get returns the document of oid. Missing, expired and corrupted entries
// are all reported as not present; corrupted ones are evicted.
func (c *Cache) Get(ctx context.Context, oid string) (json.RawMessage, bool, error) {
	raw, ok, err := c.kv.Get(ctx, key(oid))
	if err != nil {
		return nil, false, err
	}
	if !ok {
		c.metrics.RecordCacheLookup("miss")
		c.prune(ctx, oid)
		return nil, false, nil
	}
	if !json.Valid([]byte(raw)) {
		c.metrics.RecordCacheLookup("corrupted")
		c.logger.Warn("Evicting corrupted thing description", "oid", oid,
			"error", errs.ErrDataCorrupted, "kind", errs.KindCorruptedState.String())
		if err := c.Delete(ctx, oid); err != nil {
			c.logger.Error("Eviction failed", "oid", oid, "error", err)
		}
		return nil, false, nil
	}
	c.metrics.RecordCacheLookup("hit")
	return json.RawMessage(raw), true, nil
}

func (c *Cache) prune(ctx context.Context, oid string) {
	if err := c.kv.SRem(ctx, indexKey, oid); err != nil {
		c.logger.Debug("Index prune failed", "oid", oid, "error", err)
	}
}

// GetMany looks every OID up concurrently. It returns the documents found and
// the OIDs that missed, in input order.
func (c *Cache) GetMany(ctx context.Context, oids []string) (map[string]json.RawMessage, []string, error) {
	docs := make([]json.RawMessage, len(oids))
	hits := make([]bool, len(oids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentIO)
	for i, oid := range oids {
		g.Go(func() error {
			doc, ok, err := c.Get(gctx, oid)
			if err != nil {
				return err
			}
			docs[i], hits[i] = doc, ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	found := make(map[string]json.RawMessage, len(oids))
	var missing []string
	for i, oid := range oids {
		if hits[i] {
			found[oid] = docs[i]
		} else {
			missing = append(missing, oid)
		}
	}
	return found, missing, nil
}

// Entry is one cached document.
type Entry struct {
	OID string          `json:"oid"`
	TD  json.RawMessage `json:"td"`
}

// List returns every live document sorted by OID. Each index member is read
// from its own key; stale members are pruned.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	oids, err := c.kv.SMembers(ctx, indexKey)
	if err != nil {
		return nil, err
	}
	sort.Strings(oids)
	found, _, err := c.GetMany(ctx, oids)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(found))
	for _, oid := range oids {
		if doc, ok := found[oid]; ok {
			out = append(out, Entry{OID: oid, TD: doc})
		}
	}
	return out, nil
}

// Delete evicts the document of oid.
func (c *Cache) Delete(ctx context.Context, oid string) error {
	err := c.kv.Atomic(ctx, func(b kvstore.Batch) {
		b.Del(key(oid))
		b.SRem(indexKey, oid)
	})
	if err != nil {
		return errs.Wrap(err, component, "Delete", "evict document of "+oid)
	}
	return nil
}

// Purge drops every cached document and returns how many index members were
// removed. The agent runs it at startup since the cache is not trusted across
// restarts.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	oids, err := c.kv.SMembers(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(oids)+1)
	for _, oid := range oids {
		keys = append(keys, key(oid))
	}
	keys = append(keys, indexKey)
	if err := c.kv.Del(ctx, keys...); err != nil {
		return 0, errs.Wrap(err, component, "Purge", "drop cached documents")
	}
	c.logger.Info("Thing description cache purged", "count", len(oids))
	return len(oids), nil
}
