package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
	"github.com/AuroralH2020/auroral-node-agent/kvstore"
)

// ErrInjected is returned by FlakyStore for writes it was told to fail.
var ErrInjected = errs.Storage(errors.New("injected failure"), "testutil", "FlakyStore", "write")

// FlakyStore wraps a kvstore.Store and fails writes touching selected keys.
type FlakyStore struct {
	kvstore.Store

	mu       sync.Mutex
	failKeys map[string]int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner kvstore.Store) *FlakyStore {
	return &FlakyStore{Store: inner, failKeys: make(map[string]int)}
}

// FailWrites makes the next n writes touching key fail. A negative n fails
// them forever.
func (f *FlakyStore) FailWrites(key string, n int) {
	f.mu.Lock()
	f.failKeys[key] = n
	f.mu.Unlock()
}

func (f *FlakyStore) shouldFail(keys ...string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		n, ok := f.failKeys[k]
		if !ok || n == 0 {
			continue
		}
		if n > 0 {
			f.failKeys[k] = n - 1
		}
		return true
	}
	return false
}

func (f *FlakyStore) SAdd(ctx context.Context, key string, members ...string) error {
	if f.shouldFail(key) {
		return ErrInjected
	}
	return f.Store.SAdd(ctx, key, members...)
}

func (f *FlakyStore) SRem(ctx context.Context, key string, members ...string) error {
	if f.shouldFail(key) {
		return ErrInjected
	}
	return f.Store.SRem(ctx, key, members...)
}

func (f *FlakyStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if f.shouldFail(key) {
		return ErrInjected
	}
	return f.Store.HSet(ctx, key, fields)
}

func (f *FlakyStore) HDel(ctx context.Context, key string, fields ...string) error {
	if f.shouldFail(key) {
		return ErrInjected
	}
	return f.Store.HDel(ctx, key, fields...)
}

func (f *FlakyStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if f.shouldFail(key) {
		return ErrInjected
	}
	return f.Store.Set(ctx, key, value, ttl)
}

func (f *FlakyStore) Del(ctx context.Context, keys ...string) error {
	if f.shouldFail(keys...) {
		return ErrInjected
	}
	return f.Store.Del(ctx, keys...)
}

// Atomic dry-runs fn to learn the touched keys before delegating.
func (f *FlakyStore) Atomic(ctx context.Context, fn func(b kvstore.Batch)) error {
	probe := &keyProbe{}
	fn(probe)
	if f.shouldFail(probe.keys...) {
		return ErrInjected
	}
	return f.Store.Atomic(ctx, fn)
}

type keyProbe struct{ keys []string }

func (p *keyProbe) SAdd(key string, _ ...string) { p.keys = append(p.keys, key) }
func (p *keyProbe) SRem(key string, _ ...string) { p.keys = append(p.keys, key) }
func (p *keyProbe) HSet(key string, _ map[string]string) { p.keys = append(p.keys, key) }
func (p *keyProbe) HDel(key string, _ ...string) { p.keys = append(p.keys, key) }
func (p *keyProbe) Set(key, _ string, _ time.Duration) { p.keys = append(p.keys, key) }
func (p *keyProbe) Del(keys ...string) { p.keys = append(p.keys, keys...) }
