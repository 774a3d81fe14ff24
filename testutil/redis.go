package testutil

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/AuroralH2020/auroral-node-agent/kvstore"
)

// NewKV starts an in-memory Redis server and returns a store connected to it.
// Both are closed when the test ends.
func NewKV(t testing.TB) (*kvstore.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := kvstore.NewRedisFromClient(client, nil)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}
