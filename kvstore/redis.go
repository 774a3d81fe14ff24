package kvstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

const component = "kvstore"

// Redis implements Store on a Redis server.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedis parses a redis:// URL and connects. The connection is verified with PING.
func NewRedis(ctx context.Context, url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.WrapInvalid(err, component, "NewRedis", "parse redis url")
	}
	r := NewRedisFromClient(redis.NewClient(opts), logger)
	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing go-redis client.
func NewRedisFromClient(client *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, logger: logger.With("component", component)}
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func fieldArgs(fields map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

func storageErr(err error, method, action string) error {
	return errs.Storage(err, component, method, action)
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return storageErr(err, "SAdd", "add set members")
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := r.client.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return storageErr(err, "SRem", "remove set members")
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, storageErr(err, "SMembers", "read set")
	}
	return members, nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, storageErr(err, "SIsMember", "check set membership")
	}
	return ok, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HSet(ctx, key, fieldArgs(fields)).Err(); err != nil {
		return storageErr(err, "HSet", "write hash fields")
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr(err, "HGet", "read hash field")
	}
	return v, true, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storageErr(err, "HGetAll", "read hash")
	}
	return m, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return storageErr(err, "HDel", "delete hash fields")
	}
	return nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return storageErr(err, "Set", "write key")
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr(err, "Get", "read key")
	}
	return v, true, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return storageErr(err, "Del", "delete keys")
	}
	return nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, storageErr(err, "TTL", "read ttl")
	}
	// go-redis reports -2 for missing keys and -1 for keys without expiry
	switch d {
	case -2:
		return 0, false, nil
	case -1:
		return NoExpiry, true, nil
	}
	return d, true, nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storageErr(err, "Exists", "check key")
	}
	return n > 0, nil
}

func (r *Redis) Atomic(ctx context.Context, fn func(b Batch)) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&redisBatch{ctx: ctx, pipe: p})
		return nil
	})
	if err != nil {
		return storageErr(err, "Atomic", "apply transaction")
	}
	return nil
}

func (r *Redis) Save(ctx context.Context) {
	if err := r.client.BgSave(ctx).Err(); err != nil {
		r.logger.Warn("Persistence flush failed", "error", err)
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return storageErr(err, "Ping", "ping redis")
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisBatch struct {
	ctx  context.Context
	pipe redis.Pipeliner
}

func (b *redisBatch) SAdd(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SAdd(b.ctx, key, toArgs(members)...)
	}
}

func (b *redisBatch) SRem(key string, members ...string) {
	if len(members) > 0 {
		b.pipe.SRem(b.ctx, key, toArgs(members)...)
	}
}

func (b *redisBatch) HSet(key string, fields map[string]string) {
	if len(fields) > 0 {
		b.pipe.HSet(b.ctx, key, fieldArgs(fields))
	}
}

func (b *redisBatch) HDel(key string, fields ...string) {
	if len(fields) > 0 {
		b.pipe.HDel(b.ctx, key, fields...)
	}
}

func (b *redisBatch) Set(key, value string, ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}
	b.pipe.Set(b.ctx, key, value, ttl)
}

func (b *redisBatch) Del(keys ...string) {
	if len(keys) > 0 {
		b.pipe.Del(b.ctx, keys...)
	}
}
