package store

import (
	"context"
	"time"
)

// RedisClient is the minimal Redis surface the store needs. The concrete
// go-redis adapter lives in internal/infra — this package does not import a
// driver, so any client library can back it.
type RedisClient interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	LPush(ctx context.Context, key string, value []byte) error
	LTrim(ctx context.Context, key string, start, stop int) error
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)
}

// RedisStore backs the state store with Redis so cooldowns and incident
// logs survive a coordinator restart.
type RedisStore struct {
	client    RedisClient
	keyPrefix string // e.g. "rakshak:" to namespace keys
}

// NewRedisStore wraps a Redis client.
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "rakshak:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (r *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	return r.client.Get(ctx, r.keyPrefix+key)
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.keyPrefix+key, value, 0)
}

func (r *RedisStore) SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.keyPrefix+key, value, ttl)
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	return r.client.Exists(ctx, r.keyPrefix+key)
}

func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.keyPrefix + k
	}
	return r.client.Del(ctx, prefixed...)
}

func (r *RedisStore) LPushTrim(ctx context.Context, key string, value []byte, maxLen int) error {
	if err := r.client.LPush(ctx, r.keyPrefix+key, value); err != nil {
		return err
	}
	return r.client.LTrim(ctx, r.keyPrefix+key, 0, maxLen-1)
}

func (r *RedisStore) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	return r.client.LRange(ctx, r.keyPrefix+key, start, stop)
}
