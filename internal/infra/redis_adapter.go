// Package infra provides concrete infrastructure adapters for Redis.
//
// The adapter wraps go-redis v9 and implements both the store.RedisClient
// and bus.PubSubClient interfaces. If Redis is unreachable, cmd/server
// falls back to the in-memory store and in-process bus.
package infra

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rakshak/backend/internal/store"
)

// GoRedisAdapter wraps go-redis v9 behind the minimal interfaces the bus
// and store expect.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects to Redis at url (redis://...). Returns the
// adapter and any connection error; the caller decides whether to fall back
// to in-memory backends.
func NewGoRedisAdapter(url string) (*GoRedisAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("Redis connected", "addr", opts.Addr)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// store.RedisClient implementation
// =============================================================================

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

func (a *GoRedisAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := a.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (a *GoRedisAdapter) LPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.LPush(ctx, key, value).Err()
}

func (a *GoRedisAdapter) LTrim(ctx context.Context, key string, start, stop int) error {
	return a.rdb.LTrim(ctx, key, int64(start), int64(stop)).Err()
}

func (a *GoRedisAdapter) LRange(ctx context.Context, key string, start, stop int) ([][]byte, error) {
	vals, err := a.rdb.LRange(ctx, key, int64(start), int64(stop)).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// =============================================================================
// bus.PubSubClient implementation
// =============================================================================

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

// Subscribe registers a handler for messages on a Redis Pub/Sub channel.
// Returns an unsubscribe function.
func (a *GoRedisAdapter) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	sub := a.rdb.Subscribe(ctx, channel)

	// Wait for subscription confirmation
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}
