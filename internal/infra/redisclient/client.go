// Package redisclient narrows go-redis to the handful of commands the
// schedule store and chat memory use, so both can run against an in-process
// double.
package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"athena/internal/infra/config"
)

// ErrNil is returned by Get when the key does not exist.
var ErrNil = errors.New("redis: nil")

// Client abstracts the Redis operations used by athena stores.
type Client interface {
	// Get returns the string value of key, or ErrNil.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value under key. A zero expiration keeps it forever.
	Set(ctx context.Context, key, value string, expiration time.Duration) error
	// Del deletes keys.
	Del(ctx context.Context, keys ...string) error
	// RPush appends values to the list at key.
	RPush(ctx context.Context, key string, values ...string) error
	// LRange returns list elements between start and stop inclusive.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	// Expire sets a TTL on key.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// goRedis wraps a go-redis client to implement Client.
type goRedis struct {
	client *goredis.Client
}

// New connects to Redis and pings it.
func New(ctx context.Context, cfg config.RedisConfig) (Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &goRedis{client: rdb}, nil
}

func (r *goRedis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNil
	}
	return v, err
}

func (r *goRedis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *goRedis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *goRedis) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return r.client.RPush(ctx, key, args...).Err()
}

func (r *goRedis) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, key, start, stop).Result()
}

func (r *goRedis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, key, ttl).Err()
}

func (r *goRedis) Close() error {
	return r.client.Close()
}
