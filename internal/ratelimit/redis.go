package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is a fixed-window counter shared by every gateway instance.
type RedisBackend struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisBackend connects using a redis:// URL.
func NewRedisBackend(url string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisBackendWithClient(redis.NewClient(opts), nil), nil
}

func NewRedisBackendWithClient(client redis.UniversalClient, now func() time.Time) *RedisBackend {
	if now == nil {
		now = time.Now
	}
	return &RedisBackend{client: client, now: now}
}

func (b *RedisBackend) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := b.now()
	start := now.Truncate(window)
	windowKey := fmt.Sprintf("%s:%d", key, start.Unix())

	pipe := b.client.TxPipeline()
	incr := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis incr %s: %w", windowKey, err)
	}

	count := int(incr.Val())
	retryAfter := start.Add(window).Sub(now)
	if count > limit {
		return Decision{Allowed: false, RetryAfter: retryAfter}, nil
	}
	return Decision{Allowed: true, Remaining: limit - count, RetryAfter: retryAfter}, nil
}

func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
