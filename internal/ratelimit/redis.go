package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter is the distributed backend: all service instances share one
// counter per (address, window) key. The first increment of a window
// attaches an expiry equal to the window length, so stale keys self-clean.
type RedisCounter struct {
	client        *redis.Client
	limit         int64
	windowSeconds int64
	now           func() time.Time
}

func NewRedisCounter(client *redis.Client, limit int, windowSeconds int) *RedisCounter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}

	return &RedisCounter{
		client:        client,
		limit:         int64(limit),
		windowSeconds: int64(windowSeconds),
		now:           time.Now,
	}
}

// Admit increments the shared counter for addr's current window. Errors
// are returned to the caller so the middleware can degrade to the local
// backend instead of failing the request.
func (r *RedisCounter) Admit(ctx context.Context, addr string) (bool, error) {
	id := r.now().Unix() / r.windowSeconds
	key := fmt.Sprintf("rate:%s:%d", addr, id)

	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("increment rate counter: %w", err)
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, time.Duration(r.windowSeconds)*time.Second).Err(); err != nil {
			return false, fmt.Errorf("expire rate counter: %w", err)
		}
	}

	return count <= r.limit, nil
}
