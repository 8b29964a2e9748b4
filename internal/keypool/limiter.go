package keypool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts successful requests per credential over the current
// minute window.
type Limiter interface {
	Count(ctx context.Context, key string) (int, error)
	Record(ctx context.Context, key string) error
}

// WindowLimiter keeps a rolling 60 second window of request timestamps
// per key in memory.
type WindowLimiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewWindowLimiter() *WindowLimiter {
	return &WindowLimiter{window: time.Minute, now: time.Now, hits: make(map[string][]time.Time)}
}

func (l *WindowLimiter) prune(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	hits := l.hits[key]
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]
	if len(hits) == 0 {
		delete(l.hits, key)
		return nil
	}
	l.hits[key] = hits
	return hits
}

func (l *WindowLimiter) Count(ctx context.Context, key string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.prune(key, l.now())), nil
}

func (l *WindowLimiter) Record(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.hits[key] = append(l.prune(key, now), now)
	return nil
}

// RedisLimiter shares per-minute counters between processes. Each key is
// a counter for the current wall-clock minute with a 60s TTL.
type RedisLimiter struct {
	redis *redis.Client
	now   func() time.Time
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{redis: rdb, now: time.Now}
}

func (r *RedisLimiter) windowKey(key string) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, r.now().Unix()/60)
}

func (r *RedisLimiter) Count(ctx context.Context, key string) (int, error) {
	n, err := r.redis.Get(ctx, r.windowKey(key)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read rate limit counter: %w", err)
	}
	return n, nil
}

func (r *RedisLimiter) Record(ctx context.Context, key string) error {
	k := r.windowKey(key)
	cnt, err := r.redis.Incr(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("failed to increment rate limit counter: %w", err)
	}
	if cnt == 1 {
		// first hit in this window
		_ = r.redis.Expire(ctx, k, 60*time.Second).Err()
	}
	return nil
}
