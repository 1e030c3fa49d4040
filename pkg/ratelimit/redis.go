package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkshitup/link-broker/pkg/errx"
)

// RedisLimiter is a fixed-window INCR counter shared by every process. Keys
// carry the window start, so expiry needs no bookkeeping beyond a TTL.
type RedisLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewRedisLimiter(rdb *redis.Client) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, window Window, limit int) (Decision, error) {
	span := window.Duration()
	windowStart := l.now().Truncate(span)
	counterKey := fmt.Sprintf("ratelimit:%s:%s:%d", key, window, windowStart.Unix())

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, counterKey)
	// TTL slightly past the window end so laggards still read the counter.
	pipe.Expire(ctx, counterKey, span+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, errx.Wrap(err, "failed to count against rate limit", errx.TypeInternal)
	}

	count := int(incr.Val())
	decision := Decision{
		Limit: limit,
		Reset: windowStart.Add(span),
	}
	if count > limit {
		decision.Remaining = 0
		return decision, nil
	}
	decision.Allowed = true
	decision.Remaining = limit - count
	return decision, nil
}
