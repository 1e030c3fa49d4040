package webhookinfra

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/webhook"
)

const (
	readyKey     = "webhooks:ready"
	scheduledKey = "webhooks:scheduled"
)

// RedisQueue implements webhook.Queue with a ready list plus a scheduled
// ZSET scored by due time. The promote loop moves due members onto the
// list; workers block on BRPOP.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) webhook.Queue {
	return &RedisQueue{rdb: rdb}
}

func (q *RedisQueue) Enqueue(ctx context.Context, eventID string) error {
	if err := q.rdb.LPush(ctx, readyKey, eventID).Err(); err != nil {
		return errx.Wrap(err, "failed to enqueue webhook event", errx.TypeInternal).
			WithDetail("event_id", eventID)
	}
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, eventID string, delay time.Duration) error {
	score := float64(time.Now().Add(delay).Unix())
	if err := q.rdb.ZAdd(ctx, scheduledKey, redis.Z{Score: score, Member: eventID}).Err(); err != nil {
		return errx.Wrap(err, "failed to schedule webhook retry", errx.TypeInternal).
			WithDetail("event_id", eventID).
			WithDetail("delay", delay.String())
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (string, error) {
	result, err := q.rdb.BRPop(ctx, timeout, readyKey).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", errx.Wrap(err, "failed to dequeue webhook event", errx.TypeInternal)
	}
	// BRPop returns [key, value].
	if len(result) != 2 {
		return "", nil
	}
	return result[1], nil
}

func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := q.rdb.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   formatScore(now),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, errx.Wrap(err, "failed to read scheduled webhook events", errx.TypeInternal)
	}

	promoted := 0
	for _, eventID := range due {
		// ZRem first: only the caller that removes the member may push it,
		// so concurrent promoters never duplicate a delivery.
		removed, err := q.rdb.ZRem(ctx, scheduledKey, eventID).Result()
		if err != nil {
			return promoted, errx.Wrap(err, "failed to promote webhook event", errx.TypeInternal)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey, eventID).Err(); err != nil {
			return promoted, errx.Wrap(err, "failed to push promoted webhook event", errx.TypeInternal)
		}
		promoted++
	}
	return promoted, nil
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
