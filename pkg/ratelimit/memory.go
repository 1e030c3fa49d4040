package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is a fixed-window counter map. Each (key, window) pair gets
// its own counter; stale counters are evicted by a janitor so the map stays
// bounded.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
}

type memBucket struct {
	count       int
	windowStart time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
	go l.janitor()
	return l
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, window Window, limit int) (Decision, error) {
	span := window.Duration()
	now := l.now()
	windowStart := now.Truncate(span)

	l.mu.Lock()
	defer l.mu.Unlock()

	bucketKey := key + ":" + string(window)
	bucket, ok := l.buckets[bucketKey]
	if !ok || bucket.windowStart.Before(windowStart) {
		bucket = &memBucket{windowStart: windowStart}
		l.buckets[bucketKey] = bucket
	}

	decision := Decision{
		Limit: limit,
		Reset: bucket.windowStart.Add(span),
	}
	if bucket.count >= limit {
		decision.Remaining = 0
		return decision, nil
	}

	bucket.count++
	decision.Allowed = true
	decision.Remaining = limit - bucket.count
	return decision, nil
}

func (l *MemoryLimiter) janitor() {
	for range time.Tick(10 * time.Minute) {
		now := l.now()
		l.mu.Lock()
		for key, bucket := range l.buckets {
			// A day-window bucket lives at most a day past its start.
			if now.Sub(bucket.windowStart) > 25*time.Hour {
				delete(l.buckets, key)
			}
		}
		l.mu.Unlock()
	}
}
