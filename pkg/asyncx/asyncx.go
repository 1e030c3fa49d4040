// Package asyncx holds the small concurrency helpers shared across modules:
// fire-and-forget goroutines, a bounded worker pool, and bounded retries.
package asyncx

import (
	"context"
	"sync"
	"time"
)

// Do fires fn in a goroutine and forgets it.
func Do(fn func()) {
	go fn()
}

// DoCtx fires fn in a goroutine unless ctx is already done.
func DoCtx(ctx context.Context, fn func(context.Context)) {
	go func() {
		select {
		case <-ctx.Done():
			return
		default:
			fn(ctx)
		}
	}()
}

// Pool runs fn over items with at most workers goroutines. It waits for every
// item to be processed and returns the first error observed, if any. A
// cancelled ctx stops handing out new items but lets in-flight calls finish.
func Pool[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error) error {
	if workers <= 0 {
		workers = 1
	}

	in := make(chan T)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range in {
				if err := fn(ctx, item); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case <-ctx.Done():
			break feed
		case in <- item:
		}
	}
	close(in)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// RetryWithBackoff calls fn up to attempts times, sleeping delay, 2*delay,
// 4*delay... between failures. It returns the last error when every attempt
// fails, or nil on the first success. Context cancellation cuts the wait
// short and returns ctx.Err().
func RetryWithBackoff(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
