// Package ratelimit enforces per-project quotas over two fixed windows: a
// clock minute and a UTC calendar day. Counters live in Redis when the process is one
// of many, or in memory for single-node and test runs.
package ratelimit

import (
	"context"
	"net/http"
	"time"

	"github.com/linkshitup/link-broker/pkg/errx"
)

// Window identifies a quota bucket.
type Window string

const (
	WindowMinute Window = "minute"
	WindowDay    Window = "day"
)

// Duration returns the window's span.
func (w Window) Duration() time.Duration {
	if w == WindowDay {
		return 24 * time.Hour
	}
	return time.Minute
}

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// RetryAfter is the wait hint handed to throttled callers.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.Reset.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Limiter counts one request against a keyed window.
type Limiter interface {
	Allow(ctx context.Context, key string, window Window, limit int) (Decision, error)
}

// Limits is a project's effective quota pair.
type Limits struct {
	PerMinute int
	PerDay    int
}

var errRegistry = errx.NewRegistry("")

var codeRateLimited = errRegistry.Register("RATE_LIMITED", errx.TypeRateLimit, http.StatusTooManyRequests, "Rate limit exceeded")

func ErrRateLimited() *errx.Error {
	return errRegistry.New(codeRateLimited)
}
