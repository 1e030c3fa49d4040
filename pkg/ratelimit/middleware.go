package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/apix"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/project"
)

// Response headers.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
	HeaderRetry     = "Retry-After"
)

// limitsCacheTTL bounds how stale a project's override pair may get.
const limitsCacheTTL = time.Minute

// Middleware enforces quotas after authentication: it keys on the
// authenticated project, so it must run behind the signature middleware.
type Middleware struct {
	limiter  Limiter
	projects project.ProjectRepository
	defaults Limits

	mu    sync.Mutex
	cache map[kernel.ProjectID]cachedLimits
	now   func() time.Time
}

type cachedLimits struct {
	limits    Limits
	expiresAt time.Time
}

func NewMiddleware(limiter Limiter, projects project.ProjectRepository, defaults Limits) *Middleware {
	return &Middleware{
		limiter:  limiter,
		projects: projects,
		defaults: defaults,
		cache:    make(map[kernel.ProjectID]cachedLimits),
		now:      time.Now,
	}
}

// Limit is the Fiber handler. Both windows must admit the request; the
// response carries the minute window's headers, or the day window's when
// that is the one exhausted.
func (m *Middleware) Limit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		pc, ok := apikey.ProjectFromCtx(c)
		if !ok {
			// Unauthenticated requests never reach here in the normal
			// chain; let the handler reject them.
			return c.Next()
		}

		limits := m.limitsFor(c.Context(), pc.ProjectID)
		key := pc.ProjectID.String()

		minute, err := m.limiter.Allow(c.Context(), key, WindowMinute, limits.PerMinute)
		if err != nil {
			// Quota backend trouble must not take the API down.
			logx.WithError(err).Warn("rate limiter unavailable; admitting request")
			return c.Next()
		}
		day, err := m.limiter.Allow(c.Context(), key, WindowDay, limits.PerDay)
		if err != nil {
			logx.WithError(err).Warn("rate limiter unavailable; admitting request")
			return c.Next()
		}

		decision := minute
		if !day.Allowed {
			decision = day
		}
		setHeaders(c, decision)

		if !minute.Allowed || !day.Allowed {
			retry := decision.RetryAfter(m.now())
			c.Set(HeaderRetry, strconv.Itoa(int(retry.Seconds())))
			return apix.Error(c, ErrRateLimited().
				WithDetail("retry_after_seconds", int(retry.Seconds())).
				WithDetail("window", windowName(minute, day)))
		}
		return c.Next()
	}
}

func setHeaders(c *fiber.Ctx, d Decision) {
	c.Set(HeaderLimit, strconv.Itoa(d.Limit))
	c.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
	c.Set(HeaderReset, strconv.FormatInt(d.Reset.Unix(), 10))
}

func windowName(minute, day Decision) string {
	if !minute.Allowed {
		return string(WindowMinute)
	}
	return string(WindowDay)
}

// limitsFor resolves a project's quota pair, honoring settings overrides
// through a short-lived cache.
func (m *Middleware) limitsFor(ctx context.Context, projectID kernel.ProjectID) Limits {
	m.mu.Lock()
	cached, ok := m.cache[projectID]
	m.mu.Unlock()
	if ok && m.now().Before(cached.expiresAt) {
		return cached.limits
	}

	limits := m.defaults
	if m.projects != nil {
		if p, err := m.projects.FindByID(ctx, projectID); err == nil {
			if v, ok := p.RateLimitOverride("per_minute"); ok {
				limits.PerMinute = v
			}
			if v, ok := p.RateLimitOverride("per_day"); ok {
				limits.PerDay = v
			}
		}
	}

	m.mu.Lock()
	m.cache[projectID] = cachedLimits{limits: limits, expiresAt: m.now().Add(limitsCacheTTL)}
	m.mu.Unlock()
	return limits
}
