package oauthflow

import (
	"context"
	"time"
)

// StateRepository persists OAuth states.
type StateRepository interface {
	Create(ctx context.Context, state *OAuthState) error
	FindByToken(ctx context.Context, token string) (*OAuthState, error)

	// Consume marks the state used, conditional on used_at being null and
	// expires_at in the future. It reports whether this caller won; under
	// concurrent callbacks exactly one does.
	Consume(ctx context.Context, token string, now time.Time) (bool, error)

	// DeleteExpiredUnused removes unused states whose expiry is older than
	// cutoff. Consumed states stay for audit.
	DeleteExpiredUnused(ctx context.Context, cutoff time.Time) (int64, error)
}
