package connection

import (
	"context"
	"time"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// ListFilter narrows a project's connection listing.
type ListFilter struct {
	ExternalUserID string
	Provider       kernel.ProviderName
	Status         Status
}

// TokenUpdate is what a successful refresh writes back.
type TokenUpdate struct {
	EncryptedAccessToken  string
	EncryptedRefreshToken *string // nil keeps the stored one
	TokenType             string
	ExpiresAt             *time.Time
	Scopes                []string
}

// ConnectionRepository persists connections.
type ConnectionRepository interface {
	FindByID(ctx context.Context, id kernel.ConnectionID) (*Connection, error)

	// FindByIDForProject also enforces ownership; a foreign id reads as
	// not-found.
	FindByIDForProject(ctx context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (*Connection, error)

	List(ctx context.Context, projectID kernel.ProjectID, filter ListFilter) ([]*Connection, error)

	// Upsert keys on (project_id, provider, end_user_id); re-connecting
	// replaces credentials in place and keeps the connection id.
	Upsert(ctx context.Context, conn *Connection) (*Connection, error)

	UpdateTokens(ctx context.Context, id kernel.ConnectionID, update TokenUpdate) error
	UpdateStatus(ctx context.Context, id kernel.ConnectionID, status Status, errorMessage *string) error
	UpdateLastUsed(ctx context.Context, id kernel.ConnectionID) error

	// Revoke transitions any status to revoked for the owning project,
	// reporting whether a row changed.
	Revoke(ctx context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (bool, error)

	// WithRefreshLock runs fn while holding the cross-process advisory
	// lock for the connection, serializing refreshes between processes.
	WithRefreshLock(ctx context.Context, id kernel.ConnectionID, fn func(ctx context.Context) error) error
}
