package project

import (
	"context"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// ProjectRepository is the read-only view the broker has of projects.
type ProjectRepository interface {
	FindByID(ctx context.Context, id kernel.ProjectID) (*Project, error)
}

// EndUserRepository persists end users.
type EndUserRepository interface {
	// FindOrCreate resolves the (project, external_id) pair, inserting the
	// row on first connection attempt.
	FindOrCreate(ctx context.Context, projectID kernel.ProjectID, externalID string) (*EndUser, error)
	FindByExternalID(ctx context.Context, projectID kernel.ProjectID, externalID string) (*EndUser, error)
	UpdateProfile(ctx context.Context, id kernel.EndUserID, email, name *string) error
}
