// Package project holds the tenant entities the broker reads: the Project
// itself (created and destroyed by the dashboard) and the EndUsers a project
// connects on behalf of.
package project

import (
	"net/http"
	"time"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Project is a platform customer's integration tenant. The broker only ever
// reads projects; all writes happen in the dashboard.
type Project struct {
	ID          kernel.ProjectID       `db:"id" json:"id"`
	OwnerID     string                 `db:"owner_id" json:"owner_id"`
	Name        string                 `db:"name" json:"name"`
	OwnerEmail  string                 `db:"owner_email" json:"owner_email"`
	Environment kernel.Environment     `db:"environment" json:"environment"`
	Settings    map[string]interface{} `db:"-" json:"settings"`
	CreatedAt   time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time              `db:"updated_at" json:"updated_at"`
}

// RateLimitOverride reads the per-project rate override from settings,
// returning ok=false when the project rides the defaults.
func (p *Project) RateLimitOverride(window string) (int, bool) {
	raw, ok := p.Settings["rate_limits"]
	if !ok {
		return 0, false
	}
	limits, ok := raw.(map[string]interface{})
	if !ok {
		return 0, false
	}
	v, ok := limits[window].(float64)
	if !ok || v <= 0 {
		return 0, false
	}
	return int(v), true
}

// EndUser is an identity owned by a project, keyed by the project-supplied
// external id. Created on first connection attempt.
type EndUser struct {
	ID         kernel.EndUserID `db:"id" json:"id"`
	ProjectID  kernel.ProjectID `db:"project_id" json:"project_id"`
	ExternalID string           `db:"external_id" json:"external_id"`
	Email      *string          `db:"email" json:"email,omitempty"`
	Name       *string          `db:"name" json:"name,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}

var errRegistry = errx.NewRegistry("")

var codeNotFound = errRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Not found")

func ErrProjectNotFound() *errx.Error {
	return errRegistry.NewWithMessage(codeNotFound, "Project not found")
}

func ErrEndUserNotFound() *errx.Error {
	return errRegistry.NewWithMessage(codeNotFound, "End user not found")
}
