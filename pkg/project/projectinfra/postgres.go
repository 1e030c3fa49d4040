package projectinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/project"
)

// PostgresProjectRepository implements project.ProjectRepository.
type PostgresProjectRepository struct {
	db *sqlx.DB
}

func NewPostgresProjectRepository(db *sqlx.DB) project.ProjectRepository {
	return &PostgresProjectRepository{db: db}
}

type projectRow struct {
	ID          string    `db:"id"`
	OwnerID     string    `db:"owner_id"`
	Name        string    `db:"name"`
	OwnerEmail  string    `db:"owner_email"`
	Environment string    `db:"environment"`
	Settings    []byte    `db:"settings"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r *PostgresProjectRepository) FindByID(ctx context.Context, id kernel.ProjectID) (*project.Project, error) {
	var row projectRow
	query := `SELECT id, owner_id, name, owner_email, environment, settings, created_at, updated_at
		FROM projects WHERE id = $1`
	if err := r.db.GetContext(ctx, &row, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, project.ErrProjectNotFound()
		}
		return nil, errx.Wrap(err, "failed to find project", errx.TypeInternal)
	}

	p := &project.Project{
		ID:          kernel.NewProjectID(row.ID),
		OwnerID:     row.OwnerID,
		Name:        row.Name,
		OwnerEmail:  row.OwnerEmail,
		Environment: kernel.Environment(row.Environment),
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if len(row.Settings) > 0 {
		if err := json.Unmarshal(row.Settings, &p.Settings); err != nil {
			return nil, errx.Wrap(err, "failed to decode project settings", errx.TypeInternal).
				WithDetail("project_id", row.ID)
		}
	}
	return p, nil
}

// PostgresEndUserRepository implements project.EndUserRepository.
type PostgresEndUserRepository struct {
	db *sqlx.DB
}

func NewPostgresEndUserRepository(db *sqlx.DB) project.EndUserRepository {
	return &PostgresEndUserRepository{db: db}
}

// FindOrCreate inserts the row, falling back to a read when another request
// created it first. The unique (project_id, external_id) constraint is the
// arbiter under concurrency.
func (r *PostgresEndUserRepository) FindOrCreate(ctx context.Context, projectID kernel.ProjectID, externalID string) (*project.EndUser, error) {
	existing, err := r.FindByExternalID(ctx, projectID, externalID)
	if err == nil {
		return existing, nil
	}
	var coded *errx.Error
	if !errx.As(err, &coded) || coded.Type != errx.TypeNotFound {
		return nil, err
	}

	user := &project.EndUser{
		ID:         kernel.NewEndUserID(uuid.NewString()),
		ProjectID:  projectID,
		ExternalID: externalID,
		CreatedAt:  time.Now().UTC(),
	}

	query := `INSERT INTO end_users (id, project_id, external_id, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err = r.db.ExecContext(ctx, query, user.ID.String(), projectID.String(), externalID, user.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" { // unique_violation: lost the race
			return r.FindByExternalID(ctx, projectID, externalID)
		}
		return nil, errx.Wrap(err, "failed to create end user", errx.TypeInternal).
			WithDetail("external_id", externalID)
	}
	return user, nil
}

func (r *PostgresEndUserRepository) FindByExternalID(ctx context.Context, projectID kernel.ProjectID, externalID string) (*project.EndUser, error) {
	var user project.EndUser
	query := `SELECT id, project_id, external_id, email, name, created_at
		FROM end_users WHERE project_id = $1 AND external_id = $2`
	if err := r.db.GetContext(ctx, &user, query, projectID.String(), externalID); err != nil {
		if err == sql.ErrNoRows {
			return nil, project.ErrEndUserNotFound()
		}
		return nil, errx.Wrap(err, "failed to find end user", errx.TypeInternal)
	}
	return &user, nil
}

func (r *PostgresEndUserRepository) UpdateProfile(ctx context.Context, id kernel.EndUserID, email, name *string) error {
	query := `UPDATE end_users SET
		email = COALESCE($2, email),
		name = COALESCE($3, name)
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), email, name); err != nil {
		return errx.Wrap(err, "failed to update end user profile", errx.TypeInternal).
			WithDetail("end_user_id", id.String())
	}
	return nil
}
