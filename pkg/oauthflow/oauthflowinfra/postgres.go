package oauthflowinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/oauthflow"
)

// PostgresStateRepository implements oauthflow.StateRepository.
type PostgresStateRepository struct {
	db *sqlx.DB
}

func NewPostgresStateRepository(db *sqlx.DB) oauthflow.StateRepository {
	return &PostgresStateRepository{db: db}
}

func (r *PostgresStateRepository) Create(ctx context.Context, state *oauthflow.OAuthState) error {
	query := `
		INSERT INTO oauth_states (
			id, token, project_id, provider, end_user_id, redirect_uri,
			scopes, code_verifier, expires_at, used_at, created_at
		) VALUES (
			:id, :token, :project_id, :provider, :end_user_id, :redirect_uri,
			:scopes, :code_verifier, :expires_at, :used_at, :created_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, state); err != nil {
		return errx.Wrap(err, "failed to create oauth state", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresStateRepository) FindByToken(ctx context.Context, token string) (*oauthflow.OAuthState, error) {
	var state oauthflow.OAuthState
	query := `SELECT id, token, project_id, provider, end_user_id, redirect_uri,
			scopes, code_verifier, expires_at, used_at, created_at
		FROM oauth_states WHERE token = $1`
	if err := r.db.GetContext(ctx, &state, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, oauthflow.ErrInvalidState()
		}
		return nil, errx.Wrap(err, "failed to load oauth state", errx.TypeInternal)
	}
	return &state, nil
}

// Consume is the authoritative single-use guard: the conditional update
// affects exactly one row for exactly one of any set of concurrent callers.
func (r *PostgresStateRepository) Consume(ctx context.Context, token string, now time.Time) (bool, error) {
	query := `UPDATE oauth_states SET used_at = $2
		WHERE token = $1 AND used_at IS NULL AND expires_at > $2`
	result, err := r.db.ExecContext(ctx, query, token, now.UTC())
	if err != nil {
		return false, errx.Wrap(err, "failed to consume oauth state", errx.TypeInternal)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to read consume result", errx.TypeInternal)
	}
	return affected == 1, nil
}

func (r *PostgresStateRepository) DeleteExpiredUnused(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM oauth_states WHERE used_at IS NULL AND expires_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, errx.Wrap(err, "failed to sweep oauth states", errx.TypeInternal)
	}
	return result.RowsAffected()
}
