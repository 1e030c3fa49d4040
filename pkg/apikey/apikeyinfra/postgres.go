package apikeyinfra

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"

	"github.com/linkshitup/link-broker/pkg/apikey"
	"github.com/linkshitup/link-broker/pkg/errx"
)

// PostgresAPIKeyRepository implements apikey.APIKeyRepository.
type PostgresAPIKeyRepository struct {
	db *sqlx.DB
}

func NewPostgresAPIKeyRepository(db *sqlx.DB) apikey.APIKeyRepository {
	return &PostgresAPIKeyRepository{db: db}
}

func (r *PostgresAPIKeyRepository) FindByPublicKey(ctx context.Context, publicKey string) (*apikey.APIKey, error) {
	var key apikey.APIKey
	query := `SELECT id, project_id, public_key, encrypted_secret, environment, status,
			last_used_at, created_at, updated_at
		FROM api_keys WHERE public_key = $1`
	if err := r.db.GetContext(ctx, &key, query, publicKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, apikey.ErrInvalidAPIKey()
		}
		return nil, errx.Wrap(err, "failed to find API key", errx.TypeInternal)
	}
	return &key, nil
}

func (r *PostgresAPIKeyRepository) UpdateLastUsed(ctx context.Context, id string) error {
	query := `UPDATE api_keys SET last_used_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return errx.Wrap(err, "failed to update last_used_at", errx.TypeInternal).
			WithDetail("api_key_id", id)
	}
	return nil
}
