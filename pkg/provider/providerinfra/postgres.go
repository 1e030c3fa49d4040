package providerinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// PostgresDescriptorRepository implements provider.DescriptorRepository.
type PostgresDescriptorRepository struct {
	db *sqlx.DB
}

func NewPostgresDescriptorRepository(db *sqlx.DB) provider.DescriptorRepository {
	return &PostgresDescriptorRepository{db: db}
}

func (r *PostgresDescriptorRepository) FindByName(ctx context.Context, name kernel.ProviderName) (*provider.Descriptor, error) {
	var d provider.Descriptor
	query := `SELECT name, authorization_endpoint, token_endpoint, permitted_scopes,
			default_scopes, client_id, encrypted_client_secret, enabled, updated_at
		FROM provider_descriptors WHERE name = $1`
	if err := r.db.GetContext(ctx, &d, query, name.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, provider.ErrProviderNotFound().WithDetail("provider", name.String())
		}
		return nil, errx.Wrap(err, "failed to load provider descriptor", errx.TypeInternal)
	}
	return &d, nil
}

func (r *PostgresDescriptorRepository) ListEnabled(ctx context.Context) ([]*provider.Descriptor, error) {
	var rows []*provider.Descriptor
	query := `SELECT name, authorization_endpoint, token_endpoint, permitted_scopes,
			default_scopes, client_id, encrypted_client_secret, enabled, updated_at
		FROM provider_descriptors WHERE enabled = true ORDER BY name`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, errx.Wrap(err, "failed to list provider descriptors", errx.TypeInternal)
	}
	return rows, nil
}

func (r *PostgresDescriptorRepository) UpsertSeed(ctx context.Context, d *provider.Descriptor) error {
	d.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO provider_descriptors (
			name, authorization_endpoint, token_endpoint, permitted_scopes,
			default_scopes, client_id, encrypted_client_secret, enabled, updated_at
		) VALUES (
			:name, :authorization_endpoint, :token_endpoint, :permitted_scopes,
			:default_scopes, :client_id, :encrypted_client_secret, :enabled, :updated_at
		)
		ON CONFLICT (name) DO UPDATE SET
			authorization_endpoint = EXCLUDED.authorization_endpoint,
			token_endpoint = EXCLUDED.token_endpoint,
			permitted_scopes = EXCLUDED.permitted_scopes,
			default_scopes = EXCLUDED.default_scopes,
			client_id = EXCLUDED.client_id,
			encrypted_client_secret = EXCLUDED.encrypted_client_secret,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at`
	if _, err := r.db.NamedExecContext(ctx, query, d); err != nil {
		return errx.Wrap(err, "failed to seed provider descriptor", errx.TypeInternal).
			WithDetail("provider", d.Name.String())
	}
	return nil
}
