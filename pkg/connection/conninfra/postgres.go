package conninfra

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

const connectionColumns = `id, project_id, provider, end_user_id, provider_user_id, provider_email,
	encrypted_access_token, encrypted_refresh_token, token_type, expires_at, scopes,
	status, error_message, last_used_at, created_at, updated_at`

// PostgresConnectionRepository implements connection.ConnectionRepository.
type PostgresConnectionRepository struct {
	db *sqlx.DB
}

func NewPostgresConnectionRepository(db *sqlx.DB) connection.ConnectionRepository {
	return &PostgresConnectionRepository{db: db}
}

func (r *PostgresConnectionRepository) FindByID(ctx context.Context, id kernel.ConnectionID) (*connection.Connection, error) {
	var conn connection.Connection
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`
	if err := r.db.GetContext(ctx, &conn, query, id.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, connection.ErrConnectionNotFound()
		}
		return nil, errx.Wrap(err, "failed to find connection", errx.TypeInternal)
	}
	return &conn, nil
}

func (r *PostgresConnectionRepository) FindByIDForProject(ctx context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (*connection.Connection, error) {
	var conn connection.Connection
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1 AND project_id = $2`
	if err := r.db.GetContext(ctx, &conn, query, id.String(), projectID.String()); err != nil {
		if err == sql.ErrNoRows {
			// Foreign ids read as not-found so callers cannot probe for
			// other projects' connections.
			return nil, connection.ErrConnectionNotFound()
		}
		return nil, errx.Wrap(err, "failed to find connection", errx.TypeInternal)
	}
	return &conn, nil
}

func (r *PostgresConnectionRepository) List(ctx context.Context, projectID kernel.ProjectID, filter connection.ListFilter) ([]*connection.Connection, error) {
	query := `SELECT c.id, c.project_id, c.provider, c.end_user_id, c.provider_user_id, c.provider_email,
			c.encrypted_access_token, c.encrypted_refresh_token, c.token_type, c.expires_at, c.scopes,
			c.status, c.error_message, c.last_used_at, c.created_at, c.updated_at
		FROM connections c
		JOIN end_users u ON u.id = c.end_user_id
		WHERE c.project_id = $1
			AND ($2 = '' OR u.external_id = $2)
			AND ($3 = '' OR c.provider = $3)
			AND ($4 = '' OR c.status = $4)
		ORDER BY c.created_at DESC`

	var conns []*connection.Connection
	err := r.db.SelectContext(ctx, &conns, query,
		projectID.String(), filter.ExternalUserID, filter.Provider.String(), string(filter.Status))
	if err != nil {
		return nil, errx.Wrap(err, "failed to list connections", errx.TypeInternal)
	}
	return conns, nil
}

func (r *PostgresConnectionRepository) Upsert(ctx context.Context, conn *connection.Connection) (*connection.Connection, error) {
	now := time.Now().UTC()
	conn.CreatedAt = now
	conn.UpdatedAt = now

	query := `
		INSERT INTO connections (` + connectionColumns + `)
		VALUES (
			:id, :project_id, :provider, :end_user_id, :provider_user_id, :provider_email,
			:encrypted_access_token, :encrypted_refresh_token, :token_type, :expires_at, :scopes,
			:status, :error_message, :last_used_at, :created_at, :updated_at
		)
		ON CONFLICT (project_id, provider, end_user_id) DO UPDATE SET
			provider_user_id = EXCLUDED.provider_user_id,
			provider_email = EXCLUDED.provider_email,
			encrypted_access_token = EXCLUDED.encrypted_access_token,
			encrypted_refresh_token = EXCLUDED.encrypted_refresh_token,
			token_type = EXCLUDED.token_type,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			status = EXCLUDED.status,
			error_message = NULL,
			updated_at = EXCLUDED.updated_at
		RETURNING id`

	rows, err := r.db.NamedQueryContext(ctx, query, conn)
	if err != nil {
		return nil, errx.Wrap(err, "failed to upsert connection", errx.TypeInternal).
			WithDetail("provider", conn.Provider.String())
	}
	defer rows.Close()

	// On re-connection the stored id wins over the freshly minted one.
	if rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errx.Wrap(err, "failed to read upserted connection id", errx.TypeInternal)
		}
		conn.ID = kernel.NewConnectionID(id)
	}
	return conn, nil
}

func (r *PostgresConnectionRepository) UpdateTokens(ctx context.Context, id kernel.ConnectionID, update connection.TokenUpdate) error {
	query := `UPDATE connections SET
		encrypted_access_token = $2,
		encrypted_refresh_token = COALESCE($3, encrypted_refresh_token),
		token_type = CASE WHEN $4 = '' THEN token_type ELSE $4 END,
		expires_at = $5,
		scopes = CASE WHEN cardinality($6::text[]) = 0 THEN scopes ELSE $6 END,
		status = 'active',
		error_message = NULL,
		updated_at = now()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id.String(),
		update.EncryptedAccessToken, update.EncryptedRefreshToken,
		update.TokenType, update.ExpiresAt, pq.Array(update.Scopes))
	if err != nil {
		return errx.Wrap(err, "failed to update connection tokens", errx.TypeInternal).
			WithDetail("connection_id", id.String())
	}
	return nil
}

func (r *PostgresConnectionRepository) UpdateStatus(ctx context.Context, id kernel.ConnectionID, status connection.Status, errorMessage *string) error {
	query := `UPDATE connections SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String(), string(status), errorMessage); err != nil {
		return errx.Wrap(err, "failed to update connection status", errx.TypeInternal).
			WithDetail("connection_id", id.String())
	}
	return nil
}

func (r *PostgresConnectionRepository) UpdateLastUsed(ctx context.Context, id kernel.ConnectionID) error {
	query := `UPDATE connections SET last_used_at = now() WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id.String()); err != nil {
		return errx.Wrap(err, "failed to update connection last_used_at", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresConnectionRepository) Revoke(ctx context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (bool, error) {
	query := `UPDATE connections SET status = 'revoked', updated_at = now()
		WHERE id = $1 AND project_id = $2 AND status <> 'revoked'`
	result, err := r.db.ExecContext(ctx, query, id.String(), projectID.String())
	if err != nil {
		return false, errx.Wrap(err, "failed to revoke connection", errx.TypeInternal)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to read revoke result", errx.TypeInternal)
	}
	return affected == 1, nil
}

// WithRefreshLock serializes cross-process refreshes with a transaction-
// scoped advisory lock keyed on the connection id. The in-process
// single-flight map already collapses local callers; this guards against
// sibling processes.
func (r *PostgresConnectionRepository) WithRefreshLock(ctx context.Context, id kernel.ConnectionID, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errx.Wrap(err, "failed to begin refresh transaction", errx.TypeInternal)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryKey(id)); err != nil {
		return errx.Wrap(err, "failed to acquire refresh lock", errx.TypeInternal).
			WithDetail("connection_id", id.String())
	}

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errx.Wrap(err, "failed to commit refresh transaction", errx.TypeInternal)
	}
	return nil
}

// advisoryKey folds the connection id into the bigint keyspace
// pg_advisory_xact_lock wants.
func advisoryKey(id kernel.ConnectionID) int64 {
	h := fnv.New64a()
	h.Write([]byte(id.String()))
	return int64(h.Sum64())
}
