package dispatchinfra

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/linkshitup/link-broker/pkg/dispatch"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// PostgresAPILogRepository implements dispatch.APILogRepository.
type PostgresAPILogRepository struct {
	db *sqlx.DB
}

func NewPostgresAPILogRepository(db *sqlx.DB) dispatch.APILogRepository {
	return &PostgresAPILogRepository{db: db}
}

func (r *PostgresAPILogRepository) Insert(ctx context.Context, log *dispatch.APILog) error {
	query := `
		INSERT INTO api_logs (
			id, project_id, provider, connection_id, endpoint, method,
			status_code, latency_ms, created_at
		) VALUES (
			:id, :project_id, :provider, :connection_id, :endpoint, :method,
			:status_code, :latency_ms, :created_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, log); err != nil {
		return errx.Wrap(err, "failed to insert api log", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresAPILogRepository) ListByProject(ctx context.Context, projectID kernel.ProjectID, connectionID kernel.ConnectionID, limit int) ([]*dispatch.APILog, error) {
	var logs []*dispatch.APILog
	query := `SELECT id, project_id, provider, connection_id, endpoint, method,
			status_code, latency_ms, created_at
		FROM api_logs
		WHERE project_id = $1 AND ($2 = '' OR connection_id = $2)
		ORDER BY created_at DESC
		LIMIT $3`
	if err := r.db.SelectContext(ctx, &logs, query, projectID.String(), connectionID.String(), limit); err != nil {
		return nil, errx.Wrap(err, "failed to list api logs", errx.TypeInternal)
	}
	return logs, nil
}
