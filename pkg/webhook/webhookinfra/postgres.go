package webhookinfra

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/webhook"
)

const subscriptionColumns = `id, project_id, url, encrypted_secret, events, enabled,
	disabled_reason, last_triggered_at, last_status_code, consecutive_failures, created_at`

// PostgresSubscriptionRepository implements webhook.SubscriptionRepository.
type PostgresSubscriptionRepository struct {
	db *sqlx.DB
}

func NewPostgresSubscriptionRepository(db *sqlx.DB) webhook.SubscriptionRepository {
	return &PostgresSubscriptionRepository{db: db}
}

func (r *PostgresSubscriptionRepository) Create(ctx context.Context, sub *webhook.Subscription) error {
	query := `
		INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
		VALUES (
			:id, :project_id, :url, :encrypted_secret, :events, :enabled,
			:disabled_reason, :last_triggered_at, :last_status_code, :consecutive_failures, :created_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		return errx.Wrap(err, "failed to create webhook subscription", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id string, projectID kernel.ProjectID) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1 AND project_id = $2`
	if err := r.db.GetContext(ctx, &sub, query, id, projectID.String()); err != nil {
		if err == sql.ErrNoRows {
			return nil, webhook.ErrSubscriptionNotFound()
		}
		return nil, errx.Wrap(err, "failed to find webhook subscription", errx.TypeInternal)
	}
	return &sub, nil
}

func (r *PostgresSubscriptionRepository) FindForDelivery(ctx context.Context, id string) (*webhook.Subscription, error) {
	var sub webhook.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = $1`
	if err := r.db.GetContext(ctx, &sub, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, webhook.ErrSubscriptionNotFound()
		}
		return nil, errx.Wrap(err, "failed to load webhook subscription", errx.TypeInternal)
	}
	return &sub, nil
}

func (r *PostgresSubscriptionRepository) ListByProject(ctx context.Context, projectID kernel.ProjectID) ([]*webhook.Subscription, error) {
	var subs []*webhook.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE project_id = $1 ORDER BY created_at DESC`
	if err := r.db.SelectContext(ctx, &subs, query, projectID.String()); err != nil {
		return nil, errx.Wrap(err, "failed to list webhook subscriptions", errx.TypeInternal)
	}
	return subs, nil
}

func (r *PostgresSubscriptionRepository) ListEnabledForEvent(ctx context.Context, projectID kernel.ProjectID, eventType string) ([]*webhook.Subscription, error) {
	var subs []*webhook.Subscription
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
		WHERE project_id = $1 AND enabled = true AND ($2 = ANY(events) OR '*' = ANY(events))`
	if err := r.db.SelectContext(ctx, &subs, query, projectID.String(), eventType); err != nil {
		return nil, errx.Wrap(err, "failed to match webhook subscriptions", errx.TypeInternal)
	}
	return subs, nil
}

func (r *PostgresSubscriptionRepository) Delete(ctx context.Context, id string, projectID kernel.ProjectID) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND project_id = $2`, id, projectID.String())
	if err != nil {
		return false, errx.Wrap(err, "failed to delete webhook subscription", errx.TypeInternal)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errx.Wrap(err, "failed to read delete result", errx.TypeInternal)
	}
	return affected == 1, nil
}

func (r *PostgresSubscriptionRepository) RecordSuccess(ctx context.Context, id string, statusCode int) error {
	query := `UPDATE webhook_subscriptions SET
		consecutive_failures = 0,
		last_triggered_at = now(),
		last_status_code = $2
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, statusCode); err != nil {
		return errx.Wrap(err, "failed to record webhook success", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresSubscriptionRepository) RecordFailure(ctx context.Context, id string, statusCode int) (int, error) {
	var failures int
	query := `UPDATE webhook_subscriptions SET
		consecutive_failures = consecutive_failures + 1,
		last_triggered_at = now(),
		last_status_code = $2
		WHERE id = $1
		RETURNING consecutive_failures`
	if err := r.db.GetContext(ctx, &failures, query, id, statusCode); err != nil {
		return 0, errx.Wrap(err, "failed to record webhook failure", errx.TypeInternal)
	}
	return failures, nil
}

func (r *PostgresSubscriptionRepository) Disable(ctx context.Context, id string, reason string) error {
	query := `UPDATE webhook_subscriptions SET enabled = false, disabled_reason = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, reason); err != nil {
		return errx.Wrap(err, "failed to disable webhook subscription", errx.TypeInternal)
	}
	return nil
}

// PostgresEventRepository implements webhook.EventRepository.
type PostgresEventRepository struct {
	db *sqlx.DB
}

func NewPostgresEventRepository(db *sqlx.DB) webhook.EventRepository {
	return &PostgresEventRepository{db: db}
}

func (r *PostgresEventRepository) Insert(ctx context.Context, event *webhook.Event) error {
	query := `
		INSERT INTO webhook_events (
			id, project_id, subscription_id, type, payload, status,
			attempts, last_error, created_at, delivered_at
		) VALUES (
			:id, :project_id, :subscription_id, :type, :payload, :status,
			:attempts, :last_error, :created_at, :delivered_at
		)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			// Same envelope id enqueued twice; at-least-once makes this
			// harmless.
			return nil
		}
		return errx.Wrap(err, "failed to insert webhook event", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresEventRepository) FindByID(ctx context.Context, id string) (*webhook.Event, error) {
	var event webhook.Event
	query := `SELECT id, project_id, subscription_id, type, payload, status,
			attempts, last_error, created_at, delivered_at
		FROM webhook_events WHERE id = $1`
	if err := r.db.GetContext(ctx, &event, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errx.NotFound("webhook event not found")
		}
		return nil, errx.Wrap(err, "failed to load webhook event", errx.TypeInternal)
	}
	return &event, nil
}

func (r *PostgresEventRepository) MarkDelivered(ctx context.Context, id string, attempts int) error {
	query := `UPDATE webhook_events SET status = 'delivered', attempts = $2, delivered_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attempts, time.Now().UTC()); err != nil {
		return errx.Wrap(err, "failed to mark webhook event delivered", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresEventRepository) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	query := `UPDATE webhook_events SET status = 'failed', attempts = $2, last_error = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attempts, lastError); err != nil {
		return errx.Wrap(err, "failed to mark webhook event failed", errx.TypeInternal)
	}
	return nil
}

func (r *PostgresEventRepository) UpdateAttempt(ctx context.Context, id string, attempts int, lastError string) error {
	query := `UPDATE webhook_events SET attempts = $2, last_error = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, attempts, lastError); err != nil {
		return errx.Wrap(err, "failed to update webhook event attempt", errx.TypeInternal)
	}
	return nil
}
