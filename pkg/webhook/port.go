package webhook

import (
	"context"
	"time"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// SubscriptionRepository persists delivery endpoints.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub *Subscription) error
	FindByID(ctx context.Context, id string, projectID kernel.ProjectID) (*Subscription, error)
	ListByProject(ctx context.Context, projectID kernel.ProjectID) ([]*Subscription, error)
	// ListEnabledForEvent returns the project's enabled subscriptions whose
	// event set includes eventType.
	ListEnabledForEvent(ctx context.Context, projectID kernel.ProjectID, eventType string) ([]*Subscription, error)
	Delete(ctx context.Context, id string, projectID kernel.ProjectID) (bool, error)

	// RecordSuccess resets consecutive_failures and stamps the health
	// counters after a 2xx.
	RecordSuccess(ctx context.Context, id string, statusCode int) error
	// RecordFailure bumps consecutive_failures and returns the new count.
	RecordFailure(ctx context.Context, id string, statusCode int) (int, error)
	// Disable turns the subscription off with a reason.
	Disable(ctx context.Context, id string, reason string) error
	// FindForDelivery loads a subscription without the project scoping the
	// API uses; workers own no project context.
	FindForDelivery(ctx context.Context, id string) (*Subscription, error)
}

// EventRepository persists emissions. The row is written before the first
// delivery attempt: that write is the at-least-once anchor.
type EventRepository interface {
	Insert(ctx context.Context, event *Event) error
	FindByID(ctx context.Context, id string) (*Event, error)
	MarkDelivered(ctx context.Context, id string, attempts int) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	UpdateAttempt(ctx context.Context, id string, attempts int, lastError string) error
}

// Queue hands event ids to the delivery workers, now or after a backoff.
type Queue interface {
	Enqueue(ctx context.Context, eventID string) error
	EnqueueDelayed(ctx context.Context, eventID string, delay time.Duration) error
	// Dequeue blocks up to timeout; an empty id with nil error means the
	// timeout elapsed.
	Dequeue(ctx context.Context, timeout time.Duration) (string, error)
	// PromoteDue moves scheduled ids whose time has come onto the ready
	// queue, returning how many moved.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}
