package webhooksrv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/linkshitup/link-broker/pkg/asyncx"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/logx"
	"github.com/linkshitup/link-broker/pkg/notify"
	"github.com/linkshitup/link-broker/pkg/webhook"
)

// DefaultBackoff is the retry schedule after the first failed attempt.
var DefaultBackoff = []time.Duration{
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
	time.Hour,
	6 * time.Hour,
}

// Config tunes the dispatcher.
type Config struct {
	Workers        int
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	PollInterval   time.Duration
	// Backoff overrides DefaultBackoff; tests shrink it.
	Backoff []time.Duration
}

// Dispatcher emits and delivers lifecycle events.
type Dispatcher struct {
	subs    webhook.SubscriptionRepository
	events  webhook.EventRepository
	queue   webhook.Queue
	cipher  *cryptox.Cipher
	notif   notify.Notifier
	client  *http.Client
	cfg     Config
	backoff []time.Duration
	now     func() time.Time
}

func NewDispatcher(
	subs webhook.SubscriptionRepository,
	events webhook.EventRepository,
	queue webhook.Queue,
	cipher *cryptox.Cipher,
	notif notify.Notifier,
	cfg Config,
) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	backoff := cfg.Backoff
	if len(backoff) == 0 {
		backoff = DefaultBackoff
	}

	return &Dispatcher{
		subs:   subs,
		events: events,
		queue:  queue,
		cipher: cipher,
		notif:  notif,
		client: &http.Client{
			Timeout: cfg.TotalTimeout,
			Transport: &http.Transport{
				DialContext:       (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				ForceAttemptHTTP2: true,
			},
		},
		cfg:     cfg,
		backoff: backoff,
		now:     time.Now,
	}
}

// Emit fans an event out to every enabled matching subscription. The event
// row lands before anything is queued; a row whose enqueue fails or is cut
// off by a crash stays pending, and nothing in this package queues it again.
// Emission never fails the caller's request; failures log.
func (d *Dispatcher) Emit(ctx context.Context, projectID kernel.ProjectID, eventType string, data map[string]interface{}) {
	subs, err := d.subs.ListEnabledForEvent(ctx, projectID, eventType)
	if err != nil {
		logx.WithError(err).WithField("event_type", eventType).Error("failed to match webhook subscriptions")
		return
	}

	for _, sub := range subs {
		envelope := webhook.Envelope{
			ID:        webhook.NewEventID(),
			Type:      eventType,
			Timestamp: d.now().UTC().Format(time.RFC3339),
			Data:      data,
		}
		payload, err := json.Marshal(envelope)
		if err != nil {
			logx.WithError(err).Error("failed to marshal webhook envelope")
			continue
		}

		event := &webhook.Event{
			ID:             envelope.ID,
			ProjectID:      projectID,
			SubscriptionID: sub.ID,
			Type:           eventType,
			Payload:        payload,
			Status:         webhook.EventPending,
			CreatedAt:      d.now().UTC(),
		}
		if err := d.events.Insert(ctx, event); err != nil {
			logx.WithError(err).WithField("event_id", event.ID).Error("failed to persist webhook event")
			continue
		}
		eventID := event.ID
		err = asyncx.RetryWithBackoff(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
			return d.queue.Enqueue(ctx, eventID)
		})
		if err != nil {
			// The row stays pending; the promote loop only reads the
			// scheduled set, so this event is not delivered.
			logx.WithError(err).WithField("event_id", eventID).Error("failed to enqueue webhook event")
		}
	}
}

// Start runs the promote loop and the delivery workers until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	go d.promoteLoop(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		go d.workerLoop(ctx)
	}
	logx.WithField("workers", d.cfg.Workers).Info("webhook dispatcher started")
}

func (d *Dispatcher) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.queue.PromoteDue(ctx, d.now()); err != nil {
				logx.WithError(err).Warn("webhook promote pass failed")
			}
		}
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		eventID, err := d.queue.Dequeue(ctx, d.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logx.WithError(err).Warn("webhook dequeue failed")
			continue
		}
		if eventID == "" {
			continue
		}
		d.deliver(ctx, eventID)
	}
}

// deliver runs one attempt for one event and decides its fate: delivered,
// scheduled for retry, or failed for good.
func (d *Dispatcher) deliver(ctx context.Context, eventID string) {
	event, err := d.events.FindByID(ctx, eventID)
	if err != nil {
		logx.WithError(err).WithField("event_id", eventID).Warn("webhook event vanished")
		return
	}
	if event.Status == webhook.EventDelivered {
		return
	}

	sub, err := d.subs.FindForDelivery(ctx, event.SubscriptionID)
	if err != nil {
		_ = d.events.MarkFailed(ctx, event.ID, event.Attempts, "subscription missing")
		return
	}
	if !sub.Enabled {
		_ = d.events.MarkFailed(ctx, event.ID, event.Attempts, "subscription disabled")
		return
	}

	attempt := event.Attempts + 1
	statusCode, deliverErr := d.post(ctx, sub, event)

	if deliverErr == nil {
		if err := d.events.MarkDelivered(ctx, event.ID, attempt); err != nil {
			logx.WithError(err).Warn("failed to mark webhook delivered")
		}
		if err := d.subs.RecordSuccess(ctx, sub.ID, statusCode); err != nil {
			logx.WithError(err).Warn("failed to record webhook success")
		}
		return
	}

	failures, err := d.subs.RecordFailure(ctx, sub.ID, statusCode)
	if err != nil {
		logx.WithError(err).Warn("failed to record webhook failure")
	}

	if failures >= webhook.DisableThreshold {
		reason := fmt.Sprintf("disabled after %d consecutive delivery failures", failures)
		if err := d.subs.Disable(ctx, sub.ID, reason); err != nil {
			logx.WithError(err).Error("failed to auto-disable webhook subscription")
		} else {
			logx.WithFields(logx.Fields{
				"subscription_id": sub.ID,
				"failures":        failures,
			}).Warn("webhook subscription auto-disabled")
			d.notifyDisabled(ctx, sub, reason)
		}
	}

	if attempt >= webhook.MaxAttempts {
		_ = d.events.MarkFailed(ctx, event.ID, attempt, deliverErr.Error())
		return
	}

	if err := d.events.UpdateAttempt(ctx, event.ID, attempt, deliverErr.Error()); err != nil {
		logx.WithError(err).Warn("failed to update webhook attempt")
	}
	idx := attempt - 1
	if idx >= len(d.backoff) {
		idx = len(d.backoff) - 1
	}
	delay := d.backoff[idx]
	if err := d.queue.EnqueueDelayed(ctx, event.ID, delay); err != nil {
		logx.WithError(err).WithField("event_id", event.ID).Error("failed to schedule webhook retry")
	}
}

// post performs one signed POST. Any non-2xx, network error, or timeout is
// a failure.
func (d *Dispatcher) post(ctx context.Context, sub *webhook.Subscription, event *webhook.Event) (int, error) {
	secret, err := d.cipher.DecryptString(sub.EncryptedSecret)
	if err != nil {
		return 0, fmt.Errorf("decrypt signing secret: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(event.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.HeaderEvent, event.Type)
	req.Header.Set(webhook.HeaderTimestamp, strconv.FormatInt(d.now().Unix(), 10))
	req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, event.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("subscriber responded %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) notifyDisabled(ctx context.Context, sub *webhook.Subscription, reason string) {
	if d.notif == nil {
		return
	}
	err := d.notif.Notify(ctx, notify.Message{
		ProjectID: sub.ProjectID.String(),
		Subject:   "Webhook endpoint disabled",
		Body: fmt.Sprintf("Deliveries to %s were %s. Re-enable the endpoint from the dashboard once it is healthy.",
			sub.URL, reason),
	})
	if err != nil {
		logx.WithError(err).Warn("failed to notify project owner about disabled webhook")
	}
}
