// Package webhook delivers lifecycle events to project callback URLs with
// at-least-once semantics: the event row is persisted before the first HTTP
// attempt, retries back off exponentially, and subscriptions that fail five
// times in a row are disabled.
package webhook

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Lifecycle event types.
const (
	EventConnectionCreated = "connection.created"
	EventConnectionExpired = "connection.expired"
	EventConnectionRevoked = "connection.revoked"
	EventConnectionError   = "connection.error"
)

// KnownEventTypes lists every type a subscription may select.
var KnownEventTypes = []string{
	EventConnectionCreated,
	EventConnectionExpired,
	EventConnectionRevoked,
	EventConnectionError,
}

// Delivery headers.
const (
	HeaderEvent     = "X-Link-Event"
	HeaderTimestamp = "X-Link-Timestamp"
	HeaderSignature = "X-Link-Signature"
)

// MaxAttempts bounds delivery tries per event.
const MaxAttempts = 5

// DisableThreshold is the consecutive-failure count that turns a
// subscription off.
const DisableThreshold = 5

// Subscription is a project's delivery endpoint.
type Subscription struct {
	ID                  string           `db:"id" json:"id"`
	ProjectID           kernel.ProjectID `db:"project_id" json:"project_id"`
	URL                 string           `db:"url" json:"url"`
	EncryptedSecret     string           `db:"encrypted_secret" json:"-"`
	Events              pq.StringArray   `db:"events" json:"events"`
	Enabled             bool             `db:"enabled" json:"enabled"`
	DisabledReason      *string          `db:"disabled_reason" json:"disabled_reason,omitempty"`
	LastTriggeredAt     *time.Time       `db:"last_triggered_at" json:"last_triggered_at,omitempty"`
	LastStatusCode      *int             `db:"last_status_code" json:"last_status_code,omitempty"`
	ConsecutiveFailures int              `db:"consecutive_failures" json:"consecutive_failures"`
	CreatedAt           time.Time        `db:"created_at" json:"created_at"`
}

// Subscribed reports whether the subscription wants eventType.
func (s *Subscription) Subscribed(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// EventStatus is the delivery state of one emission.
type EventStatus string

const (
	EventPending   EventStatus = "pending"
	EventDelivered EventStatus = "delivered"
	EventFailed    EventStatus = "failed"
)

// Event is one emission to one subscription. Payload is the exact signed
// body; receivers dedupe on the embedded envelope id.
type Event struct {
	ID             string           `db:"id" json:"id"`
	ProjectID      kernel.ProjectID `db:"project_id" json:"project_id"`
	SubscriptionID string           `db:"subscription_id" json:"subscription_id"`
	Type           string           `db:"type" json:"type"`
	Payload        []byte           `db:"payload" json:"-"`
	Status         EventStatus      `db:"status" json:"status"`
	Attempts       int              `db:"attempts" json:"attempts"`
	LastError      *string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time        `db:"created_at" json:"created_at"`
	DeliveredAt    *time.Time       `db:"delivered_at" json:"delivered_at,omitempty"`
}

// NewEventID mints an "evt_<uuid>" envelope id.
func NewEventID() string {
	return "evt_" + uuid.NewString()
}

// NewSubscriptionID mints a "whs_<uuid>" id.
func NewSubscriptionID() string {
	return "whs_" + uuid.NewString()
}

// NewSigningSecret mints the per-subscription secret, shown to the project
// exactly once at creation.
func NewSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errx.Wrap(err, "failed to generate signing secret", errx.TypeInternal)
	}
	return "whsec_" + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Envelope is the JSON wire shape.
type Envelope struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp string                 `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Sign computes the delivery signature over the raw body only; the
// timestamp rides in its header and inside the envelope but does not
// participate in the HMAC.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature is the receiver-side check, exported for SDK parity and
// tests.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

var errRegistry = errx.NewRegistry("")

var (
	codeNotFound   = errRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Webhook subscription not found")
	codeValidation = errRegistry.Register("VALIDATION_ERROR", errx.TypeValidation, http.StatusBadRequest, "Invalid webhook subscription")
)

func ErrSubscriptionNotFound() *errx.Error {
	return errRegistry.New(codeNotFound)
}

func ErrValidation(message string) *errx.Error {
	return errRegistry.NewWithMessage(codeValidation, message)
}
