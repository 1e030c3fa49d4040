package webhooksrv

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/notify"
	"github.com/linkshitup/link-broker/pkg/webhook"
)

// ── in-memory fakes ────────────────────────────────────────────────────────

type memSubs struct {
	mu   sync.Mutex
	subs map[string]*webhook.Subscription
}

func newMemSubs(subs ...*webhook.Subscription) *memSubs {
	m := &memSubs{subs: make(map[string]*webhook.Subscription)}
	for _, s := range subs {
		m.subs[s.ID] = s
	}
	return m
}

func (m *memSubs) Create(_ context.Context, sub *webhook.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *memSubs) FindByID(_ context.Context, id string, _ kernel.ProjectID) (*webhook.Subscription, error) {
	return m.FindForDelivery(context.Background(), id)
}

func (m *memSubs) FindForDelivery(_ context.Context, id string) (*webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, webhook.ErrSubscriptionNotFound()
	}
	copied := *sub
	return &copied, nil
}

func (m *memSubs) ListByProject(_ context.Context, projectID kernel.ProjectID) ([]*webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Subscription
	for _, s := range m.subs {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubs) ListEnabledForEvent(_ context.Context, projectID kernel.ProjectID, eventType string) ([]*webhook.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*webhook.Subscription
	for _, s := range m.subs {
		if s.ProjectID == projectID && s.Enabled && s.Subscribed(eventType) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memSubs) Delete(_ context.Context, id string, _ kernel.ProjectID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return false, nil
	}
	delete(m.subs, id)
	return true, nil
}

func (m *memSubs) RecordSuccess(_ context.Context, id string, statusCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.ConsecutiveFailures = 0
		sub.LastStatusCode = &statusCode
		now := time.Now()
		sub.LastTriggeredAt = &now
	}
	return nil
}

func (m *memSubs) RecordFailure(_ context.Context, id string, statusCode int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return 0, webhook.ErrSubscriptionNotFound()
	}
	sub.ConsecutiveFailures++
	sub.LastStatusCode = &statusCode
	return sub.ConsecutiveFailures, nil
}

func (m *memSubs) Disable(_ context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		sub.Enabled = false
		sub.DisabledReason = &reason
	}
	return nil
}

type memEvents struct {
	mu     sync.Mutex
	events map[string]*webhook.Event
}

func newMemEvents() *memEvents {
	return &memEvents{events: make(map[string]*webhook.Event)}
}

func (m *memEvents) Insert(_ context.Context, event *webhook.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *event
	m.events[event.ID] = &copied
	return nil
}

func (m *memEvents) FindByID(_ context.Context, id string) (*webhook.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return nil, webhook.ErrSubscriptionNotFound()
	}
	copied := *event
	return &copied, nil
}

func (m *memEvents) MarkDelivered(_ context.Context, id string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.Status = webhook.EventDelivered
		e.Attempts = attempts
		now := time.Now()
		e.DeliveredAt = &now
	}
	return nil
}

func (m *memEvents) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.Status = webhook.EventFailed
		e.Attempts = attempts
		e.LastError = &lastError
	}
	return nil
}

func (m *memEvents) UpdateAttempt(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.events[id]; ok {
		e.Attempts = attempts
		e.LastError = &lastError
	}
	return nil
}

// memQueue honors delays through due times and a manual clock-free promote.
type memQueue struct {
	mu        sync.Mutex
	ready     []string
	scheduled map[string]time.Time
}

func newMemQueue() *memQueue {
	return &memQueue{scheduled: make(map[string]time.Time)}
}

func (q *memQueue) Enqueue(_ context.Context, eventID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready = append(q.ready, eventID)
	return nil
}

func (q *memQueue) EnqueueDelayed(_ context.Context, eventID string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.scheduled[eventID] = time.Now().Add(delay)
	return nil
}

func (q *memQueue) Dequeue(_ context.Context, _ time.Duration) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, nil
}

func (q *memQueue) PromoteDue(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	promoted := 0
	for id, due := range q.scheduled {
		if !due.After(now) {
			delete(q.scheduled, id)
			q.ready = append(q.ready, id)
			promoted++
		}
	}
	return promoted, nil
}

// ── helpers ────────────────────────────────────────────────────────────────

type fixture struct {
	dispatcher *Dispatcher
	subs       *memSubs
	events     *memEvents
	queue      *memQueue
	cipher     *cryptox.Cipher
	notified   *int32
	secret     string
	sub        *webhook.Subscription
}

func newFixture(t *testing.T, targetURL string) *fixture {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	cipher, err := cryptox.NewCipher(map[byte][]byte{1: key}, 1)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	secret := "whsec_test_secret"
	sealed, err := cipher.EncryptString(secret)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}

	sub := &webhook.Subscription{
		ID:              webhook.NewSubscriptionID(),
		ProjectID:       kernel.NewProjectID("proj-1"),
		URL:             targetURL,
		EncryptedSecret: sealed,
		Events:          []string{"*"},
		Enabled:         true,
	}

	var notified int32
	subs := newMemSubs(sub)
	events := newMemEvents()
	queue := newMemQueue()

	d := NewDispatcher(subs, events, queue, cipher, notifierFunc(func() {
		atomic.AddInt32(&notified, 1)
	}), Config{
		Workers:      2,
		PollInterval: 2 * time.Millisecond,
		TotalTimeout: time.Second,
		Backoff:      []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond},
	})

	return &fixture{
		dispatcher: d,
		subs:       subs,
		events:     events,
		queue:      queue,
		cipher:     cipher,
		notified:   &notified,
		secret:     secret,
		sub:        sub,
	}
}

type notifierFunc func()

func (f notifierFunc) Notify(context.Context, notify.Message) error {
	f()
	return nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func (f *fixture) eventStatus(id string) webhook.EventStatus {
	e, err := f.events.FindByID(context.Background(), id)
	if err != nil {
		return ""
	}
	return e.Status
}

func (f *fixture) singleEventID(t *testing.T) string {
	t.Helper()
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.events) != 1 {
		t.Fatalf("events stored = %d, want 1", len(f.events.events))
	}
	for id := range f.events.events {
		return id
	}
	return ""
}

// ── tests ──────────────────────────────────────────────────────────────────

func TestDeliveryHappyPathSignsBody(t *testing.T) {
	type received struct {
		body      []byte
		event     string
		signature string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			event:     r.Header.Get(webhook.HeaderEvent),
			signature: r.Header.Get(webhook.HeaderSignature),
		}
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dispatcher.Start(ctx)

	f.dispatcher.Emit(ctx, "proj-1", webhook.EventConnectionCreated, map[string]interface{}{
		"connectionId": "conn_1",
		"provider":     "gmail",
	})

	select {
	case r := <-got:
		if r.event != webhook.EventConnectionCreated {
			t.Fatalf("event header = %q", r.event)
		}
		// The signature verifies against the exact raw body delivered.
		if !webhook.VerifySignature(f.secret, r.body, r.signature) {
			t.Fatal("signature does not verify against raw body")
		}
		var envelope webhook.Envelope
		if err := json.Unmarshal(r.body, &envelope); err != nil {
			t.Fatalf("envelope undecodable: %v", err)
		}
		if envelope.Type != webhook.EventConnectionCreated || envelope.ID == "" || envelope.Timestamp == "" {
			t.Fatalf("envelope = %+v", envelope)
		}
		if envelope.Data["connectionId"] != "conn_1" {
			t.Fatalf("data = %v", envelope.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
	}

	eventID := f.singleEventID(t)
	waitFor(t, time.Second, func() bool {
		return f.eventStatus(eventID) == webhook.EventDelivered
	})
}

func TestRetryUntilSuccessResetsFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail attempts 1-4, succeed on the fifth.
		if atomic.AddInt32(&hits, 1) < 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	// Keep the subscription alive through four failures.
	f.sub.ConsecutiveFailures = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dispatcher.Start(ctx)

	f.dispatcher.Emit(ctx, "proj-1", webhook.EventConnectionExpired, map[string]interface{}{})

	eventID := f.singleEventID(t)
	waitFor(t, 5*time.Second, func() bool {
		return f.eventStatus(eventID) == webhook.EventDelivered
	})

	if n := atomic.LoadInt32(&hits); n != 5 {
		t.Fatalf("subscriber hit %d times, want 5", n)
	}

	sub, _ := f.subs.FindForDelivery(ctx, f.sub.ID)
	if sub.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive_failures = %d, want 0 after a 2xx", sub.ConsecutiveFailures)
	}
	e, _ := f.events.FindByID(ctx, eventID)
	if e.Attempts != 5 {
		t.Fatalf("attempts = %d", e.Attempts)
	}
}

func TestAutoDisableAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.dispatcher.Start(ctx)

	f.dispatcher.Emit(ctx, "proj-1", webhook.EventConnectionRevoked, map[string]interface{}{})

	eventID := f.singleEventID(t)
	waitFor(t, 5*time.Second, func() bool {
		return f.eventStatus(eventID) == webhook.EventFailed
	})

	sub, _ := f.subs.FindForDelivery(ctx, f.sub.ID)
	if sub.Enabled {
		t.Fatal("subscription still enabled after five consecutive failures")
	}
	if sub.ConsecutiveFailures < webhook.DisableThreshold {
		t.Fatalf("consecutive_failures = %d", sub.ConsecutiveFailures)
	}
	if sub.DisabledReason == nil {
		t.Fatal("disabled_reason not recorded")
	}
	waitFor(t, time.Second, func() bool {
		return atomic.LoadInt32(f.notified) == 1
	})
}

func TestEmitFiltersBySubscribedEvents(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0/unused")
	f.sub.Events = []string{webhook.EventConnectionCreated}

	other := &webhook.Subscription{
		ID:              webhook.NewSubscriptionID(),
		ProjectID:       kernel.NewProjectID("proj-1"),
		URL:             "http://127.0.0.1:0/unused",
		EncryptedSecret: f.sub.EncryptedSecret,
		Events:          []string{webhook.EventConnectionRevoked},
		Enabled:         true,
	}
	_ = f.subs.Create(context.Background(), other)

	f.dispatcher.Emit(context.Background(), "proj-1", webhook.EventConnectionRevoked, map[string]interface{}{})

	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	if len(f.events.events) != 1 {
		t.Fatalf("events stored = %d, want only the subscribed endpoint's", len(f.events.events))
	}
	for _, e := range f.events.events {
		if e.SubscriptionID != other.ID {
			t.Fatalf("event went to %s", e.SubscriptionID)
		}
		// Persisted pending before any delivery attempt.
		if e.Status != webhook.EventPending {
			t.Fatalf("status = %s", e.Status)
		}
	}
}
