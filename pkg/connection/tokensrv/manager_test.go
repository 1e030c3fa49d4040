package tokensrv

import (
	"context"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

// fakeRepo is an in-memory ConnectionRepository. A mutex stands in for the
// advisory lock so WithRefreshLock keeps its cross-caller exclusion.
type fakeRepo struct {
	mu    sync.Mutex
	conns map[kernel.ConnectionID]*connection.Connection
	locks sync.Map
}

func newFakeRepo(conns ...*connection.Connection) *fakeRepo {
	r := &fakeRepo{conns: make(map[kernel.ConnectionID]*connection.Connection)}
	for _, c := range conns {
		r.conns[c.ID] = c
	}
	return r
}

func (r *fakeRepo) snapshot(id kernel.ConnectionID) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, connection.ErrConnectionNotFound()
	}
	copied := *c
	return &copied, nil
}

func (r *fakeRepo) FindByID(_ context.Context, id kernel.ConnectionID) (*connection.Connection, error) {
	return r.snapshot(id)
}

func (r *fakeRepo) FindByIDForProject(_ context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (*connection.Connection, error) {
	c, err := r.snapshot(id)
	if err != nil {
		return nil, err
	}
	if c.ProjectID != projectID {
		return nil, connection.ErrConnectionNotFound()
	}
	return c, nil
}

func (r *fakeRepo) List(context.Context, kernel.ProjectID, connection.ListFilter) ([]*connection.Connection, error) {
	return nil, nil
}

func (r *fakeRepo) Upsert(_ context.Context, c *connection.Connection) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID] = c
	return c, nil
}

func (r *fakeRepo) UpdateTokens(_ context.Context, id kernel.ConnectionID, update connection.TokenUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	c.EncryptedAccessToken = update.EncryptedAccessToken
	if update.EncryptedRefreshToken != nil {
		c.EncryptedRefreshToken = update.EncryptedRefreshToken
	}
	if update.TokenType != "" {
		c.TokenType = update.TokenType
	}
	c.ExpiresAt = update.ExpiresAt
	if len(update.Scopes) > 0 {
		c.Scopes = update.Scopes
	}
	c.Status = connection.StatusActive
	c.ErrorMessage = nil
	return nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id kernel.ConnectionID, status connection.Status, errorMessage *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.conns[id]
	c.Status = status
	c.ErrorMessage = errorMessage
	return nil
}

func (r *fakeRepo) UpdateLastUsed(context.Context, kernel.ConnectionID) error { return nil }

func (r *fakeRepo) Revoke(_ context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok || c.ProjectID != projectID || c.Status == connection.StatusRevoked {
		return false, nil
	}
	c.Status = connection.StatusRevoked
	return true, nil
}

func (r *fakeRepo) WithRefreshLock(ctx context.Context, id kernel.ConnectionID, fn func(context.Context) error) error {
	muIface, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

// fakeAdapter counts refresh round-trips and returns a scripted result.
type fakeAdapter struct {
	refreshCalls int32
	refreshDelay time.Duration
	result       *provider.TokenSet
	err          error
}

func (a *fakeAdapter) Name() kernel.ProviderName   { return "gmail" }
func (a *fakeAdapter) DisplayName() string         { return "Fake" }
func (a *fakeAdapter) Category() provider.Category { return provider.CategoryMail }
func (a *fakeAdapter) BuildAuthorizationURL(string, []string, string, string) (string, error) {
	return "", nil
}
func (a *fakeAdapter) ExchangeCode(context.Context, string, string, string) (*provider.TokenSet, error) {
	return nil, nil
}

func (a *fakeAdapter) Refresh(context.Context, string) (*provider.TokenSet, error) {
	atomic.AddInt32(&a.refreshCalls, 1)
	if a.refreshDelay > 0 {
		time.Sleep(a.refreshDelay)
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.result, nil
}

func (a *fakeAdapter) Fetch(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *fakeAdapter) Create(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *fakeAdapter) Update(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *fakeAdapter) Delete(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *fakeAdapter) NormalizeError(err error) error { return err }

type recordedEvent struct {
	ProjectID kernel.ProjectID
	Type      string
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *fakeEmitter) Emit(_ context.Context, projectID kernel.ProjectID, eventType string, _ map[string]interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{ProjectID: projectID, Type: eventType})
}

func (e *fakeEmitter) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func testCipher(t *testing.T) *cryptox.Cipher {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	c, err := cryptox.NewCipher(map[byte][]byte{1: key}, 1)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return c
}

func seal(t *testing.T, c *cryptox.Cipher, s string) string {
	t.Helper()
	sealed, err := c.EncryptString(s)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return sealed
}

func testConn(t *testing.T, cipher *cryptox.Cipher, status connection.Status, expiresAt *time.Time) *connection.Connection {
	t.Helper()
	refresh := seal(t, cipher, "refresh-1")
	return &connection.Connection{
		ID:                    connection.NewID(),
		ProjectID:             kernel.NewProjectID("proj-1"),
		Provider:              "gmail",
		EndUserID:             kernel.NewEndUserID("eu-1"),
		EncryptedAccessToken:  seal(t, cipher, "access-old"),
		EncryptedRefreshToken: &refresh,
		TokenType:             "Bearer",
		ExpiresAt:             expiresAt,
		Status:                status,
	}
}

func newManager(t *testing.T, repo *fakeRepo, adapter provider.Adapter, cipher *cryptox.Cipher, emitter Emitter) *Manager {
	t.Helper()
	registry := provider.NewRegistry()
	registry.Register(adapter)
	registry.Seal()
	return NewManager(repo, registry, cipher, emitter)
}

func ptrTime(t time.Time) *time.Time { return &t }

func errCode(t *testing.T, err error) string {
	t.Helper()
	var coded *errx.Error
	if !errx.As(err, &coded) {
		t.Fatalf("error %v is not an errx.Error", err)
	}
	return coded.Code
}

func TestFreshTokenReturnsWithoutRefresh(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(time.Hour)))
	adapter := &fakeAdapter{}
	m := newManager(t, newFakeRepo(conn), adapter, cipher, &fakeEmitter{})

	lease, err := m.GetValidAccessToken(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if lease.Token != "access-old" {
		t.Fatalf("token = %q", lease.Token)
	}
	if n := atomic.LoadInt32(&adapter.refreshCalls); n != 0 {
		t.Fatalf("refresh calls = %d", n)
	}
}

func TestNilExpiryNeverRefreshes(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusActive, nil)
	adapter := &fakeAdapter{}
	m := newManager(t, newFakeRepo(conn), adapter, cipher, &fakeEmitter{})

	if _, err := m.GetValidAccessToken(context.Background(), conn.ID); err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}
	if n := atomic.LoadInt32(&adapter.refreshCalls); n != 0 {
		t.Fatalf("refresh calls = %d", n)
	}
}

func TestConcurrentCallersSingleRefresh(t *testing.T) {
	cipher := testCipher(t)
	// Expired 10 seconds ago; every caller needs the refresh path.
	conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(-10*time.Second)))
	adapter := &fakeAdapter{
		refreshDelay: 20 * time.Millisecond,
		result: &provider.TokenSet{
			AccessToken: "access-new",
			TokenType:   "Bearer",
			ExpiresAt:   ptrTime(time.Now().Add(time.Hour)),
		},
	}
	m := newManager(t, newFakeRepo(conn), adapter, cipher, &fakeEmitter{})

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := m.GetValidAccessToken(context.Background(), conn.ID)
			if err != nil {
				errs[i] = err
				return
			}
			tokens[i] = lease.Token
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "access-new" {
			t.Fatalf("caller %d token = %q", i, tokens[i])
		}
	}
	if n := atomic.LoadInt32(&adapter.refreshCalls); n != 1 {
		t.Fatalf("provider token endpoint hit %d times, want 1", n)
	}
}

func TestRefreshPersistsRotatedToken(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(-time.Minute)))
	adapter := &fakeAdapter{
		result: &provider.TokenSet{
			AccessToken:  "access-new",
			RefreshToken: "refresh-rotated",
			ExpiresAt:    ptrTime(time.Now().Add(time.Hour)),
		},
	}
	repo := newFakeRepo(conn)
	m := newManager(t, repo, adapter, cipher, &fakeEmitter{})

	if _, err := m.GetValidAccessToken(context.Background(), conn.ID); err != nil {
		t.Fatalf("GetValidAccessToken: %v", err)
	}

	stored, _ := repo.snapshot(conn.ID)
	got, err := cipher.DecryptString(*stored.EncryptedRefreshToken)
	if err != nil {
		t.Fatalf("decrypt stored refresh token: %v", err)
	}
	if got != "refresh-rotated" {
		t.Fatalf("stored refresh token = %q", got)
	}
	if stored.Status != connection.StatusActive {
		t.Fatalf("status = %s", stored.Status)
	}
}

func TestRevocationCascade(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(-time.Minute)))
	adapter := &fakeAdapter{
		err: &provider.RefreshError{Kind: provider.RefreshRevoked, OAuthCode: "invalid_grant"},
	}
	repo := newFakeRepo(conn)
	emitter := &fakeEmitter{}
	m := newManager(t, repo, adapter, cipher, emitter)

	_, err := m.GetValidAccessToken(context.Background(), conn.ID)
	if code := errCode(t, err); code != "CONNECTION_REVOKED" {
		t.Fatalf("code = %s", code)
	}

	stored, _ := repo.snapshot(conn.ID)
	if stored.Status != connection.StatusRevoked {
		t.Fatalf("status = %s", stored.Status)
	}
	if types := emitter.types(); len(types) != 1 || types[0] != "connection.revoked" {
		t.Fatalf("events = %v", types)
	}

	// Terminal: the next dispatch fails fast without a provider call.
	before := atomic.LoadInt32(&adapter.refreshCalls)
	_, err = m.GetValidAccessToken(context.Background(), conn.ID)
	if code := errCode(t, err); code != "CONNECTION_REVOKED" {
		t.Fatalf("second call code = %s", code)
	}
	if after := atomic.LoadInt32(&adapter.refreshCalls); after != before {
		t.Fatal("terminal status still reached the provider")
	}
}

func TestRefreshClassificationTable(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus connection.Status
		wantEvent  string
	}{
		{
			"revoked grant",
			&provider.RefreshError{Kind: provider.RefreshRevoked, OAuthCode: "invalid_grant"},
			"CONNECTION_REVOKED", connection.StatusRevoked, "connection.revoked",
		},
		{
			"expired by policy",
			&provider.RefreshError{Kind: provider.RefreshExpired, OAuthCode: "invalid_grant", Description: "Token has been expired"},
			"CONNECTION_EXPIRED", connection.StatusExpired, "connection.expired",
		},
		{
			"transient 503",
			&provider.RefreshError{Kind: provider.RefreshTransient, Status: 503},
			"PROVIDER_ERROR", connection.StatusActive, "",
		},
		{
			"other 4xx",
			&provider.RefreshError{Kind: provider.RefreshDenied, OAuthCode: "invalid_client", Status: 400},
			"PROVIDER_ERROR", connection.StatusError, "connection.error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cipher := testCipher(t)
			conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(-time.Minute)))
			repo := newFakeRepo(conn)
			emitter := &fakeEmitter{}
			m := newManager(t, repo, &fakeAdapter{err: tt.err}, cipher, emitter)

			_, err := m.GetValidAccessToken(context.Background(), conn.ID)
			if code := errCode(t, err); code != tt.wantCode {
				t.Fatalf("code = %s, want %s", code, tt.wantCode)
			}

			stored, _ := repo.snapshot(conn.ID)
			if stored.Status != tt.wantStatus {
				t.Fatalf("status = %s, want %s", stored.Status, tt.wantStatus)
			}

			types := emitter.types()
			if tt.wantEvent == "" && len(types) != 0 {
				t.Fatalf("unexpected events %v", types)
			}
			if tt.wantEvent != "" && (len(types) != 1 || types[0] != tt.wantEvent) {
				t.Fatalf("events = %v, want [%s]", types, tt.wantEvent)
			}
		})
	}
}

func TestMissingRefreshTokenIsTerminalExpiry(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusActive, ptrTime(time.Now().Add(-time.Minute)))
	conn.EncryptedRefreshToken = nil
	repo := newFakeRepo(conn)
	emitter := &fakeEmitter{}
	m := newManager(t, repo, &fakeAdapter{}, cipher, emitter)

	_, err := m.GetValidAccessToken(context.Background(), conn.ID)
	if code := errCode(t, err); code != "CONNECTION_EXPIRED" {
		t.Fatalf("code = %s", code)
	}
	if types := emitter.types(); len(types) != 1 || types[0] != "connection.expired" {
		t.Fatalf("events = %v", types)
	}
}

func TestPendingConnectionRejected(t *testing.T) {
	cipher := testCipher(t)
	conn := testConn(t, cipher, connection.StatusPending, nil)
	m := newManager(t, newFakeRepo(conn), &fakeAdapter{}, cipher, &fakeEmitter{})

	if _, err := m.GetValidAccessToken(context.Background(), conn.ID); err == nil {
		t.Fatal("pending connection produced a lease")
	}
}
