package dispatch

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/linkshitup/link-broker/pkg/connection"
	"github.com/linkshitup/link-broker/pkg/connection/tokensrv"
	"github.com/linkshitup/link-broker/pkg/cryptox"
	"github.com/linkshitup/link-broker/pkg/errx"
	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

type stubConnRepo struct {
	mu    sync.Mutex
	conns map[kernel.ConnectionID]*connection.Connection
}

func (r *stubConnRepo) find(id kernel.ConnectionID) (*connection.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, connection.ErrConnectionNotFound()
	}
	copied := *c
	return &copied, nil
}

func (r *stubConnRepo) FindByID(_ context.Context, id kernel.ConnectionID) (*connection.Connection, error) {
	return r.find(id)
}

func (r *stubConnRepo) FindByIDForProject(_ context.Context, id kernel.ConnectionID, projectID kernel.ProjectID) (*connection.Connection, error) {
	c, err := r.find(id)
	if err != nil {
		return nil, err
	}
	if c.ProjectID != projectID {
		return nil, connection.ErrConnectionNotFound()
	}
	return c, nil
}

func (r *stubConnRepo) List(context.Context, kernel.ProjectID, connection.ListFilter) ([]*connection.Connection, error) {
	return nil, nil
}
func (r *stubConnRepo) Upsert(_ context.Context, c *connection.Connection) (*connection.Connection, error) {
	return c, nil
}
func (r *stubConnRepo) UpdateTokens(context.Context, kernel.ConnectionID, connection.TokenUpdate) error {
	return nil
}
func (r *stubConnRepo) UpdateStatus(_ context.Context, id kernel.ConnectionID, status connection.Status, msg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[id]; ok {
		c.Status = status
		c.ErrorMessage = msg
	}
	return nil
}
func (r *stubConnRepo) UpdateLastUsed(context.Context, kernel.ConnectionID) error { return nil }
func (r *stubConnRepo) Revoke(context.Context, kernel.ConnectionID, kernel.ProjectID) (bool, error) {
	return false, nil
}
func (r *stubConnRepo) WithRefreshLock(ctx context.Context, _ kernel.ConnectionID, fn func(context.Context) error) error {
	return fn(ctx)
}

type stubLogs struct {
	mu   sync.Mutex
	rows []*APILog
}

func (l *stubLogs) Insert(_ context.Context, log *APILog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows = append(l.rows, log)
	return nil
}

func (l *stubLogs) ListByProject(context.Context, kernel.ProjectID, kernel.ConnectionID, int) ([]*APILog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rows, nil
}

func (l *stubLogs) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.rows)
}

type verbAdapter struct {
	fetched int
	result  interface{}
}

func (a *verbAdapter) Name() kernel.ProviderName   { return "gmail" }
func (a *verbAdapter) DisplayName() string         { return "Stub" }
func (a *verbAdapter) Category() provider.Category { return provider.CategoryMail }
func (a *verbAdapter) BuildAuthorizationURL(string, []string, string, string) (string, error) {
	return "", nil
}
func (a *verbAdapter) ExchangeCode(context.Context, string, string, string) (*provider.TokenSet, error) {
	return nil, nil
}
func (a *verbAdapter) Refresh(context.Context, string) (*provider.TokenSet, error) {
	return nil, &provider.RefreshError{Kind: provider.RefreshTransient}
}
func (a *verbAdapter) Fetch(_ context.Context, h provider.Handle, _ provider.Params) (interface{}, error) {
	a.fetched++
	return a.result, nil
}
func (a *verbAdapter) Create(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *verbAdapter) Update(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *verbAdapter) Delete(context.Context, provider.Handle, provider.Params) (interface{}, error) {
	return nil, nil
}
func (a *verbAdapter) NormalizeError(err error) error { return err }

func newDispatchFixture(t *testing.T, conn *connection.Connection) (*Service, *stubLogs, *verbAdapter) {
	t.Helper()

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	cipher, err := cryptox.NewCipher(map[byte][]byte{1: key}, 1)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	sealed, err := cipher.EncryptString("access-token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	conn.EncryptedAccessToken = sealed

	repo := &stubConnRepo{conns: map[kernel.ConnectionID]*connection.Connection{conn.ID: conn}}
	adapter := &verbAdapter{result: map[string]string{"ok": "yes"}}
	registry := provider.NewRegistry()
	registry.Register(adapter)
	registry.Seal()

	logs := &stubLogs{}
	tokens := tokensrv.NewManager(repo, registry, cipher, nil)
	return NewService(repo, registry, tokens, logs), logs, adapter
}

func activeConn() *connection.Connection {
	return &connection.Connection{
		ID:        connection.NewID(),
		ProjectID: kernel.NewProjectID("proj-1"),
		Provider:  "gmail",
		EndUserID: kernel.NewEndUserID("eu-1"),
		Status:    connection.StatusActive,
	}
}

func waitForLogs(t *testing.T, logs *stubLogs, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if logs.count() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("log rows = %d, want %d", logs.count(), want)
}

func TestDispatchHappyPathLogs(t *testing.T) {
	conn := activeConn()
	svc, logs, adapter := newDispatchFixture(t, conn)

	result, err := svc.Dispatch(context.Background(), "proj-1", conn.ID, "gmail", provider.VerbFetch, provider.Params{})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result == nil || adapter.fetched != 1 {
		t.Fatalf("adapter fetched %d times", adapter.fetched)
	}

	waitForLogs(t, logs, 1)
	row := logs.rows[0]
	if row.StatusCode != 200 || row.Endpoint != "/gmail/fetch" || row.ConnectionID != conn.ID {
		t.Fatalf("log row = %+v", row)
	}
}

func TestDispatchForeignProjectIsNotFound(t *testing.T) {
	conn := activeConn()
	svc, _, adapter := newDispatchFixture(t, conn)

	_, err := svc.Dispatch(context.Background(), "other-project", conn.ID, "gmail", provider.VerbFetch, provider.Params{})
	var coded *errx.Error
	if !errx.As(err, &coded) || coded.Code != "CONNECTION_NOT_FOUND" {
		t.Fatalf("err = %v", err)
	}
	if adapter.fetched != 0 {
		t.Fatal("foreign project reached the adapter")
	}
}

func TestDispatchProviderMismatch(t *testing.T) {
	conn := activeConn()
	svc, _, _ := newDispatchFixture(t, conn)

	_, err := svc.Dispatch(context.Background(), "proj-1", conn.ID, "gcal", provider.VerbFetch, provider.Params{})
	var coded *errx.Error
	if !errx.As(err, &coded) || coded.Code != "CONNECTION_NOT_FOUND" {
		t.Fatalf("err = %v", err)
	}
}

func TestDispatchTerminalStatusFailsFastAndLogs(t *testing.T) {
	conn := activeConn()
	conn.Status = connection.StatusRevoked
	svc, logs, adapter := newDispatchFixture(t, conn)

	_, err := svc.Dispatch(context.Background(), "proj-1", conn.ID, "gmail", provider.VerbFetch, provider.Params{})
	var coded *errx.Error
	if !errx.As(err, &coded) || coded.Code != "CONNECTION_REVOKED" {
		t.Fatalf("err = %v", err)
	}
	if adapter.fetched != 0 {
		t.Fatal("revoked connection reached the adapter")
	}

	waitForLogs(t, logs, 1)
	if logs.rows[0].StatusCode != 401 {
		t.Fatalf("log status = %d", logs.rows[0].StatusCode)
	}
}
