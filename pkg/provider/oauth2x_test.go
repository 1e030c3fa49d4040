package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

func TestClassifyRefreshError(t *testing.T) {
	retrieve := func(status int, code, desc string) error {
		return &oauth2.RetrieveError{
			Response:         &http.Response{StatusCode: status},
			ErrorCode:        code,
			ErrorDescription: desc,
		}
	}

	tests := []struct {
		name string
		err  error
		want RefreshFailureKind
	}{
		{"invalid_grant revoked", retrieve(400, "invalid_grant", "Token has been revoked"), RefreshRevoked},
		{"invalid_grant bare", retrieve(400, "invalid_grant", ""), RefreshRevoked},
		{"invalid_grant expired", retrieve(400, "invalid_grant", "Token has expired or been revoked"), RefreshExpired},
		{"server error", retrieve(503, "", ""), RefreshTransient},
		{"other 4xx", retrieve(401, "invalid_client", ""), RefreshDenied},
		{"network error", errors.New("dial tcp: connection refused"), RefreshTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyRefreshError(tt.err)
			if got.Kind != tt.want {
				t.Fatalf("kind = %d, want %d", got.Kind, tt.want)
			}
		})
	}
}

func TestBuildAuthorizationURL(t *testing.T) {
	c := &OAuth2Client{
		ClientID: "client-1",
		AuthURL:  "https://provider.example/auth",
		TokenURL: "https://provider.example/token",
		ExtraAuthParams: map[string]string{
			"access_type": "offline",
		},
	}

	raw := c.BuildAuthorizationURL("https://broker.example/cb", []string{"a", "b"}, "state-1", "challenge-1")
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("unparseable URL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-1" || q.Get("code_challenge") != "challenge-1" || q.Get("code_challenge_method") != "S256" {
		t.Fatalf("query = %v", q)
	}
	if q.Get("access_type") != "offline" {
		t.Fatal("extra auth param dropped")
	}
	if q.Get("redirect_uri") != "https://broker.example/cb" {
		t.Fatalf("redirect_uri = %q", q.Get("redirect_uri"))
	}
	if !strings.Contains(q.Get("scope"), "a") {
		t.Fatalf("scope = %q", q.Get("scope"))
	}
}

func TestExchangeCodeSendsVerifier(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	c := &OAuth2Client{
		ClientID: "client-1",
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
	}

	set, err := c.ExchangeCode(context.Background(), "code-1", "verifier-1", "https://broker.example/cb")
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if set.AccessToken != "at-1" || set.RefreshToken != "rt-1" || set.ExpiresAt == nil {
		t.Fatalf("token set = %+v", set)
	}
	if form.Get("code_verifier") != "verifier-1" {
		t.Fatalf("code_verifier = %q", form.Get("code_verifier"))
	}
	if form.Get("code") != "code-1" {
		t.Fatalf("code = %q", form.Get("code"))
	}
}

func TestRefreshDropsUnrotatedToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// Provider echoes the same refresh token back.
		w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-same","token_type":"Bearer","expires_in":3600}`))
	}))
	defer srv.Close()

	c := &OAuth2Client{ClientID: "client-1", TokenURL: srv.URL}
	set, err := c.Refresh(context.Background(), "rt-same")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if set.RefreshToken != "" {
		t.Fatalf("unrotated refresh token surfaced: %q", set.RefreshToken)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("gmail"); ok {
		t.Fatal("empty registry resolved an adapter")
	}

	defer func() {
		if recover() == nil {
			t.Fatal("Register after Seal did not panic")
		}
	}()
	r.Seal()
	r.Register(nil)
}

func TestScopeUnion(t *testing.T) {
	got := Union([]string{"a", "b"}, []string{"b", "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
