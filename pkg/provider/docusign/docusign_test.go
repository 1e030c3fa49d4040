package docusign

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/linkshitup/link-broker/pkg/provider"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return pemBytes, key
}

func TestRefreshJWTGrant(t *testing.T) {
	pemBytes, key := testKeyPEM(t)

	var gotAssertion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth/token" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if grant := r.Form.Get("grant_type"); !strings.Contains(grant, "jwt-bearer") {
			t.Fatalf("grant_type = %s", grant)
		}
		gotAssertion = r.Form.Get("assertion")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	a, err := New(Config{
		ClientID:      "integration-key",
		PrivateKeyPEM: pemBytes,
		AuthBaseURL:   srv.URL,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	set, err := a.Refresh(context.Background(), "user-guid-1")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if set.AccessToken != "fresh-token" || set.ExpiresAt == nil {
		t.Fatalf("token set = %+v", set)
	}
	// JWT-grant providers never rotate a refresh token.
	if set.RefreshToken != "" {
		t.Fatalf("unexpected refresh token %q", set.RefreshToken)
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(gotAssertion, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("assertion did not verify: %v", err)
	}
	if claims["iss"] != "integration-key" || claims["sub"] != "user-guid-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestRefreshJWTGrantConsentRevoked(t *testing.T) {
	pemBytes, _ := testKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "consent_required"})
	}))
	defer srv.Close()

	a, err := New(Config{ClientID: "k", PrivateKeyPEM: pemBytes, AuthBaseURL: srv.URL})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = a.Refresh(context.Background(), "user-guid-1")
	var re *provider.RefreshError
	if !asRefreshError(err, &re) {
		t.Fatalf("err = %T %v", err, err)
	}
	if re.Kind != provider.RefreshRevoked {
		t.Fatalf("kind = %d, want RefreshRevoked", re.Kind)
	}
}

func asRefreshError(err error, target **provider.RefreshError) bool {
	re, ok := err.(*provider.RefreshError)
	if ok {
		*target = re
	}
	return ok
}

func TestFetchEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/restapi/v2.1/accounts/acct-1/envelopes/env-1" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(envelope{
			EnvelopeID:   "env-1",
			EmailSubject: "Contract",
			Status:       "sent",
		})
	}))
	defer srv.Close()

	a, _ := New(Config{APIBaseURL: srv.URL})
	out, err := a.Fetch(context.Background(), provider.Handle{AccessToken: "t"},
		provider.Params{"accountId": "acct-1", "envelopeId": "env-1"})
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	doc := out.(*provider.NormalizedDocument)
	if doc.ID != "env-1" || doc.Title != "Contract" || doc.Provider != "docusign" {
		t.Fatalf("doc = %+v", doc)
	}
}

func TestVerbsRequireAccountID(t *testing.T) {
	a, _ := New(Config{})
	if _, err := a.Fetch(context.Background(), provider.Handle{}, provider.Params{}); err == nil {
		t.Fatal("fetch without accountId accepted")
	}
}
