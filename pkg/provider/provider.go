// Package provider defines the adapter framework: the capability set every
// third-party service implements, the process-local registry, and the shared
// OAuth2 plumbing adapters build on.
package provider

import (
	"context"
	"time"

	"github.com/linkshitup/link-broker/pkg/kernel"
)

// Category groups providers by what they integrate ("mail", "calendar",
// "document", "issues").
type Category string

const (
	CategoryMail     Category = "mail"
	CategoryCalendar Category = "calendar"
	CategoryDocument Category = "document"
	CategoryIssues   Category = "issues"
)

// Verb is one of the uniform operations projects invoke.
type Verb string

const (
	VerbFetch  Verb = "fetch"
	VerbCreate Verb = "create"
	VerbUpdate Verb = "update"
	VerbDelete Verb = "delete"
)

// ParseVerb validates a verb string from the URL path.
func ParseVerb(s string) (Verb, bool) {
	switch Verb(s) {
	case VerbFetch, VerbCreate, VerbUpdate, VerbDelete:
		return Verb(s), true
	}
	return "", false
}

// TokenSet is what a code exchange or refresh yields. RefreshToken is empty
// when the provider issued none; ExpiresAt nil means the token does not
// expire.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

// UserInfo is the provider-side identity captured after an exchange.
type UserInfo struct {
	ProviderUserID string
	Email          string
}

// Handle bundles everything an adapter verb needs about the connection it
// acts on. The access token inside is already decrypted and fresh.
type Handle struct {
	ConnectionID   kernel.ConnectionID
	ProjectID      kernel.ProjectID
	ProviderUserID string
	AccessToken    string
	TokenType      string
	Scopes         []string
}

// Params is the caller-supplied parameter bag for a verb.
type Params map[string]interface{}

// String reads a string param, empty when absent or mistyped.
func (p Params) String(key string) string {
	v, _ := p[key].(string)
	return v
}

// Int reads a numeric param (JSON numbers decode as float64).
func (p Params) Int(key string) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Adapter is the capability set of one provider. Implementations are plain
// values registered at process start; they hold no per-request state.
type Adapter interface {
	Name() kernel.ProviderName
	DisplayName() string
	Category() Category

	// BuildAuthorizationURL constructs the provider's consent URL carrying
	// the state token and the S256 PKCE challenge.
	BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) (string, error)

	// ExchangeCode swaps the authorization code (plus PKCE verifier) for
	// tokens at the provider's token endpoint.
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error)

	// Refresh obtains a new access token from a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*TokenSet, error)

	Fetch(ctx context.Context, h Handle, params Params) (interface{}, error)
	Create(ctx context.Context, h Handle, params Params) (interface{}, error)
	Update(ctx context.Context, h Handle, params Params) (interface{}, error)
	Delete(ctx context.Context, h Handle, params Params) (interface{}, error)

	// NormalizeError maps a provider-native failure into the broker's
	// error taxonomy.
	NormalizeError(err error) error
}

// IdentityAdapter is the optional user-info capability, called after a code
// exchange to capture the provider-side user id and email.
type IdentityAdapter interface {
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// Invoke routes a verb to the adapter's matching method.
func Invoke(ctx context.Context, a Adapter, verb Verb, h Handle, params Params) (interface{}, error) {
	switch verb {
	case VerbFetch:
		return a.Fetch(ctx, h, params)
	case VerbCreate:
		return a.Create(ctx, h, params)
	case VerbUpdate:
		return a.Update(ctx, h, params)
	case VerbDelete:
		return a.Delete(ctx, h, params)
	}
	return nil, ErrProviderNotSupported().WithDetail("verb", string(verb))
}
