package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// RefreshFailureKind classifies why a refresh round-trip failed; the token
// manager maps each kind onto a connection status transition.
type RefreshFailureKind int

const (
	// RefreshRevoked — the provider reported the refresh token invalid or
	// revoked; the connection is dead until the user re-connects.
	RefreshRevoked RefreshFailureKind = iota
	// RefreshExpired — the refresh token aged out under provider policy.
	RefreshExpired
	// RefreshTransient — network error or provider 5xx; the connection
	// stays untouched and the caller sees PROVIDER_ERROR.
	RefreshTransient
	// RefreshDenied — any other provider 4xx.
	RefreshDenied
)

// RefreshError carries the classification alongside the provider's words.
type RefreshError struct {
	Kind        RefreshFailureKind
	OAuthCode   string // "invalid_grant", …
	Description string
	Status      int
	Err         error
}

func (e *RefreshError) Error() string {
	if e.OAuthCode != "" {
		return "provider refresh failed: " + e.OAuthCode
	}
	return "provider refresh failed"
}

func (e *RefreshError) Unwrap() error { return e.Err }

// OAuth2Client wraps an oauth2.Config for one provider. Adapters embed it
// for the authorization URL, code exchange, and refresh legs.
type OAuth2Client struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string

	// ExtraAuthParams ride along on every authorization URL (e.g. Google's
	// access_type=offline&prompt=consent to force a refresh token).
	ExtraAuthParams map[string]string

	// HTTPClient overrides the transport; tests point it at a local server.
	HTTPClient *http.Client
}

func (c *OAuth2Client) config(redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

func (c *OAuth2Client) ctx(ctx context.Context) context.Context {
	if c.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, c.HTTPClient)
	}
	return ctx
}

// BuildAuthorizationURL renders the consent URL with state and the S256
// PKCE challenge.
func (c *OAuth2Client) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string {
	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", pkceChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	for k, v := range c.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.config(redirectURI, scopes).AuthCodeURL(state, opts...)
}

// ExchangeCode performs the code-for-token exchange with the PKCE verifier.
func (c *OAuth2Client) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*TokenSet, error) {
	tok, err := c.config(redirectURI, nil).Exchange(c.ctx(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		return nil, ErrProviderError().WithDetail("stage", "exchange_code").WithDetail("cause", err.Error())
	}
	return tokenSetFrom(tok), nil
}

// Refresh trades the refresh token for a fresh access token. Failures come
// back as *RefreshError for the token manager to classify.
func (c *OAuth2Client) Refresh(ctx context.Context, refreshToken string) (*TokenSet, error) {
	src := c.config("", nil).TokenSource(c.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}

	set := tokenSetFrom(tok)
	if set.RefreshToken == refreshToken {
		// Provider did not rotate; the caller keeps what it has.
		set.RefreshToken = ""
	}
	return set, nil
}

func tokenSetFrom(tok *oauth2.Token) *TokenSet {
	set := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		set.ExpiresAt = &expiry
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		set.Scopes = strings.Fields(scope)
	}
	return set
}

// classifyRefreshError turns the oauth2 transport error into a
// RefreshError per the classification table.
func classifyRefreshError(err error) *RefreshError {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		// No HTTP response at all: network-level failure, transient.
		return &RefreshError{Kind: RefreshTransient, Err: err}
	}

	status := 0
	if retrieve.Response != nil {
		status = retrieve.Response.StatusCode
	}
	oauthCode := retrieve.ErrorCode
	desc := retrieve.ErrorDescription

	re := &RefreshError{
		OAuthCode:   oauthCode,
		Description: desc,
		Status:      status,
		Err:         err,
	}

	switch {
	case status >= 500:
		re.Kind = RefreshTransient
	case oauthCode == "invalid_grant":
		// invalid_grant covers both revocation and policy expiry; the
		// description is the only place providers distinguish the two.
		if strings.Contains(strings.ToLower(desc), "expired") {
			re.Kind = RefreshExpired
		} else {
			re.Kind = RefreshRevoked
		}
	case status >= 400:
		re.Kind = RefreshDenied
	default:
		re.Kind = RefreshTransient
	}
	return re
}

