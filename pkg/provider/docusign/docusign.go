// Package docusign is the document-category adapter. Its verbs drive the
// eSignature envelopes API; the refresh leg uses an RS256 JWT grant instead
// of a client secret, which is how DocuSign issues long-lived server-side
// consent.
package docusign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

const (
	defaultAuthBase = "https://account.docusign.com"
	defaultAPIBase  = "https://na3.docusign.net"

	assertionTTL = 5 * time.Minute
)

var scopeMap = provider.ScopeMap{
	"document.read":  "signature",
	"document.write": "signature impersonation",
}

// Adapter implements provider.Adapter for DocuSign.
type Adapter struct {
	oauth    provider.OAuth2Client
	signer   *provider.AssertionSigner
	authBase string
	apiBase  string
	client   *http.Client
}

type Config struct {
	ClientID     string
	ClientSecret string
	// PrivateKeyPEM enables the JWT grant on refresh. The stored "refresh
	// token" for a DocuSign connection is the impersonated user GUID the
	// assertion names as its subject.
	PrivateKeyPEM []byte
	AuthBaseURL   string
	APIBaseURL    string
	HTTPClient    *http.Client
}

func New(cfg Config) (*Adapter, error) {
	authBase := cfg.AuthBaseURL
	if authBase == "" {
		authBase = defaultAuthBase
	}
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	a := &Adapter{
		oauth: provider.OAuth2Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthURL:      authBase + "/oauth/auth",
			TokenURL:     authBase + "/oauth/token",
			HTTPClient:   cfg.HTTPClient,
		},
		authBase: strings.TrimRight(authBase, "/"),
		apiBase:  strings.TrimRight(apiBase, "/"),
		client:   client,
	}

	if len(cfg.PrivateKeyPEM) > 0 {
		signer, err := provider.NewAssertionSigner(cfg.PrivateKeyPEM, cfg.ClientID)
		if err != nil {
			return nil, err
		}
		a.signer = signer
	}
	return a, nil
}

func (a *Adapter) Name() kernel.ProviderName   { return "docusign" }
func (a *Adapter) DisplayName() string         { return "DocuSign" }
func (a *Adapter) Category() provider.Category { return provider.CategoryDocument }

func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) (string, error) {
	return a.oauth.BuildAuthorizationURL(redirectURI, scopeMap.Translate(scopes), state, pkceChallenge), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenSet, error) {
	return a.oauth.ExchangeCode(ctx, code, verifier, redirectURI)
}

// Refresh uses the JWT grant when a signer is configured, falling back to
// the standard refresh-token grant otherwise.
func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	if a.signer == nil {
		return a.oauth.Refresh(ctx, refreshToken)
	}

	assertion, err := a.signer.Sign(refreshToken, a.authBase, scopeMap.Translate([]string{"document.read"}), assertionTTL)
	if err != nil {
		return nil, err
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.authBase+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &provider.RefreshError{Kind: provider.RefreshTransient, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &provider.RefreshError{Kind: provider.RefreshTransient, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &provider.RefreshError{Kind: provider.RefreshTransient, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyJWTGrantFailure(resp.StatusCode, data)
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &grant); err != nil {
		return nil, &provider.RefreshError{Kind: provider.RefreshTransient, Err: err}
	}

	set := &provider.TokenSet{
		AccessToken: grant.AccessToken,
		TokenType:   grant.TokenType,
	}
	if grant.ExpiresIn > 0 {
		expiry := time.Now().UTC().Add(time.Duration(grant.ExpiresIn) * time.Second)
		set.ExpiresAt = &expiry
	}
	return set, nil
}

func classifyJWTGrantFailure(status int, body []byte) *provider.RefreshError {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &e)

	re := &provider.RefreshError{
		OAuthCode: e.Error,
		Status:    status,
	}
	switch {
	case status >= 500:
		re.Kind = provider.RefreshTransient
	case e.Error == "consent_required", e.Error == "invalid_grant":
		re.Kind = provider.RefreshRevoked
	default:
		re.Kind = provider.RefreshDenied
	}
	return re
}

func accountPath(params provider.Params) (string, error) {
	account := params.String("accountId")
	if account == "" {
		return "", provider.ErrProviderNotSupported().WithDetail("reason", "docusign verbs require 'accountId'")
	}
	return "/restapi/v2.1/accounts/" + url.PathEscape(account), nil
}

// Fetch reads one envelope (envelopeId) or lists envelopes changed since
// fromDate.
func (a *Adapter) Fetch(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	base, err := accountPath(params)
	if err != nil {
		return nil, err
	}

	if id := params.String("envelopeId"); id != "" {
		var env envelope
		if err := a.do(ctx, h, http.MethodGet, base+"/envelopes/"+url.PathEscape(id), nil, nil, &env); err != nil {
			return nil, err
		}
		normalized := normalizeEnvelope(&env, params)
		return &normalized, nil
	}

	from := params.String("fromDate")
	if from == "" {
		from = time.Now().UTC().AddDate(0, -1, 0).Format(time.RFC3339)
	}
	q := url.Values{"from_date": {from}}

	var list struct {
		Envelopes []envelope `json:"envelopes"`
	}
	if err := a.do(ctx, h, http.MethodGet, base+"/envelopes", q, nil, &list); err != nil {
		return nil, err
	}

	page := provider.PageOf[provider.NormalizedDocument]{
		Items: make([]provider.NormalizedDocument, 0, len(list.Envelopes)),
	}
	for i := range list.Envelopes {
		page.Items = append(page.Items, normalizeEnvelope(&list.Envelopes[i], params))
	}
	return &page, nil
}

// Create sends a new envelope.
func (a *Adapter) Create(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	base, err := accountPath(params)
	if err != nil {
		return nil, err
	}
	subject := params.String("emailSubject")
	if subject == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "create requires 'emailSubject'")
	}

	payload := map[string]interface{}{
		"emailSubject": subject,
		"status":       "sent",
	}
	if status := params.String("status"); status != "" {
		payload["status"] = status
	}
	if docs, ok := params["documents"]; ok {
		payload["documents"] = docs
	}
	if recipients, ok := params["recipients"]; ok {
		payload["recipients"] = recipients
	}

	var env envelope
	if err := a.do(ctx, h, http.MethodPost, base+"/envelopes", nil, payload, &env); err != nil {
		return nil, err
	}
	normalized := normalizeEnvelope(&env, params)
	return &normalized, nil
}

// Update changes envelope state (resend, correct subject, …).
func (a *Adapter) Update(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	base, err := accountPath(params)
	if err != nil {
		return nil, err
	}
	id := params.String("envelopeId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "update requires 'envelopeId'")
	}

	payload := map[string]interface{}{}
	for _, key := range []string{"status", "emailSubject"} {
		if v := params.String(key); v != "" {
			payload[key] = v
		}
	}

	var env envelope
	if err := a.do(ctx, h, http.MethodPut, base+"/envelopes/"+url.PathEscape(id), nil, payload, &env); err != nil {
		return nil, err
	}
	normalized := normalizeEnvelope(&env, params)
	return &normalized, nil
}

// Delete voids an envelope; DocuSign keeps the record but kills the flow.
func (a *Adapter) Delete(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	base, err := accountPath(params)
	if err != nil {
		return nil, err
	}
	id := params.String("envelopeId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "delete requires 'envelopeId'")
	}

	reason := params.String("reason")
	if reason == "" {
		reason = "Voided by integration"
	}
	payload := map[string]string{"status": "voided", "voidedReason": reason}

	if err := a.do(ctx, h, http.MethodPut, base+"/envelopes/"+url.PathEscape(id), nil, payload, nil); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "voided": true}, nil
}

// NormalizeError maps DocuSign error codes into the broker taxonomy.
func (a *Adapter) NormalizeError(err error) error {
	apiErr, ok := err.(*apiError)
	if !ok {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	switch apiErr.Code {
	case "USER_LACKS_PERMISSIONS", "CONSENT_REQUIRED":
		return provider.ErrScopeInsufficient().WithDetail("reason", apiErr.Code)
	case "ENVELOPE_DOES_NOT_EXIST":
		return provider.ErrResourceNotFound()
	case "HOURLY_APIINVOCATION_LIMIT_EXCEEDED":
		return provider.ErrProviderError().WithDetail("transient", true).WithDetail("reason", apiErr.Code)
	}
	return provider.NormalizeHTTPStatus(apiErr.Status, apiErr.Body)
}

type apiError struct {
	Status int
	Code   string
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("docusign: status %d code %s", e.Status, e.Code)
}

func (a *Adapter) do(ctx context.Context, h provider.Handle, method, path string, query url.Values, payload, out interface{}) error {
	u := a.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return provider.ErrProviderError().WithDetail("cause", err.Error())
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return provider.ErrProviderError().WithDetail("transient", true).WithDetail("cause", err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return provider.ErrProviderError().WithDetail("transient", true).WithDetail("cause", err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			ErrorCode string `json:"errorCode"`
		}
		_ = json.Unmarshal(data, &e)
		return a.NormalizeError(&apiError{Status: resp.StatusCode, Code: e.ErrorCode, Body: string(data)})
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.ErrProviderError().WithDetail("cause", "undecodable provider response")
	}
	return nil
}

// envelope is the wire shape of an eSignature envelope summary.
type envelope struct {
	EnvelopeID   string `json:"envelopeId"`
	EmailSubject string `json:"emailSubject"`
	Status       string `json:"status"`
	CreatedDate  string `json:"createdDateTime"`
	LastModified string `json:"lastModifiedDateTime"`
}

func normalizeEnvelope(env *envelope, params provider.Params) provider.NormalizedDocument {
	out := provider.NormalizedDocument{
		ID:        env.EnvelopeID,
		Provider:  "docusign",
		Title:     env.EmailSubject,
		Status:    env.Status,
		CreatedAt: env.CreatedDate,
		UpdatedAt: env.LastModified,
	}
	if wantRaw, _ := params["raw"].(bool); wantRaw {
		out.Raw = env
	}
	return out
}
