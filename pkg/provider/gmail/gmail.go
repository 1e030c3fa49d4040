// Package gmail is the reference mail adapter. It speaks the Gmail REST API
// and normalizes messages into provider.NormalizedMessage.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/linkshitup/link-broker/pkg/kernel"
	"github.com/linkshitup/link-broker/pkg/provider"
)

const (
	defaultAPIBase = "https://gmail.googleapis.com"
	authURL        = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL       = "https://oauth2.googleapis.com/token"

	// listFetchCap bounds the per-message metadata fetches a list costs.
	listFetchCap = 25
)

var scopeMap = provider.ScopeMap{
	"email.read":   "https://www.googleapis.com/auth/gmail.readonly",
	"email.send":   "https://www.googleapis.com/auth/gmail.send",
	"email.modify": "https://www.googleapis.com/auth/gmail.modify",
}

// Adapter implements provider.Adapter for Gmail.
type Adapter struct {
	oauth   provider.OAuth2Client
	apiBase string
	client  *http.Client
}

// Config carries the broker's Google OAuth client plus test overrides.
type Config struct {
	ClientID     string
	ClientSecret string
	APIBaseURL   string
	HTTPClient   *http.Client
}

func New(cfg Config) *Adapter {
	apiBase := cfg.APIBaseURL
	if apiBase == "" {
		apiBase = defaultAPIBase
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &Adapter{
		oauth: provider.OAuth2Client{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthURL:      authURL,
			TokenURL:     tokenURL,
			// Google only issues a refresh token when asked to.
			ExtraAuthParams: map[string]string{
				"access_type": "offline",
				"prompt":      "consent",
			},
			HTTPClient: cfg.HTTPClient,
		},
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  client,
	}
}

func (a *Adapter) Name() kernel.ProviderName  { return "gmail" }
func (a *Adapter) DisplayName() string        { return "Gmail" }
func (a *Adapter) Category() provider.Category { return provider.CategoryMail }

func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) (string, error) {
	return a.oauth.BuildAuthorizationURL(redirectURI, scopeMap.Translate(scopes), state, pkceChallenge), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenSet, error) {
	return a.oauth.ExchangeCode(ctx, code, verifier, redirectURI)
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	return a.oauth.Refresh(ctx, refreshToken)
}

// UserInfo reads the Gmail profile for the provider-side identity.
func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	var profile struct {
		EmailAddress string `json:"emailAddress"`
	}
	h := provider.Handle{AccessToken: accessToken}
	if err := a.get(ctx, h, "/gmail/v1/users/me/profile", nil, &profile); err != nil {
		return nil, err
	}
	return &provider.UserInfo{
		ProviderUserID: profile.EmailAddress,
		Email:          profile.EmailAddress,
	}, nil
}

// Fetch reads one message when params carry messageId, otherwise lists the
// mailbox and hydrates each hit's metadata.
func (a *Adapter) Fetch(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	if id := params.String("messageId"); id != "" {
		var msg gmailMessage
		if err := a.get(ctx, h, "/gmail/v1/users/me/messages/"+url.PathEscape(id), url.Values{"format": {"full"}}, &msg); err != nil {
			return nil, err
		}
		normalized := normalizeMessage(&msg, params)
		return &normalized, nil
	}

	q := url.Values{}
	if query := params.String("query"); query != "" {
		q.Set("q", query)
	}
	if token := params.String("pageToken"); token != "" {
		q.Set("pageToken", token)
	}
	maxResults := params.Int("maxResults")
	if maxResults <= 0 || maxResults > listFetchCap {
		maxResults = listFetchCap
	}
	q.Set("maxResults", strconv.Itoa(maxResults))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		NextPageToken      string `json:"nextPageToken"`
		ResultSizeEstimate int    `json:"resultSizeEstimate"`
	}
	if err := a.get(ctx, h, "/gmail/v1/users/me/messages", q, &list); err != nil {
		return nil, err
	}

	page := provider.PageOf[provider.NormalizedMessage]{
		Items:              make([]provider.NormalizedMessage, 0, len(list.Messages)),
		NextPageToken:      list.NextPageToken,
		ResultSizeEstimate: list.ResultSizeEstimate,
	}
	for _, ref := range list.Messages {
		var msg gmailMessage
		if err := a.get(ctx, h, "/gmail/v1/users/me/messages/"+url.PathEscape(ref.ID), url.Values{"format": {"metadata"}}, &msg); err != nil {
			return nil, err
		}
		page.Items = append(page.Items, normalizeMessage(&msg, params))
	}
	return &page, nil
}

// Create sends a message built from to/cc/subject/body params.
func (a *Adapter) Create(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	to := params.String("to")
	if to == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "create requires 'to'")
	}

	var rfc822 bytes.Buffer
	fmt.Fprintf(&rfc822, "To: %s\r\n", to)
	if cc := params.String("cc"); cc != "" {
		fmt.Fprintf(&rfc822, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&rfc822, "Subject: %s\r\n", params.String("subject"))
	rfc822.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	rfc822.WriteString(params.String("body"))

	payload := map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString(rfc822.Bytes()),
	}
	var sent gmailMessage
	if err := a.post(ctx, h, "/gmail/v1/users/me/messages/send", payload, &sent); err != nil {
		return nil, err
	}
	normalized := normalizeMessage(&sent, params)
	return &normalized, nil
}

// Update modifies a message's labels (mark read/unread, archive, …).
func (a *Adapter) Update(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	id := params.String("messageId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "update requires 'messageId'")
	}

	payload := map[string]interface{}{}
	if add := stringList(params["addLabels"]); len(add) > 0 {
		payload["addLabelIds"] = add
	}
	if remove := stringList(params["removeLabels"]); len(remove) > 0 {
		payload["removeLabelIds"] = remove
	}

	var msg gmailMessage
	if err := a.post(ctx, h, "/gmail/v1/users/me/messages/"+url.PathEscape(id)+"/modify", payload, &msg); err != nil {
		return nil, err
	}
	normalized := normalizeMessage(&msg, params)
	return &normalized, nil
}

// Delete moves a message to the trash.
func (a *Adapter) Delete(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	id := params.String("messageId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "delete requires 'messageId'")
	}
	if err := a.post(ctx, h, "/gmail/v1/users/me/messages/"+url.PathEscape(id)+"/trash", nil, nil); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "deleted": true}, nil
}

// NormalizeError maps Gmail error payloads into the broker taxonomy.
func (a *Adapter) NormalizeError(err error) error {
	var apiErr *apiError
	if !asAPIError(err, &apiErr) {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	for _, reason := range apiErr.Reasons {
		switch reason {
		case "insufficientPermissions", "accessNotConfigured":
			return provider.ErrScopeInsufficient().WithDetail("reason", reason)
		case "rateLimitExceeded", "userRateLimitExceeded":
			return provider.ErrProviderError().WithDetail("transient", true).WithDetail("reason", reason)
		}
	}
	return provider.NormalizeHTTPStatus(apiErr.Status, apiErr.Body)
}

// ── HTTP plumbing ──────────────────────────────────────────────────────────

// apiError is a non-2xx Gmail response before normalization.
type apiError struct {
	Status  int
	Body    string
	Reasons []string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gmail: status %d", e.Status)
}

func asAPIError(err error, target **apiError) bool {
	e, ok := err.(*apiError)
	if ok {
		*target = e
	}
	return ok
}

func (a *Adapter) get(ctx context.Context, h provider.Handle, path string, query url.Values, out interface{}) error {
	u := a.apiBase + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	return a.do(req, h, out)
}

func (a *Adapter) post(ctx context.Context, h provider.Handle, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return provider.ErrProviderError().WithDetail("cause", err.Error())
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiBase+path, body)
	if err != nil {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req, h, out)
}

func (a *Adapter) do(req *http.Request, h provider.Handle, out interface{}) error {
	req.Header.Set("Authorization", "Bearer "+h.AccessToken)

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
		return a.NormalizeError(&apiError{
			Status:  resp.StatusCode,
			Body:    string(data),
			Reasons: errorReasons(data),
		})
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.ErrProviderError().WithDetail("cause", "undecodable provider response")
	}
	return nil
}

func errorReasons(body []byte) []string {
	var envelope struct {
		Error struct {
			Errors []struct {
				Reason string `json:"reason"`
			} `json:"errors"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	reasons := make([]string, 0, len(envelope.Error.Errors))
	for _, e := range envelope.Error.Errors {
		reasons = append(reasons, e.Reason)
	}
	return reasons
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
