// Package gcal is the calendar adapter for Google Calendar. It shares the
// Google OAuth endpoints with gmail but owns its own scope map and
// normalization into provider.NormalizedEvent.
package gcal

import (
	"bytes"
	"context"
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
	defaultAPIBase = "https://www.googleapis.com"
	authURL        = "https://accounts.google.com/o/oauth2/v2/auth"
	tokenURL       = "https://oauth2.googleapis.com/token"
)

var scopeMap = provider.ScopeMap{
	"calendar.read":  "https://www.googleapis.com/auth/calendar.readonly",
	"calendar.write": "https://www.googleapis.com/auth/calendar.events",
}

// Adapter implements provider.Adapter for Google Calendar.
type Adapter struct {
	oauth   provider.OAuth2Client
	apiBase string
	client  *http.Client
}

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

func (a *Adapter) Name() kernel.ProviderName   { return "gcal" }
func (a *Adapter) DisplayName() string         { return "Google Calendar" }
func (a *Adapter) Category() provider.Category { return provider.CategoryCalendar }

func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) (string, error) {
	return a.oauth.BuildAuthorizationURL(redirectURI, scopeMap.Translate(scopes), state, pkceChallenge), nil
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.TokenSet, error) {
	return a.oauth.ExchangeCode(ctx, code, verifier, redirectURI)
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.TokenSet, error) {
	return a.oauth.Refresh(ctx, refreshToken)
}

func calendarID(params provider.Params) string {
	if id := params.String("calendarId"); id != "" {
		return id
	}
	return "primary"
}

func (a *Adapter) eventsPath(params provider.Params) string {
	return "/calendar/v3/calendars/" + url.PathEscape(calendarID(params)) + "/events"
}

// Fetch reads one event (eventId) or lists a window of the calendar.
func (a *Adapter) Fetch(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	if id := params.String("eventId"); id != "" {
		var ev gcalEvent
		if err := a.do(ctx, h, http.MethodGet, a.eventsPath(params)+"/"+url.PathEscape(id), nil, nil, &ev); err != nil {
			return nil, err
		}
		normalized := normalizeEvent(&ev, calendarID(params), params)
		return &normalized, nil
	}

	q := url.Values{"singleEvents": {"true"}, "orderBy": {"startTime"}}
	if v := params.String("timeMin"); v != "" {
		q.Set("timeMin", v)
	}
	if v := params.String("timeMax"); v != "" {
		q.Set("timeMax", v)
	}
	if v := params.String("pageToken"); v != "" {
		q.Set("pageToken", v)
	}
	if n := params.Int("maxResults"); n > 0 {
		q.Set("maxResults", strconv.Itoa(n))
	}

	var list struct {
		Items         []gcalEvent `json:"items"`
		NextPageToken string      `json:"nextPageToken"`
	}
	if err := a.do(ctx, h, http.MethodGet, a.eventsPath(params), q, nil, &list); err != nil {
		return nil, err
	}

	page := provider.PageOf[provider.NormalizedEvent]{
		Items:         make([]provider.NormalizedEvent, 0, len(list.Items)),
		NextPageToken: list.NextPageToken,
	}
	for i := range list.Items {
		page.Items = append(page.Items, normalizeEvent(&list.Items[i], calendarID(params), params))
	}
	return &page, nil
}

// Create inserts an event from summary/description/start/end params.
func (a *Adapter) Create(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	payload := eventPayload(params)
	if payload["summary"] == nil || payload["start"] == nil || payload["end"] == nil {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "create requires 'summary', 'start' and 'end'")
	}

	var ev gcalEvent
	if err := a.do(ctx, h, http.MethodPost, a.eventsPath(params), nil, payload, &ev); err != nil {
		return nil, err
	}
	normalized := normalizeEvent(&ev, calendarID(params), params)
	return &normalized, nil
}

// Update patches an existing event.
func (a *Adapter) Update(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	id := params.String("eventId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "update requires 'eventId'")
	}

	var ev gcalEvent
	if err := a.do(ctx, h, http.MethodPatch, a.eventsPath(params)+"/"+url.PathEscape(id), nil, eventPayload(params), &ev); err != nil {
		return nil, err
	}
	normalized := normalizeEvent(&ev, calendarID(params), params)
	return &normalized, nil
}

// Delete removes an event.
func (a *Adapter) Delete(ctx context.Context, h provider.Handle, params provider.Params) (interface{}, error) {
	id := params.String("eventId")
	if id == "" {
		return nil, provider.ErrProviderNotSupported().WithDetail("reason", "delete requires 'eventId'")
	}
	if err := a.do(ctx, h, http.MethodDelete, a.eventsPath(params)+"/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return nil, err
	}
	return map[string]interface{}{"id": id, "deleted": true}, nil
}

// NormalizeError relies on the shared status mapping; Calendar carries no
// richer machine-readable reason the broker acts on.
func (a *Adapter) NormalizeError(err error) error {
	var apiErr *apiError
	if e, ok := err.(*apiError); ok {
		apiErr = e
	} else {
		return provider.ErrProviderError().WithDetail("cause", err.Error())
	}
	return provider.NormalizeHTTPStatus(apiErr.Status, apiErr.Body)
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("gcal: status %d", e.Status)
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
		return a.NormalizeError(&apiError{Status: resp.StatusCode, Body: string(data)})
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return provider.ErrProviderError().WithDetail("cause", "undecodable provider response")
	}
	return nil
}

// eventPayload maps verb params onto the Calendar wire shape, passing only
// what the caller supplied.
func eventPayload(params provider.Params) map[string]interface{} {
	payload := map[string]interface{}{}
	for _, key := range []string{"summary", "description", "location"} {
		if v := params.String(key); v != "" {
			payload[key] = v
		}
	}
	for _, key := range []string{"start", "end"} {
		if v, ok := params[key].(map[string]interface{}); ok {
			payload[key] = v
		}
	}
	if attendees, ok := params["attendees"].([]interface{}); ok {
		payload["attendees"] = attendees
	}
	return payload
}
