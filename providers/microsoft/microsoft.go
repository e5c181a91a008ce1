// Package microsoft is the Microsoft Graph calendar and OAuth client. It
// mirrors the google package: rate limited, circuit broken, provider refusals
// surfaced as fault.ProviderError (fault.RefreshError on the token endpoint).
package microsoft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/facetcal/facet/crypto/envelope"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/providers"
)

// Default endpoints.
const (
	DefaultBaseURL  = "https://graph.microsoft.com/v1.0"
	DefaultTokenURL = "https://login.microsoftonline.com/common/oauth2/v2.0/token"
	DefaultScope    = "https://graph.microsoft.com/Calendars.ReadWrite offline_access"
)

// Single-value extended property ids carrying the managed-mirror marker. The
// GUID namespaces the properties so they never collide with another app's.
const (
	markerGUID         = "66f5a359-4659-4830-9070-00047ec6ac6e"
	propManaged        = "String {" + markerGUID + "} Name facetManaged"
	propCanonicalEvent = "String {" + markerGUID + "} Name facetCanonicalEventId"
	propOriginAccount  = "String {" + markerGUID + "} Name facetOriginAccountId"
)

// graphTimeLayout is the fractional-seconds layout Graph uses in event bodies.
const graphTimeLayout = "2006-01-02T15:04:05.9999999"

type (
	// Client talks to Microsoft Graph.
	Client struct {
		clientID     string
		clientSecret string
		http         *http.Client
		baseURL      string
		tokenURL     string
		scope        string
		limiter      *rate.Limiter
		breaker      *gobreaker.CircuitBreaker
	}

	// Options configures a Client.
	Options struct {
		// ClientID and ClientSecret identify the OAuth app. Required.
		ClientID     string
		ClientSecret string
		// HTTPClient defaults to http.DefaultClient.
		HTTPClient *http.Client
		// BaseURL and TokenURL override the Graph endpoints in tests.
		BaseURL  string
		TokenURL string
		// Scope overrides the token scope. Defaults to calendar read-write
		// with offline access.
		Scope string
		// RPS bounds outbound calls per second. Defaults to 10, burst 20.
		RPS   float64
		Burst int
	}

	msDateTime struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	}

	msAttendee struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	}

	msProperty struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}

	msEvent struct {
		ID      string `json:"id,omitempty"`
		Subject string `json:"subject,omitempty"`
		Body    *struct {
			ContentType string `json:"contentType,omitempty"`
			Content     string `json:"content,omitempty"`
		} `json:"body,omitempty"`
		Location *struct {
			DisplayName string `json:"displayName,omitempty"`
		} `json:"location,omitempty"`
		Start                        *msDateTime  `json:"start,omitempty"`
		End                          *msDateTime  `json:"end,omitempty"`
		ShowAs                       string       `json:"showAs,omitempty"`
		Sensitivity                  string       `json:"sensitivity,omitempty"`
		IsAllDay                     bool         `json:"isAllDay,omitempty"`
		IsCancelled                  bool         `json:"isCancelled,omitempty"`
		Attendees                    []msAttendee `json:"attendees,omitempty"`
		SingleValueExtendedProperties []msProperty `json:"singleValueExtendedProperties,omitempty"`
		Removed                      *struct {
			Reason string `json:"reason"`
		} `json:"@removed,omitempty"`
	}

	deltaResponse struct {
		Value     []msEvent `json:"value"`
		NextLink  string    `json:"@odata.nextLink"`
		DeltaLink string    `json:"@odata.deltaLink"`
	}
)

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, errors.New("client id and secret are required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	rps := opts.RPS
	if rps <= 0 {
		rps = 10
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 20
	}
	c := &Client{
		clientID:     opts.ClientID,
		clientSecret: opts.ClientSecret,
		http:         httpClient,
		baseURL:      strings.TrimSuffix(defaultStr(opts.BaseURL, DefaultBaseURL), "/"),
		tokenURL:     defaultStr(opts.TokenURL, DefaultTokenURL),
		scope:        defaultStr(opts.Scope, DefaultScope),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "microsoft-graph",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var pe *fault.ProviderError
			if errors.As(err, &pe) {
				return pe.Status < 500
			}
			return err == nil
		},
	})
	return c, nil
}

// RefreshToken exchanges a refresh token for a fresh token pair. Graph rotates
// the refresh token on every exchange, so the returned set carries the new one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (envelope.TokenSet, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"scope":         {c.scope},
	}
	status, body, err := c.postForm(ctx, c.tokenURL, form)
	if err != nil {
		return envelope.TokenSet{}, err
	}
	if status < 200 || status >= 300 {
		return envelope.TokenSet{}, &fault.RefreshError{Status: status, Body: string(body)}
	}
	var out struct {
		AccessToken  string `json:"access_token"`
		ExpiresIn    int64  `json:"expires_in"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return envelope.TokenSet{}, fmt.Errorf("decode token response: %w", err)
	}
	return envelope.TokenSet{
		AccessToken:  out.AccessToken,
		RefreshToken: out.RefreshToken,
		Expiry:       time.Now().UnixMilli() + out.ExpiresIn*1000,
	}, nil
}

// ListEvents fetches one page of the calendar's delta listing. An empty
// SyncToken starts a fresh delta round; the final page carries the next sync
// token. An expired token surfaces as a fault.ProviderError with Status 410.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID string, q providers.ListQuery) (providers.DeltaPage, error) {
	params := url.Values{}
	if q.SyncToken != "" {
		params.Set("$deltatoken", q.SyncToken)
	}
	if q.PageToken != "" {
		params.Set("$skiptoken", q.PageToken)
	}
	u := c.eventsPath(calendarID) + "/delta"
	if enc := params.Encode(); enc != "" {
		u += "?" + enc
	}
	status, body, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
	if err != nil {
		return providers.DeltaPage{}, err
	}
	if status < 200 || status >= 300 {
		return providers.DeltaPage{}, &fault.ProviderError{Status: status, Body: string(body)}
	}
	var out deltaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return providers.DeltaPage{}, fmt.Errorf("decode delta listing: %w", err)
	}
	page := providers.DeltaPage{
		NextPageToken: linkToken(out.NextLink, "$skiptoken"),
		NextSyncToken: linkToken(out.DeltaLink, "$deltatoken"),
	}
	for _, item := range out.Value {
		page.Deltas = append(page.Deltas, normalize(item))
	}
	return page, nil
}

// CreateEvent creates an event and returns the provider id Graph assigned.
func (c *Client) CreateEvent(ctx context.Context, accessToken, calendarID string, p providers.EventPayload) (string, error) {
	return c.writeEvent(ctx, http.MethodPost, c.eventsPath(calendarID), accessToken, denormalize(p))
}

// UpdateEvent patches an existing event in place.
func (c *Client) UpdateEvent(ctx context.Context, accessToken, eventID string, p providers.EventPayload) (string, error) {
	u := c.baseURL + "/me/events/" + url.PathEscape(eventID)
	return c.writeEvent(ctx, http.MethodPatch, u, accessToken, denormalize(p))
}

// DeleteEvent removes an event. A missing event surfaces as a 404
// fault.ProviderError; the caller decides whether that counts as success.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, eventID string) error {
	u := c.baseURL + "/me/events/" + url.PathEscape(eventID)
	status, body, err := c.do(ctx, http.MethodDelete, u, accessToken, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &fault.ProviderError{Status: status, Body: string(body)}
	}
	return nil
}

// CreateSubscription opens a change notification subscription.
func (c *Client) CreateSubscription(ctx context.Context, accessToken string, req providers.SubscriptionRequest) (providers.SubscriptionInfo, error) {
	body, err := json.Marshal(map[string]string{
		"changeType":         "created,updated,deleted",
		"notificationUrl":    req.NotificationURL,
		"resource":           req.Resource,
		"clientState":        req.ClientState,
		"expirationDateTime": time.UnixMilli(req.ExpiresAt).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return providers.SubscriptionInfo{}, err
	}
	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/subscriptions", accessToken, body)
	if err != nil {
		return providers.SubscriptionInfo{}, err
	}
	if status < 200 || status >= 300 {
		return providers.SubscriptionInfo{}, &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	var out struct {
		ID                 string `json:"id"`
		Resource           string `json:"resource"`
		ClientState        string `json:"clientState"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return providers.SubscriptionInfo{}, fmt.Errorf("decode subscription response: %w", err)
	}
	return providers.SubscriptionInfo{
		SubscriptionID: out.ID,
		Resource:       out.Resource,
		ClientState:    out.ClientState,
		ExpiresAt:      parseRFC3339Millis(out.ExpirationDateTime),
	}, nil
}

// RenewSubscription extends a subscription's expiry and returns the expiry
// Graph granted, which may be earlier than requested.
func (c *Client) RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt int64) (int64, error) {
	body, err := json.Marshal(map[string]string{
		"expirationDateTime": time.UnixMilli(expiresAt).UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	status, respBody, err := c.do(ctx, http.MethodPatch, u, accessToken, body)
	if err != nil {
		return 0, err
	}
	if status < 200 || status >= 300 {
		return 0, &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	var out struct {
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return 0, fmt.Errorf("decode subscription response: %w", err)
	}
	return parseRFC3339Millis(out.ExpirationDateTime), nil
}

// DeleteSubscription tears a subscription down. Already gone is not an error.
func (c *Client) DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error {
	u := c.baseURL + "/subscriptions/" + url.PathEscape(subscriptionID)
	status, body, err := c.do(ctx, http.MethodDelete, u, accessToken, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status >= 300 {
		return &fault.ProviderError{Status: status, Body: string(body)}
	}
	return nil
}

// CreateCalendar creates a secondary calendar and returns its id.
func (c *Client) CreateCalendar(ctx context.Context, accessToken, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return "", err
	}
	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/me/calendars", accessToken, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode calendar response: %w", err)
	}
	return out.ID, nil
}

// eventsPath resolves the events collection for a calendar id. "primary" maps
// to the default calendar.
func (c *Client) eventsPath(calendarID string) string {
	if calendarID == "" || calendarID == "primary" {
		return c.baseURL + "/me/calendar/events"
	}
	return c.baseURL + "/me/calendars/" + url.PathEscape(calendarID) + "/events"
}

func (c *Client) writeEvent(ctx context.Context, method, u, accessToken string, ev msEvent) (string, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	status, respBody, err := c.do(ctx, method, u, accessToken, body)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("decode event response: %w", err)
	}
	return out.ID, nil
}

// normalize maps one delta item onto the provider-neutral shape. @removed and
// cancelled items become deletions.
func normalize(item msEvent) providers.Delta {
	if item.Removed != nil || item.IsCancelled {
		return providers.Delta{Type: providers.DeltaDeleted, OriginEventID: item.ID}
	}
	ev := providers.Event{
		OriginEventID: item.ID,
		Title:         item.Subject,
		Start:         parseGraphTime(item.Start),
		End:           parseGraphTime(item.End),
		AllDay:        item.IsAllDay,
		Status:        "confirmed",
		Visibility:    normalizeSensitivity(item.Sensitivity),
		Transparency:  normalizeShowAs(item.ShowAs),
	}
	if item.Body != nil {
		ev.Description = item.Body.Content
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	for _, a := range item.Attendees {
		ev.Attendees = append(ev.Attendees, a.EmailAddress.Address)
	}
	props := make(map[string]string, len(item.SingleValueExtendedProperties))
	for _, p := range item.SingleValueExtendedProperties {
		props[p.ID] = p.Value
	}
	if props[propManaged] == "true" {
		ev.Marker = &providers.Marker{
			CanonicalEventID: props[propCanonicalEvent],
			OriginAccountID:  props[propOriginAccount],
		}
	}
	return providers.Delta{Type: providers.DeltaUpdated, OriginEventID: item.ID, Event: &ev}
}

// denormalize maps a projected payload onto the Graph event shape.
func denormalize(p providers.EventPayload) msEvent {
	ev := msEvent{
		Subject:  p.Title,
		Start:    formatGraphTime(p.Start),
		End:      formatGraphTime(p.End),
		ShowAs:   denormalizeTransparency(p.Transparency),
		IsAllDay: p.AllDay,
	}
	if p.Description != "" {
		ev.Body = &struct {
			ContentType string `json:"contentType,omitempty"`
			Content     string `json:"content,omitempty"`
		}{ContentType: "text", Content: p.Description}
	}
	if p.Location != "" {
		ev.Location = &struct {
			DisplayName string `json:"displayName,omitempty"`
		}{DisplayName: p.Location}
	}
	for _, email := range p.Attendees {
		var a msAttendee
		a.EmailAddress.Address = email
		ev.Attendees = append(ev.Attendees, a)
	}
	ev.SingleValueExtendedProperties = []msProperty{
		{ID: propManaged, Value: "true"},
		{ID: propCanonicalEvent, Value: p.Marker.CanonicalEventID},
		{ID: propOriginAccount, Value: p.Marker.OriginAccountID},
	}
	return ev
}

// normalizeShowAs maps Graph's free/busy states onto the two-state
// transparency. Anything that blocks the slot is opaque.
func normalizeShowAs(showAs string) string {
	if showAs == "free" {
		return "transparent"
	}
	return "opaque"
}

func denormalizeTransparency(transparency string) string {
	if transparency == "transparent" {
		return "free"
	}
	return "busy"
}

func normalizeSensitivity(s string) string {
	switch s {
	case "private", "confidential":
		return "private"
	case "":
		return ""
	default:
		return "default"
	}
}

// parseGraphTime decodes Graph's dateTime/timeZone pair to Unix milliseconds.
func parseGraphTime(dt *msDateTime) int64 {
	if dt == nil {
		return 0
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	parsed, err := time.ParseInLocation(graphTimeLayout, dt.DateTime, loc)
	if err != nil {
		// Some payloads omit fractional seconds.
		parsed, err = time.ParseInLocation("2006-01-02T15:04:05", dt.DateTime, loc)
		if err != nil {
			return 0
		}
	}
	return parsed.UnixMilli()
}

func formatGraphTime(ms int64) *msDateTime {
	return &msDateTime{
		DateTime: time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.0000000"),
		TimeZone: "UTC",
	}
}

// linkToken extracts the named token from an @odata continuation link.
func linkToken(link, name string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get(name)
}

func parseRFC3339Millis(s string) int64 {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

func (c *Client) postForm(ctx context.Context, u string, form url.Values) (int, []byte, error) {
	return c.request(ctx, http.MethodPost, u, "", "application/x-www-form-urlencoded", []byte(form.Encode()))
}

func (c *Client) do(ctx context.Context, method, u, accessToken string, body []byte) (int, []byte, error) {
	return c.request(ctx, method, u, accessToken, "application/json", body)
}

// request applies the rate limit and circuit breaker around one HTTP call and
// returns the status with the full body.
func (c *Client) request(ctx context.Context, method, u, accessToken, contentType string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	type result struct {
		status int
		body   []byte
	}
	res, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, err
		}
		if accessToken != "" {
			req.Header.Set("Authorization", "Bearer "+accessToken)
		}
		if body != nil {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return result{resp.StatusCode, respBody}, &fault.ProviderError{Status: resp.StatusCode, Body: string(respBody)}
		}
		return result{resp.StatusCode, respBody}, nil
	})
	if res != nil {
		r := res.(result)
		return r.status, r.body, nil
	}
	return 0, nil, err
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
