// Package google is the Google Calendar and OAuth client. Calls are rate
// limited and wrapped in a circuit breaker; provider refusals surface as
// fault.ProviderError (fault.RefreshError for the token endpoint) so callers
// can classify them without knowing HTTP.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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
	DefaultBaseURL   = "https://www.googleapis.com/calendar/v3"
	DefaultTokenURL  = "https://oauth2.googleapis.com/token"
	DefaultRevokeURL = "https://oauth2.googleapis.com/revoke"
)

// Extended-property keys carrying the managed-mirror marker.
const (
	propManaged        = "facetManaged"
	propCanonicalEvent = "facetCanonicalEventId"
	propOriginAccount  = "facetOriginAccountId"
)

// listPageSize is the maxResults requested per listing page.
const listPageSize = 250

type (
	// Client talks to the Google Calendar API.
	Client struct {
		clientID     string
		clientSecret string
		http         *http.Client
		baseURL      string
		tokenURL     string
		revokeURL    string
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
		// BaseURL, TokenURL and RevokeURL override the Google endpoints in
		// tests.
		BaseURL   string
		TokenURL  string
		RevokeURL string
		// RPS bounds outbound calls per second. Defaults to 10, burst 20.
		RPS   float64
		Burst int
	}

	gTime struct {
		Date     string `json:"date,omitempty"`
		DateTime string `json:"dateTime,omitempty"`
		TimeZone string `json:"timeZone,omitempty"`
	}

	gAttendee struct {
		Email string `json:"email"`
	}

	gEvent struct {
		ID                 string      `json:"id,omitempty"`
		Status             string      `json:"status,omitempty"`
		Summary            string      `json:"summary,omitempty"`
		Description        string      `json:"description,omitempty"`
		Location           string      `json:"location,omitempty"`
		Start              *gTime      `json:"start,omitempty"`
		End                *gTime      `json:"end,omitempty"`
		Transparency       string      `json:"transparency,omitempty"`
		Visibility         string      `json:"visibility,omitempty"`
		Recurrence         []string    `json:"recurrence,omitempty"`
		Attendees          []gAttendee `json:"attendees,omitempty"`
		ExtendedProperties *struct {
			Private map[string]string `json:"private,omitempty"`
		} `json:"extendedProperties,omitempty"`
	}

	listResponse struct {
		Items         []gEvent `json:"items"`
		NextPageToken string   `json:"nextPageToken"`
		NextSyncToken string   `json:"nextSyncToken"`
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
		revokeURL:    defaultStr(opts.RevokeURL, DefaultRevokeURL),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "google-calendar",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Client errors are the caller's problem; only transport failures
			// and server errors should open the breaker.
			var pe *fault.ProviderError
			if errors.As(err, &pe) {
				return pe.Status < 500
			}
			return err == nil
		},
	})
	return c, nil
}

// RefreshToken exchanges a refresh token for a fresh access token. Google does
// not rotate the refresh token on this grant, so the returned set carries an
// empty one.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (envelope.TokenSet, error) {
	form := url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
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

// RevokeToken revokes the grant server-side.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	status, body, err := c.postForm(ctx, c.revokeURL, url.Values{"token": {token}})
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &fault.ProviderError{Status: status, Body: string(body)}
	}
	return nil
}

// ListEvents fetches one page of the calendar listing. With a sync token the
// listing is incremental; without one it is a full listing that ends with a
// fresh sync token. A 410 response (expired sync token) surfaces as a
// fault.ProviderError with Status 410.
func (c *Client) ListEvents(ctx context.Context, accessToken, calendarID string, q providers.ListQuery) (providers.DeltaPage, error) {
	params := url.Values{"maxResults": {strconv.Itoa(listPageSize)}}
	if q.SyncToken != "" {
		params.Set("syncToken", q.SyncToken)
	} else {
		// Full listings expand recurrences and keep tombstones so deletions
		// are observable.
		params.Set("singleEvents", "true")
		params.Set("showDeleted", "true")
	}
	if q.PageToken != "" {
		params.Set("pageToken", q.PageToken)
	}
	u := fmt.Sprintf("%s/calendars/%s/events?%s", c.baseURL, url.PathEscape(calendarID), params.Encode())
	status, body, err := c.do(ctx, http.MethodGet, u, accessToken, nil)
	if err != nil {
		return providers.DeltaPage{}, err
	}
	if status < 200 || status >= 300 {
		return providers.DeltaPage{}, &fault.ProviderError{Status: status, Body: string(body)}
	}
	var out listResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return providers.DeltaPage{}, fmt.Errorf("decode events listing: %w", err)
	}
	page := providers.DeltaPage{
		NextPageToken: out.NextPageToken,
		NextSyncToken: out.NextSyncToken,
	}
	for _, item := range out.Items {
		page.Deltas = append(page.Deltas, normalize(item))
	}
	return page, nil
}

// InsertEvent creates an event. A non-empty eventID becomes the event's id,
// which makes retried inserts collide with a 409 instead of duplicating.
func (c *Client) InsertEvent(ctx context.Context, accessToken, calendarID, eventID string, p providers.EventPayload) (string, error) {
	ev := denormalize(p)
	ev.ID = eventID
	u := fmt.Sprintf("%s/calendars/%s/events", c.baseURL, url.PathEscape(calendarID))
	return c.writeEvent(ctx, http.MethodPost, u, accessToken, ev)
}

// PatchEvent updates an existing event in place.
func (c *Client) PatchEvent(ctx context.Context, accessToken, calendarID, eventID string, p providers.EventPayload) (string, error) {
	u := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(calendarID), url.PathEscape(eventID))
	return c.writeEvent(ctx, http.MethodPatch, u, accessToken, denormalize(p))
}

// DeleteEvent removes an event. Missing events surface as a 410 or 404
// fault.ProviderError; the caller decides whether that counts as success.
func (c *Client) DeleteEvent(ctx context.Context, accessToken, calendarID, eventID string) error {
	u := fmt.Sprintf("%s/calendars/%s/events/%s", c.baseURL, url.PathEscape(calendarID), url.PathEscape(eventID))
	status, body, err := c.do(ctx, http.MethodDelete, u, accessToken, nil)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &fault.ProviderError{Status: status, Body: string(body)}
	}
	return nil
}

// Watch opens a push channel delivering pings for the calendar to address.
func (c *Client) Watch(ctx context.Context, accessToken, calendarID, channelID, address string) (providers.WatchInfo, error) {
	body, err := json.Marshal(map[string]string{
		"id":      channelID,
		"type":    "web_hook",
		"address": address,
	})
	if err != nil {
		return providers.WatchInfo{}, err
	}
	u := fmt.Sprintf("%s/calendars/%s/events/watch", c.baseURL, url.PathEscape(calendarID))
	status, respBody, err := c.do(ctx, http.MethodPost, u, accessToken, body)
	if err != nil {
		return providers.WatchInfo{}, err
	}
	if status < 200 || status >= 300 {
		return providers.WatchInfo{}, &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	var out struct {
		ResourceID string `json:"resourceId"`
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return providers.WatchInfo{}, fmt.Errorf("decode watch response: %w", err)
	}
	expires, _ := strconv.ParseInt(out.Expiration, 10, 64)
	return providers.WatchInfo{ChannelID: channelID, ResourceID: out.ResourceID, ExpiresAt: expires}, nil
}

// StopWatch closes a push channel. An already-gone channel is not an error.
func (c *Client) StopWatch(ctx context.Context, accessToken, channelID, resourceID string) error {
	body, err := json.Marshal(map[string]string{"id": channelID, "resourceId": resourceID})
	if err != nil {
		return err
	}
	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/channels/stop", accessToken, body)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound {
		return nil
	}
	if status < 200 || status >= 300 {
		return &fault.ProviderError{Status: status, Body: string(respBody)}
	}
	return nil
}

// CreateCalendar creates a secondary calendar and returns its id.
func (c *Client) CreateCalendar(ctx context.Context, accessToken, name string) (string, error) {
	body, err := json.Marshal(map[string]string{"summary": name})
	if err != nil {
		return "", err
	}
	status, respBody, err := c.do(ctx, http.MethodPost, c.baseURL+"/calendars", accessToken, body)
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

func (c *Client) writeEvent(ctx context.Context, method, u, accessToken string, ev gEvent) (string, error) {
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

// normalize maps one listed item onto the provider-neutral delta shape.
// Cancelled items become deletions.
func normalize(item gEvent) providers.Delta {
	if item.Status == "cancelled" {
		return providers.Delta{Type: providers.DeltaDeleted, OriginEventID: item.ID}
	}
	start, allDay := parseTime(item.Start)
	end, _ := parseTime(item.End)
	ev := providers.Event{
		OriginEventID: item.ID,
		Title:         item.Summary,
		Description:   item.Description,
		Location:      item.Location,
		Start:         start,
		End:           end,
		AllDay:        allDay,
		Status:        defaultStr(item.Status, "confirmed"),
		Visibility:    item.Visibility,
		Transparency:  defaultStr(item.Transparency, "opaque"),
	}
	if len(item.Recurrence) > 0 {
		ev.RecurrenceRule = item.Recurrence[0]
	}
	for _, a := range item.Attendees {
		ev.Attendees = append(ev.Attendees, a.Email)
	}
	if props := item.ExtendedProperties; props != nil && props.Private[propManaged] == "true" {
		ev.Marker = &providers.Marker{
			CanonicalEventID: props.Private[propCanonicalEvent],
			OriginAccountID:  props.Private[propOriginAccount],
		}
	}
	return providers.Delta{Type: providers.DeltaUpdated, OriginEventID: item.ID, Event: &ev}
}

// denormalize maps a projected payload onto the wire event shape.
func denormalize(p providers.EventPayload) gEvent {
	ev := gEvent{
		Summary:      p.Title,
		Description:  p.Description,
		Location:     p.Location,
		Start:        formatTime(p.Start, p.AllDay),
		End:          formatTime(p.End, p.AllDay),
		Transparency: p.Transparency,
	}
	for _, email := range p.Attendees {
		ev.Attendees = append(ev.Attendees, gAttendee{Email: email})
	}
	ev.ExtendedProperties = &struct {
		Private map[string]string `json:"private,omitempty"`
	}{Private: map[string]string{
		propManaged:        "true",
		propCanonicalEvent: p.Marker.CanonicalEventID,
		propOriginAccount:  p.Marker.OriginAccountID,
	}}
	return ev
}

// parseTime decodes the date-or-dateTime union. All-day events carry a date,
// start inclusive and end exclusive.
func parseTime(t *gTime) (int64, bool) {
	if t == nil {
		return 0, false
	}
	if t.Date != "" {
		loc := time.UTC
		if t.TimeZone != "" {
			if l, err := time.LoadLocation(t.TimeZone); err == nil {
				loc = l
			}
		}
		parsed, err := time.ParseInLocation("2006-01-02", t.Date, loc)
		if err != nil {
			return 0, false
		}
		return parsed.UnixMilli(), true
	}
	parsed, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return 0, false
	}
	return parsed.UnixMilli(), false
}

func formatTime(ms int64, allDay bool) *gTime {
	t := time.UnixMilli(ms).UTC()
	if allDay {
		return &gTime{Date: t.Format("2006-01-02")}
	}
	return &gTime{DateTime: t.Format(time.RFC3339), TimeZone: "UTC"}
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
			// Feed server errors to the breaker while still handing the
			// caller the response.
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
