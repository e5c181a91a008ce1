package microsoft

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/providers"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		BaseURL:      srv.URL,
		TokenURL:     srv.URL + "/token",
		RPS:          1000,
		Burst:        1000,
	})
	require.NoError(t, err)
	return c
}

func TestRefreshTokenRotates(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, DefaultScope, r.Form.Get("scope"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))

	tokens, err := c.RefreshToken(context.Background(), "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-access", tokens.AccessToken)
	// Graph rotates the refresh token on every exchange.
	assert.Equal(t, "new-refresh", tokens.RefreshToken)
}

func TestRefreshTokenRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))

	_, err := c.RefreshToken(context.Background(), "revoked")
	var re *fault.RefreshError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusUnauthorized, re.Status)
	assert.True(t, fault.IsPermanentRefresh(err))
}

func TestListEventsDelta(t *testing.T) {
	var baseURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/me/calendar/events/delta")
		switch r.URL.Query().Get("$skiptoken") {
		case "":
			assert.Equal(t, "delta-41", r.URL.Query().Get("$deltatoken"))
			fmt.Fprintf(w, `{
				"value": [
					{
						"id": "ms-1",
						"subject": "Planning",
						"body": {"contentType": "text", "content": "agenda"},
						"location": {"displayName": "Room 4"},
						"start": {"dateTime": "2026-08-26T09:00:00.0000000", "timeZone": "UTC"},
						"end": {"dateTime": "2026-08-26T10:00:00.0000000", "timeZone": "UTC"},
						"showAs": "free",
						"sensitivity": "private",
						"attendees": [{"emailAddress": {"address": "b@example.com"}}]
					}
				],
				"@odata.nextLink": "%s/me/calendar/events/delta?$skiptoken=page-2"
			}`, baseURL)
		case "page-2":
			fmt.Fprintf(w, `{
				"value": [
					{"id": "ms-2", "@removed": {"reason": "deleted"}},
					{
						"id": "ms-3",
						"subject": "Busy",
						"start": {"dateTime": "2026-08-26T11:00:00", "timeZone": "UTC"},
						"end": {"dateTime": "2026-08-26T12:00:00", "timeZone": "UTC"},
						"showAs": "busy",
						"singleValueExtendedProperties": [
							{"id": "%s", "value": "true"},
							{"id": "%s", "value": "evt_01HZY3T5F8R9W2K4M6P8Q0S2U4"},
							{"id": "%s", "value": "acc_01HZY3T5F8R9W2K4M6P8Q0S2U4"}
						]
					}
				],
				"@odata.deltaLink": "%s/me/calendar/events/delta?$deltatoken=delta-42"
			}`, propManaged, propCanonicalEvent, propOriginAccount, baseURL)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	baseURL = srv.URL
	c, err := New(Options{
		ClientID: "id", ClientSecret: "secret",
		BaseURL: srv.URL, TokenURL: srv.URL + "/token",
		RPS: 1000, Burst: 1000,
	})
	require.NoError(t, err)

	ctx := context.Background()
	page, err := c.ListEvents(ctx, "tok", "primary", providers.ListQuery{SyncToken: "delta-41"})
	require.NoError(t, err)
	assert.Equal(t, "page-2", page.NextPageToken)
	assert.Empty(t, page.NextSyncToken)
	require.Len(t, page.Deltas, 1)

	ev := page.Deltas[0].Event
	require.NotNil(t, ev)
	assert.Equal(t, "Planning", ev.Title)
	assert.Equal(t, "agenda", ev.Description)
	assert.Equal(t, "Room 4", ev.Location)
	assert.Equal(t, "transparent", ev.Transparency) // showAs free
	assert.Equal(t, "private", ev.Visibility)
	assert.Equal(t,
		time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC).UnixMilli(),
		ev.Start)

	page, err = c.ListEvents(ctx, "tok", "primary", providers.ListQuery{SyncToken: "delta-41", PageToken: page.NextPageToken})
	require.NoError(t, err)
	assert.Equal(t, "delta-42", page.NextSyncToken)
	require.Len(t, page.Deltas, 2)

	removed := page.Deltas[0]
	assert.Equal(t, providers.DeltaDeleted, removed.Type)
	assert.Equal(t, "ms-2", removed.OriginEventID)

	managed := page.Deltas[1]
	require.NotNil(t, managed.Event)
	require.NotNil(t, managed.Event.Marker)
	assert.Equal(t, "evt_01HZY3T5F8R9W2K4M6P8Q0S2U4", managed.Event.Marker.CanonicalEventID)
	// Plain dateTime without fractional seconds still parses.
	assert.Equal(t,
		time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC).UnixMilli(),
		managed.Event.Start)
}

func TestCreateEventPaths(t *testing.T) {
	var gotPath string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var ev msEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "Busy", ev.Subject)
		assert.Equal(t, "busy", ev.ShowAs)
		require.Len(t, ev.SingleValueExtendedProperties, 3)
		fmt.Fprint(w, `{"id": "ms-new"}`)
	}))

	ctx := context.Background()
	id, err := c.CreateEvent(ctx, "tok", "primary", providers.EventPayload{Title: "Busy", Transparency: "opaque"})
	require.NoError(t, err)
	assert.Equal(t, "ms-new", id)
	assert.Equal(t, "/me/calendar/events", gotPath)

	_, err = c.CreateEvent(ctx, "tok", "cal-overlay", providers.EventPayload{Title: "Busy"})
	require.NoError(t, err)
	assert.Equal(t, "/me/calendars/cal-overlay/events", gotPath)
}

func TestUpdateEvent(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/me/events/ms-9", r.URL.Path)
		fmt.Fprint(w, `{"id": "ms-9"}`)
	}))

	id, err := c.UpdateEvent(context.Background(), "tok", "ms-9", providers.EventPayload{Title: "Busy"})
	require.NoError(t, err)
	assert.Equal(t, "ms-9", id)
}

func TestDeleteEventMissing(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	err := c.DeleteEvent(context.Background(), "tok", "gone")
	var pe *fault.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.Status)
}

func TestCreateSubscription(t *testing.T) {
	expires := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/subscriptions", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "created,updated,deleted", body["changeType"])
		assert.Equal(t, "https://facet.example.com/webhooks/microsoft", body["notificationUrl"])
		assert.Equal(t, "me/calendar/events", body["resource"])
		assert.Equal(t, "opaque-state", body["clientState"])
		json.NewEncoder(w).Encode(map[string]string{
			"id":                 "sub-1",
			"resource":           body["resource"],
			"clientState":        body["clientState"],
			"expirationDateTime": expires.Format(time.RFC3339),
		})
	}))

	info, err := c.CreateSubscription(context.Background(), "tok", providers.SubscriptionRequest{
		NotificationURL: "https://facet.example.com/webhooks/microsoft",
		Resource:        "me/calendar/events",
		ClientState:     "opaque-state",
		ExpiresAt:       expires.UnixMilli(),
	})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", info.SubscriptionID)
	assert.Equal(t, expires.UnixMilli(), info.ExpiresAt)
}

func TestRenewSubscriptionGrantsEarlierExpiry(t *testing.T) {
	granted := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/subscriptions/sub-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"expirationDateTime": granted.Format(time.RFC3339),
		})
	}))

	got, err := c.RenewSubscription(context.Background(), "tok", "sub-1",
		time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, granted.UnixMilli(), got)
}

func TestDeleteSubscriptionGone(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	assert.NoError(t, c.DeleteSubscription(context.Background(), "tok", "sub-1"))
}

func TestQuotaErrorsClassify(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	err := c.DeleteEvent(context.Background(), "tok", "ev-1")
	var pe *fault.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Quota())
	assert.True(t, pe.Retryable())
}
