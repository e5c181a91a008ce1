// Package providers defines the provider-neutral types exchanged with the
// Google Calendar and Microsoft Graph APIs.
//
// The concrete HTTP clients live in the google and microsoft subpackages.
// Consumers (account service, sync consumer, mirror writer, reconciler)
// declare their own narrow interfaces over these types so they can be
// exercised against fakes without HTTP.
package providers

type (
	// Marker is the extended-property tag attached to every event this system
	// writes into a provider calendar. Its presence classifies an event as a
	// managed mirror so ingestion and reconciliation never treat it as an
	// origin event.
	Marker struct {
		CanonicalEventID string `json:"canonical_event_id"`
		OriginAccountID  string `json:"origin_account_id"`
	}

	// Event is a provider event normalized to the canonical field set.
	// Times are Unix milliseconds UTC.
	Event struct {
		OriginEventID  string   `json:"origin_event_id"`
		Title          string   `json:"title,omitempty"`
		Description    string   `json:"description,omitempty"`
		Location       string   `json:"location,omitempty"`
		Start          int64    `json:"start"`
		End            int64    `json:"end"`
		AllDay         bool     `json:"all_day,omitempty"`
		Status         string   `json:"status"` // confirmed | tentative | cancelled
		Visibility     string   `json:"visibility,omitempty"`
		Transparency   string   `json:"transparency"` // opaque | transparent
		RecurrenceRule string   `json:"recurrence_rule,omitempty"`
		Attendees      []string `json:"attendees,omitempty"`
		Marker         *Marker  `json:"marker,omitempty"` // non-nil when the event carries the managed marker
	}

	// DeltaType classifies one change reported by a provider sync.
	DeltaType string

	// Delta is one normalized change from an incremental or full listing.
	Delta struct {
		Type          DeltaType `json:"type"`
		OriginEventID string    `json:"origin_event_id"`
		Event         *Event    `json:"event,omitempty"` // nil when Type is DeltaDeleted
	}

	// DeltaPage is one page of a provider listing. NextSyncToken is only set
	// on the final page; NextPageToken is set while more pages remain.
	DeltaPage struct {
		Deltas        []Delta
		NextPageToken string
		NextSyncToken string
	}

	// ListQuery selects one page of a provider listing. An empty SyncToken
	// asks for a full listing; PageToken resumes a multi-page listing.
	ListQuery struct {
		SyncToken string
		PageToken string
	}

	// EventPayload is the projected body written into a target calendar.
	EventPayload struct {
		Title        string   `json:"title"`
		Description  string   `json:"description,omitempty"`
		Location     string   `json:"location,omitempty"`
		Start        int64    `json:"start"`
		End          int64    `json:"end"`
		AllDay       bool     `json:"all_day,omitempty"`
		Transparency string   `json:"transparency"`
		Attendees    []string `json:"attendees,omitempty"`
		Marker       Marker   `json:"marker"`
	}

	// WatchInfo describes an active Google push channel.
	WatchInfo struct {
		ChannelID  string `json:"channel_id"`
		ResourceID string `json:"resource_id"`
		ExpiresAt  int64  `json:"expires_at"`
	}

	// SubscriptionRequest asks Microsoft Graph for a change notification
	// subscription on one calendar resource.
	SubscriptionRequest struct {
		NotificationURL string `json:"notification_url"`
		Resource        string `json:"resource"`
		ClientState     string `json:"client_state"`
		ExpiresAt       int64  `json:"expires_at"`
	}

	// SubscriptionInfo describes an active Microsoft Graph subscription.
	SubscriptionInfo struct {
		SubscriptionID string `json:"subscription_id"`
		Resource       string `json:"resource"`
		ClientState    string `json:"client_state"`
		ExpiresAt      int64  `json:"expires_at"`
	}
)

const (
	DeltaCreated DeltaType = "created"
	DeltaUpdated DeltaType = "updated"
	DeltaDeleted DeltaType = "deleted"
)

// Managed reports whether the event carries the mirror marker.
func (e *Event) Managed() bool { return e != nil && e.Marker != nil }
