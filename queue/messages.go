package queue

import (
	"encoding/json"
	"fmt"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
)

// Message kinds carried on the sync and write streams. The kind travels as
// the stream event name so consumers can dispatch without sniffing payloads.
const (
	KindSyncIncremental = "SYNC_INCREMENTAL"
	KindSyncFull        = "SYNC_FULL"
	KindUpsertMirror    = "UPSERT_MIRROR"
	KindDeleteMirror    = "DELETE_MIRROR"
)

// Reasons a full sync is requested.
const (
	ReasonOnboarding = "onboarding"
	ReasonToken410   = "token_410"
	ReasonManual     = "manual"
)

type (
	// Message is any payload publishable on a queue.
	Message interface {
		Kind() string
	}

	// SyncIncremental asks the sync consumer to act on a webhook ping.
	SyncIncremental struct {
		AccountID  ident.AccountID `json:"account_id"`
		ChannelID  string          `json:"channel_id"`
		ResourceID string          `json:"resource_id"`
		PingTS     int64           `json:"ping_ts"`
		CalendarID string          `json:"calendar_id,omitempty"`
	}

	// SyncFull asks the sync consumer to rebuild the account's cursor from a
	// full listing.
	SyncFull struct {
		AccountID ident.AccountID `json:"account_id"`
		Reason    string          `json:"reason"`
	}

	// UpsertMirror asks the write consumer to create or patch one projected
	// event in the target calendar. IdempotencyKey embeds the projection hash
	// so redeliveries of the same content are no-ops.
	UpsertMirror struct {
		CanonicalEventID ident.EventID          `json:"canonical_event_id"`
		TargetAccountID  ident.AccountID        `json:"target_account_id"`
		TargetCalendarID string                 `json:"target_calendar_id"`
		ProjectedPayload providers.EventPayload `json:"projected_payload"`
		IdempotencyKey   string                 `json:"idempotency_key"`
	}

	// DeleteMirror asks the write consumer to remove one projected event.
	DeleteMirror struct {
		CanonicalEventID ident.EventID   `json:"canonical_event_id"`
		TargetAccountID  ident.AccountID `json:"target_account_id"`
		ProviderEventID  string          `json:"provider_event_id"`
		IdempotencyKey   string          `json:"idempotency_key"`
	}
)

func (SyncIncremental) Kind() string { return KindSyncIncremental }
func (SyncFull) Kind() string        { return KindSyncFull }
func (UpsertMirror) Kind() string    { return KindUpsertMirror }
func (DeleteMirror) Kind() string    { return KindDeleteMirror }

// Decode parses a payload read off a stream into the message matching kind.
func Decode(kind string, payload []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch kind {
	case KindSyncIncremental:
		var m SyncIncremental
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindSyncFull:
		var m SyncFull
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindUpsertMirror:
		var m UpsertMirror
		err = json.Unmarshal(payload, &m)
		msg = m
	case KindDeleteMirror:
		var m DeleteMirror
		err = json.Unmarshal(payload, &m)
		msg = m
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return msg, nil
}
