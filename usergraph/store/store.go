// Package store defines the persistence contract for per-user graph state:
// canonical events, mirrors, the policy graph, scheduling sessions with their
// candidates and holds, constraints, VIP policies, scheduling history, and
// the append-only event journal.
//
// Available implementations:
//
//   - memory: In-memory store for development, testing, and single-node use
//   - mongo: MongoDB store for production deployments
//
// All rows carry the owning user_id; every query is scoped by it. The user
// graph actor serialises writes per user, so implementations need no
// cross-row transactions beyond single-document atomicity.
package store

import (
	"context"
	"errors"

	"github.com/facetcal/facet/ident"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("user graph row not found")

// Canonical event status values.
const (
	EventConfirmed = "confirmed"
	EventTentative = "tentative"
	EventCancelled = "cancelled"
)

// Canonical event sources.
const (
	SourceProvider = "provider"
	SourceSystem   = "system"
)

// Transparency values.
const (
	TransparencyOpaque      = "opaque"
	TransparencyTransparent = "transparent"
)

// Mirror states.
const (
	MirrorPending    = "PENDING"
	MirrorActive     = "ACTIVE"
	MirrorError      = "ERROR"
	MirrorTombstoned = "TOMBSTONED"
)

// Policy edge detail levels and calendar kinds.
const (
	DetailBusy = "BUSY"
	DetailFull = "FULL"

	CalendarBusyOverlay = "BUSY_OVERLAY"
	CalendarPrimary     = "PRIMARY"
)

// Scheduling session states.
const (
	SessionOpen            = "open"
	SessionCandidatesReady = "candidates_ready"
	SessionCommitted       = "committed"
	SessionCancelled       = "cancelled"
)

// Hold states.
const (
	HoldHeld      = "held"
	HoldReleased  = "released"
	HoldExpired   = "expired"
	HoldCommitted = "committed"
)

type (
	// CanonicalEvent is the user's authoritative record of one event. Times
	// are Unix milliseconds UTC.
	CanonicalEvent struct {
		ID              ident.EventID   `bson:"canonical_event_id" json:"canonical_event_id"`
		UserID          ident.UserID    `bson:"user_id" json:"user_id"`
		OriginAccountID ident.AccountID `bson:"origin_account_id" json:"origin_account_id"`
		OriginEventID   string          `bson:"origin_event_id" json:"origin_event_id"`
		Title           string          `bson:"title" json:"title"`
		Description     string          `bson:"description,omitempty" json:"description,omitempty"`
		Location        string          `bson:"location,omitempty" json:"location,omitempty"`
		Start           int64           `bson:"start" json:"start"`
		End             int64           `bson:"end" json:"end"`
		AllDay          bool            `bson:"all_day,omitempty" json:"all_day,omitempty"`
		Status          string          `bson:"status" json:"status"`
		Visibility      string          `bson:"visibility,omitempty" json:"visibility,omitempty"`
		Transparency    string          `bson:"transparency" json:"transparency"`
		RecurrenceRule  string          `bson:"recurrence_rule,omitempty" json:"recurrence_rule,omitempty"`
		Attendees       []string        `bson:"attendees,omitempty" json:"attendees,omitempty"`
		Source          string          `bson:"source" json:"source"`
		Version         int64           `bson:"version" json:"version"`
		CreatedAt       int64           `bson:"created_at" json:"created_at"`
		UpdatedAt       int64           `bson:"updated_at" json:"updated_at"`
	}

	// EventQuery selects canonical events. Ordering is by start ascending
	// with the event id as a stable tie-break; Cursor resumes after the
	// given event id from a previous page.
	EventQuery struct {
		TimeMin         int64
		TimeMax         int64
		OriginAccountID ident.AccountID
		Limit           int
		Cursor          string
	}

	// Mirror is one projection of a canonical event into a target account.
	Mirror struct {
		CanonicalEventID  ident.EventID   `bson:"canonical_event_id" json:"canonical_event_id"`
		UserID            ident.UserID    `bson:"user_id" json:"user_id"`
		TargetAccountID   ident.AccountID `bson:"target_account_id" json:"target_account_id"`
		TargetCalendarID  string          `bson:"target_calendar_id" json:"target_calendar_id"`
		ProviderEventID   string          `bson:"provider_event_id,omitempty" json:"provider_event_id,omitempty"`
		LastProjectedHash string          `bson:"last_projected_hash" json:"last_projected_hash"`
		LastWriteTS       int64           `bson:"last_write_ts,omitempty" json:"last_write_ts,omitempty"`
		State             string          `bson:"state" json:"state"`
		ErrorMessage      string          `bson:"error_message,omitempty" json:"error_message,omitempty"`
	}

	// MirrorCounts summarises mirror states for health reporting.
	MirrorCounts struct {
		Total   int `json:"total"`
		Pending int `json:"pending"`
		Error   int `json:"error"`
	}

	// Policy names a set of projection edges.
	Policy struct {
		ID        ident.PolicyID `bson:"policy_id" json:"policy_id"`
		UserID    ident.UserID   `bson:"user_id" json:"user_id"`
		Name      string         `bson:"name" json:"name"`
		IsDefault bool           `bson:"is_default" json:"is_default"`
		CreatedAt int64          `bson:"created_at" json:"created_at"`
	}

	// PolicyEdge projects events from one account into another.
	PolicyEdge struct {
		PolicyID      ident.PolicyID  `bson:"policy_id" json:"policy_id"`
		UserID        ident.UserID    `bson:"user_id" json:"user_id"`
		FromAccountID ident.AccountID `bson:"from_account_id" json:"from_account_id"`
		ToAccountID   ident.AccountID `bson:"to_account_id" json:"to_account_id"`
		DetailLevel   string          `bson:"detail_level" json:"detail_level"`
		CalendarKind  string          `bson:"calendar_kind" json:"calendar_kind"`
	}

	// Session is one scheduling session.
	Session struct {
		ID                   ident.SessionID   `bson:"session_id" json:"session_id"`
		UserID               ident.UserID      `bson:"user_id" json:"user_id"`
		Status               string            `bson:"status" json:"status"`
		ObjectiveJSON        string            `bson:"objective_json" json:"objective_json"`
		CreatedAt            int64             `bson:"created_at" json:"created_at"`
		CommittedCandidateID ident.CandidateID `bson:"committed_candidate_id,omitempty" json:"committed_candidate_id,omitempty"`
		CommittedEventID     ident.EventID     `bson:"committed_event_id,omitempty" json:"committed_event_id,omitempty"`
	}

	// SessionQuery selects sessions, newest first.
	SessionQuery struct {
		Status string
		Limit  int
	}

	// Candidate is one scored slot proposed for a session.
	Candidate struct {
		ID          ident.CandidateID `bson:"candidate_id" json:"candidate_id"`
		SessionID   ident.SessionID   `bson:"session_id" json:"session_id"`
		UserID      ident.UserID      `bson:"user_id" json:"user_id"`
		Start       int64             `bson:"start" json:"start"`
		End         int64             `bson:"end" json:"end"`
		Score       int               `bson:"score" json:"score"`
		Explanation string            `bson:"explanation" json:"explanation"`
	}

	// Hold is a tentative provider event placed on a candidate slot.
	Hold struct {
		ID              ident.HoldID    `bson:"hold_id" json:"hold_id"`
		SessionID       ident.SessionID `bson:"session_id" json:"session_id"`
		UserID          ident.UserID    `bson:"user_id" json:"user_id"`
		AccountID       ident.AccountID `bson:"account_id" json:"account_id"`
		ProviderEventID string          `bson:"provider_event_id,omitempty" json:"provider_event_id,omitempty"`
		ExpiresAt       int64           `bson:"expires_at" json:"expires_at"`
		Status          string          `bson:"status" json:"status"`
	}

	// Constraint is one scheduling constraint with a kind-specific config.
	Constraint struct {
		ID         ident.ConstraintID `bson:"constraint_id" json:"constraint_id"`
		UserID     ident.UserID       `bson:"user_id" json:"user_id"`
		Kind       string             `bson:"kind" json:"kind"`
		ConfigJSON string             `bson:"config_json" json:"config_json"`
		ActiveFrom int64              `bson:"active_from,omitempty" json:"active_from,omitempty"`
		ActiveTo   int64              `bson:"active_to,omitempty" json:"active_to,omitempty"`
		CreatedAt  int64              `bson:"created_at" json:"created_at"`
	}

	// VipPolicy weights a participant in scheduling decisions.
	VipPolicy struct {
		ID              ident.VipID  `bson:"vip_id" json:"vip_id"`
		UserID          ident.UserID `bson:"user_id" json:"user_id"`
		ParticipantHash string       `bson:"participant_hash" json:"participant_hash"`
		DisplayName     string       `bson:"display_name" json:"display_name"`
		PriorityWeight  float64      `bson:"priority_weight" json:"priority_weight"`
		ConditionsJSON  string       `bson:"conditions_json,omitempty" json:"conditions_json,omitempty"`
	}

	// HistoryEntry records one participant's outcome in one session.
	HistoryEntry struct {
		SessionID       ident.SessionID `bson:"session_id" json:"session_id"`
		UserID          ident.UserID    `bson:"user_id" json:"user_id"`
		ParticipantHash string          `bson:"participant_hash" json:"participant_hash"`
		GotPreferred    bool            `bson:"got_preferred" json:"got_preferred"`
		ScheduledTS     int64           `bson:"scheduled_ts" json:"scheduled_ts"`
	}

	// HistoryAggregate is the fairness view of one participant.
	HistoryAggregate struct {
		ParticipantHash      string `bson:"participant_hash" json:"participant_hash"`
		SessionsParticipated int    `bson:"sessions_participated" json:"sessions_participated"`
		SessionsPreferred    int    `bson:"sessions_preferred" json:"sessions_preferred"`
		LastSessionTS        int64  `bson:"last_session_ts" json:"last_session_ts"`
	}

	// JournalEntry is one append-only record of a canonical-event change or
	// reconcile discrepancy.
	JournalEntry struct {
		ID               ident.JournalID `bson:"journal_id" json:"journal_id"`
		UserID           ident.UserID    `bson:"user_id" json:"user_id"`
		CanonicalEventID ident.EventID   `bson:"canonical_event_id,omitempty" json:"canonical_event_id,omitempty"`
		TS               int64           `bson:"ts" json:"ts"`
		Actor            string          `bson:"actor" json:"actor"`
		ChangeType       string          `bson:"change_type" json:"change_type"`
		PatchJSON        string          `bson:"patch_json,omitempty" json:"patch_json,omitempty"`
		Reason           string          `bson:"reason,omitempty" json:"reason,omitempty"`
	}

	// JournalQuery selects journal entries, newest first. Cursor resumes
	// after the given journal id from a previous page.
	JournalQuery struct {
		CanonicalEventID ident.EventID
		Limit            int
		Cursor           string
	}

	// JournalStats summarises the journal for health reporting.
	JournalStats struct {
		Total  int   `json:"total"`
		LastTS int64 `json:"last_ts"`
	}

	// Store persists per-user graph state. Get operations return ErrNotFound
	// for missing rows.
	Store interface {
		// Canonical events.
		PutEvent(ctx context.Context, ev CanonicalEvent) error
		GetEvent(ctx context.Context, userID ident.UserID, id ident.EventID) (CanonicalEvent, error)
		FindEventByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID, originEventID string) (CanonicalEvent, error)
		// ListEvents returns one page and the cursor for the next, or "" on
		// the final page.
		ListEvents(ctx context.Context, userID ident.UserID, q EventQuery) ([]CanonicalEvent, string, error)
		DeleteEventsByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID) (int, error)
		CountEvents(ctx context.Context, userID ident.UserID) (int, error)

		// Mirrors.
		PutMirror(ctx context.Context, m Mirror) error
		GetMirror(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID) (Mirror, error)
		ListMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) ([]Mirror, error)
		ListMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID, state string) ([]Mirror, error)
		DeleteMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID) (int, error)
		DeleteMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) (int, error)
		CountMirrors(ctx context.Context, userID ident.UserID) (MirrorCounts, error)

		// Policy graph.
		PutPolicy(ctx context.Context, p Policy) error
		ListPolicies(ctx context.Context, userID ident.UserID) ([]Policy, error)
		// ReplacePolicyEdges swaps the edge set of one policy atomically.
		ReplacePolicyEdges(ctx context.Context, userID ident.UserID, policyID ident.PolicyID, edges []PolicyEdge) error
		ListEdgesFrom(ctx context.Context, userID ident.UserID, from ident.AccountID) ([]PolicyEdge, error)
		ListEdges(ctx context.Context, userID ident.UserID) ([]PolicyEdge, error)
		// DeleteEdgesReferencing removes every edge with the account on
		// either end and returns how many were removed.
		DeleteEdgesReferencing(ctx context.Context, userID ident.UserID, account ident.AccountID) (int, error)

		// Scheduling sessions.
		PutSession(ctx context.Context, s Session) error
		GetSession(ctx context.Context, userID ident.UserID, id ident.SessionID) (Session, error)
		ListSessions(ctx context.Context, userID ident.UserID, q SessionQuery) ([]Session, error)
		PutCandidates(ctx context.Context, candidates []Candidate) error
		ListCandidates(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]Candidate, error)
		PutHold(ctx context.Context, h Hold) error
		ListHoldsBySession(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]Hold, error)
		// ListExpiredHolds returns held rows across all users whose expiry is
		// at or before ts.
		ListExpiredHolds(ctx context.Context, ts int64) ([]Hold, error)

		// Constraints, VIPs, history.
		PutConstraint(ctx context.Context, c Constraint) error
		ListConstraints(ctx context.Context, userID ident.UserID) ([]Constraint, error)
		DeleteConstraint(ctx context.Context, userID ident.UserID, id ident.ConstraintID) error
		PutVip(ctx context.Context, v VipPolicy) error
		ListVips(ctx context.Context, userID ident.UserID) ([]VipPolicy, error)
		DeleteVip(ctx context.Context, userID ident.UserID, id ident.VipID) error
		AppendHistory(ctx context.Context, entries []HistoryEntry) error
		AggregateHistory(ctx context.Context, userID ident.UserID, hashes []string) ([]HistoryAggregate, error)

		// Journal.
		AppendJournal(ctx context.Context, e JournalEntry) error
		ListJournal(ctx context.Context, userID ident.UserID, q JournalQuery) ([]JournalEntry, string, error)
		JournalStats(ctx context.Context, userID ident.UserID) (JournalStats, error)

		Close(ctx context.Context) error
	}
)
