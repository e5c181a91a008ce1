// Package ident defines the typed identifiers used throughout the service.
// Every identifier is a ULID carrying a short type prefix ("acc_", "evt_",
// ...) so that ids stay unambiguous in logs, queue payloads, and the extended
// properties written to provider events.
package ident

import (
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

type (
	// AccountID identifies a linked provider account.
	AccountID string

	// UserID identifies the human owning a set of linked accounts.
	UserID string

	// EventID identifies a canonical event.
	EventID string

	// MirrorID identifies a mirror row (one projection of a canonical event
	// into a target account).
	MirrorID string

	// SessionID identifies a scheduling session.
	SessionID string

	// CandidateID identifies a scored candidate slot within a session.
	CandidateID string

	// HoldID identifies a tentative hold placed for a candidate.
	HoldID string

	// PolicyID identifies a projection policy.
	PolicyID string

	// VipID identifies a VIP participant policy.
	VipID string

	// CalendarID identifies a calendar row recorded for an account.
	CalendarID string

	// ConstraintID identifies a scheduling constraint.
	ConstraintID string

	// JournalID identifies an event journal entry.
	JournalID string
)

// Prefixes, one per identifier type.
const (
	PrefixAccount    = "acc"
	PrefixUser       = "usr"
	PrefixEvent      = "evt"
	PrefixMirror     = "mir"
	PrefixSession    = "ses"
	PrefixCandidate  = "cnd"
	PrefixHold       = "hld"
	PrefixPolicy     = "pol"
	PrefixVip        = "vip"
	PrefixCalendar   = "cal"
	PrefixConstraint = "cns"
	PrefixJournal    = "jrn"
)

func newID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

func parseID(prefix, s string) (string, error) {
	rest, ok := strings.CutPrefix(s, prefix+"_")
	if !ok {
		return "", fmt.Errorf("identifier %q does not carry prefix %q", s, prefix)
	}
	if _, err := ulid.Parse(rest); err != nil {
		return "", fmt.Errorf("identifier %q is not a valid ULID: %w", s, err)
	}
	return s, nil
}

// NewAccountID mints a fresh account id.
func NewAccountID() AccountID { return AccountID(newID(PrefixAccount)) }

// NewUserID mints a fresh user id.
func NewUserID() UserID { return UserID(newID(PrefixUser)) }

// NewEventID mints a fresh canonical event id.
func NewEventID() EventID { return EventID(newID(PrefixEvent)) }

// NewMirrorID mints a fresh mirror id.
func NewMirrorID() MirrorID { return MirrorID(newID(PrefixMirror)) }

// NewSessionID mints a fresh scheduling session id.
func NewSessionID() SessionID { return SessionID(newID(PrefixSession)) }

// NewCandidateID mints a fresh candidate id.
func NewCandidateID() CandidateID { return CandidateID(newID(PrefixCandidate)) }

// NewHoldID mints a fresh hold id.
func NewHoldID() HoldID { return HoldID(newID(PrefixHold)) }

// NewPolicyID mints a fresh policy id.
func NewPolicyID() PolicyID { return PolicyID(newID(PrefixPolicy)) }

// NewVipID mints a fresh VIP policy id.
func NewVipID() VipID { return VipID(newID(PrefixVip)) }

// NewCalendarID mints a fresh calendar id.
func NewCalendarID() CalendarID { return CalendarID(newID(PrefixCalendar)) }

// NewConstraintID mints a fresh constraint id.
func NewConstraintID() ConstraintID { return ConstraintID(newID(PrefixConstraint)) }

// NewJournalID mints a fresh journal entry id.
func NewJournalID() JournalID { return JournalID(newID(PrefixJournal)) }

// ParseAccountID validates s as an account id.
func ParseAccountID(s string) (AccountID, error) {
	id, err := parseID(PrefixAccount, s)
	return AccountID(id), err
}

// ParseUserID validates s as a user id.
func ParseUserID(s string) (UserID, error) {
	id, err := parseID(PrefixUser, s)
	return UserID(id), err
}

// ParseEventID validates s as a canonical event id.
func ParseEventID(s string) (EventID, error) {
	id, err := parseID(PrefixEvent, s)
	return EventID(id), err
}

// ParseSessionID validates s as a scheduling session id.
func ParseSessionID(s string) (SessionID, error) {
	id, err := parseID(PrefixSession, s)
	return SessionID(id), err
}

// ParseCandidateID validates s as a candidate id.
func ParseCandidateID(s string) (CandidateID, error) {
	id, err := parseID(PrefixCandidate, s)
	return CandidateID(id), err
}

func (id AccountID) String() string    { return string(id) }
func (id UserID) String() string       { return string(id) }
func (id EventID) String() string      { return string(id) }
func (id MirrorID) String() string     { return string(id) }
func (id SessionID) String() string    { return string(id) }
func (id CandidateID) String() string  { return string(id) }
func (id HoldID) String() string       { return string(id) }
func (id PolicyID) String() string     { return string(id) }
func (id VipID) String() string        { return string(id) }
func (id CalendarID) String() string   { return string(id) }
func (id ConstraintID) String() string { return string(id) }
func (id JournalID) String() string    { return string(id) }
