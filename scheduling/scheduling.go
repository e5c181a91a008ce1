// Package scheduling proposes meeting times. The solver enumerates aligned
// slots inside a window, rejects slots that collide with busy intervals or
// trips, scores the rest against the user's constraints, VIP policies and
// fairness history, and returns the top candidates.
//
// Two solvers exist: the in-process greedy solver, always available, and an
// external constraint solver called over HTTP that falls back to greedy on
// any failure.
package scheduling

import (
	"context"
	"fmt"
	"time"

	"github.com/facetcal/facet/ident"
)

// Constraint kinds.
const (
	KindWorkingHours    = "working_hours"
	KindTrip            = "trip"
	KindBuffer          = "buffer"
	KindNoMeetingsAfter = "no_meetings_after"
	KindVipOverride     = "vip_override"
)

// Buffer directions.
const (
	BufferPrep     = "prep"
	BufferCooldown = "cooldown"
)

// Duration bounds accepted for a meeting, in minutes.
const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 480
)

// DefaultMaxCandidates is how many candidates a solve returns when the
// caller does not say otherwise.
const DefaultMaxCandidates = 5

// SlotAlignment is the boundary grid candidate slots snap to.
const SlotAlignment = 30 * time.Minute

type (
	// BusyInterval is one opaque busy block of one account. Times are Unix
	// milliseconds UTC.
	BusyInterval struct {
		AccountID ident.AccountID `json:"account_id"`
		Start     int64           `json:"start"`
		End       int64           `json:"end"`
	}

	// WorkingHoursConfig bounds acceptable meeting times. Days use ISO
	// numbering, 1 = Monday through 7 = Sunday.
	WorkingHoursConfig struct {
		Days      []int  `json:"days"`
		StartTime string `json:"start_time"`
		EndTime   string `json:"end_time"`
		Timezone  string `json:"timezone"`
	}

	// BufferConfig asks for breathing room before (prep) or after (cooldown)
	// a meeting.
	BufferConfig struct {
		Type      string `json:"type"`
		Minutes   int    `json:"minutes"`
		AppliesTo string `json:"applies_to"`
	}

	// NoMeetingsAfterConfig penalises slots starting at or after a daily
	// cutoff.
	NoMeetingsAfterConfig struct {
		Time     string `json:"time"`
		Timezone string `json:"timezone"`
	}

	// Constraint is one active scheduling constraint with its kind-specific
	// config decoded. ActiveFrom/ActiveTo bound trip constraints.
	Constraint struct {
		Kind            string
		ActiveFrom      int64
		ActiveTo        int64
		WorkingHours    *WorkingHoursConfig
		Buffer          *BufferConfig
		NoMeetingsAfter *NoMeetingsAfterConfig
	}

	// VipPolicy weights a participant.
	VipPolicy struct {
		ParticipantHash  string  `json:"participant_hash"`
		DisplayName      string  `json:"display_name"`
		PriorityWeight   float64 `json:"priority_weight"`
		AllowAfterHours  bool    `json:"allow_after_hours"`
		MinNoticeHours   int     `json:"min_notice_hours"`
		OverrideDeepWork bool    `json:"override_deep_work"`
	}

	// History is one participant's fairness aggregate.
	History struct {
		ParticipantHash      string `json:"participant_hash"`
		SessionsParticipated int    `json:"sessions_participated"`
		SessionsPreferred    int    `json:"sessions_preferred"`
	}

	// Input is everything a solve needs. Times are Unix milliseconds UTC.
	Input struct {
		WindowStart        int64             `json:"window_start"`
		WindowEnd          int64             `json:"window_end"`
		DurationMinutes    int               `json:"duration_minutes"`
		BusyIntervals      []BusyInterval    `json:"busy_intervals"`
		RequiredAccountIDs []ident.AccountID `json:"required_account_ids"`
		Constraints        []Constraint      `json:"constraints"`
		ParticipantHashes  []string          `json:"participant_hashes,omitempty"`
		VipPolicies        []VipPolicy       `json:"vip_policies,omitempty"`
		History            []History         `json:"history,omitempty"`
	}

	// ScoredCandidate is one proposed slot.
	ScoredCandidate struct {
		Start       int64  `json:"start"`
		End         int64  `json:"end"`
		Score       int    `json:"score"`
		Explanation string `json:"explanation"`
	}

	// Solver proposes candidates for an input. Implementations return
	// candidates sorted by score descending.
	Solver interface {
		Solve(ctx context.Context, in Input, maxCandidates int) ([]ScoredCandidate, error)
	}
)

// Validate checks the request preconditions shared by both solvers.
func (in Input) Validate() error {
	if in.WindowStart >= in.WindowEnd {
		return fmt.Errorf("window start must precede window end")
	}
	if in.DurationMinutes < MinDurationMinutes || in.DurationMinutes > MaxDurationMinutes {
		return fmt.Errorf("duration must be between %d and %d minutes, got %d", MinDurationMinutes, MaxDurationMinutes, in.DurationMinutes)
	}
	if len(in.RequiredAccountIDs) == 0 {
		return fmt.Errorf("at least one required account is needed")
	}
	return nil
}

// Choose picks the solver for one request: the external solver is worth its
// latency only for hard inputs (more than 3 participants or more than 5
// constraints) and only when configured; everything else goes straight to
// greedy. The external solver itself falls back to greedy on failure.
func Choose(in Input, external *External, greedy *Greedy) Solver {
	if external != nil && (len(in.ParticipantHashes) > 3 || len(in.Constraints) > 5) {
		return external
	}
	return greedy
}
