package scheduling

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Scoring weights. The absolute numbers only matter relative to each other;
// they were tuned so that a VIP-boosted after-hours slot can outrank an
// ordinary in-hours slot when the VIP's weight exceeds 1.
const (
	scoreMorning   = 30
	scoreAfternoon = 20
	scoreOffPeak   = 10

	adjacencyPenalty = 10

	workingHoursBonus   = 20
	workingHoursPenalty = 15

	bufferBonus   = 5
	bufferPenalty = 10

	afterCutoffPenalty = 25
)

// Fairness adjustment clamp bounds.
const (
	fairnessMin = 0.5
	fairnessMax = 1.5
)

// Greedy is the in-process solver.
type Greedy struct{}

// Compile-time check that Greedy implements Solver.
var _ Solver = (*Greedy)(nil)

// NewGreedy returns the greedy solver.
func NewGreedy() *Greedy { return &Greedy{} }

// Solve enumerates 30-minute-aligned slots, filters and scores them, and
// returns the top maxCandidates sorted by score descending.
func (g *Greedy) Solve(_ context.Context, in Input, maxCandidates int) ([]ScoredCandidate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}

	duration := int64(in.DurationMinutes) * time.Minute.Milliseconds()
	step := SlotAlignment.Milliseconds()
	busy := requiredBusy(in)
	fairness, fairnessNote := fairnessAdjustment(in)
	vips := matchedVips(in)

	var out []ScoredCandidate
	for start := alignUp(in.WindowStart, step); start+duration <= in.WindowEnd; start += step {
		end := start + duration
		if overlapsAny(busy, start, end) {
			continue
		}
		if overlapsTrip(in.Constraints, start, end) {
			continue
		}
		cand, ok := scoreSlot(in, vips, busy, start, end)
		if !ok {
			continue
		}
		score := float64(cand.base) * fairness * cand.vipWeight
		notes := cand.notes
		if fairnessNote != "" {
			notes = append(notes, fairnessNote)
		}
		out = append(out, ScoredCandidate{
			Start:       start,
			End:         end,
			Score:       int(math.Round(score)),
			Explanation: strings.Join(notes, "; "),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start < out[j].Start
	})
	if len(out) > maxCandidates {
		out = out[:maxCandidates]
	}
	return out, nil
}

type slotScore struct {
	base      int
	vipWeight float64
	engaged   bool
	notes     []string
}

// scoreSlot computes the pre-fairness score for one free slot. The boolean
// is false when the slot is hard-excluded by working hours.
func scoreSlot(in Input, vips []VipPolicy, busy []BusyInterval, start, end int64) (slotScore, bool) {
	s := slotScore{vipWeight: 1}

	hour := time.UnixMilli(start).UTC().Hour()
	switch {
	case hour >= 5 && hour < 12:
		s.base += scoreMorning
		s.notes = append(s.notes, "morning slot")
	case hour >= 12 && hour < 18:
		s.base += scoreAfternoon
		s.notes = append(s.notes, "afternoon slot")
	default:
		s.base += scoreOffPeak
		s.notes = append(s.notes, "off-peak slot")
	}

	if adjacentToBusy(busy, start, end) {
		s.base -= adjacencyPenalty
		s.notes = append(s.notes, "back-to-back with an existing event")
	}

	afterHoursVip, afterHoursNames := vipAfterHours(vips)

	for i := range in.Constraints {
		c := &in.Constraints[i]
		switch c.Kind {
		case KindWorkingHours:
			if c.WorkingHours == nil {
				continue
			}
			switch classifyWorkingHours(*c.WorkingHours, start, end) {
			case whInside:
				s.base += workingHoursBonus
				s.notes = append(s.notes, "within working hours")
			case whPartial:
				s.base -= workingHoursPenalty
				s.notes = append(s.notes, "partially outside working hours")
			case whOutside:
				if !afterHoursVip {
					return slotScore{}, false
				}
				// The VIP makes the out-of-hours slot acceptable; treat it
				// like an in-hours one so it competes on merit.
				s.base += workingHoursBonus
				s.engaged = true
				s.notes = append(s.notes, "VIP override (after-hours allowed for "+afterHoursNames+")")
			}
		case KindBuffer:
			if c.Buffer == nil {
				continue
			}
			bonus, note := scoreBuffer(*c.Buffer, busy, start, end)
			s.base += bonus
			if note != "" {
				s.notes = append(s.notes, note)
			}
		case KindNoMeetingsAfter:
			if c.NoMeetingsAfter == nil {
				continue
			}
			if startsAtOrAfterCutoff(*c.NoMeetingsAfter, start) {
				if afterHoursVip {
					s.engaged = true
					s.notes = append(s.notes, "VIP override (late cutoff waived)")
				} else {
					s.base -= afterCutoffPenalty
					s.notes = append(s.notes, "starts after the daily cutoff")
				}
			}
		}
	}

	// The weight boost applies where a VIP override actually engaged, so
	// slots only the VIP unlocks outrank ordinary ones.
	if s.engaged {
		for _, v := range vips {
			if v.PriorityWeight > s.vipWeight {
				s.vipWeight = v.PriorityWeight
			}
		}
		if s.vipWeight != 1 {
			s.notes = append(s.notes, fmt.Sprintf("VIP priority weight x%.1f", s.vipWeight))
		}
	}
	return s, true
}

// matchedVips returns the VIP policies whose participant is on this request.
func matchedVips(in Input) []VipPolicy {
	var out []VipPolicy
	for _, v := range in.VipPolicies {
		for _, h := range in.ParticipantHashes {
			if v.ParticipantHash == h {
				out = append(out, v)
				break
			}
		}
	}
	return out
}

func vipAfterHours(vips []VipPolicy) (bool, string) {
	var names []string
	for _, v := range vips {
		if v.AllowAfterHours {
			name := v.DisplayName
			if name == "" {
				name = v.ParticipantHash
			}
			names = append(names, name)
		}
	}
	return len(names) > 0, strings.Join(names, ", ")
}

// fairnessAdjustment compares each participant's preference rate to the
// group average and returns the clamped adjustment of the most-affected
// participant.
func fairnessAdjustment(in Input) (float64, string) {
	if len(in.History) == 0 {
		return 1, ""
	}
	rates := make(map[string]float64, len(in.History))
	var sum float64
	for _, h := range in.History {
		if h.SessionsParticipated == 0 {
			continue
		}
		r := float64(h.SessionsPreferred) / float64(h.SessionsParticipated)
		rates[h.ParticipantHash] = r
		sum += r
	}
	if len(rates) == 0 {
		return 1, ""
	}
	avg := sum / float64(len(rates))
	adjustment, affected := 1.0, ""
	for hash, r := range rates {
		adj := math.Min(fairnessMax, math.Max(fairnessMin, 1+(avg-r)))
		if math.Abs(adj-1) > math.Abs(adjustment-1) {
			adjustment, affected = adj, hash
		}
	}
	if affected == "" {
		return 1, ""
	}
	return adjustment, fmt.Sprintf("fairness adjustment x%.2f for %s", adjustment, affected)
}

// requiredBusy filters busy intervals down to the required accounts and
// sorts them by start.
func requiredBusy(in Input) []BusyInterval {
	required := make(map[string]bool, len(in.RequiredAccountIDs))
	for _, id := range in.RequiredAccountIDs {
		required[string(id)] = true
	}
	var out []BusyInterval
	for _, b := range in.BusyIntervals {
		if b.AccountID == "" || required[string(b.AccountID)] {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func overlapsAny(busy []BusyInterval, start, end int64) bool {
	for _, b := range busy {
		if b.Start < end && start < b.End {
			return true
		}
	}
	return false
}

func adjacentToBusy(busy []BusyInterval, start, end int64) bool {
	for _, b := range busy {
		if b.End == start || b.Start == end {
			return true
		}
	}
	return false
}

func overlapsTrip(constraints []Constraint, start, end int64) bool {
	for _, c := range constraints {
		if c.Kind != KindTrip {
			continue
		}
		tripStart, tripEnd := c.ActiveFrom, c.ActiveTo
		if tripEnd == 0 {
			tripEnd = math.MaxInt64
		}
		if tripStart < end && start < tripEnd {
			return true
		}
	}
	return false
}

type whClass int

const (
	whInside whClass = iota
	whPartial
	whOutside
)

// classifyWorkingHours places a slot relative to the configured hours in the
// configured timezone. A slot on a day outside the configured days is
// entirely outside.
func classifyWorkingHours(cfg WorkingHoursConfig, start, end int64) whClass {
	loc := loadLocation(cfg.Timezone)
	st := time.UnixMilli(start).In(loc)
	dayOK := len(cfg.Days) == 0
	for _, d := range cfg.Days {
		if isoWeekday(st) == d {
			dayOK = true
			break
		}
	}
	if !dayOK {
		return whOutside
	}
	whStart, ok1 := atClock(st, cfg.StartTime, loc)
	whEnd, ok2 := atClock(st, cfg.EndTime, loc)
	if !ok1 || !ok2 || !whStart.Before(whEnd) {
		return whOutside
	}
	slotStart, slotEnd := st, time.UnixMilli(end).In(loc)
	if !slotStart.Before(whStart) && !slotEnd.After(whEnd) {
		return whInside
	}
	if !slotEnd.After(whStart) || !slotStart.Before(whEnd) {
		return whOutside
	}
	return whPartial
}

// scoreBuffer checks the gap between the slot and the nearest busy block in
// the buffer's direction.
func scoreBuffer(cfg BufferConfig, busy []BusyInterval, start, end int64) (int, string) {
	need := int64(cfg.Minutes) * time.Minute.Milliseconds()
	if need <= 0 {
		return 0, ""
	}
	gap := int64(math.MaxInt64)
	switch cfg.Type {
	case BufferPrep:
		for _, b := range busy {
			if b.End <= start && start-b.End < gap {
				gap = start - b.End
			}
		}
	case BufferCooldown:
		for _, b := range busy {
			if b.Start >= end && b.Start-end < gap {
				gap = b.Start - end
			}
		}
	default:
		return 0, ""
	}
	if gap >= need {
		return bufferBonus, fmt.Sprintf("%s buffer of %dm satisfied", cfg.Type, cfg.Minutes)
	}
	return -bufferPenalty, fmt.Sprintf("%s buffer of %dm not met", cfg.Type, cfg.Minutes)
}

func startsAtOrAfterCutoff(cfg NoMeetingsAfterConfig, start int64) bool {
	loc := loadLocation(cfg.Timezone)
	st := time.UnixMilli(start).In(loc)
	cutoff, ok := atClock(st, cfg.Time, loc)
	if !ok {
		return false
	}
	return !st.Before(cutoff)
}

// atClock returns the instant at "HH:MM" on t's day in loc.
func atClock(t time.Time, clock string, loc *time.Location) (time.Time, bool) {
	parsed, err := time.Parse("15:04", clock)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(t.Year(), t.Month(), t.Day(), parsed.Hour(), parsed.Minute(), 0, 0, loc), true
}

func loadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// isoWeekday maps Go's Sunday-first weekday to ISO numbering, 1 = Monday.
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func alignUp(ts, step int64) int64 {
	if rem := ts % step; rem != 0 {
		return ts + step - rem
	}
	return ts
}
