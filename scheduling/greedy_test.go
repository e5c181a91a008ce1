package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/ident"
)

const acctRequired = ident.AccountID("acc_required")

// monday is 2026-03-02 00:00 UTC, a Monday, so working-hours tests line up
// with ISO day 1.
var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hour, min int) int64 {
	return monday.Add(time.Duration(hour)*time.Hour + time.Duration(min)*time.Minute).UnixMilli()
}

func baseInput(startHour, endHour int) Input {
	return Input{
		WindowStart:        at(startHour, 0),
		WindowEnd:          at(endHour, 0),
		DurationMinutes:    60,
		RequiredAccountIDs: []ident.AccountID{acctRequired},
	}
}

func solve(t *testing.T, in Input, max int) []ScoredCandidate {
	t.Helper()
	out, err := NewGreedy().Solve(context.Background(), in, max)
	require.NoError(t, err)
	return out
}

func starts(cands []ScoredCandidate) []int64 {
	out := make([]int64, len(cands))
	for i, c := range cands {
		out[i] = c.Start
	}
	return out
}

func TestValidateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
	}{
		{"window reversed", func(in *Input) { in.WindowStart, in.WindowEnd = in.WindowEnd, in.WindowStart }},
		{"window empty", func(in *Input) { in.WindowEnd = in.WindowStart }},
		{"duration too short", func(in *Input) { in.DurationMinutes = 10 }},
		{"duration too long", func(in *Input) { in.DurationMinutes = 481 }},
		{"no required accounts", func(in *Input) { in.RequiredAccountIDs = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := baseInput(9, 12)
			tt.mutate(&in)
			_, err := NewGreedy().Solve(context.Background(), in, 0)
			assert.Error(t, err)
		})
	}
}

func TestSolveEnumeratesAlignedSlots(t *testing.T) {
	out := solve(t, baseInput(9, 12), 0)

	// Five hour-long slots fit a three-hour window on the 30-minute grid.
	assert.Equal(t, []int64{at(9, 0), at(9, 30), at(10, 0), at(10, 30), at(11, 0)}, starts(out))
	for _, c := range out {
		assert.Equal(t, c.Start+time.Hour.Milliseconds(), c.End)
		assert.Equal(t, scoreMorning, c.Score)
		assert.Contains(t, c.Explanation, "morning slot")
	}
}

func TestSolveAlignsRaggedWindowStart(t *testing.T) {
	in := baseInput(9, 11)
	in.WindowStart = at(9, 10)

	out := solve(t, in, 0)
	assert.Equal(t, []int64{at(9, 30), at(10, 0)}, starts(out))
}

func TestMorningOutranksAfternoon(t *testing.T) {
	out := solve(t, baseInput(10, 14), 0)

	require.Len(t, out, 5)
	// Morning slots carry the higher base score, ties break on start.
	assert.Equal(t, []int64{at(10, 0), at(10, 30), at(11, 0), at(11, 30), at(12, 0)}, starts(out))
	assert.Equal(t, scoreMorning, out[0].Score)
	assert.Equal(t, scoreAfternoon, out[4].Score)
	assert.Contains(t, out[4].Explanation, "afternoon slot")
}

func TestBusyIntervalsExcludeAndPenaliseAdjacency(t *testing.T) {
	in := baseInput(9, 12)
	in.BusyIntervals = []BusyInterval{{AccountID: acctRequired, Start: at(10, 0), End: at(11, 0)}}

	out := solve(t, in, 0)
	assert.Equal(t, []int64{at(9, 0), at(11, 0)}, starts(out))
	for _, c := range out {
		assert.Equal(t, scoreMorning-adjacencyPenalty, c.Score)
		assert.Contains(t, c.Explanation, "back-to-back")
	}
}

func TestBusyOfUnrelatedAccountIsIgnored(t *testing.T) {
	in := baseInput(9, 12)
	in.BusyIntervals = []BusyInterval{{AccountID: ident.NewAccountID(), Start: at(9, 0), End: at(12, 0)}}

	out := solve(t, in, 0)
	assert.Len(t, out, 5)
}

func TestAnonymousBusyBlocksEveryone(t *testing.T) {
	in := baseInput(9, 12)
	in.BusyIntervals = []BusyInterval{{Start: at(9, 0), End: at(12, 0)}}

	out := solve(t, in, 0)
	assert.Empty(t, out)
}

func TestTripExcludesSlots(t *testing.T) {
	in := baseInput(9, 12)
	in.Constraints = []Constraint{{Kind: KindTrip, ActiveFrom: at(9, 0), ActiveTo: at(11, 0)}}

	out := solve(t, in, 0)
	assert.Equal(t, []int64{at(11, 0)}, starts(out))
}

func TestOpenEndedTripBlocksTheRestOfTheWindow(t *testing.T) {
	in := baseInput(9, 12)
	in.Constraints = []Constraint{{Kind: KindTrip, ActiveFrom: at(10, 0)}}

	out := solve(t, in, 0)
	assert.Equal(t, []int64{at(9, 0)}, starts(out))
}

func TestWorkingHoursClassification(t *testing.T) {
	in := baseInput(8, 11)
	in.Constraints = []Constraint{{
		Kind: KindWorkingHours,
		WorkingHours: &WorkingHoursConfig{
			Days:      []int{1, 2, 3, 4, 5},
			StartTime: "09:00",
			EndTime:   "17:00",
		},
	}}

	out := solve(t, in, 0)
	// 08:00 is entirely outside and hard-excluded; 08:30 straddles the
	// boundary; the rest are inside.
	require.Len(t, out, 4)
	assert.Equal(t, []int64{at(9, 0), at(9, 30), at(10, 0), at(8, 30)}, starts(out))
	assert.Equal(t, scoreMorning+workingHoursBonus, out[0].Score)
	assert.Equal(t, scoreMorning-workingHoursPenalty, out[3].Score)
	assert.Contains(t, out[3].Explanation, "partially outside working hours")
}

func TestWorkingHoursExcludeOffDays(t *testing.T) {
	in := baseInput(9, 12)
	in.Constraints = []Constraint{{
		Kind: KindWorkingHours,
		WorkingHours: &WorkingHoursConfig{
			Days:      []int{6, 7}, // weekend only, the window is a Monday
			StartTime: "09:00",
			EndTime:   "17:00",
		},
	}}

	out := solve(t, in, 0)
	assert.Empty(t, out)
}

func TestVipUnlocksAfterHoursSlots(t *testing.T) {
	in := baseInput(18, 21)
	in.Constraints = []Constraint{{
		Kind: KindWorkingHours,
		WorkingHours: &WorkingHoursConfig{
			Days:      []int{1, 2, 3, 4, 5},
			StartTime: "09:00",
			EndTime:   "17:00",
		},
	}}

	// Without a matching VIP the evening window yields nothing.
	assert.Empty(t, solve(t, in, 0))

	in.ParticipantHashes = []string{"hash-ceo"}
	in.VipPolicies = []VipPolicy{{
		ParticipantHash: "hash-ceo",
		DisplayName:     "CEO",
		PriorityWeight:  2.0,
		AllowAfterHours: true,
	}}

	out := solve(t, in, 0)
	require.NotEmpty(t, out)
	// Off-peak base plus the working-hours bonus, doubled by the VIP weight.
	assert.Equal(t, (scoreOffPeak+workingHoursBonus)*2, out[0].Score)
	assert.Contains(t, out[0].Explanation, "VIP override (after-hours allowed for CEO)")
	assert.Contains(t, out[0].Explanation, "VIP priority weight x2.0")
}

func TestVipPolicyWithoutMatchingParticipantIsInert(t *testing.T) {
	in := baseInput(18, 21)
	in.Constraints = []Constraint{{
		Kind: KindWorkingHours,
		WorkingHours: &WorkingHoursConfig{
			Days:      []int{1, 2, 3, 4, 5},
			StartTime: "09:00",
			EndTime:   "17:00",
		},
	}}
	in.ParticipantHashes = []string{"hash-other"}
	in.VipPolicies = []VipPolicy{{ParticipantHash: "hash-ceo", AllowAfterHours: true, PriorityWeight: 2}}

	assert.Empty(t, solve(t, in, 0))
}

func TestVipWeightStaysOutOfOrdinarySlots(t *testing.T) {
	in := baseInput(9, 12)
	in.ParticipantHashes = []string{"hash-ceo"}
	in.VipPolicies = []VipPolicy{{ParticipantHash: "hash-ceo", AllowAfterHours: true, PriorityWeight: 3}}

	out := solve(t, in, 0)
	require.NotEmpty(t, out)
	// No override engaged, so the weight never multiplies in.
	assert.Equal(t, scoreMorning, out[0].Score)
	assert.NotContains(t, out[0].Explanation, "VIP")
}

func TestPrepBufferRewardsBreathingRoom(t *testing.T) {
	in := baseInput(9, 11)
	in.BusyIntervals = []BusyInterval{{AccountID: acctRequired, Start: at(8, 0), End: at(9, 0)}}
	in.Constraints = []Constraint{{
		Kind:   KindBuffer,
		Buffer: &BufferConfig{Type: BufferPrep, Minutes: 30},
	}}

	out := solve(t, in, 0)
	require.Len(t, out, 3)
	assert.Equal(t, at(9, 30), out[0].Start)
	assert.Equal(t, scoreMorning+bufferBonus, out[0].Score)
	assert.Contains(t, out[0].Explanation, "prep buffer of 30m satisfied")
	assert.Equal(t, at(10, 0), out[1].Start)
	assert.Equal(t, scoreMorning+bufferBonus, out[1].Score)

	assert.Equal(t, at(9, 0), out[2].Start)
	assert.Equal(t, scoreMorning-adjacencyPenalty-bufferPenalty, out[2].Score)
	assert.Contains(t, out[2].Explanation, "prep buffer of 30m not met")
}

func TestCooldownBufferChecksTheGapAfter(t *testing.T) {
	in := baseInput(9, 11)
	in.BusyIntervals = []BusyInterval{{AccountID: acctRequired, Start: at(11, 0), End: at(12, 0)}}
	in.Constraints = []Constraint{{
		Kind:   KindBuffer,
		Buffer: &BufferConfig{Type: BufferCooldown, Minutes: 30},
	}}

	out := solve(t, in, 0)
	require.Len(t, out, 3)
	assert.Equal(t, at(9, 0), out[0].Start)
	assert.Equal(t, scoreMorning+bufferBonus, out[0].Score)
	assert.Equal(t, at(9, 30), out[1].Start)
	assert.Equal(t, scoreMorning+bufferBonus, out[1].Score)
	assert.Equal(t, at(10, 0), out[2].Start)
	assert.Equal(t, scoreMorning-adjacencyPenalty-bufferPenalty, out[2].Score)
}

func TestLateCutoffPenalisesAndVipWaives(t *testing.T) {
	in := baseInput(15, 18)
	in.Constraints = []Constraint{{
		Kind:            KindNoMeetingsAfter,
		NoMeetingsAfter: &NoMeetingsAfterConfig{Time: "16:00"},
	}}

	out := solve(t, in, 0)
	require.Len(t, out, 5)
	assert.Equal(t, []int64{at(15, 0), at(15, 30), at(16, 0), at(16, 30), at(17, 0)}, starts(out))
	assert.Equal(t, scoreAfternoon, out[0].Score)
	assert.Equal(t, scoreAfternoon-afterCutoffPenalty, out[2].Score)
	assert.Contains(t, out[2].Explanation, "starts after the daily cutoff")

	in.ParticipantHashes = []string{"hash-ceo"}
	in.VipPolicies = []VipPolicy{{ParticipantHash: "hash-ceo", AllowAfterHours: true, PriorityWeight: 1.5}}
	out = solve(t, in, 0)
	require.Len(t, out, 5)
	// The waived slots carry the full afternoon score boosted by the weight
	// and outrank the plain in-hours ones.
	assert.Equal(t, at(16, 0), out[0].Start)
	assert.Equal(t, scoreAfternoon+scoreAfternoon/2, out[0].Score)
	assert.Contains(t, out[0].Explanation, "VIP override (late cutoff waived)")
}

func TestFairnessDampensAnOverPreferredGroup(t *testing.T) {
	in := baseInput(9, 10)
	in.ParticipantHashes = []string{"hash-a", "hash-b", "hash-c"}
	in.History = []History{
		{ParticipantHash: "hash-a", SessionsParticipated: 10, SessionsPreferred: 0},
		{ParticipantHash: "hash-b", SessionsParticipated: 10, SessionsPreferred: 0},
		{ParticipantHash: "hash-c", SessionsParticipated: 10, SessionsPreferred: 9},
	}

	out := solve(t, in, 0)
	require.Len(t, out, 1)
	// hash-c sits 0.6 above the group average, clamped to the 0.5 floor.
	assert.Equal(t, scoreMorning/2, out[0].Score)
	assert.Contains(t, out[0].Explanation, "fairness adjustment x0.50 for hash-c")
}

func TestFairnessIgnoresEmptyHistory(t *testing.T) {
	in := baseInput(9, 10)
	in.History = []History{{ParticipantHash: "hash-a"}}

	out := solve(t, in, 0)
	require.Len(t, out, 1)
	assert.Equal(t, scoreMorning, out[0].Score)
	assert.NotContains(t, out[0].Explanation, "fairness")
}

func TestSolveCapsCandidates(t *testing.T) {
	out := solve(t, baseInput(9, 17), 0)
	assert.Len(t, out, DefaultMaxCandidates)

	out = solve(t, baseInput(9, 17), 3)
	assert.Len(t, out, 3)
}

func genGreedyInput() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(0, 365*24),                    // window start offset from the anchor, hours
		gen.IntRange(MinDurationMinutes, MaxDurationMinutes),
		gen.IntRange(9, 96),                          // window length, hours
		gen.SliceOf(gen.Int64Range(0, 96*2)),         // busy starts on the half-hour grid
	).Map(func(vals []any) Input {
		start := monday.UnixMilli() + vals[0].(int64)*time.Hour.Milliseconds()
		length := int64(vals[2].(int)) * time.Hour.Milliseconds()
		var busy []BusyInterval
		for _, off := range vals[3].([]int64) {
			bs := start + off*SlotAlignment.Milliseconds()
			busy = append(busy, BusyInterval{AccountID: acctRequired, Start: bs, End: bs + time.Hour.Milliseconds()})
		}
		return Input{
			WindowStart:        start,
			WindowEnd:          start + length,
			DurationMinutes:    vals[1].(int),
			BusyIntervals:      busy,
			RequiredAccountIDs: []ident.AccountID{acctRequired},
		}
	})
}

func TestSolveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("candidates are aligned, in-window, and sorted", prop.ForAll(
		func(in Input) bool {
			out, err := NewGreedy().Solve(context.Background(), in, 0)
			if err != nil {
				return false
			}
			if len(out) > DefaultMaxCandidates {
				return false
			}
			duration := int64(in.DurationMinutes) * time.Minute.Milliseconds()
			for i, c := range out {
				if c.Start%SlotAlignment.Milliseconds() != 0 {
					return false
				}
				if c.Start < in.WindowStart || c.End > in.WindowEnd || c.End-c.Start != duration {
					return false
				}
				if i > 0 && out[i].Score > out[i-1].Score {
					return false
				}
			}
			return true
		},
		genGreedyInput(),
	))

	properties.Property("candidates never overlap a required busy interval", prop.ForAll(
		func(in Input) bool {
			out, err := NewGreedy().Solve(context.Background(), in, 0)
			if err != nil {
				return false
			}
			for _, c := range out {
				for _, b := range in.BusyIntervals {
					if b.Start < c.End && c.Start < b.End {
						return false
					}
				}
			}
			return true
		},
		genGreedyInput(),
	))

	properties.TestingRun(t)
}
