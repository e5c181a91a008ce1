package usergraph

import (
	"context"
	"sort"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/scheduling"
	"github.com/facetcal/facet/usergraph/store"
)

type (
	// Interval is one half-open [Start, End) span in Unix milliseconds UTC.
	Interval struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	}

	// Availability is the merged busy intervals over a window and their
	// complement.
	Availability struct {
		Busy []Interval `json:"busy_intervals"`
		Free []Interval `json:"free_intervals"`
	}
)

// ComputeAvailability merges the user's opaque, non-cancelled events on the
// given accounts into ordered non-overlapping busy intervals and returns them
// with their complement over [start, end). Overlapping and back-to-back events
// merge into one interval. With no accounts given, every linked account
// counts.
func (s *Service) ComputeAvailability(ctx context.Context, userID ident.UserID, start, end int64, accounts []ident.AccountID) (Availability, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (Availability, error) {
		if start >= end {
			return Availability{}, fault.Validationf("window start must precede window end")
		}
		if len(accounts) == 0 {
			linked, err := g.svc.registry.UserAccounts(ctx, g.id)
			if err != nil {
				return Availability{}, err
			}
			for _, acct := range linked {
				accounts = append(accounts, acct.ID)
			}
		}
		raw, err := g.rawBusy(ctx, start, end, accounts)
		if err != nil {
			return Availability{}, err
		}
		busy := mergeIntervals(raw)
		return Availability{Busy: busy, Free: complement(busy, start, end)}, nil
	})
}

// busyIntervals is the solver-facing view: per-account busy blocks, unmerged
// so the solver can filter by required account.
func (g *graph) busyIntervals(ctx context.Context, start, end int64, accounts []ident.AccountID) ([]scheduling.BusyInterval, error) {
	var out []scheduling.BusyInterval
	for _, acct := range accounts {
		cursor := ""
		for {
			events, next, err := g.svc.store.ListEvents(ctx, g.id, store.EventQuery{
				TimeMin:         start,
				TimeMax:         end,
				OriginAccountID: acct,
				Limit:           200,
				Cursor:          cursor,
			})
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				if !blocksTime(ev) {
					continue
				}
				out = append(out, scheduling.BusyInterval{AccountID: acct, Start: ev.Start, End: ev.End})
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return out, nil
}

func (g *graph) rawBusy(ctx context.Context, start, end int64, accounts []ident.AccountID) ([]Interval, error) {
	blocks, err := g.busyIntervals(ctx, start, end, accounts)
	if err != nil {
		return nil, err
	}
	out := make([]Interval, 0, len(blocks))
	for _, b := range blocks {
		iv := Interval{Start: b.Start, End: b.End}
		if iv.Start < start {
			iv.Start = start
		}
		if iv.End > end {
			iv.End = end
		}
		if iv.Start < iv.End {
			out = append(out, iv)
		}
	}
	return out, nil
}

func blocksTime(ev store.CanonicalEvent) bool {
	return ev.Transparency == store.TransparencyOpaque && ev.Status != store.EventCancelled
}

// mergeIntervals sorts and merges overlapping and adjacent intervals.
func mergeIntervals(in []Interval) []Interval {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start != in[j].Start {
			return in[i].Start < in[j].Start
		}
		return in[i].End < in[j].End
	})
	out := []Interval{in[0]}
	for _, iv := range in[1:] {
		last := &out[len(out)-1]
		if iv.Start <= last.End {
			if iv.End > last.End {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// complement returns the gaps between busy intervals inside [start, end).
// busy must be merged and ordered.
func complement(busy []Interval, start, end int64) []Interval {
	var out []Interval
	at := start
	for _, b := range busy {
		if b.Start > at {
			out = append(out, Interval{Start: at, End: b.Start})
		}
		if b.End > at {
			at = b.End
		}
	}
	if at < end {
		out = append(out, Interval{Start: at, End: end})
	}
	return out
}
