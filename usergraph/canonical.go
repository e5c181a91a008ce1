package usergraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/usergraph/store"
)

type (
	// DeltaResult summarises one applyProviderDelta batch.
	DeltaResult struct {
		Created         int      `json:"created"`
		Updated         int      `json:"updated"`
		Deleted         int      `json:"deleted"`
		MirrorsEnqueued int      `json:"mirrors_enqueued"`
		Errors          []string `json:"errors,omitempty"`
	}

	// EventDetail is one canonical event with its mirrors.
	EventDetail struct {
		Event   store.CanonicalEvent `json:"event"`
		Mirrors []store.Mirror       `json:"mirrors"`
	}

	// EventPage is one page of canonical events. Cursor is empty on the final
	// page.
	EventPage struct {
		Events []store.CanonicalEvent `json:"events"`
		Cursor string                 `json:"cursor,omitempty"`
	}
)

// ApplyProviderDelta ingests a batch of normalised provider changes for one
// origin account. Single-item failures are collected into the result; the
// batch never aborts half-way.
func (s *Service) ApplyProviderDelta(ctx context.Context, userID ident.UserID, origin ident.AccountID, deltas []providers.Delta) (DeltaResult, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (DeltaResult, error) {
		return g.applyProviderDelta(ctx, origin, deltas)
	})
}

// FindCanonicalByOrigin resolves a canonical event by its provider identity.
// The boolean reports whether one exists.
func (s *Service) FindCanonicalByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID, originEventID string) (store.CanonicalEvent, bool, error) {
	type lookup struct {
		event store.CanonicalEvent
		found bool
	}
	res, err := actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (lookup, error) {
		ev, err := g.svc.store.FindEventByOrigin(ctx, g.id, origin, originEventID)
		if errors.Is(err, store.ErrNotFound) {
			return lookup{}, nil
		}
		if err != nil {
			return lookup{}, err
		}
		return lookup{event: ev, found: true}, nil
	})
	return res.event, res.found, err
}

// GetCanonicalEvent returns one canonical event with its mirrors.
func (s *Service) GetCanonicalEvent(ctx context.Context, userID ident.UserID, id ident.EventID) (EventDetail, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (EventDetail, error) {
		ev, err := g.svc.store.GetEvent(ctx, g.id, id)
		if errors.Is(err, store.ErrNotFound) {
			return EventDetail{}, fmt.Errorf("canonical event %s: %w", id, fault.ErrNotFound)
		}
		if err != nil {
			return EventDetail{}, err
		}
		mirrors, err := g.svc.store.ListMirrorsByEvent(ctx, g.id, id)
		if err != nil {
			return EventDetail{}, err
		}
		return EventDetail{Event: ev, Mirrors: mirrors}, nil
	})
}

// ListCanonicalEvents returns one page of canonical events ordered by start
// ascending with the event id as tie-break.
func (s *Service) ListCanonicalEvents(ctx context.Context, userID ident.UserID, q store.EventQuery) (EventPage, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (EventPage, error) {
		events, cursor, err := g.svc.store.ListEvents(ctx, g.id, q)
		if err != nil {
			return EventPage{}, err
		}
		return EventPage{Events: events, Cursor: cursor}, nil
	})
}

func (g *graph) applyProviderDelta(ctx context.Context, origin ident.AccountID, deltas []providers.Delta) (DeltaResult, error) {
	var res DeltaResult
	for _, d := range deltas {
		var err error
		switch d.Type {
		case providers.DeltaCreated, providers.DeltaUpdated:
			err = g.applyUpsert(ctx, origin, d, &res)
		case providers.DeltaDeleted:
			err = g.applyDelete(ctx, origin, d, &res)
		default:
			err = fmt.Errorf("unknown delta type %q", d.Type)
		}
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", d.OriginEventID, err))
		}
	}
	return res, nil
}

func (g *graph) applyUpsert(ctx context.Context, origin ident.AccountID, d providers.Delta, res *DeltaResult) error {
	pe := d.Event
	if pe == nil {
		return errors.New("delta carries no event body")
	}
	if pe.End < pe.Start {
		return fault.Validationf("event %s ends before it starts", d.OriginEventID)
	}
	now := g.svc.nowMillis()
	ev, err := g.svc.store.FindEventByOrigin(ctx, g.id, origin, d.OriginEventID)
	fresh := errors.Is(err, store.ErrNotFound)
	if err != nil && !fresh {
		return err
	}
	if fresh {
		ev = store.CanonicalEvent{
			ID:              ident.NewEventID(),
			UserID:          g.id,
			OriginAccountID: origin,
			OriginEventID:   d.OriginEventID,
			Source:          store.SourceProvider,
			CreatedAt:       now,
		}
	}
	ev.Title = pe.Title
	ev.Description = pe.Description
	ev.Location = pe.Location
	ev.Start = pe.Start
	ev.End = pe.End
	ev.AllDay = pe.AllDay
	ev.Status = normalizeStatus(pe.Status)
	ev.Visibility = pe.Visibility
	ev.Transparency = normalizeTransparency(pe.Transparency)
	ev.RecurrenceRule = pe.RecurrenceRule
	ev.Attendees = pe.Attendees
	ev.Version++
	ev.UpdatedAt = now
	if err := g.svc.store.PutEvent(ctx, ev); err != nil {
		return err
	}
	change := ChangeUpdated
	if fresh {
		change = ChangeCreated
	}
	if err := g.journalEvent(ctx, ev, ActorSync, change); err != nil {
		return err
	}
	if fresh {
		res.Created++
	} else {
		res.Updated++
	}
	n, err := g.project(ctx, ev)
	res.MirrorsEnqueued += n
	return err
}

func (g *graph) applyDelete(ctx context.Context, origin ident.AccountID, d providers.Delta, res *DeltaResult) error {
	ev, err := g.svc.store.FindEventByOrigin(ctx, g.id, origin, d.OriginEventID)
	if errors.Is(err, store.ErrNotFound) {
		// Never ingested, or already cascaded away. Nothing to cancel.
		return nil
	}
	if err != nil {
		return err
	}
	if ev.Status != store.EventCancelled {
		ev.Status = store.EventCancelled
		ev.Version++
		ev.UpdatedAt = g.svc.nowMillis()
		if err := g.svc.store.PutEvent(ctx, ev); err != nil {
			return err
		}
		if err := g.journalEvent(ctx, ev, ActorSync, ChangeDeleted); err != nil {
			return err
		}
	}
	res.Deleted++
	n, err := g.deleteMirrors(ctx, ev)
	res.MirrorsEnqueued += n
	return err
}

// deleteMirrors enqueues DELETE_MIRROR for every live mirror of ev. The write
// consumer transitions each to TOMBSTONED once the provider copy is gone.
func (g *graph) deleteMirrors(ctx context.Context, ev store.CanonicalEvent) (int, error) {
	mirrors, err := g.svc.store.ListMirrorsByEvent(ctx, g.id, ev.ID)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, m := range mirrors {
		if m.State == store.MirrorTombstoned {
			continue
		}
		msg := queue.DeleteMirror{
			CanonicalEventID: ev.ID,
			TargetAccountID:  m.TargetAccountID,
			ProviderEventID:  m.ProviderEventID,
			IdempotencyKey:   deleteKey(ev.ID, m.TargetAccountID, m.ProviderEventID),
		}
		if err := g.svc.writes.Publish(ctx, msg); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// journalEvent appends one canonical-change journal entry. The patch captures
// the fields a reader needs to follow the event's history.
func (g *graph) journalEvent(ctx context.Context, ev store.CanonicalEvent, actorName, change string) error {
	patch, err := json.Marshal(map[string]any{
		"title":   ev.Title,
		"start":   ev.Start,
		"end":     ev.End,
		"status":  ev.Status,
		"version": ev.Version,
	})
	if err != nil {
		return err
	}
	return g.svc.store.AppendJournal(ctx, store.JournalEntry{
		ID:               ident.NewJournalID(),
		UserID:           g.id,
		CanonicalEventID: ev.ID,
		TS:               g.svc.nowMillis(),
		Actor:            actorName,
		ChangeType:       change,
		PatchJSON:        string(patch),
	})
}

func normalizeStatus(s string) string {
	switch s {
	case store.EventTentative, store.EventCancelled:
		return s
	default:
		return store.EventConfirmed
	}
}

func normalizeTransparency(s string) string {
	if s == store.TransparencyTransparent {
		return s
	}
	return store.TransparencyOpaque
}
