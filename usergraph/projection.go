package usergraph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
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

// BusyTitle replaces the real title on BUSY-level projections.
const BusyTitle = "Busy"

type (
	// MirrorStateUpdate carries the write consumer's outcome for one mirror.
	MirrorStateUpdate struct {
		State           string `json:"state"`
		ProviderEventID string `json:"provider_event_id,omitempty"`
		TargetCalendar  string `json:"target_calendar_id,omitempty"`
		ErrorMessage    string `json:"error_message,omitempty"`
		LastWriteTS     int64  `json:"last_write_ts,omitempty"`
	}
)

// GetMirror returns one mirror row.
func (s *Service) GetMirror(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID) (store.Mirror, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.Mirror, error) {
		m, err := g.svc.store.GetMirror(ctx, g.id, eventID, target)
		if errors.Is(err, store.ErrNotFound) {
			return store.Mirror{}, fmt.Errorf("mirror of %s into %s: %w", eventID, target, fault.ErrNotFound)
		}
		return m, err
	})
}

// ActiveMirrors lists the ACTIVE mirrors targeting one account. The reconcile
// worker uses it to find stale mirrors.
func (s *Service) ActiveMirrors(ctx context.Context, userID ident.UserID, target ident.AccountID) ([]store.Mirror, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.Mirror, error) {
		return g.svc.store.ListMirrorsByTarget(ctx, g.id, target, store.MirrorActive)
	})
}

// UpdateMirrorState records the outcome of a mirror write.
func (s *Service) UpdateMirrorState(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID, upd MirrorStateUpdate) error {
	return s.group.Do(ctx, userID, func(ctx context.Context, g *graph) error {
		m, err := g.svc.store.GetMirror(ctx, g.id, eventID, target)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("mirror of %s into %s: %w", eventID, target, fault.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if upd.State != "" {
			m.State = upd.State
		}
		if upd.ProviderEventID != "" {
			m.ProviderEventID = upd.ProviderEventID
		}
		if upd.TargetCalendar != "" {
			m.TargetCalendarID = upd.TargetCalendar
		}
		if upd.LastWriteTS != 0 {
			m.LastWriteTS = upd.LastWriteTS
		}
		m.ErrorMessage = upd.ErrorMessage
		return g.svc.store.PutMirror(ctx, m)
	})
}

// RecomputeProjections forces a re-projection pass. With a non-empty eventID
// only that event is re-projected; otherwise every canonical event is. Mirrors
// whose projection hash is unchanged are skipped, so the pass only enqueues
// writes for genuine drift. Returns how many mirror writes were enqueued.
func (s *Service) RecomputeProjections(ctx context.Context, userID ident.UserID, eventID ident.EventID) (int, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (int, error) {
		if eventID != "" {
			ev, err := g.svc.store.GetEvent(ctx, g.id, eventID)
			if errors.Is(err, store.ErrNotFound) {
				return 0, fmt.Errorf("canonical event %s: %w", eventID, fault.ErrNotFound)
			}
			if err != nil {
				return 0, err
			}
			return g.project(ctx, ev)
		}
		enqueued := 0
		cursor := ""
		for {
			events, next, err := g.svc.store.ListEvents(ctx, g.id, store.EventQuery{Limit: 200, Cursor: cursor})
			if err != nil {
				return enqueued, err
			}
			for _, ev := range events {
				n, err := g.project(ctx, ev)
				enqueued += n
				if err != nil {
					return enqueued, err
				}
			}
			if next == "" {
				return enqueued, nil
			}
			cursor = next
		}
	})
}

// project computes the projection of ev along every outgoing policy edge and
// enqueues an UPSERT_MIRROR for each mirror whose content hash changed. A
// cancelled event projects as deletes instead.
func (g *graph) project(ctx context.Context, ev store.CanonicalEvent) (int, error) {
	if ev.Status == store.EventCancelled {
		return g.deleteMirrors(ctx, ev)
	}
	edges, err := g.svc.store.ListEdgesFrom(ctx, g.id, ev.OriginAccountID)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	for _, edge := range edges {
		payload := CompileProjection(ev, edge)
		hash := projectionHash(ev.ID, edge.DetailLevel, edge.CalendarKind, payload)
		m, err := g.svc.store.GetMirror(ctx, g.id, ev.ID, edge.ToAccountID)
		if errors.Is(err, store.ErrNotFound) {
			m = store.Mirror{
				CanonicalEventID: ev.ID,
				UserID:           g.id,
				TargetAccountID:  edge.ToAccountID,
				TargetCalendarID: edgeCalendar(edge),
			}
		} else if err != nil {
			return enqueued, err
		}
		if m.LastProjectedHash == hash {
			continue
		}
		if m.TargetCalendarID == "" {
			m.TargetCalendarID = edgeCalendar(edge)
		}
		m.LastProjectedHash = hash
		m.State = store.MirrorPending
		m.ErrorMessage = ""
		if err := g.svc.store.PutMirror(ctx, m); err != nil {
			return enqueued, err
		}
		msg := queue.UpsertMirror{
			CanonicalEventID: ev.ID,
			TargetAccountID:  edge.ToAccountID,
			TargetCalendarID: m.TargetCalendarID,
			ProjectedPayload: payload,
			IdempotencyKey:   idempotencyKey(ev.ID, edge.ToAccountID, hash),
		}
		if err := g.svc.writes.Publish(ctx, msg); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// CompileProjection builds the payload written into the target calendar. BUSY
// hides everything but the time block; FULL carries the event through. Every
// payload carries the managed marker so ingestion and reconcile can tell the
// system's own writes from origin events.
func CompileProjection(ev store.CanonicalEvent, edge store.PolicyEdge) providers.EventPayload {
	p := providers.EventPayload{
		Start:  ev.Start,
		End:    ev.End,
		AllDay: ev.AllDay,
		Marker: providers.Marker{
			CanonicalEventID: ev.ID.String(),
			OriginAccountID:  ev.OriginAccountID.String(),
		},
	}
	switch edge.DetailLevel {
	case store.DetailFull:
		p.Title = ev.Title
		p.Description = ev.Description
		p.Location = ev.Location
		p.Attendees = ev.Attendees
		p.Transparency = ev.Transparency
	default:
		p.Title = BusyTitle
		p.Transparency = store.TransparencyOpaque
	}
	return p
}

// ProjectionHash is the content hash compared against a mirror's
// last_projected_hash. Exported for the reconcile worker, which recomputes it
// against live provider state.
func ProjectionHash(eventID ident.EventID, edge store.PolicyEdge, payload providers.EventPayload) string {
	return projectionHash(eventID, edge.DetailLevel, edge.CalendarKind, payload)
}

func projectionHash(eventID ident.EventID, detail, kind string, payload providers.EventPayload) string {
	body, _ := json.Marshal(payload)
	return hashParts(eventID.String(), detail, kind, string(body))
}

func idempotencyKey(eventID ident.EventID, target ident.AccountID, hash string) string {
	return hashParts(eventID.String(), target.String(), hash)
}

// DeleteKey is the idempotency key for a mirror delete. Exported for the
// reconcile worker, which enqueues deletes for orphaned mirrors it finds.
func DeleteKey(eventID ident.EventID, target ident.AccountID, providerEventID string) string {
	return deleteKey(eventID, target, providerEventID)
}

func deleteKey(eventID ident.EventID, target ident.AccountID, providerEventID string) string {
	return hashParts(eventID.String(), target.String(), "delete", providerEventID)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func edgeCalendar(edge store.PolicyEdge) string {
	if edge.CalendarKind == store.CalendarBusyOverlay {
		return OverlayPendingID
	}
	return PrimaryCalendarID
}
