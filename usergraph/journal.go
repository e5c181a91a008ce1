package usergraph

import (
	"context"
	"encoding/json"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/usergraph/store"
)

type (
	// JournalPage is one page of journal entries, newest first. Cursor is
	// empty on the final page.
	JournalPage struct {
		Entries []store.JournalEntry `json:"entries"`
		Cursor  string               `json:"cursor,omitempty"`
	}

	// SyncHealth summarises one user's graph for the health surface.
	SyncHealth struct {
		TotalEvents         int   `json:"total_events"`
		TotalMirrors        int   `json:"total_mirrors"`
		TotalJournalEntries int   `json:"total_journal_entries"`
		PendingMirrors      int   `json:"pending_mirrors"`
		ErrorMirrors        int   `json:"error_mirrors"`
		LastJournalTS       int64 `json:"last_journal_ts"`
	}
)

// QueryJournal returns one page of journal entries, optionally scoped to a
// canonical event.
func (s *Service) QueryJournal(ctx context.Context, userID ident.UserID, q store.JournalQuery) (JournalPage, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (JournalPage, error) {
		entries, cursor, err := g.svc.store.ListJournal(ctx, g.id, q)
		if err != nil {
			return JournalPage{}, err
		}
		return JournalPage{Entries: entries, Cursor: cursor}, nil
	})
}

// GetSyncHealth reports the user's graph counters. Sync or write failures
// surface here as pending and error mirrors that do not drain.
func (s *Service) GetSyncHealth(ctx context.Context, userID ident.UserID) (SyncHealth, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (SyncHealth, error) {
		events, err := g.svc.store.CountEvents(ctx, g.id)
		if err != nil {
			return SyncHealth{}, err
		}
		mirrors, err := g.svc.store.CountMirrors(ctx, g.id)
		if err != nil {
			return SyncHealth{}, err
		}
		journal, err := g.svc.store.JournalStats(ctx, g.id)
		if err != nil {
			return SyncHealth{}, err
		}
		return SyncHealth{
			TotalEvents:         events,
			TotalMirrors:        mirrors.Total,
			TotalJournalEntries: journal.Total,
			PendingMirrors:      mirrors.Pending,
			ErrorMirrors:        mirrors.Error,
			LastJournalTS:       journal.LastTS,
		}, nil
	})
}

// LogReconcileDiscrepancy appends one reconcile discrepancy to the journal.
// kind is the discrepancy type (missing_canonical, missing_mirror,
// orphaned_mirror, hash_mismatch, stale_mirror); details is marshalled into
// the entry's patch.
func (s *Service) LogReconcileDiscrepancy(ctx context.Context, userID ident.UserID, eventID ident.EventID, kind string, details any) error {
	return s.group.Do(ctx, userID, func(ctx context.Context, g *graph) error {
		patch, err := json.Marshal(details)
		if err != nil {
			return err
		}
		return g.svc.store.AppendJournal(ctx, store.JournalEntry{
			ID:               ident.NewJournalID(),
			UserID:           g.id,
			CanonicalEventID: eventID,
			TS:               g.svc.nowMillis(),
			Actor:            ActorReconcile,
			ChangeType:       ChangeReconcilePrefix + kind,
			PatchJSON:        string(patch),
		})
	})
}
