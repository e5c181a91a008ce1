package usergraph

import (
	"context"

	"goa.design/clue/log"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/usergraph/store"
)

// UnlinkResult reports what an unlink cascade removed, for audit.
type UnlinkResult struct {
	EventsDeleted  int `json:"events_deleted"`
	MirrorsDeleted int `json:"mirrors_deleted"`
	EdgesRemoved   int `json:"edges_removed"`
}

// UnlinkAccount cascades an account removal through the user's graph: every
// canonical event originating from it, every mirror targeting it, and every
// policy edge referencing it on either end. The account's registry row and
// stored credentials are the caller's concern.
func (s *Service) UnlinkAccount(ctx context.Context, userID ident.UserID, account ident.AccountID) (UnlinkResult, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (UnlinkResult, error) {
		var res UnlinkResult
		var err error
		if res.EventsDeleted, err = g.svc.store.DeleteEventsByOrigin(ctx, g.id, account); err != nil {
			return res, err
		}
		if res.MirrorsDeleted, err = g.svc.store.DeleteMirrorsByTarget(ctx, g.id, account); err != nil {
			return res, err
		}
		if res.EdgesRemoved, err = g.svc.store.DeleteEdgesReferencing(ctx, g.id, account); err != nil {
			return res, err
		}
		entry := store.JournalEntry{
			ID:         ident.NewJournalID(),
			UserID:     g.id,
			TS:         g.svc.nowMillis(),
			Actor:      ActorUser,
			ChangeType: ChangeUnlink,
			Reason:     account.String(),
		}
		if err := g.svc.store.AppendJournal(ctx, entry); err != nil {
			return res, err
		}
		log.Printf(ctx, "unlinked account %s: %d event(s), %d mirror(s), %d edge(s)",
			account, res.EventsDeleted, res.MirrorsDeleted, res.EdgesRemoved)
		return res, nil
	})
}
