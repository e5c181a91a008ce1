// Package syncer consumes the sync queue: it turns webhook pings and full
// resync requests into normalized deltas applied to the canonical store,
// keeping each account's sync cursor honest along the way.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/registry"
	"github.com/facetcal/facet/usergraph"
)

type (
	// Lister is the one provider call the syncer makes.
	Lister interface {
		ListEvents(ctx context.Context, accessToken, calendarID string, q providers.ListQuery) (providers.DeltaPage, error)
	}

	// Accounts is the slice of the account service the syncer uses.
	Accounts interface {
		AccessToken(ctx context.Context, id ident.AccountID) (string, error)
		SyncToken(ctx context.Context, id ident.AccountID) (string, error)
		SetSyncToken(ctx context.Context, id ident.AccountID, token string) error
		MarkSyncSuccess(ctx context.Context, id ident.AccountID, ts int64) error
		MarkSyncFailure(ctx context.Context, id ident.AccountID, reason string) error
	}

	// Graph applies normalized deltas to the owning user's canonical store.
	Graph interface {
		ApplyProviderDelta(ctx context.Context, userID ident.UserID, origin ident.AccountID, deltas []providers.Delta) (usergraph.DeltaResult, error)
	}

	// Publisher enqueues follow-up sync messages.
	Publisher interface {
		Publish(ctx context.Context, msg queue.Message) error
	}

	// Syncer handles SYNC_INCREMENTAL and SYNC_FULL messages.
	Syncer struct {
		registry  *registry.Registry
		accounts  Accounts
		graph     Graph
		google    Lister
		microsoft Lister
		syncQueue Publisher
		now       func() time.Time
	}

	// Options configures a Syncer. All fields but Now are required.
	Options struct {
		Registry  *registry.Registry
		Accounts  Accounts
		Graph     Graph
		Google    Lister
		Microsoft Lister
		// SyncQueue receives the SYNC_FULL follow-ups the syncer enqueues for
		// onboarding and expired cursors.
		SyncQueue Publisher
		Now       func() time.Time
	}
)

// New builds a Syncer.
func New(opts Options) (*Syncer, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Accounts == nil {
		return nil, errors.New("account service is required")
	}
	if opts.Graph == nil {
		return nil, errors.New("user graph service is required")
	}
	if opts.Google == nil || opts.Microsoft == nil {
		return nil, errors.New("provider clients are required")
	}
	if opts.SyncQueue == nil {
		return nil, errors.New("sync queue is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Syncer{
		registry:  opts.Registry,
		accounts:  opts.Accounts,
		graph:     opts.Graph,
		google:    opts.Google,
		microsoft: opts.Microsoft,
		syncQueue: opts.SyncQueue,
		now:       now,
	}, nil
}

// Handle dispatches one sync message.
func (s *Syncer) Handle(ctx context.Context, msg queue.Message) error {
	switch m := msg.(type) {
	case queue.SyncIncremental:
		return s.incremental(ctx, m)
	case queue.SyncFull:
		return s.full(ctx, m)
	default:
		return queue.Permanent(fmt.Errorf("unexpected message kind %s", msg.Kind()))
	}
}

func (s *Syncer) incremental(ctx context.Context, m queue.SyncIncremental) error {
	acct, token, err := s.resolve(ctx, m.AccountID)
	if err != nil || acct.ID == "" {
		return err
	}
	syncToken, err := s.accounts.SyncToken(ctx, m.AccountID)
	if err != nil {
		return err
	}
	if syncToken == "" {
		// No cursor yet: the account has never completed a full listing.
		if err := s.syncQueue.Publish(ctx, queue.SyncFull{AccountID: m.AccountID, Reason: queue.ReasonOnboarding}); err != nil {
			return err
		}
		return nil
	}
	calendarID := m.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}
	deltas, nextToken, err := s.listAll(ctx, acct, token, calendarID, syncToken)
	if err != nil {
		var pe *fault.ProviderError
		switch {
		case errors.As(err, &pe) && pe.Status == 410:
			// Cursor expired server-side; rebuild from a full listing.
			if perr := s.syncQueue.Publish(ctx, queue.SyncFull{AccountID: m.AccountID, Reason: queue.ReasonToken410}); perr != nil {
				return perr
			}
			return nil
		case errors.As(err, &pe) && pe.Status == 403 && !pe.Quota():
			// Permission change; retrying cannot help.
			if ferr := s.accounts.MarkSyncFailure(ctx, m.AccountID, fmt.Sprintf("listing forbidden: %v", err)); ferr != nil {
				return ferr
			}
			return queue.Permanent(err)
		default:
			return err
		}
	}
	return s.apply(ctx, acct, calendarID, deltas, nextToken)
}

func (s *Syncer) full(ctx context.Context, m queue.SyncFull) error {
	acct, token, err := s.resolve(ctx, m.AccountID)
	if err != nil || acct.ID == "" {
		return err
	}
	log.Printf(ctx, "full sync of %s (%s)", m.AccountID, m.Reason)
	deltas, nextToken, err := s.listAll(ctx, acct, token, "primary", "")
	if err != nil {
		var pe *fault.ProviderError
		if errors.As(err, &pe) && pe.Status == 403 && !pe.Quota() {
			if ferr := s.accounts.MarkSyncFailure(ctx, m.AccountID, fmt.Sprintf("listing forbidden: %v", err)); ferr != nil {
				return ferr
			}
			return queue.Permanent(err)
		}
		return err
	}
	return s.apply(ctx, acct, "primary", deltas, nextToken)
}

// resolve looks the account up and mints an access token. A zero-value account
// with a nil error means the message should be acked without work.
func (s *Syncer) resolve(ctx context.Context, id ident.AccountID) (registry.Account, string, error) {
	acct, ok, err := s.registry.Lookup(ctx, id)
	if err != nil {
		return registry.Account{}, "", err
	}
	if !ok {
		log.Printf(ctx, "account %s not registered, dropping", id)
		return registry.Account{}, "", nil
	}
	token, err := s.accounts.AccessToken(ctx, id)
	if err != nil {
		if fault.IsPermanentRefresh(err) {
			// Invalid grant; the user must relink.
			if ferr := s.accounts.MarkSyncFailure(ctx, id, fmt.Sprintf("token refresh rejected: %v", err)); ferr != nil {
				return registry.Account{}, "", ferr
			}
			return registry.Account{}, "", queue.Permanent(err)
		}
		return registry.Account{}, "", err
	}
	return acct, token, nil
}

// listAll pages the provider listing to exhaustion and returns the deltas with
// the next sync cursor.
func (s *Syncer) listAll(ctx context.Context, acct registry.Account, token, calendarID, syncToken string) ([]providers.Delta, string, error) {
	lister, err := s.listerFor(acct.Provider)
	if err != nil {
		return nil, "", queue.Permanent(err)
	}
	var (
		deltas    []providers.Delta
		pageToken string
		nextToken string
	)
	for {
		page, err := lister.ListEvents(ctx, token, calendarID, providers.ListQuery{
			SyncToken: syncToken,
			PageToken: pageToken,
		})
		if err != nil {
			return nil, "", err
		}
		deltas = append(deltas, page.Deltas...)
		if page.NextSyncToken != "" {
			nextToken = page.NextSyncToken
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}
	return coalesce(deltas), nextToken, nil
}

// apply feeds origin deltas through the user graph and advances the cursor.
func (s *Syncer) apply(ctx context.Context, acct registry.Account, calendarID string, deltas []providers.Delta, nextToken string) error {
	origin := originOnly(deltas)
	res, err := s.graph.ApplyProviderDelta(ctx, acct.UserID, acct.ID, origin)
	if err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		log.Printf(ctx, "sync of %s applied with %d item error(s): %v", acct.ID, len(res.Errors), res.Errors)
	}
	if nextToken != "" {
		if err := s.accounts.SetSyncToken(ctx, acct.ID, nextToken); err != nil {
			return err
		}
	}
	if err := s.accounts.MarkSyncSuccess(ctx, acct.ID, s.now().UTC().UnixMilli()); err != nil {
		return err
	}
	log.Printf(ctx, "synced %s calendar %s: %d created, %d updated, %d deleted, %d mirror(s) enqueued",
		acct.ID, calendarID, res.Created, res.Updated, res.Deleted, res.MirrorsEnqueued)
	return nil
}

func (s *Syncer) listerFor(p registry.Provider) (Lister, error) {
	switch p {
	case registry.ProviderGoogle:
		return s.google, nil
	case registry.ProviderMicrosoft:
		return s.microsoft, nil
	}
	return nil, fmt.Errorf("no client for provider %q", p)
}

// coalesce keeps only the last observed state per origin event id, preserving
// first-seen order.
func coalesce(deltas []providers.Delta) []providers.Delta {
	seen := make(map[string]int, len(deltas))
	out := make([]providers.Delta, 0, len(deltas))
	for _, d := range deltas {
		if i, ok := seen[d.OriginEventID]; ok {
			out[i] = d
			continue
		}
		seen[d.OriginEventID] = len(out)
		out = append(out, d)
	}
	return out
}

// originOnly drops deltas describing our own managed mirrors; ingesting them
// would loop projected events back into the canonical store.
func originOnly(deltas []providers.Delta) []providers.Delta {
	out := make([]providers.Delta, 0, len(deltas))
	for _, d := range deltas {
		if d.Event.Managed() {
			continue
		}
		out = append(out, d)
	}
	return out
}
