// Package reconcile is the drift repair worker. On a cron schedule (or on
// demand) it full-lists each account's enabled provider calendars, compares
// what it finds against the canonical store, and repairs the differences:
// re-ingesting events the sync path missed, re-projecting mirrors that
// drifted, and tearing
// down mirrors that no longer correspond to anything. Every repair is recorded
// in the owning user's event journal.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"goa.design/clue/log"

	"github.com/facetcal/facet/account"
	accstore "github.com/facetcal/facet/account/store"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/registry"
	"github.com/facetcal/facet/usergraph"
	"github.com/facetcal/facet/usergraph/store"
)

// Reasons a reconcile pass runs.
const (
	ReasonScheduled = "scheduled"
	ReasonManual    = "manual"
	ReasonDrift     = "drift_detected"
)

// Discrepancy kinds recorded in the journal (prefixed with "reconcile:").
const (
	KindMissingCanonical = "missing_canonical"
	KindMissingMirror    = "missing_mirror"
	KindOrphanedMirror   = "orphaned_mirror"
	KindHashMismatch     = "hash_mismatch"
	KindStaleMirror      = "stale_mirror"
)

// DefaultSchedule runs every account once a day, off-peak.
const DefaultSchedule = "15 3 * * *"

type (
	// Lister is the one provider call the worker makes.
	Lister interface {
		ListEvents(ctx context.Context, accessToken, calendarID string, q providers.ListQuery) (providers.DeltaPage, error)
	}

	// Accounts is the slice of the account service the worker uses.
	Accounts interface {
		AccessToken(ctx context.Context, id ident.AccountID) (string, error)
		Calendars(ctx context.Context, id ident.AccountID) ([]accstore.Calendar, error)
		SetSyncToken(ctx context.Context, id ident.AccountID, token string) error
		MarkSyncSuccess(ctx context.Context, id ident.AccountID, ts int64) error
	}

	// Publisher enqueues mirror deletes for orphans.
	Publisher interface {
		Publish(ctx context.Context, msg queue.Message) error
	}

	// Worker reconciles accounts against their providers.
	Worker struct {
		registry   *registry.Registry
		accounts   Accounts
		graph      *usergraph.Service
		google     Lister
		microsoft  Lister
		writeQueue Publisher
		schedule   string
		now        func() time.Time

		mu   sync.Mutex
		cron *cron.Cron
	}

	// Options configures a Worker.
	Options struct {
		Registry  *registry.Registry
		Accounts  Accounts
		Graph     *usergraph.Service
		Google    Lister
		Microsoft Lister
		// WriteQueue receives DELETE_MIRROR messages for orphaned mirrors.
		WriteQueue Publisher
		// Schedule is a cron expression. Defaults to DefaultSchedule.
		Schedule string
		Now      func() time.Time
	}

	// Report counts the discrepancies one pass found and repaired.
	Report struct {
		EventsSeen       int `json:"events_seen"`
		MissingCanonical int `json:"missing_canonical"`
		MissingMirrors   int `json:"missing_mirrors"`
		OrphanedMirrors  int `json:"orphaned_mirrors"`
		HashMismatches   int `json:"hash_mismatches"`
		StaleMirrors     int `json:"stale_mirrors"`
	}
)

// New builds a Worker. Call Start to begin the schedule; ReconcileAccount
// works without Start for on-demand passes.
func New(opts Options) (*Worker, error) {
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
	if opts.WriteQueue == nil {
		return nil, errors.New("write queue is required")
	}
	schedule := opts.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Worker{
		registry:   opts.Registry,
		accounts:   opts.Accounts,
		graph:      opts.Graph,
		google:     opts.Google,
		microsoft:  opts.Microsoft,
		writeQueue: opts.WriteQueue,
		schedule:   schedule,
		now:        now,
	}, nil
}

// Start begins the cron schedule.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return nil
	}
	c := cron.New()
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(w.schedule, func() { w.ReconcileAll(runCtx) }); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	c.Start()
	w.cron = c
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}

// ReconcileAll runs one pass over every registered account. Per-account
// failures are logged; the pass continues.
func (w *Worker) ReconcileAll(ctx context.Context) {
	accounts, err := w.registry.Accounts(ctx)
	if err != nil {
		log.Errorf(ctx, err, "list accounts for reconcile")
		return
	}
	for _, acct := range accounts {
		if acct.Status != registry.StatusActive {
			continue
		}
		rep, err := w.ReconcileAccount(ctx, acct.ID, ReasonScheduled)
		if err != nil {
			log.Errorf(ctx, err, "reconcile %s", acct.ID)
			continue
		}
		log.Printf(ctx, "reconciled %s: %d event(s), %d missing canonical, %d missing mirror(s), %d orphan(s), %d hash mismatch(es), %d stale",
			acct.ID, rep.EventsSeen, rep.MissingCanonical, rep.MissingMirrors, rep.OrphanedMirrors, rep.HashMismatches, rep.StaleMirrors)
	}
}

// ReconcileAccount runs one full pass for a single account. Single repair
// failures are logged and the pass continues; the next scheduled run retries.
func (w *Worker) ReconcileAccount(ctx context.Context, accountID ident.AccountID, reason string) (Report, error) {
	acct, ok, err := w.registry.Lookup(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, fmt.Errorf("account %s: %w", accountID, fault.ErrNotFound)
	}
	lister, err := w.listerFor(acct.Provider)
	if err != nil {
		return Report{}, err
	}
	token, err := w.accounts.AccessToken(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	ctx = log.With(ctx, log.KV{K: "reconcile", V: string(accountID)}, log.KV{K: "reason", V: reason})

	scopes, err := w.calendarScopes(ctx, accountID)
	if err != nil {
		return Report{}, err
	}
	origin, managed, nextToken, err := w.listAndClassify(ctx, lister, token, scopes)
	if err != nil {
		return Report{}, err
	}
	rep := Report{EventsSeen: len(origin) + len(managed)}

	w.repairOrigin(ctx, acct, origin, &rep)
	observed := w.repairManaged(ctx, acct, managed, &rep)
	w.tombstoneStale(ctx, acct, observed, &rep)

	if nextToken != "" {
		if err := w.accounts.SetSyncToken(ctx, accountID, nextToken); err != nil {
			return rep, err
		}
	}
	if err := w.accounts.MarkSyncSuccess(ctx, accountID, w.now().UTC().UnixMilli()); err != nil {
		return rep, err
	}
	return rep, nil
}

// calendarScopes lists the account's enabled calendar scopes. Overlay
// calendars whose provider calendar has not been created yet have nothing to
// list; accounts onboarded before scope rows existed fall back to the primary
// calendar.
func (w *Worker) calendarScopes(ctx context.Context, accountID ident.AccountID) ([]string, error) {
	cals, err := w.accounts.Calendars(ctx, accountID)
	if err != nil {
		return nil, err
	}
	var scopes []string
	for _, cal := range cals {
		if cal.CalendarID == account.OverlayPendingSentinel {
			continue
		}
		scopes = append(scopes, cal.CalendarID)
	}
	if len(scopes) == 0 {
		scopes = []string{usergraph.PrimaryCalendarID}
	}
	return scopes, nil
}

// listAndClassify full-lists every calendar scope, splitting live events into
// origin events and this system's own managed mirrors. An event visible in
// more than one scope counts once. Deletion tombstones carry no body to
// classify and are the sync path's business, so they are skipped here.
func (w *Worker) listAndClassify(ctx context.Context, lister Lister, token string, calendarIDs []string) (origin, managed []providers.Event, nextToken string, err error) {
	seen := make(map[string]bool)
	for _, calID := range calendarIDs {
		pageToken := ""
		for {
			page, err := lister.ListEvents(ctx, token, calID, providers.ListQuery{PageToken: pageToken})
			if err != nil {
				return nil, nil, "", err
			}
			for _, d := range page.Deltas {
				if d.Event == nil || seen[d.OriginEventID] {
					continue
				}
				seen[d.OriginEventID] = true
				if d.Event.Managed() {
					managed = append(managed, *d.Event)
				} else {
					origin = append(origin, *d.Event)
				}
			}
			// Only the primary scope advances the account's sync cursor.
			if page.NextSyncToken != "" && calID == usergraph.PrimaryCalendarID {
				nextToken = page.NextSyncToken
			}
			if page.NextPageToken == "" {
				break
			}
			pageToken = page.NextPageToken
		}
	}
	return origin, managed, nextToken, nil
}

// repairOrigin re-ingests origin events the canonical store is missing and
// re-projects events whose mirrors are missing.
func (w *Worker) repairOrigin(ctx context.Context, acct registry.Account, events []providers.Event, rep *Report) {
	for i := range events {
		ev := events[i]
		canonical, found, err := w.graph.FindCanonicalByOrigin(ctx, acct.UserID, acct.ID, ev.OriginEventID)
		if err != nil {
			log.Errorf(ctx, err, "lookup origin event %s", ev.OriginEventID)
			continue
		}
		if !found {
			delta := providers.Delta{Type: providers.DeltaUpdated, OriginEventID: ev.OriginEventID, Event: &ev}
			if _, err := w.graph.ApplyProviderDelta(ctx, acct.UserID, acct.ID, []providers.Delta{delta}); err != nil {
				log.Errorf(ctx, err, "re-ingest origin event %s", ev.OriginEventID)
				continue
			}
			w.journal(ctx, acct.UserID, "", KindMissingCanonical, map[string]string{
				"origin_event_id": ev.OriginEventID,
				"account_id":      acct.ID.String(),
			})
			rep.MissingCanonical++
			continue
		}
		edges, err := w.graph.PolicyEdges(ctx, acct.UserID, acct.ID)
		if err != nil {
			log.Errorf(ctx, err, "list policy edges for %s", acct.ID)
			continue
		}
		for _, edge := range edges {
			_, err := w.graph.GetMirror(ctx, acct.UserID, canonical.ID, edge.ToAccountID)
			if err == nil {
				continue
			}
			if !errors.Is(err, fault.ErrNotFound) {
				log.Errorf(ctx, err, "lookup mirror of %s into %s", canonical.ID, edge.ToAccountID)
				continue
			}
			// One recompute re-projects every edge; no need to keep looking.
			if _, err := w.graph.RecomputeProjections(ctx, acct.UserID, canonical.ID); err != nil {
				log.Errorf(ctx, err, "recompute projections of %s", canonical.ID)
				break
			}
			w.journal(ctx, acct.UserID, canonical.ID, KindMissingMirror, map[string]string{
				"target_account_id": edge.ToAccountID.String(),
			})
			rep.MissingMirrors++
			break
		}
	}
}

// repairManaged checks every managed mirror observed in the provider calendar
// against its mirror row, deleting orphans and re-projecting drifted content.
// Returns the set of observed provider event ids for the stale-mirror pass.
func (w *Worker) repairManaged(ctx context.Context, acct registry.Account, events []providers.Event, rep *Report) map[string]bool {
	observed := make(map[string]bool, len(events))
	for _, ev := range events {
		observed[ev.OriginEventID] = true
		canonicalID, err := ident.ParseEventID(ev.Marker.CanonicalEventID)
		if err != nil {
			w.orphan(ctx, acct, "", ev.OriginEventID, rep)
			continue
		}
		mirror, err := w.graph.GetMirror(ctx, acct.UserID, canonicalID, acct.ID)
		if errors.Is(err, fault.ErrNotFound) {
			w.orphan(ctx, acct, canonicalID, ev.OriginEventID, rep)
			continue
		}
		if err != nil {
			log.Errorf(ctx, err, "lookup mirror of %s into %s", canonicalID, acct.ID)
			continue
		}
		detail, err := w.graph.GetCanonicalEvent(ctx, acct.UserID, canonicalID)
		if errors.Is(err, fault.ErrNotFound) {
			w.orphan(ctx, acct, canonicalID, ev.OriginEventID, rep)
			continue
		}
		if err != nil {
			log.Errorf(ctx, err, "lookup canonical event %s", canonicalID)
			continue
		}
		edge, ok, err := w.edgeInto(ctx, acct.UserID, detail.Event.OriginAccountID, acct.ID)
		if err != nil {
			log.Errorf(ctx, err, "list policy edges for %s", detail.Event.OriginAccountID)
			continue
		}
		if !ok {
			// The edge was removed; the retire path owns this mirror.
			continue
		}
		payload := usergraph.CompileProjection(detail.Event, edge)
		if usergraph.ProjectionHash(detail.Event.ID, edge, payload) == mirror.LastProjectedHash {
			continue
		}
		if _, err := w.graph.RecomputeProjections(ctx, acct.UserID, canonicalID); err != nil {
			log.Errorf(ctx, err, "recompute projections of %s", canonicalID)
			continue
		}
		w.journal(ctx, acct.UserID, canonicalID, KindHashMismatch, map[string]string{
			"target_account_id": acct.ID.String(),
			"provider_event_id": ev.OriginEventID,
		})
		rep.HashMismatches++
	}
	return observed
}

// tombstoneStale retires ACTIVE mirrors whose provider event no longer exists.
func (w *Worker) tombstoneStale(ctx context.Context, acct registry.Account, observed map[string]bool, rep *Report) {
	active, err := w.graph.ActiveMirrors(ctx, acct.UserID, acct.ID)
	if err != nil {
		log.Errorf(ctx, err, "list active mirrors into %s", acct.ID)
		return
	}
	for _, m := range active {
		if m.ProviderEventID == "" || observed[m.ProviderEventID] {
			continue
		}
		err := w.graph.UpdateMirrorState(ctx, acct.UserID, m.CanonicalEventID, acct.ID, usergraph.MirrorStateUpdate{
			State:       store.MirrorTombstoned,
			LastWriteTS: w.now().UTC().UnixMilli(),
		})
		if err != nil {
			log.Errorf(ctx, err, "tombstone stale mirror of %s", m.CanonicalEventID)
			continue
		}
		w.journal(ctx, acct.UserID, m.CanonicalEventID, KindStaleMirror, map[string]string{
			"target_account_id": acct.ID.String(),
			"provider_event_id": m.ProviderEventID,
		})
		rep.StaleMirrors++
	}
}

// orphan enqueues the deletion of a managed provider event with no live mirror
// row behind it.
func (w *Worker) orphan(ctx context.Context, acct registry.Account, canonicalID ident.EventID, providerEventID string, rep *Report) {
	msg := queue.DeleteMirror{
		CanonicalEventID: canonicalID,
		TargetAccountID:  acct.ID,
		ProviderEventID:  providerEventID,
		IdempotencyKey:   usergraph.DeleteKey(canonicalID, acct.ID, providerEventID),
	}
	if err := w.writeQueue.Publish(ctx, msg); err != nil {
		log.Errorf(ctx, err, "enqueue orphan delete of %s", providerEventID)
		return
	}
	w.journal(ctx, acct.UserID, canonicalID, KindOrphanedMirror, map[string]string{
		"target_account_id": acct.ID.String(),
		"provider_event_id": providerEventID,
	})
	rep.OrphanedMirrors++
}

func (w *Worker) edgeInto(ctx context.Context, userID ident.UserID, from, to ident.AccountID) (store.PolicyEdge, bool, error) {
	edges, err := w.graph.PolicyEdges(ctx, userID, from)
	if err != nil {
		return store.PolicyEdge{}, false, err
	}
	for _, e := range edges {
		if e.ToAccountID == to {
			return e, true, nil
		}
	}
	return store.PolicyEdge{}, false, nil
}

func (w *Worker) journal(ctx context.Context, userID ident.UserID, eventID ident.EventID, kind string, details any) {
	if err := w.graph.LogReconcileDiscrepancy(ctx, userID, eventID, kind, details); err != nil {
		log.Errorf(ctx, err, "journal %s discrepancy", kind)
	}
}

func (w *Worker) listerFor(p registry.Provider) (Lister, error) {
	switch p {
	case registry.ProviderGoogle:
		return w.google, nil
	case registry.ProviderMicrosoft:
		return w.microsoft, nil
	}
	return nil, fmt.Errorf("no client for provider %q", p)
}
