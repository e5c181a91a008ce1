// Package mirrorwrite consumes the write queue: it materialises projected
// mirror events in target provider calendars and tears them down again,
// advancing each mirror row's lifecycle as it goes.
package mirrorwrite

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
	"github.com/facetcal/facet/usergraph/store"
)

type (
	// Writer is the provider-neutral write surface. The google and microsoft
	// adapters below fold each provider's insert/patch split behind it.
	Writer interface {
		// Upsert creates or updates the mirror event and returns its provider
		// id. providerEventID is empty on first write.
		Upsert(ctx context.Context, accessToken, calendarID, providerEventID, idempotencyKey string, p providers.EventPayload) (string, error)
		// Delete removes the mirror event.
		Delete(ctx context.Context, accessToken, calendarID, providerEventID string) error
	}

	// Accounts is the slice of the account service the writer uses.
	Accounts interface {
		AccessToken(ctx context.Context, id ident.AccountID) (string, error)
		EnsureOverlayCalendar(ctx context.Context, id ident.AccountID) (string, error)
	}

	// Graph is the slice of the user graph service the writer uses.
	Graph interface {
		GetMirror(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID) (store.Mirror, error)
		UpdateMirrorState(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID, upd usergraph.MirrorStateUpdate) error
	}

	// Consumer handles UPSERT_MIRROR and DELETE_MIRROR messages.
	Consumer struct {
		registry  *registry.Registry
		accounts  Accounts
		graph     Graph
		google    Writer
		microsoft Writer
		now       func() time.Time
	}

	// Options configures a Consumer. All fields but Now are required.
	Options struct {
		Registry  *registry.Registry
		Accounts  Accounts
		Graph     Graph
		Google    Writer
		Microsoft Writer
		Now       func() time.Time
	}
)

// New builds a Consumer.
func New(opts Options) (*Consumer, error) {
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
		return nil, errors.New("provider writers are required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Consumer{
		registry:  opts.Registry,
		accounts:  opts.Accounts,
		graph:     opts.Graph,
		google:    opts.Google,
		microsoft: opts.Microsoft,
		now:       now,
	}, nil
}

// Handle dispatches one write message.
func (c *Consumer) Handle(ctx context.Context, msg queue.Message) error {
	switch m := msg.(type) {
	case queue.UpsertMirror:
		return c.upsert(ctx, m)
	case queue.DeleteMirror:
		return c.delete(ctx, m)
	default:
		return queue.Permanent(fmt.Errorf("unexpected message kind %s", msg.Kind()))
	}
}

func (c *Consumer) upsert(ctx context.Context, m queue.UpsertMirror) error {
	acct, ok, err := c.registry.Lookup(ctx, m.TargetAccountID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf(ctx, "target account %s not registered, dropping mirror write", m.TargetAccountID)
		return nil
	}
	writer, err := c.writerFor(acct.Provider)
	if err != nil {
		return queue.Permanent(err)
	}
	token, err := c.accounts.AccessToken(ctx, m.TargetAccountID)
	if err != nil {
		if fault.IsPermanentRefresh(err) {
			return c.fail(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, err)
		}
		return err
	}

	calendarID := m.TargetCalendarID
	if calendarID == usergraph.OverlayPendingID {
		// First write against this account: create the overlay calendar and
		// cache its id on the mirror row.
		calendarID, err = c.accounts.EnsureOverlayCalendar(ctx, m.TargetAccountID)
		if err != nil {
			return err
		}
		if err := c.graph.UpdateMirrorState(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, usergraph.MirrorStateUpdate{
			State:          store.MirrorPending,
			TargetCalendar: calendarID,
		}); err != nil {
			return err
		}
	}

	mirror, err := c.graph.GetMirror(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			// Row gone, e.g. the account was unlinked after enqueue.
			return queue.Permanent(err)
		}
		return err
	}
	if mirror.State == store.MirrorTombstoned {
		return nil
	}

	providerEventID, err := writer.Upsert(ctx, token, calendarID, mirror.ProviderEventID, m.IdempotencyKey, m.ProjectedPayload)
	if err != nil {
		var pe *fault.ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return c.fail(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, err)
		}
		return err
	}
	return c.graph.UpdateMirrorState(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, usergraph.MirrorStateUpdate{
		State:           store.MirrorActive,
		ProviderEventID: providerEventID,
		LastWriteTS:     c.now().UTC().UnixMilli(),
	})
}

func (c *Consumer) delete(ctx context.Context, m queue.DeleteMirror) error {
	acct, ok, err := c.registry.Lookup(ctx, m.TargetAccountID)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf(ctx, "target account %s not registered, dropping mirror delete", m.TargetAccountID)
		return nil
	}
	writer, err := c.writerFor(acct.Provider)
	if err != nil {
		return queue.Permanent(err)
	}

	// The mirror row may already be gone (unlink cascade); the provider event
	// still needs deleting, defaulting to the primary calendar.
	calendarID := usergraph.PrimaryCalendarID
	haveRow := false
	mirror, err := c.graph.GetMirror(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID)
	switch {
	case err == nil:
		haveRow = true
		if mirror.TargetCalendarID != "" && mirror.TargetCalendarID != usergraph.OverlayPendingID {
			calendarID = mirror.TargetCalendarID
		}
	case errors.Is(err, fault.ErrNotFound):
	default:
		return err
	}

	if m.ProviderEventID != "" {
		token, err := c.accounts.AccessToken(ctx, m.TargetAccountID)
		if err != nil {
			if fault.IsPermanentRefresh(err) {
				return c.fail(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, err)
			}
			return err
		}
		if err := writer.Delete(ctx, token, calendarID, m.ProviderEventID); err != nil {
			var pe *fault.ProviderError
			switch {
			case errors.As(err, &pe) && (pe.Status == 404 || pe.Status == 410):
				// Already gone; deletion is idempotent.
			case errors.As(err, &pe) && !pe.Retryable():
				return c.fail(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, err)
			default:
				return err
			}
		}
	}
	if !haveRow {
		return nil
	}
	return c.graph.UpdateMirrorState(ctx, acct.UserID, m.CanonicalEventID, m.TargetAccountID, usergraph.MirrorStateUpdate{
		State:       store.MirrorTombstoned,
		LastWriteTS: c.now().UTC().UnixMilli(),
	})
}

// fail records the error on the mirror row and acks: retrying cannot help.
func (c *Consumer) fail(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID, cause error) error {
	uerr := c.graph.UpdateMirrorState(ctx, userID, eventID, target, usergraph.MirrorStateUpdate{
		State:        store.MirrorError,
		ErrorMessage: cause.Error(),
	})
	if uerr != nil && !errors.Is(uerr, fault.ErrNotFound) {
		return uerr
	}
	return queue.Permanent(cause)
}

func (c *Consumer) writerFor(p registry.Provider) (Writer, error) {
	switch p {
	case registry.ProviderGoogle:
		return c.google, nil
	case registry.ProviderMicrosoft:
		return c.microsoft, nil
	}
	return nil, fmt.Errorf("no writer for provider %q", p)
}
