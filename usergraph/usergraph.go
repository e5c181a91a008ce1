// Package usergraph implements the per-user graph actor: the single-writer
// gateway for one user's canonical events, mirror projections, policy graph,
// scheduling sessions, constraints, and journal.
//
// Exactly one mailbox exists per user id. Every mutation of that user's state
// runs to completion inside it before the next one starts, so the store never
// sees concurrent writers for a user and no operation needs cross-row
// transactions. Reads go through the same mailbox for simplicity.
package usergraph

import (
	"context"
	"errors"
	"time"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/registry"
	"github.com/facetcal/facet/scheduling"
	"github.com/facetcal/facet/usergraph/store"
)

// Journal actors: who made a canonical-store change.
const (
	ActorSync      = "sync"
	ActorScheduler = "scheduler"
	ActorReconcile = "reconcile"
	ActorUser      = "user"
)

// Journal change types for canonical-event changes. Reconcile discrepancies
// use ChangeReconcilePrefix followed by the discrepancy kind.
const (
	ChangeCreated = "created"
	ChangeUpdated = "updated"
	ChangeDeleted = "deleted"
	ChangeUnlink  = "unlinked"

	ChangeReconcilePrefix = "reconcile:"
)

// Calendar placeholders carried on mirror rows. The write consumer resolves
// OverlayPendingID into a real overlay calendar id on first write.
const (
	PrimaryCalendarID = "primary"
	OverlayPendingID  = "overlay:pending"
)

type (
	// Publisher appends messages to the write queue. *queue.Queue satisfies
	// it; tests substitute an in-memory recorder.
	Publisher interface {
		Publish(ctx context.Context, msg queue.Message) error
	}

	// Options configures a Service.
	Options struct {
		// Store persists per-user graph state. Required.
		Store store.Store
		// Registry resolves the accounts a user has linked. Required.
		Registry *registry.Registry
		// WriteQueue receives UPSERT_MIRROR and DELETE_MIRROR messages.
		// Required.
		WriteQueue Publisher
		// External is the optional external scheduling solver. When nil every
		// solve runs the in-process greedy solver.
		External *scheduling.External
		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Service is the user graph actor group.
	Service struct {
		store    store.Store
		registry *registry.Registry
		writes   Publisher
		greedy   *scheduling.Greedy
		external *scheduling.External
		now      func() time.Time
		group    *actor.Group[ident.UserID, *graph]
	}

	// graph is the per-user mailbox state.
	graph struct {
		id  ident.UserID
		svc *Service
	}
)

// New builds the service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.WriteQueue == nil {
		return nil, errors.New("write queue is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		store:    opts.Store,
		registry: opts.Registry,
		writes:   opts.WriteQueue,
		greedy:   scheduling.NewGreedy(),
		external: opts.External,
		now:      now,
	}
	group, err := actor.NewGroup(func(id ident.UserID) (*graph, error) {
		return &graph{id: id, svc: s}, nil
	})
	if err != nil {
		return nil, err
	}
	s.group = group
	return s, nil
}

// Close drains the mailboxes and stops the actor group.
func (s *Service) Close() { s.group.Close() }

func (s *Service) nowMillis() int64 { return s.now().UTC().UnixMilli() }
