package usergraph

import (
	"context"
	"fmt"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/usergraph/store"
)

// DefaultPolicyName names the policy created on first account link.
const DefaultPolicyName = "Default federation"

type (
	// EdgeChange summarises the re-projection work an edge update triggered.
	EdgeChange struct {
		UpsertsEnqueued int `json:"upserts_enqueued"`
		DeletesEnqueued int `json:"deletes_enqueued"`
	}
)

// CreatePolicy creates a named, empty policy.
func (s *Service) CreatePolicy(ctx context.Context, userID ident.UserID, name string) (store.Policy, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.Policy, error) {
		if name == "" {
			return store.Policy{}, fault.Validationf("policy name is required")
		}
		p := store.Policy{
			ID:        ident.NewPolicyID(),
			UserID:    g.id,
			Name:      name,
			CreatedAt: g.svc.nowMillis(),
		}
		if err := g.svc.store.PutPolicy(ctx, p); err != nil {
			return store.Policy{}, err
		}
		return p, nil
	})
}

// Policies lists the user's policies.
func (s *Service) Policies(ctx context.Context, userID ident.UserID) ([]store.Policy, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.Policy, error) {
		return g.svc.store.ListPolicies(ctx, g.id)
	})
}

// SetPolicyEdges replaces the edge set of one policy. New edges trigger an
// UPSERT_MIRROR pass over every canonical event of their origin account;
// removed edges enqueue DELETE_MIRROR for their live mirrors.
func (s *Service) SetPolicyEdges(ctx context.Context, userID ident.UserID, policyID ident.PolicyID, edges []store.PolicyEdge) (EdgeChange, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (EdgeChange, error) {
		return g.setPolicyEdges(ctx, policyID, edges)
	})
}

// EnsureDefaultPolicy creates the default full-mesh BUSY_OVERLAY policy if
// absent and replaces its edges with the full mesh over the given accounts, so
// a freshly linked account immediately federates with the existing ones.
func (s *Service) EnsureDefaultPolicy(ctx context.Context, userID ident.UserID, accounts []ident.AccountID) (store.Policy, EdgeChange, error) {
	type result struct {
		policy store.Policy
		change EdgeChange
	}
	res, err := actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (result, error) {
		policies, err := g.svc.store.ListPolicies(ctx, g.id)
		if err != nil {
			return result{}, err
		}
		var def *store.Policy
		for i := range policies {
			if policies[i].IsDefault {
				def = &policies[i]
				break
			}
		}
		if def == nil {
			p := store.Policy{
				ID:        ident.NewPolicyID(),
				UserID:    g.id,
				Name:      DefaultPolicyName,
				IsDefault: true,
				CreatedAt: g.svc.nowMillis(),
			}
			if err := g.svc.store.PutPolicy(ctx, p); err != nil {
				return result{}, err
			}
			def = &p
		}
		change, err := g.setPolicyEdges(ctx, def.ID, meshEdges(g.id, def.ID, accounts))
		if err != nil {
			return result{}, err
		}
		return result{policy: *def, change: change}, nil
	})
	return res.policy, res.change, err
}

// PolicyEdges lists the active edges projecting out of one account.
func (s *Service) PolicyEdges(ctx context.Context, userID ident.UserID, from ident.AccountID) ([]store.PolicyEdge, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.PolicyEdge, error) {
		return g.svc.store.ListEdgesFrom(ctx, g.id, from)
	})
}

func (g *graph) setPolicyEdges(ctx context.Context, policyID ident.PolicyID, edges []store.PolicyEdge) (EdgeChange, error) {
	policies, err := g.svc.store.ListPolicies(ctx, g.id)
	if err != nil {
		return EdgeChange{}, err
	}
	known := false
	for _, p := range policies {
		if p.ID == policyID {
			known = true
			break
		}
	}
	if !known {
		return EdgeChange{}, fmt.Errorf("policy %s: %w", policyID, fault.ErrNotFound)
	}
	for i := range edges {
		e := &edges[i]
		e.PolicyID = policyID
		e.UserID = g.id
		if err := validateEdge(*e); err != nil {
			return EdgeChange{}, err
		}
	}

	before, err := g.svc.store.ListEdges(ctx, g.id)
	if err != nil {
		return EdgeChange{}, err
	}
	old := make(map[string]store.PolicyEdge)
	for _, e := range before {
		if e.PolicyID == policyID {
			old[edgeKey(e)] = e
		}
	}
	fresh := make(map[string]store.PolicyEdge, len(edges))
	for _, e := range edges {
		fresh[edgeKey(e)] = e
	}

	if err := g.svc.store.ReplacePolicyEdges(ctx, g.id, policyID, edges); err != nil {
		return EdgeChange{}, err
	}

	var change EdgeChange
	for key, e := range fresh {
		if _, existed := old[key]; existed {
			continue
		}
		n, err := g.projectOrigin(ctx, e.FromAccountID)
		change.UpsertsEnqueued += n
		if err != nil {
			return change, err
		}
	}
	for key, e := range old {
		if _, kept := fresh[key]; kept {
			continue
		}
		n, err := g.retireEdge(ctx, e)
		change.DeletesEnqueued += n
		if err != nil {
			return change, err
		}
	}
	return change, nil
}

// projectOrigin re-projects every canonical event originating from one
// account. Used when a new edge appears.
func (g *graph) projectOrigin(ctx context.Context, from ident.AccountID) (int, error) {
	enqueued := 0
	cursor := ""
	for {
		events, next, err := g.svc.store.ListEvents(ctx, g.id, store.EventQuery{OriginAccountID: from, Limit: 200, Cursor: cursor})
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
}

// retireEdge enqueues DELETE_MIRROR for every live mirror the removed edge was
// responsible for. The write consumer tombstones each once the provider copy
// is gone.
func (g *graph) retireEdge(ctx context.Context, e store.PolicyEdge) (int, error) {
	enqueued := 0
	cursor := ""
	for {
		events, next, err := g.svc.store.ListEvents(ctx, g.id, store.EventQuery{OriginAccountID: e.FromAccountID, Limit: 200, Cursor: cursor})
		if err != nil {
			return enqueued, err
		}
		for _, ev := range events {
			m, err := g.svc.store.GetMirror(ctx, g.id, ev.ID, e.ToAccountID)
			if err != nil {
				continue
			}
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
		if next == "" {
			return enqueued, nil
		}
		cursor = next
	}
}

func validateEdge(e store.PolicyEdge) error {
	if e.FromAccountID == "" || e.ToAccountID == "" {
		return fault.Validationf("edge accounts are required")
	}
	if e.FromAccountID == e.ToAccountID {
		return fault.Validationf("edge cannot project an account into itself")
	}
	switch e.DetailLevel {
	case store.DetailBusy, store.DetailFull:
	default:
		return fault.Validationf("unknown detail level %q", e.DetailLevel)
	}
	switch e.CalendarKind {
	case store.CalendarBusyOverlay, store.CalendarPrimary:
	default:
		return fault.Validationf("unknown calendar kind %q", e.CalendarKind)
	}
	return nil
}

func edgeKey(e store.PolicyEdge) string {
	return string(e.FromAccountID) + "|" + string(e.ToAccountID)
}

// meshEdges builds the full mesh of BUSY_OVERLAY edges over accounts.
func meshEdges(userID ident.UserID, policyID ident.PolicyID, accounts []ident.AccountID) []store.PolicyEdge {
	var out []store.PolicyEdge
	for _, from := range accounts {
		for _, to := range accounts {
			if from == to {
				continue
			}
			out = append(out, store.PolicyEdge{
				PolicyID:      policyID,
				UserID:        userID,
				FromAccountID: from,
				ToAccountID:   to,
				DetailLevel:   store.DetailBusy,
				CalendarKind:  store.CalendarBusyOverlay,
			})
		}
	}
	return out
}
