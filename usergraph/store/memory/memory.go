// Package memory provides an in-memory implementation of the user graph
// store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required. It is safe
// for concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/usergraph/store"
)

// Store is an in-memory implementation of the store.Store interface.
type Store struct {
	mu          sync.RWMutex
	events      map[ident.EventID]store.CanonicalEvent
	mirrors     map[mirrorKey]store.Mirror
	policies    map[ident.PolicyID]store.Policy
	edges       map[ident.PolicyID][]store.PolicyEdge
	sessions    map[ident.SessionID]store.Session
	candidates  map[ident.CandidateID]store.Candidate
	holds       map[ident.HoldID]store.Hold
	constraints map[ident.ConstraintID]store.Constraint
	vips        map[ident.VipID]store.VipPolicy
	history     []store.HistoryEntry
	journal     []store.JournalEntry
}

type mirrorKey struct {
	event  ident.EventID
	target ident.AccountID
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		events:      make(map[ident.EventID]store.CanonicalEvent),
		mirrors:     make(map[mirrorKey]store.Mirror),
		policies:    make(map[ident.PolicyID]store.Policy),
		edges:       make(map[ident.PolicyID][]store.PolicyEdge),
		sessions:    make(map[ident.SessionID]store.Session),
		candidates:  make(map[ident.CandidateID]store.Candidate),
		holds:       make(map[ident.HoldID]store.Hold),
		constraints: make(map[ident.ConstraintID]store.Constraint),
		vips:        make(map[ident.VipID]store.VipPolicy),
	}
}

// PutEvent stores or replaces a canonical event.
func (s *Store) PutEvent(ctx context.Context, ev store.CanonicalEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

// GetEvent retrieves a canonical event by id.
func (s *Store) GetEvent(ctx context.Context, userID ident.UserID, id ident.EventID) (store.CanonicalEvent, error) {
	if err := ctx.Err(); err != nil {
		return store.CanonicalEvent{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok || ev.UserID != userID {
		return store.CanonicalEvent{}, store.ErrNotFound
	}
	return ev, nil
}

// FindEventByOrigin resolves a canonical event by its provider identity.
func (s *Store) FindEventByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID, originEventID string) (store.CanonicalEvent, error) {
	if err := ctx.Err(); err != nil {
		return store.CanonicalEvent{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ev := range s.events {
		if ev.UserID == userID && ev.OriginAccountID == origin && ev.OriginEventID == originEventID {
			return ev, nil
		}
	}
	return store.CanonicalEvent{}, store.ErrNotFound
}

// ListEvents returns one page of events ordered by start ascending with the
// event id as tie-break.
func (s *Store) ListEvents(ctx context.Context, userID ident.UserID, q store.EventQuery) ([]store.CanonicalEvent, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	var all []store.CanonicalEvent
	for _, ev := range s.events {
		if ev.UserID != userID {
			continue
		}
		if q.OriginAccountID != "" && ev.OriginAccountID != q.OriginAccountID {
			continue
		}
		if q.TimeMin != 0 && ev.End < q.TimeMin {
			continue
		}
		if q.TimeMax != 0 && ev.Start > q.TimeMax {
			continue
		}
		all = append(all, ev)
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].ID < all[j].ID
	})
	if q.Cursor != "" {
		for i, ev := range all {
			if string(ev.ID) == q.Cursor {
				all = all[i+1:]
				break
			}
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = len(all)
	}
	if len(all) > limit {
		return all[:limit], string(all[limit-1].ID), nil
	}
	return all, "", nil
}

// DeleteEventsByOrigin removes every canonical event originating in the
// account and returns how many were removed.
func (s *Store) DeleteEventsByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, ev := range s.events {
		if ev.UserID == userID && ev.OriginAccountID == origin {
			delete(s.events, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountEvents returns the number of canonical events for the user.
func (s *Store) CountEvents(ctx context.Context, userID ident.UserID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, ev := range s.events {
		if ev.UserID == userID {
			n++
		}
	}
	return n, nil
}

// PutMirror stores or replaces a mirror row.
func (s *Store) PutMirror(ctx context.Context, m store.Mirror) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirrors[mirrorKey{m.CanonicalEventID, m.TargetAccountID}] = m
	return nil
}

// GetMirror retrieves one mirror row.
func (s *Store) GetMirror(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID) (store.Mirror, error) {
	if err := ctx.Err(); err != nil {
		return store.Mirror{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mirrors[mirrorKey{eventID, target}]
	if !ok || m.UserID != userID {
		return store.Mirror{}, store.ErrNotFound
	}
	return m, nil
}

// ListMirrorsByEvent returns every mirror of one canonical event.
func (s *Store) ListMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) ([]store.Mirror, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Mirror
	for _, m := range s.mirrors {
		if m.UserID == userID && m.CanonicalEventID == eventID {
			out = append(out, m)
		}
	}
	sortMirrors(out)
	return out, nil
}

// ListMirrorsByTarget returns mirrors targeting the account, optionally
// filtered by state.
func (s *Store) ListMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID, state string) ([]store.Mirror, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Mirror
	for _, m := range s.mirrors {
		if m.UserID != userID || m.TargetAccountID != target {
			continue
		}
		if state != "" && m.State != state {
			continue
		}
		out = append(out, m)
	}
	sortMirrors(out)
	return out, nil
}

// DeleteMirrorsByTarget removes every mirror targeting the account.
func (s *Store) DeleteMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for k, m := range s.mirrors {
		if m.UserID == userID && m.TargetAccountID == target {
			delete(s.mirrors, k)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteMirrorsByEvent removes every mirror of one canonical event.
func (s *Store) DeleteMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for k, m := range s.mirrors {
		if m.UserID == userID && m.CanonicalEventID == eventID {
			delete(s.mirrors, k)
			deleted++
		}
	}
	return deleted, nil
}

// CountMirrors summarises mirror states for the user.
func (s *Store) CountMirrors(ctx context.Context, userID ident.UserID) (store.MirrorCounts, error) {
	if err := ctx.Err(); err != nil {
		return store.MirrorCounts{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var counts store.MirrorCounts
	for _, m := range s.mirrors {
		if m.UserID != userID {
			continue
		}
		counts.Total++
		switch m.State {
		case store.MirrorPending:
			counts.Pending++
		case store.MirrorError:
			counts.Error++
		}
	}
	return counts, nil
}

// PutPolicy stores or replaces a policy.
func (s *Store) PutPolicy(ctx context.Context, p store.Policy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

// ListPolicies returns the user's policies ordered by creation.
func (s *Store) ListPolicies(ctx context.Context, userID ident.UserID) ([]store.Policy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Policy
	for _, p := range s.policies {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// ReplacePolicyEdges swaps the edge set of one policy.
func (s *Store) ReplacePolicyEdges(ctx context.Context, userID ident.UserID, policyID ident.PolicyID, edges []store.PolicyEdge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[policyID]
	if !ok || p.UserID != userID {
		return store.ErrNotFound
	}
	s.edges[policyID] = append([]store.PolicyEdge(nil), edges...)
	return nil
}

// ListEdgesFrom returns edges projecting from the account.
func (s *Store) ListEdgesFrom(ctx context.Context, userID ident.UserID, from ident.AccountID) ([]store.PolicyEdge, error) {
	all, err := s.ListEdges(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []store.PolicyEdge
	for _, e := range all {
		if e.FromAccountID == from {
			out = append(out, e)
		}
	}
	return out, nil
}

// ListEdges returns every edge of the user's policies.
func (s *Store) ListEdges(ctx context.Context, userID ident.UserID) ([]store.PolicyEdge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PolicyEdge
	for pid, edges := range s.edges {
		p, ok := s.policies[pid]
		if !ok || p.UserID != userID {
			continue
		}
		out = append(out, edges...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FromAccountID != out[j].FromAccountID {
			return out[i].FromAccountID < out[j].FromAccountID
		}
		return out[i].ToAccountID < out[j].ToAccountID
	})
	return out, nil
}

// DeleteEdgesReferencing removes every edge touching the account.
func (s *Store) DeleteEdgesReferencing(ctx context.Context, userID ident.UserID, account ident.AccountID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for pid, edges := range s.edges {
		p, ok := s.policies[pid]
		if !ok || p.UserID != userID {
			continue
		}
		kept := edges[:0]
		for _, e := range edges {
			if e.FromAccountID == account || e.ToAccountID == account {
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		s.edges[pid] = kept
	}
	return deleted, nil
}

// PutSession stores or replaces a session.
func (s *Store) PutSession(ctx context.Context, sess store.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, userID ident.UserID, id ident.SessionID) (store.Session, error) {
	if err := ctx.Err(); err != nil {
		return store.Session{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok || sess.UserID != userID {
		return store.Session{}, store.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID ident.UserID, q store.SessionQuery) ([]store.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []store.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if q.Status != "" && sess.Status != q.Status {
			continue
		}
		out = append(out, sess)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// PutCandidates stores a batch of candidates.
func (s *Store) PutCandidates(ctx context.Context, candidates []store.Candidate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range candidates {
		s.candidates[c.ID] = c
	}
	return nil
}

// ListCandidates returns a session's candidates ordered by score descending.
func (s *Store) ListCandidates(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]store.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Candidate
	for _, c := range s.candidates {
		if c.UserID == userID && c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Start < out[j].Start
	})
	return out, nil
}

// PutHold stores or replaces a hold.
func (s *Store) PutHold(ctx context.Context, h store.Hold) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holds[h.ID] = h
	return nil
}

// ListHoldsBySession returns a session's holds.
func (s *Store) ListHoldsBySession(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]store.Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Hold
	for _, h := range s.holds {
		if h.UserID == userID && h.SessionID == sessionID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListExpiredHolds returns held rows whose expiry is at or before ts.
func (s *Store) ListExpiredHolds(ctx context.Context, ts int64) ([]store.Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Hold
	for _, h := range s.holds {
		if h.Status == store.HoldHeld && h.ExpiresAt <= ts {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt < out[j].ExpiresAt })
	return out, nil
}

// PutConstraint stores or replaces a constraint.
func (s *Store) PutConstraint(ctx context.Context, c store.Constraint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.constraints[c.ID] = c
	return nil
}

// ListConstraints returns the user's constraints ordered by creation.
func (s *Store) ListConstraints(ctx context.Context, userID ident.UserID) ([]store.Constraint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Constraint
	for _, c := range s.constraints {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

// DeleteConstraint removes one constraint.
func (s *Store) DeleteConstraint(ctx context.Context, userID ident.UserID, id ident.ConstraintID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.constraints[id]
	if !ok || c.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.constraints, id)
	return nil
}

// PutVip stores or replaces a VIP policy.
func (s *Store) PutVip(ctx context.Context, v store.VipPolicy) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vips[v.ID] = v
	return nil
}

// ListVips returns the user's VIP policies.
func (s *Store) ListVips(ctx context.Context, userID ident.UserID) ([]store.VipPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.VipPolicy
	for _, v := range s.vips {
		if v.UserID == userID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteVip removes one VIP policy.
func (s *Store) DeleteVip(ctx context.Context, userID ident.UserID, id ident.VipID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vips[id]
	if !ok || v.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.vips, id)
	return nil
}

// AppendHistory appends scheduling-history rows.
func (s *Store) AppendHistory(ctx context.Context, entries []store.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entries...)
	return nil
}

// AggregateHistory derives the fairness view for the given participants.
// Participants with no history are omitted.
func (s *Store) AggregateHistory(ctx context.Context, userID ident.UserID, hashes []string) ([]store.HistoryAggregate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byHash := make(map[string]*store.HistoryAggregate)
	want := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		want[h] = true
	}
	for _, e := range s.history {
		if e.UserID != userID || !want[e.ParticipantHash] {
			continue
		}
		agg, ok := byHash[e.ParticipantHash]
		if !ok {
			agg = &store.HistoryAggregate{ParticipantHash: e.ParticipantHash}
			byHash[e.ParticipantHash] = agg
		}
		agg.SessionsParticipated++
		if e.GotPreferred {
			agg.SessionsPreferred++
		}
		if e.ScheduledTS > agg.LastSessionTS {
			agg.LastSessionTS = e.ScheduledTS
		}
	}
	out := make([]store.HistoryAggregate, 0, len(byHash))
	for _, h := range hashes {
		if agg, ok := byHash[h]; ok {
			out = append(out, *agg)
		}
	}
	return out, nil
}

// AppendJournal appends one journal entry.
func (s *Store) AppendJournal(ctx context.Context, e store.JournalEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.journal = append(s.journal, e)
	return nil
}

// ListJournal returns one page of journal entries, newest first.
func (s *Store) ListJournal(ctx context.Context, userID ident.UserID, q store.JournalQuery) ([]store.JournalEntry, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	s.mu.RLock()
	var all []store.JournalEntry
	for _, e := range s.journal {
		if e.UserID != userID {
			continue
		}
		if q.CanonicalEventID != "" && e.CanonicalEventID != q.CanonicalEventID {
			continue
		}
		all = append(all, e)
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool {
		if all[i].TS != all[j].TS {
			return all[i].TS > all[j].TS
		}
		return all[i].ID > all[j].ID
	})
	if q.Cursor != "" {
		for i, e := range all {
			if string(e.ID) == q.Cursor {
				all = all[i+1:]
				break
			}
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = len(all)
	}
	if len(all) > limit {
		return all[:limit], string(all[limit-1].ID), nil
	}
	return all, "", nil
}

// JournalStats summarises the user's journal.
func (s *Store) JournalStats(ctx context.Context, userID ident.UserID) (store.JournalStats, error) {
	if err := ctx.Err(); err != nil {
		return store.JournalStats{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats store.JournalStats
	for _, e := range s.journal {
		if e.UserID != userID {
			continue
		}
		stats.Total++
		if e.TS > stats.LastTS {
			stats.LastTS = e.TS
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close(context.Context) error { return nil }

func sortMirrors(ms []store.Mirror) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].CanonicalEventID != ms[j].CanonicalEventID {
			return ms[i].CanonicalEventID < ms[j].CanonicalEventID
		}
		return ms[i].TargetAccountID < ms[j].TargetAccountID
	})
}
