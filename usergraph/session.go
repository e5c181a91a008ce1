package usergraph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/scheduling"
	"github.com/facetcal/facet/usergraph/store"
)

// DefaultHoldTTL is how long a hold stays held before the sweep expires it.
const DefaultHoldTTL = 30 * time.Minute

type (
	// SessionParams describes the meeting a scheduling session is trying to
	// place. It is persisted on the session as the objective, so a later
	// commit can rebuild the event from it.
	SessionParams struct {
		Title              string            `json:"title"`
		DurationMinutes    int               `json:"duration_minutes"`
		WindowStart        int64             `json:"window_start"`
		WindowEnd          int64             `json:"window_end"`
		RequiredAccountIDs []ident.AccountID `json:"required_account_ids"`
		ParticipantHashes  []string          `json:"participant_hashes,omitempty"`
		MaxCandidates      int               `json:"max_candidates,omitempty"`
		CreateHolds        bool              `json:"create_holds,omitempty"`
		HoldTTLMinutes     int               `json:"hold_ttl_minutes,omitempty"`
	}

	// SessionResult is one session with its candidates and holds.
	SessionResult struct {
		Session    store.Session     `json:"session"`
		Candidates []store.Candidate `json:"candidates"`
		Holds      []store.Hold      `json:"holds,omitempty"`
	}

	// CommitResult reports the canonical event a commit produced.
	CommitResult struct {
		Session         store.Session        `json:"session"`
		Event           store.CanonicalEvent `json:"event"`
		MirrorsEnqueued int                  `json:"mirrors_enqueued"`
	}
)

func (p SessionParams) validate() error {
	if p.Title == "" {
		return fault.Validationf("session title is required")
	}
	if p.DurationMinutes < scheduling.MinDurationMinutes || p.DurationMinutes > scheduling.MaxDurationMinutes {
		return fault.Validationf("duration must be between %d and %d minutes, got %d",
			scheduling.MinDurationMinutes, scheduling.MaxDurationMinutes, p.DurationMinutes)
	}
	if p.WindowStart >= p.WindowEnd {
		return fault.Validationf("window start must precede window end")
	}
	if len(p.RequiredAccountIDs) == 0 {
		return fault.Validationf("at least one required account is needed")
	}
	return nil
}

// CreateSession runs the scheduling solver over the user's availability,
// constraints, VIP policies and fairness history, and persists the session
// with its scored candidates. With CreateHolds set, the top candidate's slot
// is held on every required account until committed, released, or expired by
// the sweep.
func (s *Service) CreateSession(ctx context.Context, userID ident.UserID, params SessionParams) (SessionResult, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (SessionResult, error) {
		return g.createSession(ctx, params)
	})
}

// GetSession returns one session with its candidates and holds.
func (s *Service) GetSession(ctx context.Context, userID ident.UserID, id ident.SessionID) (SessionResult, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (SessionResult, error) {
		sess, err := g.getSession(ctx, id)
		if err != nil {
			return SessionResult{}, err
		}
		return g.sessionResult(ctx, sess)
	})
}

// ListSessions lists the user's sessions, newest first.
func (s *Service) ListSessions(ctx context.Context, userID ident.UserID, q store.SessionQuery) ([]store.Session, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.Session, error) {
		return g.svc.store.ListSessions(ctx, g.id, q)
	})
}

// CancelSession cancels an open or candidates_ready session and releases its
// holds. Terminal sessions reject the transition.
func (s *Service) CancelSession(ctx context.Context, userID ident.UserID, id ident.SessionID) (store.Session, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.Session, error) {
		sess, err := g.getSession(ctx, id)
		if err != nil {
			return store.Session{}, err
		}
		if sess.Status != store.SessionOpen && sess.Status != store.SessionCandidatesReady {
			return store.Session{}, &fault.TransitionError{Entity: "session", From: sess.Status, To: store.SessionCancelled}
		}
		sess.Status = store.SessionCancelled
		if err := g.svc.store.PutSession(ctx, sess); err != nil {
			return store.Session{}, err
		}
		if err := g.releaseHolds(ctx, sess.ID, store.HoldReleased); err != nil {
			return store.Session{}, err
		}
		return sess, nil
	})
}

// CommitCandidate turns one candidate into a canonical event with source =
// system, projects it along the policy graph, transitions the session to
// committed, releases the holds, and records one scheduling-history row per
// participant with the first participant marked as preferred.
func (s *Service) CommitCandidate(ctx context.Context, userID ident.UserID, sessionID ident.SessionID, candidateID ident.CandidateID) (CommitResult, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (CommitResult, error) {
		return g.commitCandidate(ctx, sessionID, candidateID)
	})
}

// HoldsBySession lists a session's holds.
func (s *Service) HoldsBySession(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]store.Hold, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) ([]store.Hold, error) {
		return g.svc.store.ListHoldsBySession(ctx, g.id, sessionID)
	})
}

// ExpiredHolds lists held rows across all users whose expiry has passed. The
// hold sweep iterates this; per-hold transitions then go through each user's
// mailbox.
func (s *Service) ExpiredHolds(ctx context.Context) ([]store.Hold, error) {
	return s.store.ListExpiredHolds(ctx, s.nowMillis())
}

// UpdateHoldStatus transitions one hold. held may move to released, expired,
// or committed; terminal states reject further transitions. A non-empty
// providerEventID records the tentative provider event the hold placed; a hold
// leaving held as expired or released gets a DELETE_MIRROR enqueued for it.
// An empty status (or held) records the provider event id without a
// transition, so the write path can attach it as soon as the tentative event
// lands.
func (s *Service) UpdateHoldStatus(ctx context.Context, userID ident.UserID, sessionID ident.SessionID, holdID ident.HoldID, status, providerEventID string) (store.Hold, error) {
	return actor.Call(ctx, s.group, userID, func(ctx context.Context, g *graph) (store.Hold, error) {
		holds, err := g.svc.store.ListHoldsBySession(ctx, g.id, sessionID)
		if err != nil {
			return store.Hold{}, err
		}
		for _, h := range holds {
			if h.ID != holdID {
				continue
			}
			if providerEventID != "" {
				h.ProviderEventID = providerEventID
			}
			if status == "" || status == store.HoldHeld {
				if h.Status != store.HoldHeld {
					return store.Hold{}, &fault.TransitionError{Entity: "hold", From: h.Status, To: store.HoldHeld}
				}
				if err := g.svc.store.PutHold(ctx, h); err != nil {
					return store.Hold{}, err
				}
				return h, nil
			}
			return g.transitionHold(ctx, h, status)
		}
		return store.Hold{}, fmt.Errorf("hold %s: %w", holdID, fault.ErrNotFound)
	})
}

func (g *graph) createSession(ctx context.Context, params SessionParams) (SessionResult, error) {
	if err := params.validate(); err != nil {
		return SessionResult{}, err
	}
	in, err := g.solverInput(ctx, params)
	if err != nil {
		return SessionResult{}, err
	}
	maxCandidates := params.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = scheduling.DefaultMaxCandidates
	}
	solver := scheduling.Choose(in, g.svc.external, g.svc.greedy)
	scored, err := solver.Solve(ctx, in, maxCandidates)
	if err != nil {
		return SessionResult{}, err
	}

	objective, err := json.Marshal(params)
	if err != nil {
		return SessionResult{}, err
	}
	sess := store.Session{
		ID:            ident.NewSessionID(),
		UserID:        g.id,
		Status:        store.SessionCandidatesReady,
		ObjectiveJSON: string(objective),
		CreatedAt:     g.svc.nowMillis(),
	}
	if err := g.svc.store.PutSession(ctx, sess); err != nil {
		return SessionResult{}, err
	}
	candidates := make([]store.Candidate, len(scored))
	for i, c := range scored {
		candidates[i] = store.Candidate{
			ID:          ident.NewCandidateID(),
			SessionID:   sess.ID,
			UserID:      g.id,
			Start:       c.Start,
			End:         c.End,
			Score:       c.Score,
			Explanation: c.Explanation,
		}
	}
	if len(candidates) > 0 {
		if err := g.svc.store.PutCandidates(ctx, candidates); err != nil {
			return SessionResult{}, err
		}
	}

	var holds []store.Hold
	if params.CreateHolds && len(candidates) > 0 {
		ttl := DefaultHoldTTL
		if params.HoldTTLMinutes > 0 {
			ttl = time.Duration(params.HoldTTLMinutes) * time.Minute
		}
		expires := g.svc.nowMillis() + ttl.Milliseconds()
		for _, acct := range params.RequiredAccountIDs {
			h := store.Hold{
				ID:        ident.NewHoldID(),
				SessionID: sess.ID,
				UserID:    g.id,
				AccountID: acct,
				ExpiresAt: expires,
				Status:    store.HoldHeld,
			}
			if err := g.svc.store.PutHold(ctx, h); err != nil {
				return SessionResult{}, err
			}
			holds = append(holds, h)
		}
	}
	return SessionResult{Session: sess, Candidates: candidates, Holds: holds}, nil
}

// solverInput assembles the solver input from the user's availability, active
// constraints, VIP policies, and fairness history.
func (g *graph) solverInput(ctx context.Context, params SessionParams) (scheduling.Input, error) {
	busy, err := g.busyIntervals(ctx, params.WindowStart, params.WindowEnd, params.RequiredAccountIDs)
	if err != nil {
		return scheduling.Input{}, err
	}
	constraints, err := g.activeConstraints(ctx, params.WindowStart, params.WindowEnd)
	if err != nil {
		return scheduling.Input{}, err
	}
	vips, err := g.schedulingVips(ctx)
	if err != nil {
		return scheduling.Input{}, err
	}
	var history []scheduling.History
	if len(params.ParticipantHashes) > 0 {
		aggs, err := g.svc.store.AggregateHistory(ctx, g.id, params.ParticipantHashes)
		if err != nil {
			return scheduling.Input{}, err
		}
		for _, a := range aggs {
			history = append(history, scheduling.History{
				ParticipantHash:      a.ParticipantHash,
				SessionsParticipated: a.SessionsParticipated,
				SessionsPreferred:    a.SessionsPreferred,
			})
		}
	}
	return scheduling.Input{
		WindowStart:        params.WindowStart,
		WindowEnd:          params.WindowEnd,
		DurationMinutes:    params.DurationMinutes,
		BusyIntervals:      busy,
		RequiredAccountIDs: params.RequiredAccountIDs,
		Constraints:        constraints,
		ParticipantHashes:  params.ParticipantHashes,
		VipPolicies:        vips,
		History:            history,
	}, nil
}

func (g *graph) commitCandidate(ctx context.Context, sessionID ident.SessionID, candidateID ident.CandidateID) (CommitResult, error) {
	sess, err := g.getSession(ctx, sessionID)
	if err != nil {
		return CommitResult{}, err
	}
	if sess.Status != store.SessionCandidatesReady {
		return CommitResult{}, &fault.TransitionError{Entity: "session", From: sess.Status, To: store.SessionCommitted}
	}
	candidates, err := g.svc.store.ListCandidates(ctx, g.id, sessionID)
	if err != nil {
		return CommitResult{}, err
	}
	var chosen *store.Candidate
	for i := range candidates {
		if candidates[i].ID == candidateID {
			chosen = &candidates[i]
			break
		}
	}
	if chosen == nil {
		return CommitResult{}, fmt.Errorf("candidate %s: %w", candidateID, fault.ErrNotFound)
	}
	var params SessionParams
	if err := json.Unmarshal([]byte(sess.ObjectiveJSON), &params); err != nil {
		return CommitResult{}, fmt.Errorf("decode session objective: %w", err)
	}

	now := g.svc.nowMillis()
	ev := store.CanonicalEvent{
		ID:              ident.NewEventID(),
		UserID:          g.id,
		OriginAccountID: params.RequiredAccountIDs[0],
		Title:           params.Title,
		Start:           chosen.Start,
		End:             chosen.End,
		Status:          store.EventConfirmed,
		Transparency:    store.TransparencyOpaque,
		Source:          store.SourceSystem,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := g.svc.store.PutEvent(ctx, ev); err != nil {
		return CommitResult{}, err
	}
	if err := g.journalEvent(ctx, ev, ActorScheduler, ChangeCreated); err != nil {
		return CommitResult{}, err
	}
	enqueued, err := g.project(ctx, ev)
	if err != nil {
		return CommitResult{}, err
	}

	sess.Status = store.SessionCommitted
	sess.CommittedCandidateID = chosen.ID
	sess.CommittedEventID = ev.ID
	if err := g.svc.store.PutSession(ctx, sess); err != nil {
		return CommitResult{}, err
	}
	if err := g.releaseHolds(ctx, sess.ID, store.HoldReleased); err != nil {
		return CommitResult{}, err
	}
	if len(params.ParticipantHashes) > 0 {
		entries := make([]store.HistoryEntry, len(params.ParticipantHashes))
		for i, hash := range params.ParticipantHashes {
			entries[i] = store.HistoryEntry{
				SessionID:       sess.ID,
				UserID:          g.id,
				ParticipantHash: hash,
				GotPreferred:    i == 0,
				ScheduledTS:     now,
			}
		}
		if err := g.svc.store.AppendHistory(ctx, entries); err != nil {
			return CommitResult{}, err
		}
	}
	return CommitResult{Session: sess, Event: ev, MirrorsEnqueued: enqueued}, nil
}

func (g *graph) getSession(ctx context.Context, id ident.SessionID) (store.Session, error) {
	sess, err := g.svc.store.GetSession(ctx, g.id, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, fmt.Errorf("session %s: %w", id, fault.ErrNotFound)
	}
	return sess, err
}

func (g *graph) sessionResult(ctx context.Context, sess store.Session) (SessionResult, error) {
	candidates, err := g.svc.store.ListCandidates(ctx, g.id, sess.ID)
	if err != nil {
		return SessionResult{}, err
	}
	holds, err := g.svc.store.ListHoldsBySession(ctx, g.id, sess.ID)
	if err != nil {
		return SessionResult{}, err
	}
	return SessionResult{Session: sess, Candidates: candidates, Holds: holds}, nil
}

// releaseHolds moves every held hold of the session to the given terminal
// status.
func (g *graph) releaseHolds(ctx context.Context, sessionID ident.SessionID, status string) error {
	holds, err := g.svc.store.ListHoldsBySession(ctx, g.id, sessionID)
	if err != nil {
		return err
	}
	for _, h := range holds {
		if h.Status != store.HoldHeld {
			continue
		}
		if _, err := g.transitionHold(ctx, h, status); err != nil {
			return err
		}
	}
	return nil
}

func (g *graph) transitionHold(ctx context.Context, h store.Hold, status string) (store.Hold, error) {
	if !validHoldTransition(h.Status, status) {
		return store.Hold{}, &fault.TransitionError{Entity: "hold", From: h.Status, To: status}
	}
	h.Status = status
	if err := g.svc.store.PutHold(ctx, h); err != nil {
		return store.Hold{}, err
	}
	// A hold that placed a tentative provider event and did not convert into
	// a committed meeting leaves that event behind; clean it up.
	if h.ProviderEventID != "" && (status == store.HoldExpired || status == store.HoldReleased) {
		msg := queue.DeleteMirror{
			TargetAccountID: h.AccountID,
			ProviderEventID: h.ProviderEventID,
			IdempotencyKey:  hashParts(h.ID.String(), h.AccountID.String(), "hold-delete", h.ProviderEventID),
		}
		if err := g.svc.writes.Publish(ctx, msg); err != nil {
			return store.Hold{}, err
		}
	}
	return h, nil
}

func validHoldTransition(from, to string) bool {
	if from != store.HoldHeld {
		return false
	}
	switch to {
	case store.HoldReleased, store.HoldExpired, store.HoldCommitted:
		return true
	}
	return false
}
