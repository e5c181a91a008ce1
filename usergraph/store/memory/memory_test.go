package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/usergraph/store"
)

func seedEvent(t *testing.T, s *Store, userID ident.UserID, origin ident.AccountID, start int64) store.CanonicalEvent {
	t.Helper()
	ev := store.CanonicalEvent{
		ID:              ident.NewEventID(),
		UserID:          userID,
		OriginAccountID: origin,
		OriginEventID:   "origin-" + string(ident.NewEventID()),
		Title:           "Standup",
		Start:           start,
		End:             start + 1800000,
		Status:          store.EventConfirmed,
		Transparency:    store.TransparencyOpaque,
		Source:          store.SourceProvider,
		Version:         1,
	}
	require.NoError(t, s.PutEvent(context.Background(), ev))
	return ev
}

func TestEventLookupIsScopedByUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	userA, userB := ident.NewUserID(), ident.NewUserID()
	origin := ident.NewAccountID()
	ev := seedEvent(t, s, userA, origin, 1000)

	got, err := s.GetEvent(ctx, userA, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev, got)

	_, err = s.GetEvent(ctx, userB, ev.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	got, err = s.FindEventByOrigin(ctx, userA, origin, ev.OriginEventID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)

	_, err = s.FindEventByOrigin(ctx, userA, origin, "origin-unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListEventsPagesInStartOrder(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	origin := ident.NewAccountID()
	for _, start := range []int64{3000, 1000, 2000, 4000} {
		seedEvent(t, s, userID, origin, start)
	}
	seedEvent(t, s, ident.NewUserID(), origin, 500) // other user, never visible

	page1, cursor, err := s.ListEvents(ctx, userID, store.EventQuery{Limit: 3})
	require.NoError(t, err)
	require.Len(t, page1, 3)
	assert.Equal(t, []int64{1000, 2000, 3000}, []int64{page1[0].Start, page1[1].Start, page1[2].Start})
	require.NotEmpty(t, cursor)

	page2, cursor, err := s.ListEvents(ctx, userID, store.EventQuery{Limit: 3, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, int64(4000), page2[0].Start)
	assert.Empty(t, cursor)
}

func TestListEventsFiltersByWindowAndOrigin(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	a, b := ident.NewAccountID(), ident.NewAccountID()
	seedEvent(t, s, userID, a, 1000)
	seedEvent(t, s, userID, a, 5000)
	seedEvent(t, s, userID, b, 5000)

	out, _, err := s.ListEvents(ctx, userID, store.EventQuery{TimeMin: 4000, TimeMax: 6000})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, _, err = s.ListEvents(ctx, userID, store.EventQuery{OriginAccountID: b})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b, out[0].OriginAccountID)
}

func TestDeleteEventsByOriginReportsCount(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	a, b := ident.NewAccountID(), ident.NewAccountID()
	seedEvent(t, s, userID, a, 1000)
	seedEvent(t, s, userID, a, 2000)
	seedEvent(t, s, userID, b, 3000)

	deleted, err := s.DeleteEventsByOrigin(ctx, userID, a)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	n, err := s.CountEvents(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMirrorStateBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	target := ident.NewAccountID()
	evA, evB := ident.NewEventID(), ident.NewEventID()

	require.NoError(t, s.PutMirror(ctx, store.Mirror{CanonicalEventID: evA, UserID: userID, TargetAccountID: target, State: store.MirrorPending}))
	require.NoError(t, s.PutMirror(ctx, store.Mirror{CanonicalEventID: evB, UserID: userID, TargetAccountID: target, State: store.MirrorError, ErrorMessage: "invalid event"}))

	got, err := s.GetMirror(ctx, userID, evA, target)
	require.NoError(t, err)
	assert.Equal(t, store.MirrorPending, got.State)

	pending, err := s.ListMirrorsByTarget(ctx, userID, target, store.MirrorPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, evA, pending[0].CanonicalEventID)

	counts, err := s.CountMirrors(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, store.MirrorCounts{Total: 2, Pending: 1, Error: 1}, counts)

	deleted, err := s.DeleteMirrorsByEvent(ctx, userID, evA)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	_, err = s.GetMirror(ctx, userID, evA, target)
	assert.ErrorIs(t, err, store.ErrNotFound)

	deleted, err = s.DeleteMirrorsByTarget(ctx, userID, target)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestPolicyEdgesReplaceAndPrune(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	policyID := ident.NewPolicyID()
	a, b, c := ident.NewAccountID(), ident.NewAccountID(), ident.NewAccountID()

	require.NoError(t, s.PutPolicy(ctx, store.Policy{ID: policyID, UserID: userID, Name: "default", IsDefault: true, CreatedAt: 1}))

	err := s.ReplacePolicyEdges(ctx, userID, ident.NewPolicyID(), nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	edges := []store.PolicyEdge{
		{PolicyID: policyID, UserID: userID, FromAccountID: a, ToAccountID: b, DetailLevel: store.DetailBusy, CalendarKind: store.CalendarBusyOverlay},
		{PolicyID: policyID, UserID: userID, FromAccountID: b, ToAccountID: a, DetailLevel: store.DetailBusy, CalendarKind: store.CalendarBusyOverlay},
		{PolicyID: policyID, UserID: userID, FromAccountID: a, ToAccountID: c, DetailLevel: store.DetailFull, CalendarKind: store.CalendarPrimary},
	}
	require.NoError(t, s.ReplacePolicyEdges(ctx, userID, policyID, edges))

	from, err := s.ListEdgesFrom(ctx, userID, a)
	require.NoError(t, err)
	assert.Len(t, from, 2)

	deleted, err := s.DeleteEdgesReferencing(ctx, userID, b)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	all, err := s.ListEdges(ctx, userID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, c, all[0].ToAccountID)
}

func TestSessionsNewestFirstWithStatusFilter(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	old := store.Session{ID: ident.NewSessionID(), UserID: userID, Status: store.SessionCommitted, CreatedAt: 100}
	fresh := store.Session{ID: ident.NewSessionID(), UserID: userID, Status: store.SessionOpen, CreatedAt: 200}
	require.NoError(t, s.PutSession(ctx, old))
	require.NoError(t, s.PutSession(ctx, fresh))

	out, err := s.ListSessions(ctx, userID, store.SessionQuery{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, fresh.ID, out[0].ID)

	out, err = s.ListSessions(ctx, userID, store.SessionQuery{Status: store.SessionCommitted})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, old.ID, out[0].ID)

	out, err = s.ListSessions(ctx, userID, store.SessionQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestCandidatesOrderedByScore(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	sessionID := ident.NewSessionID()
	require.NoError(t, s.PutCandidates(ctx, []store.Candidate{
		{ID: ident.NewCandidateID(), SessionID: sessionID, UserID: userID, Start: 2000, Score: 40},
		{ID: ident.NewCandidateID(), SessionID: sessionID, UserID: userID, Start: 1000, Score: 70},
		{ID: ident.NewCandidateID(), SessionID: sessionID, UserID: userID, Start: 1000, Score: 40},
	}))

	out, err := s.ListCandidates(ctx, userID, sessionID)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 70, out[0].Score)
	assert.Equal(t, int64(1000), out[1].Start) // ties break on start
	assert.Equal(t, int64(2000), out[2].Start)
}

func TestExpiredHoldsScan(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	sessionID := ident.NewSessionID()
	require.NoError(t, s.PutHold(ctx, store.Hold{ID: ident.NewHoldID(), SessionID: sessionID, UserID: userID, Status: store.HoldHeld, ExpiresAt: 100}))
	require.NoError(t, s.PutHold(ctx, store.Hold{ID: ident.NewHoldID(), SessionID: sessionID, UserID: userID, Status: store.HoldHeld, ExpiresAt: 900}))
	require.NoError(t, s.PutHold(ctx, store.Hold{ID: ident.NewHoldID(), SessionID: sessionID, UserID: userID, Status: store.HoldReleased, ExpiresAt: 50}))

	due, err := s.ListExpiredHolds(ctx, 500)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, int64(100), due[0].ExpiresAt)

	all, err := s.ListHoldsBySession(ctx, userID, sessionID)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestConstraintAndVipDeletesAreScoped(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID, other := ident.NewUserID(), ident.NewUserID()
	constraintID := ident.NewConstraintID()
	vipID := ident.NewVipID()
	require.NoError(t, s.PutConstraint(ctx, store.Constraint{ID: constraintID, UserID: userID, Kind: "working_hours", CreatedAt: 1}))
	require.NoError(t, s.PutVip(ctx, store.VipPolicy{ID: vipID, UserID: userID, ParticipantHash: "hash-ceo", PriorityWeight: 2}))

	assert.ErrorIs(t, s.DeleteConstraint(ctx, other, constraintID), store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteVip(ctx, other, vipID), store.ErrNotFound)

	require.NoError(t, s.DeleteConstraint(ctx, userID, constraintID))
	require.NoError(t, s.DeleteVip(ctx, userID, vipID))

	constraints, err := s.ListConstraints(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, constraints)
	vips, err := s.ListVips(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, vips)
}

func TestHistoryAggregationFollowsRequestedHashes(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	sessionID := ident.NewSessionID()
	require.NoError(t, s.AppendHistory(ctx, []store.HistoryEntry{
		{SessionID: sessionID, UserID: userID, ParticipantHash: "hash-a", GotPreferred: true, ScheduledTS: 100},
		{SessionID: sessionID, UserID: userID, ParticipantHash: "hash-a", GotPreferred: false, ScheduledTS: 300},
		{SessionID: sessionID, UserID: userID, ParticipantHash: "hash-b", GotPreferred: false, ScheduledTS: 200},
	}))

	// hash-c has no history and is omitted; output follows request order.
	out, err := s.AggregateHistory(ctx, userID, []string{"hash-b", "hash-a", "hash-c"})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, store.HistoryAggregate{ParticipantHash: "hash-b", SessionsParticipated: 1, LastSessionTS: 200}, out[0])
	assert.Equal(t, store.HistoryAggregate{ParticipantHash: "hash-a", SessionsParticipated: 2, SessionsPreferred: 1, LastSessionTS: 300}, out[1])
}

func TestJournalPagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := New()
	userID := ident.NewUserID()
	eventID := ident.NewEventID()
	for i, ts := range []int64{100, 300, 200} {
		entry := store.JournalEntry{ID: ident.NewJournalID(), UserID: userID, TS: ts, Actor: "sync", ChangeType: "updated"}
		if i == 0 {
			entry.CanonicalEventID = eventID
		}
		require.NoError(t, s.AppendJournal(ctx, entry))
	}

	page1, cursor, err := s.ListJournal(ctx, userID, store.JournalQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, int64(300), page1[0].TS)
	assert.Equal(t, int64(200), page1[1].TS)
	require.NotEmpty(t, cursor)

	page2, cursor, err := s.ListJournal(ctx, userID, store.JournalQuery{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, int64(100), page2[0].TS)
	assert.Empty(t, cursor)

	scoped, _, err := s.ListJournal(ctx, userID, store.JournalQuery{CanonicalEventID: eventID})
	require.NoError(t, err)
	require.Len(t, scoped, 1)

	stats, err := s.JournalStats(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, store.JournalStats{Total: 3, LastTS: 300}, stats)
}
