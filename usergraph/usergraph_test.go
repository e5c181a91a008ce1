package usergraph

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/queue"
	"github.com/facetcal/facet/registry"
	regmem "github.com/facetcal/facet/registry/store/memory"
	"github.com/facetcal/facet/usergraph/store"
	"github.com/facetcal/facet/usergraph/store/memory"
)

// capture records published queue messages in place of a real stream.
type capture struct {
	mu   sync.Mutex
	msgs []queue.Message
}

func (c *capture) Publish(_ context.Context, msg queue.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *capture) all() []queue.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]queue.Message(nil), c.msgs...)
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type fixture struct {
	svc    *Service
	writes *capture
	store  store.Store
	user   ident.UserID
	acctA  ident.AccountID
	acctB  ident.AccountID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := registry.New(registry.Options{Store: regmem.New()})
	require.NoError(t, err)

	user := ident.NewUserID()
	acctA, acctB := ident.NewAccountID(), ident.NewAccountID()
	ctx := context.Background()
	require.NoError(t, reg.Register(ctx, registry.Account{ID: acctA, UserID: user, Provider: registry.ProviderGoogle, Email: "a@example.com"}))
	require.NoError(t, reg.Register(ctx, registry.Account{ID: acctB, UserID: user, Provider: registry.ProviderMicrosoft, Email: "b@example.com"}))

	writes := &capture{}
	st := memory.New()
	svc, err := New(Options{Store: st, Registry: reg, WriteQueue: writes})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, _, err = svc.EnsureDefaultPolicy(ctx, user, []ident.AccountID{acctA, acctB})
	require.NoError(t, err)
	writes.reset()

	return &fixture{svc: svc, writes: writes, store: st, user: user, acctA: acctA, acctB: acctB}
}

// monday9 is a Monday 09:00 UTC anchor for deterministic slot arithmetic.
var monday9 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC).UnixMilli()

func providerEvent(id, title string, start, end int64) providers.Delta {
	return providers.Delta{
		Type:          providers.DeltaCreated,
		OriginEventID: id,
		Event: &providers.Event{
			OriginEventID: id,
			Title:         title,
			Start:         start,
			End:           end,
			Status:        store.EventConfirmed,
			Transparency:  store.TransparencyOpaque,
		},
	}
}

func TestApplyProviderDeltaProjectsBusyMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "1:1 with Sam", monday9, monday9+3600_000),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.MirrorsEnqueued)
	assert.Empty(t, res.Errors)

	msgs := f.writes.all()
	require.Len(t, msgs, 1)
	up, ok := msgs[0].(queue.UpsertMirror)
	require.True(t, ok)
	assert.Equal(t, f.acctB, up.TargetAccountID)
	assert.Equal(t, OverlayPendingID, up.TargetCalendarID)
	assert.Equal(t, BusyTitle, up.ProjectedPayload.Title)
	assert.Empty(t, up.ProjectedPayload.Description)
	assert.Empty(t, up.ProjectedPayload.Attendees)
	assert.Equal(t, store.TransparencyOpaque, up.ProjectedPayload.Transparency)
	assert.NotEmpty(t, up.ProjectedPayload.Marker.CanonicalEventID)
	assert.Equal(t, f.acctA.String(), up.ProjectedPayload.Marker.OriginAccountID)
	assert.NotEmpty(t, up.IdempotencyKey)

	ev, found, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), ev.Version)
	assert.Equal(t, store.SourceProvider, ev.Source)

	m, err := f.svc.GetMirror(ctx, f.user, ev.ID, f.acctB)
	require.NoError(t, err)
	assert.Equal(t, store.MirrorPending, m.State)
	assert.NotEmpty(t, m.LastProjectedHash)
}

func TestFindCanonicalByOrigin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "Standup", monday9, monday9+1800_000),
	})
	require.NoError(t, err)

	ev, found, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Standup", ev.Title)
	assert.Equal(t, f.acctA, ev.OriginAccountID)

	// Unknown origin ids report absence rather than an error.
	ev, found, err = f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "never-seen")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Zero(t, ev)

	// Same event id under the wrong origin account is a miss, not a hit.
	_, found, err = f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctB, "g-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestApplyProviderDeltaUnchangedContentSkipsMirror(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	delta := providerEvent("g-1", "Standup", monday9, monday9+1800_000)

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{delta})
	require.NoError(t, err)
	f.writes.reset()

	delta.Type = providers.DeltaUpdated
	res, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{delta})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.MirrorsEnqueued, "identical projection must not re-enqueue")
	assert.Empty(t, f.writes.all())

	// The canonical version still advances on every observed change.
	ev, _, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.Version)
}

func TestApplyProviderDeltaDeleteTombstonesMirrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "Review", monday9, monday9+1800_000),
	})
	require.NoError(t, err)
	ev, _, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	f.writes.reset()

	res, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		{Type: providers.DeltaDeleted, OriginEventID: "g-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.MirrorsEnqueued)

	msgs := f.writes.all()
	require.Len(t, msgs, 1)
	del, ok := msgs[0].(queue.DeleteMirror)
	require.True(t, ok)
	assert.Equal(t, ev.ID, del.CanonicalEventID)
	assert.Equal(t, f.acctB, del.TargetAccountID)

	got, err := f.svc.GetCanonicalEvent(ctx, f.user, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EventCancelled, got.Event.Status)
}

func TestApplyProviderDeltaCollectsItemErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		{Type: providers.DeltaCreated, OriginEventID: "bad-1"}, // no body
		providerEvent("good-1", "OK", monday9, monday9+1800_000),
		{Type: providers.DeltaCreated, OriginEventID: "bad-2", Event: &providers.Event{
			OriginEventID: "bad-2", Start: monday9, End: monday9 - 1,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Len(t, res.Errors, 2)
}

func TestSetPolicyEdgesRemovalEnqueuesDeletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "Planning", monday9, monday9+1800_000),
	})
	require.NoError(t, err)
	f.writes.reset()

	policies, err := f.svc.Policies(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, policies, 1)

	// Drop the a→b edge, keep b→a.
	change, err := f.svc.SetPolicyEdges(ctx, f.user, policies[0].ID, []store.PolicyEdge{
		{FromAccountID: f.acctB, ToAccountID: f.acctA, DetailLevel: store.DetailBusy, CalendarKind: store.CalendarBusyOverlay},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, change.DeletesEnqueued)
	assert.Zero(t, change.UpsertsEnqueued)

	msgs := f.writes.all()
	require.Len(t, msgs, 1)
	_, ok := msgs[0].(queue.DeleteMirror)
	assert.True(t, ok)
}

func TestSetPolicyEdgesRejectsSelfEdge(t *testing.T) {
	f := newFixture(t)
	policies, err := f.svc.Policies(context.Background(), f.user)
	require.NoError(t, err)

	_, err = f.svc.SetPolicyEdges(context.Background(), f.user, policies[0].ID, []store.PolicyEdge{
		{FromAccountID: f.acctA, ToAccountID: f.acctA, DetailLevel: store.DetailBusy, CalendarKind: store.CalendarBusyOverlay},
	})
	var verr *fault.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestCreateSessionAndCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Design sync",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 4*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA, f.acctB},
		ParticipantHashes:  []string{"p-alice", "p-bob"},
		CreateHolds:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, store.SessionCandidatesReady, res.Session.Status)
	require.NotEmpty(t, res.Candidates)
	require.Len(t, res.Holds, 2)
	for _, h := range res.Holds {
		assert.Equal(t, store.HoldHeld, h.Status)
	}
	// Candidates come back sorted by score.
	for i := 1; i < len(res.Candidates); i++ {
		assert.GreaterOrEqual(t, res.Candidates[i-1].Score, res.Candidates[i].Score)
	}
	f.writes.reset()

	commit, err := f.svc.CommitCandidate(ctx, f.user, res.Session.ID, res.Candidates[0].ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCommitted, commit.Session.Status)
	assert.Equal(t, res.Candidates[0].ID, commit.Session.CommittedCandidateID)
	assert.Equal(t, store.SourceSystem, commit.Event.Source)
	assert.Equal(t, store.EventConfirmed, commit.Event.Status)
	assert.Equal(t, res.Candidates[0].Start, commit.Event.Start)
	assert.Equal(t, 1, commit.MirrorsEnqueued, "committed event projects along the a→b edge")

	holds, err := f.svc.HoldsBySession(ctx, f.user, res.Session.ID)
	require.NoError(t, err)
	for _, h := range holds {
		assert.Equal(t, store.HoldReleased, h.Status)
	}

	aggs, err := f.svc.SchedulingHistory(ctx, f.user, []string{"p-alice", "p-bob"})
	require.NoError(t, err)
	require.Len(t, aggs, 2)
	byHash := map[string]store.HistoryAggregate{}
	for _, a := range aggs {
		byHash[a.ParticipantHash] = a
	}
	assert.Equal(t, 1, byHash["p-alice"].SessionsPreferred, "first participant is preferred")
	assert.Zero(t, byHash["p-bob"].SessionsPreferred)
}

func TestCommitCandidateConcurrentOnlyOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Race",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 2*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)

	const n = 4
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CommitCandidate(ctx, f.user, res.Session.ID, res.Candidates[0].ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	wins, losses := 0, 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		var terr *fault.TransitionError
		require.ErrorAs(t, err, &terr)
		losses++
	}
	assert.Equal(t, 1, wins, "exactly one commit succeeds")
	assert.Equal(t, n-1, losses)

	// Exactly one canonical event was created for the session.
	count := 0
	page, err := f.svc.ListCanonicalEvents(ctx, f.user, store.EventQuery{Limit: 100})
	require.NoError(t, err)
	for _, ev := range page.Events {
		if ev.Source == store.SourceSystem {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestCancelSessionReleasesHoldsAndRejectsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Cancel me",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 2*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA},
		CreateHolds:        true,
	})
	require.NoError(t, err)

	sess, err := f.svc.CancelSession(ctx, f.user, res.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionCancelled, sess.Status)

	holds, err := f.svc.HoldsBySession(ctx, f.user, res.Session.ID)
	require.NoError(t, err)
	for _, h := range holds {
		assert.Equal(t, store.HoldReleased, h.Status)
	}

	_, err = f.svc.CancelSession(ctx, f.user, res.Session.ID)
	var terr *fault.TransitionError
	require.ErrorAs(t, err, &terr)

	_, err = f.svc.CommitCandidate(ctx, f.user, res.Session.ID, res.Candidates[0].ID)
	require.ErrorAs(t, err, &terr)
}

func TestUpdateHoldStatusRejectsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Holds",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 2*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA},
		CreateHolds:        true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Holds)
	hold := res.Holds[0]

	got, err := f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, hold.ID, store.HoldExpired, "")
	require.NoError(t, err)
	assert.Equal(t, store.HoldExpired, got.Status)

	_, err = f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, hold.ID, store.HoldHeld, "")
	var terr *fault.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestUpdateHoldStatusRecordsProviderEventWhileHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Tentative",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 2*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA},
		CreateHolds:        true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.Holds)
	hold := res.Holds[0]
	f.writes.reset()

	// An empty status attaches the provider event without transitioning.
	got, err := f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, hold.ID, "", "tent-1")
	require.NoError(t, err)
	assert.Equal(t, store.HoldHeld, got.Status)
	assert.Equal(t, "tent-1", got.ProviderEventID)
	assert.Empty(t, f.writes.all())

	// Expiring the hold later cleans up the recorded tentative event.
	got, err = f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, hold.ID, store.HoldExpired, "")
	require.NoError(t, err)
	assert.Equal(t, store.HoldExpired, got.Status)

	msgs := f.writes.all()
	require.Len(t, msgs, 1)
	del, ok := msgs[0].(queue.DeleteMirror)
	require.True(t, ok)
	assert.Equal(t, hold.AccountID, del.TargetAccountID)
	assert.Equal(t, "tent-1", del.ProviderEventID)

	// Once terminal, record-only updates are rejected too.
	_, err = f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, hold.ID, "", "tent-2")
	var terr *fault.TransitionError
	require.ErrorAs(t, err, &terr)
}

func TestCommitReleasesHoldsAndCleansTentativeEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, f.user, SessionParams{
		Title:              "Quarterly review",
		DurationMinutes:    30,
		WindowStart:        monday9,
		WindowEnd:          monday9 + 4*3600_000,
		RequiredAccountIDs: []ident.AccountID{f.acctA, f.acctB},
		CreateHolds:        true,
	})
	require.NoError(t, err)
	require.Len(t, res.Holds, 2)
	for i, h := range res.Holds {
		_, err := f.svc.UpdateHoldStatus(ctx, f.user, res.Session.ID, h.ID, "", "tent-"+h.AccountID.String())
		require.NoError(t, err, "hold %d", i)
	}
	f.writes.reset()

	_, err = f.svc.CommitCandidate(ctx, f.user, res.Session.ID, res.Candidates[0].ID)
	require.NoError(t, err)

	holds, err := f.svc.HoldsBySession(ctx, f.user, res.Session.ID)
	require.NoError(t, err)
	require.Len(t, holds, 2)
	for _, h := range holds {
		assert.Equal(t, store.HoldReleased, h.Status)
	}

	// Each released hold's tentative event gets a delete; the committed event
	// itself projects as usual.
	deleted := map[string]bool{}
	for _, msg := range f.writes.all() {
		if del, ok := msg.(queue.DeleteMirror); ok {
			deleted[del.ProviderEventID] = true
		}
	}
	assert.True(t, deleted["tent-"+f.acctA.String()])
	assert.True(t, deleted["tent-"+f.acctB.String()])
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *fault.ValidationError

	cases := []SessionParams{
		{DurationMinutes: 30, WindowStart: monday9, WindowEnd: monday9 + 1, RequiredAccountIDs: []ident.AccountID{f.acctA}},
		{Title: "x", DurationMinutes: 5, WindowStart: monday9, WindowEnd: monday9 + 1, RequiredAccountIDs: []ident.AccountID{f.acctA}},
		{Title: "x", DurationMinutes: 481, WindowStart: monday9, WindowEnd: monday9 + 1, RequiredAccountIDs: []ident.AccountID{f.acctA}},
		{Title: "x", DurationMinutes: 30, WindowStart: monday9, WindowEnd: monday9, RequiredAccountIDs: []ident.AccountID{f.acctA}},
		{Title: "x", DurationMinutes: 30, WindowStart: monday9, WindowEnd: monday9 + 1},
	}
	for _, params := range cases {
		_, err := f.svc.CreateSession(ctx, f.user, params)
		require.ErrorAs(t, err, &verr)
	}
}

func TestComputeAvailabilityMergesOverlapAndAdjacency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	hour := int64(3600_000)

	// [9,10) and [10,11) are adjacent; [10:30,11:30) overlaps; one transparent
	// and one cancelled event must not count.
	deltas := []providers.Delta{
		providerEvent("e-1", "A", monday9, monday9+hour),
		providerEvent("e-2", "B", monday9+hour, monday9+2*hour),
		providerEvent("e-3", "C", monday9+hour+1800_000, monday9+2*hour+1800_000),
		providerEvent("e-4", "free", monday9+3*hour, monday9+4*hour),
		providerEvent("e-5", "gone", monday9+5*hour, monday9+6*hour),
	}
	deltas[3].Event.Transparency = store.TransparencyTransparent
	deltas[4].Event.Status = store.EventCancelled
	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, deltas)
	require.NoError(t, err)

	windowEnd := monday9 + 8*hour
	avail, err := f.svc.ComputeAvailability(ctx, f.user, monday9, windowEnd, nil)
	require.NoError(t, err)

	require.Len(t, avail.Busy, 1)
	assert.Equal(t, Interval{Start: monday9, End: monday9 + 2*hour + 1800_000}, avail.Busy[0])
	require.Len(t, avail.Free, 1)
	assert.Equal(t, Interval{Start: monday9 + 2*hour + 1800_000, End: windowEnd}, avail.Free[0])

	// Busy and free tile the window exactly.
	var covered int64
	for _, iv := range avail.Busy {
		covered += iv.End - iv.Start
	}
	for _, iv := range avail.Free {
		covered += iv.End - iv.Start
	}
	assert.Equal(t, windowEnd-monday9, covered)
}

func TestAddConstraintValidatesConfig(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *fault.ValidationError

	_, err := f.svc.AddConstraint(ctx, f.user, "working_hours", json.RawMessage(`{"days":[8],"start_time":"09:00","end_time":"17:00","timezone":"UTC"}`), 0, 0)
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.AddConstraint(ctx, f.user, "buffer", json.RawMessage(`{"type":"sideways","minutes":15}`), 0, 0)
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.AddConstraint(ctx, f.user, "nonsense", json.RawMessage(`{}`), 0, 0)
	require.ErrorAs(t, err, &verr)

	c, err := f.svc.AddConstraint(ctx, f.user, "working_hours", json.RawMessage(`{"days":[1,2,3,4,5],"start_time":"09:00","end_time":"17:00","timezone":"America/New_York"}`), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "working_hours", c.Kind)

	trip, err := f.svc.AddConstraint(ctx, f.user, "trip", json.RawMessage(`{"name":"Tokyo"}`), monday9, monday9+86400_000)
	require.NoError(t, err)

	active, err := f.svc.ListConstraints(ctx, f.user, monday9+3600_000)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	after, err := f.svc.ListConstraints(ctx, f.user, monday9+2*86400_000)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.NotEqual(t, trip.ID, after[0].ID)
}

func TestVipPolicyValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	var verr *fault.ValidationError

	_, err := f.svc.CreateVipPolicy(ctx, f.user, VipParams{ParticipantHash: "p-ceo", PriorityWeight: 0.5})
	require.ErrorAs(t, err, &verr)

	_, err = f.svc.CreateVipPolicy(ctx, f.user, VipParams{PriorityWeight: 2})
	require.ErrorAs(t, err, &verr)

	v, err := f.svc.CreateVipPolicy(ctx, f.user, VipParams{
		ParticipantHash: "p-ceo",
		DisplayName:     "The CEO",
		PriorityWeight:  2,
		AllowAfterHours: true,
	})
	require.NoError(t, err)

	vips, err := f.svc.ListVipPolicies(ctx, f.user)
	require.NoError(t, err)
	require.Len(t, vips, 1)
	assert.Contains(t, vips[0].ConditionsJSON, "allow_after_hours")

	require.NoError(t, f.svc.DeleteVipPolicy(ctx, f.user, v.ID))
	err = f.svc.DeleteVipPolicy(ctx, f.user, v.ID)
	require.ErrorIs(t, err, fault.ErrNotFound)
}

func TestUnlinkAccountCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "One", monday9, monday9+1800_000),
		providerEvent("g-2", "Two", monday9+3600_000, monday9+5400_000),
	})
	require.NoError(t, err)
	// Mirror into A from B's side as well.
	_, err = f.svc.ApplyProviderDelta(ctx, f.user, f.acctB, []providers.Delta{
		providerEvent("m-1", "Three", monday9+7200_000, monday9+9000_000),
	})
	require.NoError(t, err)

	res, err := f.svc.UnlinkAccount(ctx, f.user, f.acctA)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EventsDeleted)
	assert.Equal(t, 1, res.MirrorsDeleted, "the b→a mirror targeted the unlinked account")
	assert.Equal(t, 2, res.EdgesRemoved)

	page, err := f.svc.ListCanonicalEvents(ctx, f.user, store.EventQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, f.acctB, page.Events[0].OriginAccountID)
}

func TestGetSyncHealthCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "Health", monday9, monday9+1800_000),
	})
	require.NoError(t, err)

	health, err := f.svc.GetSyncHealth(ctx, f.user)
	require.NoError(t, err)
	assert.Equal(t, 1, health.TotalEvents)
	assert.Equal(t, 1, health.TotalMirrors)
	assert.Equal(t, 1, health.PendingMirrors)
	assert.Zero(t, health.ErrorMirrors)
	assert.Equal(t, 1, health.TotalJournalEntries)
	assert.NotZero(t, health.LastJournalTS)

	ev, _, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateMirrorState(ctx, f.user, ev.ID, f.acctB, MirrorStateUpdate{
		State: store.MirrorError, ErrorMessage: "provider returned status 400",
	}))

	health, err = f.svc.GetSyncHealth(ctx, f.user)
	require.NoError(t, err)
	assert.Zero(t, health.PendingMirrors)
	assert.Equal(t, 1, health.ErrorMirrors)
}

func TestRecomputeProjectionsIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
		providerEvent("g-1", "Stable", monday9, monday9+1800_000),
	})
	require.NoError(t, err)
	f.writes.reset()

	n, err := f.svc.RecomputeProjections(ctx, f.user, "")
	require.NoError(t, err)
	assert.Zero(t, n, "unchanged hashes enqueue nothing")

	// Drift: wipe the recorded hash and recompute.
	ev, _, err := f.svc.FindCanonicalByOrigin(ctx, f.user, f.acctA, "g-1")
	require.NoError(t, err)
	require.NoError(t, f.svc.UpdateMirrorState(ctx, f.user, ev.ID, f.acctB, MirrorStateUpdate{State: store.MirrorActive}))
	m, err := f.svc.GetMirror(ctx, f.user, ev.ID, f.acctB)
	require.NoError(t, err)
	m.LastProjectedHash = "drifted"
	require.NoError(t, f.store.PutMirror(ctx, m))

	n, err = f.svc.RecomputeProjections(ctx, f.user, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestJournalQueryPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.svc.ApplyProviderDelta(ctx, f.user, f.acctA, []providers.Delta{
			providerEvent("g-1", "Edit", monday9, monday9+int64(i+1)*1800_000),
		})
		require.NoError(t, err)
	}

	var all []store.JournalEntry
	cursor := ""
	for {
		page, err := f.svc.QueryJournal(ctx, f.user, store.JournalQuery{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		all = append(all, page.Entries...)
		if page.Cursor == "" {
			break
		}
		cursor = page.Cursor
	}
	assert.Len(t, all, 5)
}
