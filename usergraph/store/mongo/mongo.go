// Package mongo provides a MongoDB implementation of the user graph store.
//
// This implementation persists the user graph for durability across restarts,
// suitable for production deployments. One database serves every user;
// per-user scoping is enforced by the user_id field carried on every document
// and the indexes declared at construction.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/usergraph/store"
)

// Collection names.
const (
	collEvents      = "canonical_events"
	collMirrors     = "event_mirrors"
	collPolicies    = "policies"
	collEdges       = "policy_edges"
	collSessions    = "scheduling_sessions"
	collCandidates  = "session_candidates"
	collHolds       = "session_holds"
	collConstraints = "constraints"
	collVips        = "vip_policies"
	collHistory     = "scheduling_history"
	collJournal     = "event_journal"
)

const (
	defaultDatabase  = "facet"
	defaultOpTimeout = 5 * time.Second
	clientName       = "usergraph-mongo"
)

type (
	// Options configures the Mongo user graph store.
	Options struct {
		// Client is the Mongo client. Required.
		Client *mongodriver.Client
		// Database holds every collection. Defaults to "facet".
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a MongoDB implementation of the store.Store interface.
	Store struct {
		mongo   *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns a Store backed by MongoDB. It ensures the indexes the query
// paths depend on; index creation is idempotent so restarts are safe.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	database := opts.Database
	if database == "" {
		database = defaultDatabase
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		db:      opts.Client.Database(database),
		timeout: timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return clientName }

// Ping verifies connectivity for the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Close is a no-op: the caller owns the Mongo client lifecycle.
func (s *Store) Close(context.Context) error { return nil }

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	type spec struct {
		coll    string
		keys    bson.D
		opts    *options.IndexOptions
	}
	unique := func() *options.IndexOptions { return options.Index().SetUnique(true) }
	specs := []spec{
		{collEvents, bson.D{{Key: "canonical_event_id", Value: 1}}, unique()},
		// Partial unique on provider identity: system-sourced events carry no
		// origin_event_id uniqueness obligation.
		{collEvents, bson.D{{Key: "user_id", Value: 1}, {Key: "origin_account_id", Value: 1}, {Key: "origin_event_id", Value: 1}},
			unique().SetPartialFilterExpression(bson.M{"source": store.SourceProvider})},
		{collEvents, bson.D{{Key: "user_id", Value: 1}, {Key: "start", Value: 1}, {Key: "canonical_event_id", Value: 1}}, nil},
		{collMirrors, bson.D{{Key: "user_id", Value: 1}, {Key: "canonical_event_id", Value: 1}, {Key: "target_account_id", Value: 1}}, unique()},
		{collMirrors, bson.D{{Key: "user_id", Value: 1}, {Key: "target_account_id", Value: 1}, {Key: "state", Value: 1}}, nil},
		{collPolicies, bson.D{{Key: "policy_id", Value: 1}}, unique()},
		{collEdges, bson.D{{Key: "user_id", Value: 1}, {Key: "from_account_id", Value: 1}}, nil},
		{collSessions, bson.D{{Key: "session_id", Value: 1}}, unique()},
		{collSessions, bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}, nil},
		{collCandidates, bson.D{{Key: "candidate_id", Value: 1}}, unique()},
		{collCandidates, bson.D{{Key: "user_id", Value: 1}, {Key: "session_id", Value: 1}}, nil},
		{collHolds, bson.D{{Key: "hold_id", Value: 1}}, unique()},
		{collHolds, bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}, nil},
		{collConstraints, bson.D{{Key: "constraint_id", Value: 1}}, unique()},
		{collVips, bson.D{{Key: "vip_id", Value: 1}}, unique()},
		{collHistory, bson.D{{Key: "user_id", Value: 1}, {Key: "participant_hash", Value: 1}}, nil},
		{collJournal, bson.D{{Key: "user_id", Value: 1}, {Key: "ts", Value: -1}}, nil},
		{collJournal, bson.D{{Key: "user_id", Value: 1}, {Key: "canonical_event_id", Value: 1}, {Key: "ts", Value: -1}}, nil},
	}
	for _, sp := range specs {
		model := mongodriver.IndexModel{Keys: sp.keys}
		if sp.opts != nil {
			model.Options = sp.opts
		}
		if _, err := s.db.Collection(sp.coll).Indexes().CreateOne(ctx, model); err != nil {
			return fmt.Errorf("index on %s: %w", sp.coll, err)
		}
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// PutEvent stores or replaces a canonical event.
func (s *Store) PutEvent(ctx context.Context, ev store.CanonicalEvent) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"canonical_event_id": ev.ID}
	_, err := s.db.Collection(collEvents).ReplaceOne(ctx, filter, ev, options.Replace().SetUpsert(true))
	return err
}

// GetEvent retrieves a canonical event by id.
func (s *Store) GetEvent(ctx context.Context, userID ident.UserID, id ident.EventID) (store.CanonicalEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var ev store.CanonicalEvent
	err := s.db.Collection(collEvents).FindOne(ctx, bson.M{"user_id": userID, "canonical_event_id": id}).Decode(&ev)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.CanonicalEvent{}, store.ErrNotFound
	}
	return ev, err
}

// FindEventByOrigin resolves a canonical event by its provider identity.
func (s *Store) FindEventByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID, originEventID string) (store.CanonicalEvent, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "origin_account_id": origin, "origin_event_id": originEventID}
	var ev store.CanonicalEvent
	err := s.db.Collection(collEvents).FindOne(ctx, filter).Decode(&ev)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.CanonicalEvent{}, store.ErrNotFound
	}
	return ev, err
}

// ListEvents returns one page of events ordered by start ascending with the
// event id as tie-break.
func (s *Store) ListEvents(ctx context.Context, userID ident.UserID, q store.EventQuery) ([]store.CanonicalEvent, string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID}
	if q.OriginAccountID != "" {
		filter["origin_account_id"] = q.OriginAccountID
	}
	if q.TimeMin != 0 {
		filter["end"] = bson.M{"$gte": q.TimeMin}
	}
	if q.TimeMax != 0 {
		filter["start"] = bson.M{"$lte": q.TimeMax}
	}
	if q.Cursor != "" {
		// Resume after the cursor event by (start, id) keyset.
		var after store.CanonicalEvent
		err := s.db.Collection(collEvents).FindOne(ctx, bson.M{"canonical_event_id": q.Cursor}).Decode(&after)
		if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, "", err
		}
		if err == nil {
			filter["$or"] = bson.A{
				bson.M{"start": bson.M{"$gt": after.Start}},
				bson.M{"start": after.Start, "canonical_event_id": bson.M{"$gt": after.ID}},
			}
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "start", Value: 1}, {Key: "canonical_event_id", Value: 1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit) + 1)
	}
	cursor, err := s.db.Collection(collEvents).Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	var events []store.CanonicalEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, "", err
	}
	if q.Limit > 0 && len(events) > q.Limit {
		events = events[:q.Limit]
		return events, string(events[len(events)-1].ID), nil
	}
	return events, "", nil
}

// DeleteEventsByOrigin removes every canonical event originating in the account.
func (s *Store) DeleteEventsByOrigin(ctx context.Context, userID ident.UserID, origin ident.AccountID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collEvents).DeleteMany(ctx, bson.M{"user_id": userID, "origin_account_id": origin})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// CountEvents returns the number of canonical events for the user.
func (s *Store) CountEvents(ctx context.Context, userID ident.UserID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	n, err := s.db.Collection(collEvents).CountDocuments(ctx, bson.M{"user_id": userID})
	return int(n), err
}

// PutMirror stores or replaces a mirror row.
func (s *Store) PutMirror(ctx context.Context, m store.Mirror) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": m.UserID, "canonical_event_id": m.CanonicalEventID, "target_account_id": m.TargetAccountID}
	_, err := s.db.Collection(collMirrors).ReplaceOne(ctx, filter, m, options.Replace().SetUpsert(true))
	return err
}

// GetMirror retrieves one mirror row.
func (s *Store) GetMirror(ctx context.Context, userID ident.UserID, eventID ident.EventID, target ident.AccountID) (store.Mirror, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "canonical_event_id": eventID, "target_account_id": target}
	var m store.Mirror
	err := s.db.Collection(collMirrors).FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Mirror{}, store.ErrNotFound
	}
	return m, err
}

// ListMirrorsByEvent returns every mirror of one canonical event.
func (s *Store) ListMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) ([]store.Mirror, error) {
	return s.listMirrors(ctx, bson.M{"user_id": userID, "canonical_event_id": eventID})
}

// ListMirrorsByTarget returns mirrors targeting the account, optionally
// filtered by state.
func (s *Store) ListMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID, state string) ([]store.Mirror, error) {
	filter := bson.M{"user_id": userID, "target_account_id": target}
	if state != "" {
		filter["state"] = state
	}
	return s.listMirrors(ctx, filter)
}

func (s *Store) listMirrors(ctx context.Context, filter bson.M) ([]store.Mirror, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "canonical_event_id", Value: 1}, {Key: "target_account_id", Value: 1}})
	cursor, err := s.db.Collection(collMirrors).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var mirrors []store.Mirror
	return mirrors, cursor.All(ctx, &mirrors)
}

// DeleteMirrorsByTarget removes every mirror targeting the account.
func (s *Store) DeleteMirrorsByTarget(ctx context.Context, userID ident.UserID, target ident.AccountID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collMirrors).DeleteMany(ctx, bson.M{"user_id": userID, "target_account_id": target})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// DeleteMirrorsByEvent removes every mirror of one canonical event.
func (s *Store) DeleteMirrorsByEvent(ctx context.Context, userID ident.UserID, eventID ident.EventID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collMirrors).DeleteMany(ctx, bson.M{"user_id": userID, "canonical_event_id": eventID})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// CountMirrors summarises mirror states for the user.
func (s *Store) CountMirrors(ctx context.Context, userID ident.UserID) (store.MirrorCounts, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	coll := s.db.Collection(collMirrors)
	var counts store.MirrorCounts
	total, err := coll.CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return counts, err
	}
	pending, err := coll.CountDocuments(ctx, bson.M{"user_id": userID, "state": store.MirrorPending})
	if err != nil {
		return counts, err
	}
	errored, err := coll.CountDocuments(ctx, bson.M{"user_id": userID, "state": store.MirrorError})
	if err != nil {
		return counts, err
	}
	counts.Total, counts.Pending, counts.Error = int(total), int(pending), int(errored)
	return counts, nil
}

// PutPolicy stores or replaces a policy.
func (s *Store) PutPolicy(ctx context.Context, p store.Policy) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collPolicies).ReplaceOne(ctx, bson.M{"policy_id": p.ID}, p, options.Replace().SetUpsert(true))
	return err
}

// ListPolicies returns the user's policies ordered by creation.
func (s *Store) ListPolicies(ctx context.Context, userID ident.UserID) ([]store.Policy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.db.Collection(collPolicies).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	var policies []store.Policy
	return policies, cursor.All(ctx, &policies)
}

// ReplacePolicyEdges swaps the edge set of one policy. Writes within one
// policy are serialised by the user graph actor, so delete-then-insert is
// not racy despite spanning two operations.
func (s *Store) ReplacePolicyEdges(ctx context.Context, userID ident.UserID, policyID ident.PolicyID, edges []store.PolicyEdge) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	count, err := s.db.Collection(collPolicies).CountDocuments(ctx, bson.M{"user_id": userID, "policy_id": policyID})
	if err != nil {
		return err
	}
	if count == 0 {
		return store.ErrNotFound
	}
	if _, err := s.db.Collection(collEdges).DeleteMany(ctx, bson.M{"user_id": userID, "policy_id": policyID}); err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}
	docs := make([]any, len(edges))
	for i, e := range edges {
		docs[i] = e
	}
	_, err = s.db.Collection(collEdges).InsertMany(ctx, docs)
	return err
}

// ListEdgesFrom returns edges projecting from the account.
func (s *Store) ListEdgesFrom(ctx context.Context, userID ident.UserID, from ident.AccountID) ([]store.PolicyEdge, error) {
	return s.listEdges(ctx, bson.M{"user_id": userID, "from_account_id": from})
}

// ListEdges returns every edge of the user's policies.
func (s *Store) ListEdges(ctx context.Context, userID ident.UserID) ([]store.PolicyEdge, error) {
	return s.listEdges(ctx, bson.M{"user_id": userID})
}

func (s *Store) listEdges(ctx context.Context, filter bson.M) ([]store.PolicyEdge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "from_account_id", Value: 1}, {Key: "to_account_id", Value: 1}})
	cursor, err := s.db.Collection(collEdges).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var edges []store.PolicyEdge
	return edges, cursor.All(ctx, &edges)
}

// DeleteEdgesReferencing removes every edge touching the account.
func (s *Store) DeleteEdgesReferencing(ctx context.Context, userID ident.UserID, account ident.AccountID) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"user_id": userID,
		"$or":     bson.A{bson.M{"from_account_id": account}, bson.M{"to_account_id": account}},
	}
	res, err := s.db.Collection(collEdges).DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

// PutSession stores or replaces a session.
func (s *Store) PutSession(ctx context.Context, sess store.Session) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collSessions).ReplaceOne(ctx, bson.M{"session_id": sess.ID}, sess, options.Replace().SetUpsert(true))
	return err
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, userID ident.UserID, id ident.SessionID) (store.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var sess store.Session
	err := s.db.Collection(collSessions).FindOne(ctx, bson.M{"user_id": userID, "session_id": id}).Decode(&sess)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return store.Session{}, store.ErrNotFound
	}
	return sess, err
}

// ListSessions returns the user's sessions, newest first.
func (s *Store) ListSessions(ctx context.Context, userID ident.UserID, q store.SessionQuery) ([]store.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.db.Collection(collSessions).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var sessions []store.Session
	return sessions, cursor.All(ctx, &sessions)
}

// PutCandidates stores a batch of candidates.
func (s *Store) PutCandidates(ctx context.Context, candidates []store.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(candidates))
	for i, c := range candidates {
		docs[i] = c
	}
	_, err := s.db.Collection(collCandidates).InsertMany(ctx, docs)
	return err
}

// ListCandidates returns a session's candidates ordered by score descending.
func (s *Store) ListCandidates(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]store.Candidate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "score", Value: -1}, {Key: "start", Value: 1}})
	cursor, err := s.db.Collection(collCandidates).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var candidates []store.Candidate
	return candidates, cursor.All(ctx, &candidates)
}

// PutHold stores or replaces a hold.
func (s *Store) PutHold(ctx context.Context, h store.Hold) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collHolds).ReplaceOne(ctx, bson.M{"hold_id": h.ID}, h, options.Replace().SetUpsert(true))
	return err
}

// ListHoldsBySession returns a session's holds.
func (s *Store) ListHoldsBySession(ctx context.Context, userID ident.UserID, sessionID ident.SessionID) ([]store.Hold, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID, "session_id": sessionID}
	opts := options.Find().SetSort(bson.D{{Key: "hold_id", Value: 1}})
	cursor, err := s.db.Collection(collHolds).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var holds []store.Hold
	return holds, cursor.All(ctx, &holds)
}

// ListExpiredHolds returns held rows whose expiry is at or before ts.
func (s *Store) ListExpiredHolds(ctx context.Context, ts int64) ([]store.Hold, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": store.HoldHeld, "expires_at": bson.M{"$lte": ts}}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	cursor, err := s.db.Collection(collHolds).Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var holds []store.Hold
	return holds, cursor.All(ctx, &holds)
}

// PutConstraint stores or replaces a constraint.
func (s *Store) PutConstraint(ctx context.Context, c store.Constraint) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collConstraints).ReplaceOne(ctx, bson.M{"constraint_id": c.ID}, c, options.Replace().SetUpsert(true))
	return err
}

// ListConstraints returns the user's constraints ordered by creation.
func (s *Store) ListConstraints(ctx context.Context, userID ident.UserID) ([]store.Constraint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.db.Collection(collConstraints).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	var constraints []store.Constraint
	return constraints, cursor.All(ctx, &constraints)
}

// DeleteConstraint removes one constraint.
func (s *Store) DeleteConstraint(ctx context.Context, userID ident.UserID, id ident.ConstraintID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collConstraints).DeleteOne(ctx, bson.M{"user_id": userID, "constraint_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PutVip stores or replaces a VIP policy.
func (s *Store) PutVip(ctx context.Context, v store.VipPolicy) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collVips).ReplaceOne(ctx, bson.M{"vip_id": v.ID}, v, options.Replace().SetUpsert(true))
	return err
}

// ListVips returns the user's VIP policies.
func (s *Store) ListVips(ctx context.Context, userID ident.UserID) ([]store.VipPolicy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "vip_id", Value: 1}})
	cursor, err := s.db.Collection(collVips).Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, err
	}
	var vips []store.VipPolicy
	return vips, cursor.All(ctx, &vips)
}

// DeleteVip removes one VIP policy.
func (s *Store) DeleteVip(ctx context.Context, userID ident.UserID, id ident.VipID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.db.Collection(collVips).DeleteOne(ctx, bson.M{"user_id": userID, "vip_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendHistory appends scheduling-history rows.
func (s *Store) AppendHistory(ctx context.Context, entries []store.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs := make([]any, len(entries))
	for i, e := range entries {
		docs[i] = e
	}
	_, err := s.db.Collection(collHistory).InsertMany(ctx, docs)
	return err
}

// AggregateHistory derives the fairness view for the given participants.
func (s *Store) AggregateHistory(ctx context.Context, userID ident.UserID, hashes []string) ([]store.HistoryAggregate, error) {
	if len(hashes) == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	pipeline := mongodriver.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "participant_hash": bson.M{"$in": hashes}}}},
		{{Key: "$group", Value: bson.M{
			"_id":                   "$participant_hash",
			"sessions_participated": bson.M{"$sum": 1},
			"sessions_preferred":    bson.M{"$sum": bson.M{"$cond": bson.A{"$got_preferred", 1, 0}}},
			"last_session_ts":       bson.M{"$max": "$scheduled_ts"},
		}}},
		{{Key: "$project", Value: bson.M{
			"participant_hash":      "$_id",
			"sessions_participated": 1,
			"sessions_preferred":    1,
			"last_session_ts":       1,
		}}},
	}
	cursor, err := s.db.Collection(collHistory).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var aggs []store.HistoryAggregate
	if err := cursor.All(ctx, &aggs); err != nil {
		return nil, err
	}
	// Preserve the caller's hash ordering.
	byHash := make(map[string]store.HistoryAggregate, len(aggs))
	for _, a := range aggs {
		byHash[a.ParticipantHash] = a
	}
	out := make([]store.HistoryAggregate, 0, len(aggs))
	for _, h := range hashes {
		if a, ok := byHash[h]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// AppendJournal appends one journal entry.
func (s *Store) AppendJournal(ctx context.Context, e store.JournalEntry) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.db.Collection(collJournal).InsertOne(ctx, e)
	return err
}

// ListJournal returns one page of journal entries, newest first.
func (s *Store) ListJournal(ctx context.Context, userID ident.UserID, q store.JournalQuery) ([]store.JournalEntry, string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"user_id": userID}
	if q.CanonicalEventID != "" {
		filter["canonical_event_id"] = q.CanonicalEventID
	}
	if q.Cursor != "" {
		var after store.JournalEntry
		err := s.db.Collection(collJournal).FindOne(ctx, bson.M{"journal_id": q.Cursor}).Decode(&after)
		if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, "", err
		}
		if err == nil {
			filter["$or"] = bson.A{
				bson.M{"ts": bson.M{"$lt": after.TS}},
				bson.M{"ts": after.TS, "journal_id": bson.M{"$lt": after.ID}},
			}
		}
	}
	opts := options.Find().SetSort(bson.D{{Key: "ts", Value: -1}, {Key: "journal_id", Value: -1}})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit) + 1)
	}
	cursor, err := s.db.Collection(collJournal).Find(ctx, filter, opts)
	if err != nil {
		return nil, "", err
	}
	var entries []store.JournalEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, "", err
	}
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
		return entries, string(entries[len(entries)-1].ID), nil
	}
	return entries, "", nil
}

// JournalStats summarises the user's journal.
func (s *Store) JournalStats(ctx context.Context, userID ident.UserID) (store.JournalStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var stats store.JournalStats
	total, err := s.db.Collection(collJournal).CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return stats, err
	}
	stats.Total = int(total)
	opts := options.FindOne().SetSort(bson.D{{Key: "ts", Value: -1}})
	var last store.JournalEntry
	err = s.db.Collection(collJournal).FindOne(ctx, bson.M{"user_id": userID}, opts).Decode(&last)
	if err != nil && !errors.Is(err, mongodriver.ErrNoDocuments) {
		return stats, err
	}
	stats.LastTS = last.TS
	return stats, nil
}
