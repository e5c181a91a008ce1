package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facetcal/facet/account/store"
	"github.com/facetcal/facet/ident"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestAuthRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := ident.NewAccountID()

	_, err := s.GetAuth(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)

	row := store.AuthRow{AccountID: id, Envelope: `{"v":1}`, KeyGeneration: 1, UpdatedAt: 100}
	require.NoError(t, s.PutAuth(ctx, row))

	got, err := s.GetAuth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	// Upsert replaces the envelope in place.
	row.Envelope, row.KeyGeneration, row.UpdatedAt = `{"v":2}`, 2, 200
	require.NoError(t, s.PutAuth(ctx, row))
	got, err = s.GetAuth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, row, got)

	require.NoError(t, s.DeleteAuth(ctx, id))
	require.NoError(t, s.DeleteAuth(ctx, id)) // idempotent
	_, err = s.GetAuth(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReopenKeepsDataAndSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "accounts.db")

	s, err := New(dsn)
	require.NoError(t, err)
	id := ident.NewAccountID()
	require.NoError(t, s.PutAuth(ctx, store.AuthRow{AccountID: id, Envelope: "env", KeyGeneration: 1}))
	require.NoError(t, s.Close())

	s, err = New(dsn)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetAuth(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "env", got.Envelope)
}

func TestSyncStateUpsert(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := ident.NewAccountID()

	_, err := s.GetSyncState(ctx, id, "primary")
	assert.ErrorIs(t, err, store.ErrNotFound)

	row := store.SyncState{AccountID: id, CalendarID: "primary", SyncToken: "cursor-1", LastSyncTS: 10}
	require.NoError(t, s.PutSyncState(ctx, row))
	row.SyncToken, row.FailureCount, row.LastError = "cursor-2", 3, "quota"
	require.NoError(t, s.PutSyncState(ctx, row))

	got, err := s.GetSyncState(ctx, id, "primary")
	require.NoError(t, err)
	assert.Equal(t, row, got)

	// Cursors are scoped per calendar.
	_, err = s.GetSyncState(ctx, id, "overlay")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestChannelsExpiryScan(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, b := ident.NewAccountID(), ident.NewAccountID()

	require.NoError(t, s.PutChannel(ctx, store.Channel{ChannelID: "ch-late", AccountID: a, CalendarID: "primary", ResourceID: "r1", ExpiresAt: 300}))
	require.NoError(t, s.PutChannel(ctx, store.Channel{ChannelID: "ch-early", AccountID: b, CalendarID: "primary", ResourceID: "r2", ExpiresAt: 100}))
	require.NoError(t, s.PutChannel(ctx, store.Channel{ChannelID: "ch-mid", AccountID: a, CalendarID: "primary", ResourceID: "r3", ExpiresAt: 200}))

	mine, err := s.ListChannels(ctx, a)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "ch-mid", mine[0].ChannelID)

	due, err := s.ListChannelsExpiringBefore(ctx, 200)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "ch-early", due[0].ChannelID)
	assert.Equal(t, "ch-mid", due[1].ChannelID)

	require.NoError(t, s.DeleteChannel(ctx, "ch-early"))
	_, err = s.GetChannel(ctx, "ch-early")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSubscriptionsExpiryScan(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := ident.NewAccountID()

	require.NoError(t, s.PutSubscription(ctx, store.Subscription{SubscriptionID: "sub-1", AccountID: id, CalendarID: "primary", ClientState: "cs", ExpiresAt: 100}))
	require.NoError(t, s.PutSubscription(ctx, store.Subscription{SubscriptionID: "sub-2", AccountID: id, CalendarID: "primary", ClientState: "cs", ExpiresAt: 500}))

	got, err := s.GetSubscription(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "cs", got.ClientState)

	due, err := s.ListSubscriptionsExpiringBefore(ctx, 200)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sub-1", due[0].SubscriptionID)

	all, err := s.ListSubscriptions(ctx, id)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteSubscription(ctx, "sub-1"))
	_, err = s.GetSubscription(ctx, "sub-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCalendarsUpsertKeepsCreationTime(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := ident.NewAccountID()

	require.NoError(t, s.PutCalendar(ctx, store.Calendar{AccountID: id, CalendarID: "primary", Kind: "primary", CreatedAt: 100}))
	require.NoError(t, s.PutCalendar(ctx, store.Calendar{AccountID: id, CalendarID: "primary", Kind: "primary", Name: "renamed", CreatedAt: 999}))

	cals, err := s.ListCalendars(ctx, id)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "renamed", cals[0].Name)
	assert.Equal(t, int64(100), cals[0].CreatedAt)

	require.NoError(t, s.DeleteCalendars(ctx, id))
	cals, err = s.ListCalendars(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, cals)
}

func TestMonitorMissingRowIsZero(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id := ident.NewAccountID()

	m, err := s.GetMonitor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.Monitor{AccountID: id}, m)

	m.FailureCount, m.LastFailureError = 2, "bad envelope"
	require.NoError(t, s.PutMonitor(ctx, m))
	got, err := s.GetMonitor(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "sqlite3")}, mock
}

func TestGetAuthWrapsQueryErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM account_auth").WillReturnError(errors.New("disk I/O error"))

	_, err := s.GetAuth(context.Background(), ident.NewAccountID())
	require.Error(t, err)
	assert.NotErrorIs(t, err, store.ErrNotFound)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPutSyncStateWrapsExecErrors(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO sync_state").WillReturnError(errors.New("database is locked"))

	err := s.PutSyncState(context.Background(), store.SyncState{AccountID: ident.NewAccountID(), CalendarID: "primary"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}
