// Package sqlite implements the account state store on an embedded SQLite
// database.
//
// One database file serves all accounts on the node. The schema is applied
// lazily on open and is idempotent so re-opening after a restart is safe.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/facetcal/facet/account/store"
	"github.com/facetcal/facet/ident"
)

// Store is a SQLite-backed account state store.
type Store struct {
	db *sqlx.DB
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS account_auth (
	account_id     TEXT PRIMARY KEY,
	envelope       TEXT NOT NULL,
	key_generation INTEGER NOT NULL DEFAULT 1,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
	account_id      TEXT NOT NULL,
	calendar_id     TEXT NOT NULL,
	sync_token      TEXT NOT NULL DEFAULT '',
	last_sync_ts    INTEGER NOT NULL DEFAULT 0,
	last_success_ts INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (account_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS watch_channels (
	channel_id  TEXT PRIMARY KEY,
	account_id  TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	resource_id TEXT NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_watch_channels_account ON watch_channels(account_id);
CREATE INDEX IF NOT EXISTS idx_watch_channels_expiry  ON watch_channels(expires_at);

CREATE TABLE IF NOT EXISTS ms_subscriptions (
	subscription_id TEXT PRIMARY KEY,
	account_id      TEXT NOT NULL,
	calendar_id     TEXT NOT NULL,
	client_state    TEXT NOT NULL,
	expires_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ms_subscriptions_account ON ms_subscriptions(account_id);
CREATE INDEX IF NOT EXISTS idx_ms_subscriptions_expiry  ON ms_subscriptions(expires_at);

CREATE TABLE IF NOT EXISTS calendars (
	account_id  TEXT NOT NULL,
	calendar_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (account_id, calendar_id)
);

CREATE TABLE IF NOT EXISTS encryption_monitor (
	account_id         TEXT PRIMARY KEY,
	failure_count      INTEGER NOT NULL DEFAULT 0,
	last_failure_ts    INTEGER NOT NULL DEFAULT 0,
	last_failure_error TEXT NOT NULL DEFAULT '',
	last_success_ts    INTEGER NOT NULL DEFAULT 0
);
`

// New opens (creating if needed) the account database at dsn and applies the
// schema. Use ":memory:" for an ephemeral store.
func New(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("dsn is required")
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open account db: %w", err)
	}
	// A single connection keeps :memory: databases coherent and sidesteps
	// SQLITE_BUSY under the write patterns of the per-account actors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply account schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) PutAuth(ctx context.Context, row store.AuthRow) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO account_auth (account_id, envelope, key_generation, updated_at)
		VALUES (:account_id, :envelope, :key_generation, :updated_at)
		ON CONFLICT(account_id) DO UPDATE SET
			envelope = excluded.envelope,
			key_generation = excluded.key_generation,
			updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("put auth %s: %w", row.AccountID, err)
	}
	return nil
}

func (s *Store) GetAuth(ctx context.Context, id ident.AccountID) (store.AuthRow, error) {
	var row store.AuthRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM account_auth WHERE account_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AuthRow{}, store.ErrNotFound
	}
	if err != nil {
		return store.AuthRow{}, fmt.Errorf("get auth %s: %w", id, err)
	}
	return row, nil
}

func (s *Store) DeleteAuth(ctx context.Context, id ident.AccountID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM account_auth WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete auth %s: %w", id, err)
	}
	return nil
}

func (s *Store) PutSyncState(ctx context.Context, row store.SyncState) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_state (account_id, calendar_id, sync_token, last_sync_ts, last_success_ts, failure_count, last_error)
		VALUES (:account_id, :calendar_id, :sync_token, :last_sync_ts, :last_success_ts, :failure_count, :last_error)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
			sync_token = excluded.sync_token,
			last_sync_ts = excluded.last_sync_ts,
			last_success_ts = excluded.last_success_ts,
			failure_count = excluded.failure_count,
			last_error = excluded.last_error`, row)
	if err != nil {
		return fmt.Errorf("put sync state %s/%s: %w", row.AccountID, row.CalendarID, err)
	}
	return nil
}

func (s *Store) GetSyncState(ctx context.Context, id ident.AccountID, calendarID string) (store.SyncState, error) {
	var row store.SyncState
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sync_state WHERE account_id = ? AND calendar_id = ?`, id, calendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.SyncState{}, store.ErrNotFound
	}
	if err != nil {
		return store.SyncState{}, fmt.Errorf("get sync state %s/%s: %w", id, calendarID, err)
	}
	return row, nil
}

func (s *Store) PutChannel(ctx context.Context, ch store.Channel) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO watch_channels (channel_id, account_id, calendar_id, resource_id, expires_at)
		VALUES (:channel_id, :account_id, :calendar_id, :resource_id, :expires_at)
		ON CONFLICT(channel_id) DO UPDATE SET
			resource_id = excluded.resource_id,
			expires_at = excluded.expires_at`, ch)
	if err != nil {
		return fmt.Errorf("put channel %s: %w", ch.ChannelID, err)
	}
	return nil
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (store.Channel, error) {
	var ch store.Channel
	err := s.db.GetContext(ctx, &ch, `SELECT * FROM watch_channels WHERE channel_id = ?`, channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Channel{}, store.ErrNotFound
	}
	if err != nil {
		return store.Channel{}, fmt.Errorf("get channel %s: %w", channelID, err)
	}
	return ch, nil
}

func (s *Store) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM watch_channels WHERE channel_id = ?`, channelID); err != nil {
		return fmt.Errorf("delete channel %s: %w", channelID, err)
	}
	return nil
}

func (s *Store) ListChannels(ctx context.Context, id ident.AccountID) ([]store.Channel, error) {
	var out []store.Channel
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM watch_channels WHERE account_id = ? ORDER BY expires_at`, id); err != nil {
		return nil, fmt.Errorf("list channels %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) ListChannelsExpiringBefore(ctx context.Context, ts int64) ([]store.Channel, error) {
	var out []store.Channel
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM watch_channels WHERE expires_at <= ? ORDER BY expires_at`, ts); err != nil {
		return nil, fmt.Errorf("list expiring channels: %w", err)
	}
	return out, nil
}

func (s *Store) PutSubscription(ctx context.Context, sub store.Subscription) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ms_subscriptions (subscription_id, account_id, calendar_id, client_state, expires_at)
		VALUES (:subscription_id, :account_id, :calendar_id, :client_state, :expires_at)
		ON CONFLICT(subscription_id) DO UPDATE SET
			client_state = excluded.client_state,
			expires_at = excluded.expires_at`, sub)
	if err != nil {
		return fmt.Errorf("put subscription %s: %w", sub.SubscriptionID, err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, subscriptionID string) (store.Subscription, error) {
	var sub store.Subscription
	err := s.db.GetContext(ctx, &sub, `SELECT * FROM ms_subscriptions WHERE subscription_id = ?`, subscriptionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subscription{}, store.ErrNotFound
	}
	if err != nil {
		return store.Subscription{}, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return sub, nil
}

func (s *Store) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ms_subscriptions WHERE subscription_id = ?`, subscriptionID); err != nil {
		return fmt.Errorf("delete subscription %s: %w", subscriptionID, err)
	}
	return nil
}

func (s *Store) ListSubscriptions(ctx context.Context, id ident.AccountID) ([]store.Subscription, error) {
	var out []store.Subscription
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM ms_subscriptions WHERE account_id = ? ORDER BY expires_at`, id); err != nil {
		return nil, fmt.Errorf("list subscriptions %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) ListSubscriptionsExpiringBefore(ctx context.Context, ts int64) ([]store.Subscription, error) {
	var out []store.Subscription
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM ms_subscriptions WHERE expires_at <= ? ORDER BY expires_at`, ts); err != nil {
		return nil, fmt.Errorf("list expiring subscriptions: %w", err)
	}
	return out, nil
}

func (s *Store) PutCalendar(ctx context.Context, cal store.Calendar) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO calendars (account_id, calendar_id, kind, name, created_at)
		VALUES (:account_id, :calendar_id, :kind, :name, :created_at)
		ON CONFLICT(account_id, calendar_id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name`, cal)
	if err != nil {
		return fmt.Errorf("put calendar %s/%s: %w", cal.AccountID, cal.CalendarID, err)
	}
	return nil
}

func (s *Store) ListCalendars(ctx context.Context, id ident.AccountID) ([]store.Calendar, error) {
	var out []store.Calendar
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM calendars WHERE account_id = ? ORDER BY created_at`, id); err != nil {
		return nil, fmt.Errorf("list calendars %s: %w", id, err)
	}
	return out, nil
}

func (s *Store) DeleteCalendars(ctx context.Context, id ident.AccountID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calendars WHERE account_id = ?`, id); err != nil {
		return fmt.Errorf("delete calendars %s: %w", id, err)
	}
	return nil
}

func (s *Store) GetMonitor(ctx context.Context, id ident.AccountID) (store.Monitor, error) {
	var m store.Monitor
	err := s.db.GetContext(ctx, &m, `SELECT * FROM encryption_monitor WHERE account_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Monitor{AccountID: id}, nil
	}
	if err != nil {
		return store.Monitor{}, fmt.Errorf("get monitor %s: %w", id, err)
	}
	return m, nil
}

func (s *Store) PutMonitor(ctx context.Context, m store.Monitor) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO encryption_monitor (account_id, failure_count, last_failure_ts, last_failure_error, last_success_ts)
		VALUES (:account_id, :failure_count, :last_failure_ts, :last_failure_error, :last_success_ts)
		ON CONFLICT(account_id) DO UPDATE SET
			failure_count = excluded.failure_count,
			last_failure_ts = excluded.last_failure_ts,
			last_failure_error = excluded.last_failure_error,
			last_success_ts = excluded.last_success_ts`, m)
	if err != nil {
		return fmt.Errorf("put monitor %s: %w", m.AccountID, err)
	}
	return nil
}
