// Package store defines the persistence contract for per-account state: the
// encrypted auth row, sync cursors, watch channels, Microsoft Graph
// subscriptions, calendar scopes and the encryption monitor.
package store

import (
	"context"
	"errors"

	"github.com/facetcal/facet/ident"
)

type (
	// AuthRow holds one account's encrypted token envelope. Envelope is the
	// serialized envelope JSON; KeyGeneration counts master-key rotations.
	AuthRow struct {
		AccountID     ident.AccountID `db:"account_id"`
		Envelope      string          `db:"envelope"`
		KeyGeneration int             `db:"key_generation"`
		UpdatedAt     int64           `db:"updated_at"`
	}

	// SyncState is the per-calendar sync cursor and its bookkeeping.
	// Timestamps are Unix milliseconds.
	SyncState struct {
		AccountID     ident.AccountID `db:"account_id"`
		CalendarID    string          `db:"calendar_id"`
		SyncToken     string          `db:"sync_token"`
		LastSyncTS    int64           `db:"last_sync_ts"`
		LastSuccessTS int64           `db:"last_success_ts"`
		FailureCount  int             `db:"failure_count"`
		LastError     string          `db:"last_error"`
	}

	// Channel is an active Google push channel row.
	Channel struct {
		ChannelID  string          `db:"channel_id"`
		AccountID  ident.AccountID `db:"account_id"`
		CalendarID string          `db:"calendar_id"`
		ResourceID string          `db:"resource_id"`
		ExpiresAt  int64           `db:"expires_at"`
	}

	// Subscription is an active Microsoft Graph subscription row.
	Subscription struct {
		SubscriptionID string          `db:"subscription_id"`
		AccountID      ident.AccountID `db:"account_id"`
		CalendarID     string          `db:"calendar_id"`
		ClientState    string          `db:"client_state"`
		ExpiresAt      int64           `db:"expires_at"`
	}

	// Calendar is one provider calendar enabled for an account. Kind is
	// "primary" for the account's own calendar and "overlay" for the busy
	// overlay calendar this system creates.
	Calendar struct {
		AccountID  ident.AccountID `db:"account_id"`
		CalendarID string          `db:"calendar_id"`
		Kind       string          `db:"kind"`
		Name       string          `db:"name"`
		CreatedAt  int64           `db:"created_at"`
	}

	// Monitor is the per-account decrypt health row. FailureCount > 0 is an
	// alertable condition.
	Monitor struct {
		AccountID        ident.AccountID `db:"account_id"`
		FailureCount     int             `db:"failure_count"`
		LastFailureTS    int64           `db:"last_failure_ts"`
		LastFailureError string          `db:"last_failure_error"`
		LastSuccessTS    int64           `db:"last_success_ts"`
	}

	// Store is the embedded per-account state store. Implementations must
	// apply their schema lazily and idempotently so restarts are safe.
	Store interface {
		PutAuth(ctx context.Context, row AuthRow) error
		// GetAuth returns ErrNotFound when the account has no auth row.
		GetAuth(ctx context.Context, id ident.AccountID) (AuthRow, error)
		// DeleteAuth is idempotent.
		DeleteAuth(ctx context.Context, id ident.AccountID) error

		PutSyncState(ctx context.Context, row SyncState) error
		// GetSyncState returns ErrNotFound when no cursor has been stored yet.
		GetSyncState(ctx context.Context, id ident.AccountID, calendarID string) (SyncState, error)

		PutChannel(ctx context.Context, ch Channel) error
		// GetChannel returns ErrNotFound when the channel does not exist.
		GetChannel(ctx context.Context, channelID string) (Channel, error)
		DeleteChannel(ctx context.Context, channelID string) error
		ListChannels(ctx context.Context, id ident.AccountID) ([]Channel, error)
		// ListChannelsExpiringBefore returns channels across all accounts
		// whose expiry is at or before ts, ordered by expiry ascending.
		ListChannelsExpiringBefore(ctx context.Context, ts int64) ([]Channel, error)

		PutSubscription(ctx context.Context, sub Subscription) error
		// GetSubscription returns ErrNotFound when the subscription does not exist.
		GetSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
		DeleteSubscription(ctx context.Context, subscriptionID string) error
		ListSubscriptions(ctx context.Context, id ident.AccountID) ([]Subscription, error)
		ListSubscriptionsExpiringBefore(ctx context.Context, ts int64) ([]Subscription, error)

		PutCalendar(ctx context.Context, cal Calendar) error
		ListCalendars(ctx context.Context, id ident.AccountID) ([]Calendar, error)
		DeleteCalendars(ctx context.Context, id ident.AccountID) error

		// GetMonitor returns a zero-valued row (not ErrNotFound) for accounts
		// that have never recorded a decrypt outcome.
		GetMonitor(ctx context.Context, id ident.AccountID) (Monitor, error)
		PutMonitor(ctx context.Context, m Monitor) error

		Close() error
	}
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("account state not found")
