// Package account implements the per-account actor: a single-writer gateway
// for everything scoped to one external calendar account.
//
// Exactly one actor owns each account_id. All operations on that account are
// serialised by the actor, which is what makes token refresh, key rotation
// and channel bookkeeping safe without row locks. The actor state itself is
// tiny; everything durable lives in the embedded store.
package account

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/facetcal/facet/account/store"
	"github.com/facetcal/facet/actor"
	"github.com/facetcal/facet/crypto/envelope"
	"github.com/facetcal/facet/fault"
	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/providers"
	"github.com/facetcal/facet/registry"
)

type (
	// TokenAPI is the OAuth refresh surface common to both providers.
	TokenAPI interface {
		// RefreshToken exchanges a refresh token for a fresh token set.
		// Providers that do not return a new refresh token leave it empty.
		RefreshToken(ctx context.Context, refreshToken string) (envelope.TokenSet, error)
	}

	// GoogleAPI is the Google Calendar surface the account service uses.
	GoogleAPI interface {
		TokenAPI
		RevokeToken(ctx context.Context, token string) error
		Watch(ctx context.Context, accessToken, calendarID, channelID, address string) (providers.WatchInfo, error)
		StopWatch(ctx context.Context, accessToken, channelID, resourceID string) error
		CreateCalendar(ctx context.Context, accessToken, name string) (string, error)
	}

	// MicrosoftAPI is the Microsoft Graph surface the account service uses.
	MicrosoftAPI interface {
		TokenAPI
		CreateSubscription(ctx context.Context, accessToken string, req providers.SubscriptionRequest) (providers.SubscriptionInfo, error)
		RenewSubscription(ctx context.Context, accessToken, subscriptionID string, expiresAt int64) (int64, error)
		DeleteSubscription(ctx context.Context, accessToken, subscriptionID string) error
		CreateCalendar(ctx context.Context, accessToken, name string) (string, error)
	}

	// Options configures the account service.
	Options struct {
		// Registry resolves account_id to provider and owner (required).
		Registry *registry.Registry
		// Store persists per-account state (required).
		Store store.Store
		// Master is the envelope master key (required).
		Master envelope.MasterKey
		// Google is the Google client (required).
		Google GoogleAPI
		// Microsoft is the Microsoft Graph client (required).
		Microsoft MicrosoftAPI
		// WebhookBaseURL is the public base URL provider callbacks are
		// delivered to, without trailing slash (required for channels).
		WebhookBaseURL string
		// RefreshBuffer is how long before expiry a token is refreshed.
		// Defaults to DefaultRefreshBuffer.
		RefreshBuffer time.Duration
		// ChannelTTL is the requested lifetime for Google watch channels.
		ChannelTTL time.Duration
		// SubscriptionTTL is the requested lifetime for Graph subscriptions.
		SubscriptionTTL time.Duration
		// RenewalMargin is how long before expiry channels and
		// subscriptions are renewed by the sweep.
		RenewalMargin time.Duration
	}

	// Service hosts one actor per account and is safe for concurrent use.
	Service struct {
		opts  Options
		group *actor.Group[ident.AccountID, *state]
	}

	// state is the per-actor resident state.
	state struct {
		acct registry.Account
	}

	// Health is the account status snapshot returned by Health.
	Health struct {
		AccountID         ident.AccountID   `json:"account_id"`
		Provider          registry.Provider `json:"provider"`
		Status            registry.Status   `json:"status"`
		HasTokens         bool              `json:"has_tokens"`
		KeyGeneration     int               `json:"key_generation,omitempty"`
		LastSyncTS        int64             `json:"last_sync_ts"`
		LastSuccessTS     int64             `json:"last_success_ts"`
		SyncFailureCount  int               `json:"sync_failure_count"`
		LastSyncError     string            `json:"last_sync_error,omitempty"`
		ChannelCount      int               `json:"channel_count"`
		SubscriptionCount int               `json:"subscription_count"`
	}

	// EncryptionHealth is the decrypt-monitor snapshot.
	EncryptionHealth struct {
		AccountID        ident.AccountID `json:"account_id"`
		FailureCount     int             `json:"failure_count"`
		LastFailureTS    int64           `json:"last_failure_ts,omitempty"`
		LastFailureError string          `json:"last_failure_error,omitempty"`
		LastSuccessTS    int64           `json:"last_success_ts,omitempty"`
		Alertable        bool            `json:"alertable"`
	}

	// ChannelStatus reports the active push channels and subscriptions.
	ChannelStatus struct {
		Channels      []store.Channel      `json:"channels"`
		Subscriptions []store.Subscription `json:"subscriptions"`
		NextExpiresAt int64                `json:"next_expires_at,omitempty"`
	}
)

const (
	// DefaultRefreshBuffer is how long before expiry access tokens are
	// refreshed just-in-time.
	DefaultRefreshBuffer = 5 * time.Minute
	// DefaultChannelTTL is the requested Google watch channel lifetime.
	DefaultChannelTTL = 7 * 24 * time.Hour
	// DefaultSubscriptionTTL is the requested Graph subscription lifetime.
	// Graph caps calendar subscriptions at 4230 minutes.
	DefaultSubscriptionTTL = 4230 * time.Minute
	// DefaultRenewalMargin is how long before expiry the sweep renews.
	DefaultRenewalMargin = 6 * time.Hour

	// PrimaryCalendarID is the provider-neutral identifier of the
	// account's main calendar.
	PrimaryCalendarID = "primary"

	// OverlayCalendarName is the display name of the busy overlay calendar
	// created in target accounts.
	OverlayCalendarName = "Facet Busy"

	// CalendarKindPrimary and CalendarKindOverlay classify calendar rows.
	CalendarKindPrimary = "primary"
	CalendarKindOverlay = "overlay"

	// OverlayPendingSentinel marks a mirror whose overlay calendar has not
	// been created yet; the write path resolves it via EnsureOverlayCalendar.
	OverlayPendingSentinel = "overlay:pending"
)

// New creates the account service.
func New(opts Options) (*Service, error) {
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Google == nil {
		return nil, errors.New("google client is required")
	}
	if opts.Microsoft == nil {
		return nil, errors.New("microsoft client is required")
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.ChannelTTL <= 0 {
		opts.ChannelTTL = DefaultChannelTTL
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if opts.RenewalMargin <= 0 {
		opts.RenewalMargin = DefaultRenewalMargin
	}
	s := &Service{opts: opts}
	group, err := actor.NewGroup(func(id ident.AccountID) (*state, error) {
		acct, ok, err := opts.Registry.Lookup(context.Background(), id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: account %s not registered", fault.ErrNotFound, id)
		}
		return &state{acct: acct}, nil
	})
	if err != nil {
		return nil, err
	}
	s.group = group
	return s, nil
}

// Close drains all account actors.
func (s *Service) Close() { s.group.Close() }

// Initialize stores the account's tokens and enabled calendar scopes. It is
// an idempotent replace: re-linking an account overwrites the envelope but
// preserves the sync cursor and key generation.
func (s *Service) Initialize(ctx context.Context, id ident.AccountID, tokens envelope.TokenSet, scopes []string) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		return s.initialize(ctx, st, tokens, scopes)
	})
}

func (s *Service) initialize(ctx context.Context, st *state, tokens envelope.TokenSet, scopes []string) error {
	env, err := envelope.Encrypt(s.opts.Master, tokens)
	if err != nil {
		return fmt.Errorf("seal tokens for %s: %w", st.acct.ID, err)
	}
	encoded, err := env.Encode()
	if err != nil {
		return err
	}
	generation := 1
	if prev, err := s.opts.Store.GetAuth(ctx, st.acct.ID); err == nil {
		generation = prev.KeyGeneration
	}
	row := store.AuthRow{
		AccountID:     st.acct.ID,
		Envelope:      encoded,
		KeyGeneration: generation,
		UpdatedAt:     time.Now().UnixMilli(),
	}
	if err := s.opts.Store.PutAuth(ctx, row); err != nil {
		return err
	}
	if len(scopes) == 0 {
		scopes = []string{PrimaryCalendarID}
	}
	now := time.Now().UnixMilli()
	for _, calID := range scopes {
		if err := s.opts.Store.PutCalendar(ctx, store.Calendar{
			AccountID:  st.acct.ID,
			CalendarID: calID,
			Kind:       CalendarKindPrimary,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
	}
	if _, err := s.opts.Store.GetSyncState(ctx, st.acct.ID, PrimaryCalendarID); errors.Is(err, store.ErrNotFound) {
		if err := s.opts.Store.PutSyncState(ctx, store.SyncState{
			AccountID:  st.acct.ID,
			CalendarID: PrimaryCalendarID,
		}); err != nil {
			return err
		}
	}
	log.Printf(ctx, "account %s initialized with %d calendar scope(s)", st.acct.ID, len(scopes))
	return nil
}

// AccessToken returns a valid access token, refreshing it just-in-time when
// the stored one expires within the refresh buffer. The refresh token never
// leaves this package.
func (s *Service) AccessToken(ctx context.Context, id ident.AccountID) (string, error) {
	return actor.Call(ctx, s.group, id, s.mintAccessToken)
}

func (s *Service) mintAccessToken(ctx context.Context, st *state) (string, error) {
	row, err := s.opts.Store.GetAuth(ctx, st.acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fault.ErrNoTokens
	}
	if err != nil {
		return "", err
	}
	tokens, err := s.openEnvelope(ctx, st.acct.ID, row.Envelope)
	if err != nil {
		return "", err
	}
	now := time.Now().UnixMilli()
	if tokens.Expiry-now > s.opts.RefreshBuffer.Milliseconds() {
		return tokens.AccessToken, nil
	}
	fresh, err := s.tokenAPI(st.acct.Provider).RefreshToken(ctx, tokens.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refresh %s token for %s: %w", st.acct.Provider, st.acct.ID, err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tokens.RefreshToken
	}
	env, err := envelope.Encrypt(s.opts.Master, fresh)
	if err != nil {
		return "", fmt.Errorf("seal refreshed tokens for %s: %w", st.acct.ID, err)
	}
	encoded, err := env.Encode()
	if err != nil {
		return "", err
	}
	row.Envelope = encoded
	row.UpdatedAt = now
	if err := s.opts.Store.PutAuth(ctx, row); err != nil {
		return "", err
	}
	log.Debugf(ctx, "refreshed access token for %s (expires %d)", st.acct.ID, fresh.Expiry)
	return fresh.AccessToken, nil
}

// openEnvelope decrypts the stored envelope and keeps the encryption monitor
// current: successes bump last_success_ts, failures are alertable.
func (s *Service) openEnvelope(ctx context.Context, id ident.AccountID, encoded string) (envelope.TokenSet, error) {
	record := func(fail error) {
		m, err := s.opts.Store.GetMonitor(ctx, id)
		if err != nil {
			log.Errorf(ctx, err, "load encryption monitor for %s", id)
			return
		}
		now := time.Now().UnixMilli()
		if fail != nil {
			m.FailureCount++
			m.LastFailureTS = now
			m.LastFailureError = fail.Error()
		} else {
			m.LastSuccessTS = now
		}
		if err := s.opts.Store.PutMonitor(ctx, m); err != nil {
			log.Errorf(ctx, err, "store encryption monitor for %s", id)
		}
	}

	env, err := envelope.DecodeEnvelope(encoded)
	if err != nil {
		record(err)
		log.Error(ctx, err, log.KV{K: "account_id", V: id}, log.KV{K: "severity", V: "critical"}, log.KV{K: "op", V: "decode_envelope"})
		return envelope.TokenSet{}, err
	}
	tokens, err := envelope.Decrypt(s.opts.Master, env)
	if err != nil {
		record(err)
		log.Error(ctx, err, log.KV{K: "account_id", V: id}, log.KV{K: "severity", V: "critical"}, log.KV{K: "op", V: "decrypt_envelope"})
		return envelope.TokenSet{}, err
	}
	record(nil)
	return tokens, nil
}

func (s *Service) tokenAPI(p registry.Provider) TokenAPI {
	if p == registry.ProviderMicrosoft {
		return s.opts.Microsoft
	}
	return s.opts.Google
}

// RevokeTokens best-effort revokes the grant server-side and always deletes
// the local envelope. The returned flag reports whether the provider accepted
// the revocation (Google) or the local deletion succeeded (Microsoft).
func (s *Service) RevokeTokens(ctx context.Context, id ident.AccountID) (bool, error) {
	return actor.Call(ctx, s.group, id, s.revokeTokens)
}

func (s *Service) revokeTokens(ctx context.Context, st *state) (bool, error) {
	row, err := s.opts.Store.GetAuth(ctx, st.acct.ID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	revoked := true
	if st.acct.Provider == registry.ProviderGoogle {
		revoked = false
		if tokens, err := s.openEnvelope(ctx, st.acct.ID, row.Envelope); err == nil {
			if err := s.opts.Google.RevokeToken(ctx, tokens.RefreshToken); err != nil {
				log.Errorf(ctx, err, "server-side revoke for %s", st.acct.ID)
			} else {
				revoked = true
			}
		}
	}
	if err := s.opts.Store.DeleteAuth(ctx, st.acct.ID); err != nil {
		return false, err
	}
	log.Printf(ctx, "account %s tokens revoked (server_accepted=%t)", st.acct.ID, revoked)
	return revoked, nil
}

// RotateKey re-wraps the stored DEK from oldMaster to newMaster. The token
// ciphertext is untouched and no intermediate state is observable: a failure
// before the store write leaves the previous envelope intact.
func (s *Service) RotateKey(ctx context.Context, id ident.AccountID, oldMaster, newMaster envelope.MasterKey) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		row, err := s.opts.Store.GetAuth(ctx, st.acct.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.ErrNoTokens
		}
		if err != nil {
			return err
		}
		env, err := envelope.DecodeEnvelope(row.Envelope)
		if err != nil {
			return err
		}
		next, err := envelope.ReEncryptDek(oldMaster, newMaster, env)
		if err != nil {
			return err
		}
		encoded, err := next.Encode()
		if err != nil {
			return err
		}
		row.Envelope = encoded
		row.KeyGeneration++
		row.UpdatedAt = time.Now().UnixMilli()
		if err := s.opts.Store.PutAuth(ctx, row); err != nil {
			return err
		}
		log.Printf(ctx, "account %s master key rotated (generation %d)", st.acct.ID, row.KeyGeneration)
		return nil
	})
}

// DekBackup extracts the wrapped DEK for escrow. The token ciphertext is
// never part of the backup.
func (s *Service) DekBackup(ctx context.Context, id ident.AccountID) (envelope.DekBackup, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (envelope.DekBackup, error) {
		row, err := s.opts.Store.GetAuth(ctx, st.acct.ID)
		if errors.Is(err, store.ErrNotFound) {
			return envelope.DekBackup{}, fault.ErrNoTokens
		}
		if err != nil {
			return envelope.DekBackup{}, err
		}
		env, err := envelope.DecodeEnvelope(row.Envelope)
		if err != nil {
			return envelope.DekBackup{}, err
		}
		return envelope.ExtractDekBackup(st.acct.ID, env), nil
	})
}

// RestoreDek overwrites the envelope's wrapped DEK from a backup, preserving
// the token ciphertext.
func (s *Service) RestoreDek(ctx context.Context, id ident.AccountID, backup envelope.DekBackup) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		row, err := s.opts.Store.GetAuth(ctx, st.acct.ID)
		if errors.Is(err, store.ErrNotFound) {
			return fault.ErrNoTokens
		}
		if err != nil {
			return err
		}
		env, err := envelope.DecodeEnvelope(row.Envelope)
		if err != nil {
			return err
		}
		encoded, err := envelope.RestoreDekFromBackup(env, backup).Encode()
		if err != nil {
			return err
		}
		row.Envelope = encoded
		row.UpdatedAt = time.Now().UnixMilli()
		return s.opts.Store.PutAuth(ctx, row)
	})
}

// SyncToken returns the stored sync cursor, or "" when none exists yet.
func (s *Service) SyncToken(ctx context.Context, id ident.AccountID) (string, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (string, error) {
		row, err := s.opts.Store.GetSyncState(ctx, st.acct.ID, PrimaryCalendarID)
		if errors.Is(err, store.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return row.SyncToken, nil
	})
}

// SetSyncToken stores the sync cursor. An empty token clears it, forcing the
// next sync to run full.
func (s *Service) SetSyncToken(ctx context.Context, id ident.AccountID, token string) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		row, err := s.loadSyncState(ctx, st.acct.ID)
		if err != nil {
			return err
		}
		row.SyncToken = token
		return s.opts.Store.PutSyncState(ctx, row)
	})
}

// MarkSyncSuccess records a completed sync at ts and clears failure state.
func (s *Service) MarkSyncSuccess(ctx context.Context, id ident.AccountID, ts int64) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		row, err := s.loadSyncState(ctx, st.acct.ID)
		if err != nil {
			return err
		}
		row.LastSyncTS = ts
		row.LastSuccessTS = ts
		row.FailureCount = 0
		row.LastError = ""
		return s.opts.Store.PutSyncState(ctx, row)
	})
}

// MarkSyncFailure records a failed sync attempt. last_success_ts is
// deliberately left untouched.
func (s *Service) MarkSyncFailure(ctx context.Context, id ident.AccountID, reason string) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		row, err := s.loadSyncState(ctx, st.acct.ID)
		if err != nil {
			return err
		}
		row.LastSyncTS = time.Now().UnixMilli()
		row.FailureCount++
		row.LastError = reason
		return s.opts.Store.PutSyncState(ctx, row)
	})
}

func (s *Service) loadSyncState(ctx context.Context, id ident.AccountID) (store.SyncState, error) {
	row, err := s.opts.Store.GetSyncState(ctx, id, PrimaryCalendarID)
	if errors.Is(err, store.ErrNotFound) {
		return store.SyncState{AccountID: id, CalendarID: PrimaryCalendarID}, nil
	}
	return row, err
}

// RegisterChannel opens a Google push channel on the calendar and records it.
func (s *Service) RegisterChannel(ctx context.Context, id ident.AccountID, calendarID string) (providers.WatchInfo, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (providers.WatchInfo, error) {
		return s.registerChannel(ctx, st, calendarID)
	})
}

func (s *Service) registerChannel(ctx context.Context, st *state, calendarID string) (providers.WatchInfo, error) {
	if st.acct.Provider != registry.ProviderGoogle {
		return providers.WatchInfo{}, fault.Validationf("watch channels require a google account, %s is %s", st.acct.ID, st.acct.Provider)
	}
	if calendarID == "" {
		calendarID = PrimaryCalendarID
	}
	token, err := s.mintAccessToken(ctx, st)
	if err != nil {
		return providers.WatchInfo{}, err
	}
	channelID := uuid.NewString()
	address := s.opts.WebhookBaseURL + "/webhooks/google"
	info, err := s.opts.Google.Watch(ctx, token, calendarID, channelID, address)
	if err != nil {
		return providers.WatchInfo{}, fmt.Errorf("watch %s/%s: %w", st.acct.ID, calendarID, err)
	}
	if info.ExpiresAt == 0 {
		info.ExpiresAt = time.Now().Add(s.opts.ChannelTTL).UnixMilli()
	}
	ch := store.Channel{
		ChannelID:  info.ChannelID,
		AccountID:  st.acct.ID,
		CalendarID: calendarID,
		ResourceID: info.ResourceID,
		ExpiresAt:  info.ExpiresAt,
	}
	if err := s.opts.Store.PutChannel(ctx, ch); err != nil {
		return providers.WatchInfo{}, err
	}
	log.Printf(ctx, "registered watch channel %s for %s/%s", info.ChannelID, st.acct.ID, calendarID)
	return info, nil
}

// RenewChannel replaces a watch channel nearing expiry with a fresh one.
// Google channels cannot be extended in place, so renewal registers a new
// channel and best-effort stops the old one.
func (s *Service) RenewChannel(ctx context.Context, id ident.AccountID, channelID string) (providers.WatchInfo, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (providers.WatchInfo, error) {
		old, err := s.opts.Store.GetChannel(ctx, channelID)
		if errors.Is(err, store.ErrNotFound) {
			return providers.WatchInfo{}, fault.ErrChannelNotFound
		}
		if err != nil {
			return providers.WatchInfo{}, err
		}
		info, err := s.registerChannel(ctx, st, old.CalendarID)
		if err != nil {
			return providers.WatchInfo{}, err
		}
		if token, err := s.mintAccessToken(ctx, st); err == nil {
			if err := s.opts.Google.StopWatch(ctx, token, old.ChannelID, old.ResourceID); err != nil {
				log.Debugf(ctx, "stop superseded channel %s: %v", old.ChannelID, err)
			}
		}
		if err := s.opts.Store.DeleteChannel(ctx, old.ChannelID); err != nil {
			return providers.WatchInfo{}, err
		}
		return info, nil
	})
}

// ResolveChannel maps a webhook channel id back to its row. Reads go straight
// to the store: webhook dispatch must not block behind the owning actor.
func (s *Service) ResolveChannel(ctx context.Context, channelID string) (store.Channel, error) {
	ch, err := s.opts.Store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Channel{}, fmt.Errorf("channel %s: %w", channelID, fault.ErrChannelNotFound)
	}
	return ch, err
}

// ResolveSubscription maps a Graph subscription id back to its row.
func (s *Service) ResolveSubscription(ctx context.Context, subscriptionID string) (store.Subscription, error) {
	sub, err := s.opts.Store.GetSubscription(ctx, subscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Subscription{}, fmt.Errorf("subscription %s: %w", subscriptionID, fault.ErrSubscriptionNotFound)
	}
	return sub, err
}

// ChannelStatus reports active channels and subscriptions with the soonest
// expiry across both.
func (s *Service) ChannelStatus(ctx context.Context, id ident.AccountID) (ChannelStatus, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (ChannelStatus, error) {
		chans, err := s.opts.Store.ListChannels(ctx, st.acct.ID)
		if err != nil {
			return ChannelStatus{}, err
		}
		subs, err := s.opts.Store.ListSubscriptions(ctx, st.acct.ID)
		if err != nil {
			return ChannelStatus{}, err
		}
		status := ChannelStatus{Channels: chans, Subscriptions: subs}
		for _, ch := range chans {
			if status.NextExpiresAt == 0 || ch.ExpiresAt < status.NextExpiresAt {
				status.NextExpiresAt = ch.ExpiresAt
			}
		}
		for _, sub := range subs {
			if status.NextExpiresAt == 0 || sub.ExpiresAt < status.NextExpiresAt {
				status.NextExpiresAt = sub.ExpiresAt
			}
		}
		return status, nil
	})
}

// StopWatchChannels stops every push channel for the account. Provider
// errors are swallowed; local rows are always deleted. Returns the number of
// rows removed.
func (s *Service) StopWatchChannels(ctx context.Context, id ident.AccountID) (int, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (int, error) {
		chans, err := s.opts.Store.ListChannels(ctx, st.acct.ID)
		if err != nil {
			return 0, err
		}
		token, tokenErr := s.mintAccessToken(ctx, st)
		stopped := 0
		for _, ch := range chans {
			if tokenErr == nil {
				if err := s.opts.Google.StopWatch(ctx, token, ch.ChannelID, ch.ResourceID); err != nil {
					log.Debugf(ctx, "stop channel %s: %v", ch.ChannelID, err)
				}
			}
			if err := s.opts.Store.DeleteChannel(ctx, ch.ChannelID); err != nil {
				return stopped, err
			}
			stopped++
		}
		return stopped, nil
	})
}

// CreateMsSubscription opens a Microsoft Graph change subscription on the
// calendar. An empty clientState gets a generated one.
func (s *Service) CreateMsSubscription(ctx context.Context, id ident.AccountID, notificationURL, calendarID, clientState string) (providers.SubscriptionInfo, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (providers.SubscriptionInfo, error) {
		if st.acct.Provider != registry.ProviderMicrosoft {
			return providers.SubscriptionInfo{}, fault.Validationf("graph subscriptions require a microsoft account, %s is %s", st.acct.ID, st.acct.Provider)
		}
		if calendarID == "" {
			calendarID = PrimaryCalendarID
		}
		if clientState == "" {
			clientState = uuid.NewString()
		}
		if notificationURL == "" {
			notificationURL = s.opts.WebhookBaseURL + "/webhooks/microsoft"
		}
		token, err := s.mintAccessToken(ctx, st)
		if err != nil {
			return providers.SubscriptionInfo{}, err
		}
		req := providers.SubscriptionRequest{
			NotificationURL: notificationURL,
			Resource:        graphResource(calendarID),
			ClientState:     clientState,
			ExpiresAt:       time.Now().Add(s.opts.SubscriptionTTL).UnixMilli(),
		}
		info, err := s.opts.Microsoft.CreateSubscription(ctx, token, req)
		if err != nil {
			return providers.SubscriptionInfo{}, fmt.Errorf("subscribe %s/%s: %w", st.acct.ID, calendarID, err)
		}
		sub := store.Subscription{
			SubscriptionID: info.SubscriptionID,
			AccountID:      st.acct.ID,
			CalendarID:     calendarID,
			ClientState:    clientState,
			ExpiresAt:      info.ExpiresAt,
		}
		if err := s.opts.Store.PutSubscription(ctx, sub); err != nil {
			return providers.SubscriptionInfo{}, err
		}
		log.Printf(ctx, "created graph subscription %s for %s/%s", info.SubscriptionID, st.acct.ID, calendarID)
		return info, nil
	})
}

// RenewMsSubscription extends a Graph subscription in place.
func (s *Service) RenewMsSubscription(ctx context.Context, id ident.AccountID, subscriptionID string) (providers.SubscriptionInfo, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (providers.SubscriptionInfo, error) {
		sub, err := s.opts.Store.GetSubscription(ctx, subscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			return providers.SubscriptionInfo{}, fault.ErrSubscriptionNotFound
		}
		if err != nil {
			return providers.SubscriptionInfo{}, err
		}
		token, err := s.mintAccessToken(ctx, st)
		if err != nil {
			return providers.SubscriptionInfo{}, err
		}
		requested := time.Now().Add(s.opts.SubscriptionTTL).UnixMilli()
		granted, err := s.opts.Microsoft.RenewSubscription(ctx, token, subscriptionID, requested)
		if err != nil {
			return providers.SubscriptionInfo{}, fmt.Errorf("renew subscription %s: %w", subscriptionID, err)
		}
		sub.ExpiresAt = granted
		if err := s.opts.Store.PutSubscription(ctx, sub); err != nil {
			return providers.SubscriptionInfo{}, err
		}
		return providers.SubscriptionInfo{
			SubscriptionID: sub.SubscriptionID,
			Resource:       graphResource(sub.CalendarID),
			ClientState:    sub.ClientState,
			ExpiresAt:      granted,
		}, nil
	})
}

// DeleteMsSubscription removes a Graph subscription. Provider errors are
// swallowed; the local row is always deleted.
func (s *Service) DeleteMsSubscription(ctx context.Context, id ident.AccountID, subscriptionID string) error {
	return s.group.Do(ctx, id, func(ctx context.Context, st *state) error {
		if _, err := s.opts.Store.GetSubscription(ctx, subscriptionID); errors.Is(err, store.ErrNotFound) {
			return fault.ErrSubscriptionNotFound
		} else if err != nil {
			return err
		}
		if token, err := s.mintAccessToken(ctx, st); err == nil {
			if err := s.opts.Microsoft.DeleteSubscription(ctx, token, subscriptionID); err != nil {
				log.Debugf(ctx, "delete subscription %s: %v", subscriptionID, err)
			}
		}
		return s.opts.Store.DeleteSubscription(ctx, subscriptionID)
	})
}

// MsSubscriptions lists the account's Graph subscriptions.
func (s *Service) MsSubscriptions(ctx context.Context, id ident.AccountID) ([]providers.SubscriptionInfo, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) ([]providers.SubscriptionInfo, error) {
		subs, err := s.opts.Store.ListSubscriptions(ctx, st.acct.ID)
		if err != nil {
			return nil, err
		}
		out := make([]providers.SubscriptionInfo, 0, len(subs))
		for _, sub := range subs {
			out = append(out, providers.SubscriptionInfo{
				SubscriptionID: sub.SubscriptionID,
				Resource:       graphResource(sub.CalendarID),
				ClientState:    sub.ClientState,
				ExpiresAt:      sub.ExpiresAt,
			})
		}
		return out, nil
	})
}

// ValidateMsClientState compares a webhook's clientState against the stored
// secret in constant time.
func (s *Service) ValidateMsClientState(ctx context.Context, id ident.AccountID, subscriptionID, clientState string) (bool, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (bool, error) {
		sub, err := s.opts.Store.GetSubscription(ctx, subscriptionID)
		if errors.Is(err, store.ErrNotFound) {
			return false, fault.ErrSubscriptionNotFound
		}
		if err != nil {
			return false, err
		}
		return subtle.ConstantTimeCompare([]byte(sub.ClientState), []byte(clientState)) == 1, nil
	})
}

// Health returns the account status snapshot.
func (s *Service) Health(ctx context.Context, id ident.AccountID) (Health, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (Health, error) {
		h := Health{
			AccountID: st.acct.ID,
			Provider:  st.acct.Provider,
			Status:    st.acct.Status,
		}
		if row, err := s.opts.Store.GetAuth(ctx, st.acct.ID); err == nil {
			h.HasTokens = true
			h.KeyGeneration = row.KeyGeneration
		} else if !errors.Is(err, store.ErrNotFound) {
			return Health{}, err
		}
		if sync, err := s.opts.Store.GetSyncState(ctx, st.acct.ID, PrimaryCalendarID); err == nil {
			h.LastSyncTS = sync.LastSyncTS
			h.LastSuccessTS = sync.LastSuccessTS
			h.SyncFailureCount = sync.FailureCount
			h.LastSyncError = sync.LastError
		} else if !errors.Is(err, store.ErrNotFound) {
			return Health{}, err
		}
		chans, err := s.opts.Store.ListChannels(ctx, st.acct.ID)
		if err != nil {
			return Health{}, err
		}
		subs, err := s.opts.Store.ListSubscriptions(ctx, st.acct.ID)
		if err != nil {
			return Health{}, err
		}
		h.ChannelCount = len(chans)
		h.SubscriptionCount = len(subs)
		return h, nil
	})
}

// EncryptionHealth returns the decrypt-monitor snapshot. A non-zero failure
// count is alertable.
func (s *Service) EncryptionHealth(ctx context.Context, id ident.AccountID) (EncryptionHealth, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (EncryptionHealth, error) {
		m, err := s.opts.Store.GetMonitor(ctx, st.acct.ID)
		if err != nil {
			return EncryptionHealth{}, err
		}
		return EncryptionHealth{
			AccountID:        st.acct.ID,
			FailureCount:     m.FailureCount,
			LastFailureTS:    m.LastFailureTS,
			LastFailureError: m.LastFailureError,
			LastSuccessTS:    m.LastSuccessTS,
			Alertable:        m.FailureCount > 0,
		}, nil
	})
}

// Provider returns the account's provider.
func (s *Service) Provider(ctx context.Context, id ident.AccountID) (registry.Provider, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (registry.Provider, error) {
		return st.acct.Provider, nil
	})
}

// Calendars lists the account's enabled calendar rows.
func (s *Service) Calendars(ctx context.Context, id ident.AccountID) ([]store.Calendar, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) ([]store.Calendar, error) {
		return s.opts.Store.ListCalendars(ctx, st.acct.ID)
	})
}

// EnsureOverlayCalendar returns the account's busy overlay calendar ID,
// creating the provider calendar on first use.
func (s *Service) EnsureOverlayCalendar(ctx context.Context, id ident.AccountID) (string, error) {
	return actor.Call(ctx, s.group, id, func(ctx context.Context, st *state) (string, error) {
		cals, err := s.opts.Store.ListCalendars(ctx, st.acct.ID)
		if err != nil {
			return "", err
		}
		for _, cal := range cals {
			if cal.Kind == CalendarKindOverlay && cal.CalendarID != OverlayPendingSentinel {
				return cal.CalendarID, nil
			}
		}
		token, err := s.mintAccessToken(ctx, st)
		if err != nil {
			return "", err
		}
		var calID string
		if st.acct.Provider == registry.ProviderMicrosoft {
			calID, err = s.opts.Microsoft.CreateCalendar(ctx, token, OverlayCalendarName)
		} else {
			calID, err = s.opts.Google.CreateCalendar(ctx, token, OverlayCalendarName)
		}
		if err != nil {
			return "", fmt.Errorf("create overlay calendar for %s: %w", st.acct.ID, err)
		}
		if err := s.opts.Store.PutCalendar(ctx, store.Calendar{
			AccountID:  st.acct.ID,
			CalendarID: calID,
			Kind:       CalendarKindOverlay,
			Name:       OverlayCalendarName,
			CreatedAt:  time.Now().UnixMilli(),
		}); err != nil {
			return "", err
		}
		log.Printf(ctx, "created overlay calendar %s for %s", calID, st.acct.ID)
		return calID, nil
	})
}

// RenewDue renews every channel and subscription expiring within the renewal
// margin. Individual failures are logged and skipped so one broken account
// cannot stall the sweep. Returns the number of successful renewals.
func (s *Service) RenewDue(ctx context.Context) (int, error) {
	horizon := time.Now().Add(s.opts.RenewalMargin).UnixMilli()
	renewed := 0
	chans, err := s.opts.Store.ListChannelsExpiringBefore(ctx, horizon)
	if err != nil {
		return 0, err
	}
	for _, ch := range chans {
		if _, err := s.RenewChannel(ctx, ch.AccountID, ch.ChannelID); err != nil {
			log.Errorf(ctx, err, "renew channel %s for %s", ch.ChannelID, ch.AccountID)
			continue
		}
		renewed++
	}
	subs, err := s.opts.Store.ListSubscriptionsExpiringBefore(ctx, horizon)
	if err != nil {
		return renewed, err
	}
	for _, sub := range subs {
		if _, err := s.RenewMsSubscription(ctx, sub.AccountID, sub.SubscriptionID); err != nil {
			log.Errorf(ctx, err, "renew subscription %s for %s", sub.SubscriptionID, sub.AccountID)
			continue
		}
		renewed++
	}
	return renewed, nil
}

// graphResource maps a calendar ID to the Graph resource path subscribed to.
func graphResource(calendarID string) string {
	if calendarID == PrimaryCalendarID {
		return "/me/events"
	}
	return "/me/calendars/" + calendarID + "/events"
}
