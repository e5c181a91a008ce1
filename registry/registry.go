// Package registry owns the account table: the mapping from every linked
// provider account to the user who owns it. The sync, write, and reconcile
// paths resolve accounts through it on every message; writes happen only
// during onboarding and unlink, so readers tolerate briefly stale data.
//
// # Multi-Node Deployments
//
// Multiple service nodes share one logical account table by backing the
// registry with the replicated store (store/replicated), a Redis-replicated
// map that every node joins. Single-node and test deployments use the
// in-memory store (store/memory).
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/registry/store"
)

type (
	// Account is one row of the account table.
	Account = store.Account

	// Provider is the external calendar system an account lives on.
	Provider = store.Provider

	// Status tracks whether an account's credentials are usable.
	Status = store.Status

	// Registry validates and serves account rows on top of a Store.
	Registry struct {
		store store.Store
	}

	// Options configures a Registry.
	Options struct {
		// Store persists account rows. Required.
		Store store.Store
	}
)

const (
	ProviderGoogle    = store.ProviderGoogle
	ProviderMicrosoft = store.ProviderMicrosoft
)

const (
	StatusActive  = store.StatusActive
	StatusRevoked = store.StatusRevoked
)

// ParseProvider validates a provider name from the wire.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle, ProviderMicrosoft:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// New builds a Registry.
func New(opts Options) (*Registry, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	return &Registry{store: opts.Store}, nil
}

// Register validates and upserts an account row.
func (r *Registry) Register(ctx context.Context, acct Account) error {
	if acct.ID == "" {
		return errors.New("account id is required")
	}
	if acct.UserID == "" {
		return errors.New("user id is required")
	}
	if _, err := ParseProvider(string(acct.Provider)); err != nil {
		return err
	}
	if acct.Status == "" {
		acct.Status = StatusActive
	}
	if err := r.store.Put(ctx, acct); err != nil {
		return fmt.Errorf("put account %s: %w", acct.ID, err)
	}
	return nil
}

// Lookup resolves an account id. The boolean reports whether the account is
// known; queue consumers treat unknown accounts as permanent and ack.
func (r *Registry) Lookup(ctx context.Context, id ident.AccountID) (Account, bool, error) {
	acct, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Account{}, false, nil
	}
	if err != nil {
		return Account{}, false, fmt.Errorf("get account %s: %w", id, err)
	}
	return acct, true, nil
}

// Unregister removes an account row. Removing an unknown account is not an
// error.
func (r *Registry) Unregister(ctx context.Context, id ident.AccountID) error {
	err := r.store.Delete(ctx, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	return nil
}

// SetStatus updates the status of a known account.
func (r *Registry) SetStatus(ctx context.Context, id ident.AccountID, status Status) error {
	acct, ok, err := r.Lookup(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	acct.Status = status
	return r.Register(ctx, acct)
}

// Accounts lists every registered account. The reconcile scheduler iterates
// this on each cron tick.
func (r *Registry) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

// UserAccounts lists the accounts linked by one user.
func (r *Registry) UserAccounts(ctx context.Context, userID ident.UserID) ([]Account, error) {
	accounts, err := r.Accounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Account, 0, len(accounts))
	for _, acct := range accounts {
		if acct.UserID == userID {
			out = append(out, acct)
		}
	}
	return out, nil
}
