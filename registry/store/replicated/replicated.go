// Package replicated provides a replicated-map backed implementation of the
// registry store.
//
// The store persists account records in a Pulse replicated map (rmap), which
// is backed by Redis. This makes account registrations durable across process
// restarts and visible to all nodes in a multi-node deployment.
package replicated

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/registry/store"
)

type (
	// Map is the minimal replicated-map contract required by the replicated store.
	//
	// Map is satisfied by `*rmap.Map` from `goa.design/pulse/rmap`.
	// It is defined here to:
	//   - keep the replicated store unit-testable without Redis, and
	//   - avoid coupling callers to a concrete Pulse implementation.
	//
	// Implementations must be safe for concurrent use.
	Map interface {
		Delete(ctx context.Context, key string) (string, error)
		Get(key string) (string, bool)
		Keys() []string
		Set(ctx context.Context, key, value string) (string, error)
	}

	// Store persists account records in a replicated map.
	// It is safe for concurrent use when backed by a concurrent-safe map (such as rmap.Map).
	Store struct {
		m Map
	}
)

const accountKeyPrefix = "account:"

// New creates a new replicated store backed by the given map.
func New(m Map) *Store {
	return &Store{m: m}
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// Put stores or updates an account record.
func (s *Store) Put(ctx context.Context, acct store.Account) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account %q: %w", acct.ID, err)
	}
	if _, err := s.m.Set(ctx, accountKey(acct.ID), string(b)); err != nil {
		return fmt.Errorf("store account %q: %w", acct.ID, err)
	}
	return nil
}

// Get retrieves an account by ID.
func (s *Store) Get(ctx context.Context, id ident.AccountID) (store.Account, error) {
	if err := ctx.Err(); err != nil {
		return store.Account{}, err
	}
	val, ok := s.m.Get(accountKey(id))
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	var acct store.Account
	if err := json.Unmarshal([]byte(val), &acct); err != nil {
		return store.Account{}, fmt.Errorf("unmarshal account %q: %w", id, err)
	}
	return acct, nil
}

// Delete removes an account by ID.
func (s *Store) Delete(ctx context.Context, id ident.AccountID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := accountKey(id)
	if _, ok := s.m.Get(key); !ok {
		return store.ErrNotFound
	}
	if _, err := s.m.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete account %q: %w", id, err)
	}
	return nil
}

// List returns all account records.
func (s *Store) List(ctx context.Context) ([]store.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys := s.m.Keys()
	out := make([]store.Account, 0, len(keys))
	for _, k := range keys {
		if !strings.HasPrefix(k, accountKeyPrefix) {
			continue
		}
		acct, err := s.Get(ctx, ident.AccountID(strings.TrimPrefix(k, accountKeyPrefix)))
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, acct)
	}
	return out, nil
}

func accountKey(id ident.AccountID) string {
	return accountKeyPrefix + string(id)
}
