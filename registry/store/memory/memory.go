// Package memory provides an in-memory implementation of the registry store.
//
// This implementation is suitable for development, testing, and single-node
// deployments where persistence across restarts is not required.
package memory

import (
	"context"
	"sync"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/registry/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	accounts map[ident.AccountID]store.Account
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[ident.AccountID]store.Account),
	}
}

// Put stores or replaces an account row.
func (s *Store) Put(ctx context.Context, acct store.Account) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acct.ID] = acct
	return nil
}

// Get retrieves an account row by id.
func (s *Store) Get(ctx context.Context, id ident.AccountID) (store.Account, error) {
	select {
	case <-ctx.Done():
		return store.Account{}, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return store.Account{}, store.ErrNotFound
	}
	return acct, nil
}

// Delete removes an account row by id.
func (s *Store) Delete(ctx context.Context, id ident.AccountID) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.accounts, id)
	return nil
}

// List returns all account rows.
func (s *Store) List(ctx context.Context) ([]store.Account, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]store.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		result = append(result, acct)
	}
	return result, nil
}
