// Package store defines the persistence layer interface for the registry and
// the account row it stores.
//
// The Store interface abstracts account-table storage, allowing different
// backend implementations. Available implementations:
//
//   - memory: In-memory store for development, testing, and single-node use
//   - replicated: Redis-replicated map shared across service nodes
//
// To add a new implementation, create a subpackage that implements the Store
// interface and returns store.ErrNotFound for missing accounts.
package store

import (
	"context"
	"errors"

	"github.com/facetcal/facet/ident"
)

// ErrNotFound is returned when an account is not found in the store.
var ErrNotFound = errors.New("account not found")

type (
	// Provider is the external calendar system an account lives on.
	Provider string

	// Status tracks whether an account's credentials are usable.
	Status string

	// Account is one row of the account table.
	Account struct {
		ID       ident.AccountID `json:"account_id"`
		UserID   ident.UserID    `json:"user_id"`
		Provider Provider        `json:"provider"`
		Subject  string          `json:"provider_subject"`
		Email    string          `json:"email"`
		Status   Status          `json:"status"`
	}
)

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Store defines the persistence layer for the account table.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores or replaces an account row.
	Put(ctx context.Context, acct Account) error

	// Get retrieves an account row by id. Returns ErrNotFound if the
	// account does not exist.
	Get(ctx context.Context, id ident.AccountID) (Account, error)

	// Delete removes an account row by id. Returns ErrNotFound if the
	// account does not exist.
	Delete(ctx context.Context, id ident.AccountID) error

	// List returns all account rows. Returns an empty slice when the table
	// is empty.
	List(ctx context.Context) ([]Account, error)
}
