// Package mongo provides a MongoDB implementation of the registry store.
//
// This implementation persists account rows to MongoDB for durability across
// restarts. Deployments that already run MongoDB for the user graph can point
// the registry at the same cluster instead of the replicated map.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/facetcal/facet/ident"
	"github.com/facetcal/facet/registry/store"
)

// Store is a MongoDB implementation of the store.Store interface.
type Store struct {
	collection *mongo.Collection
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// accountDocument is the MongoDB document representation of an account row.
type accountDocument struct {
	ID       string `bson:"_id"`
	UserID   string `bson:"user_id"`
	Provider string `bson:"provider"`
	Subject  string `bson:"provider_subject,omitempty"`
	Email    string `bson:"email,omitempty"`
	Status   string `bson:"status"`
}

// New creates a new MongoDB store using the provided collection.
// The collection should be from a connected MongoDB client.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Put stores or replaces an account row.
func (s *Store) Put(ctx context.Context, acct store.Account) error {
	doc := toDocument(acct)
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": doc.ID},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put account %s: %w", acct.ID, err)
	}
	return nil
}

// Get retrieves an account row by id.
func (s *Store) Get(ctx context.Context, id ident.AccountID) (store.Account, error) {
	var doc accountDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Account{}, store.ErrNotFound
	}
	if err != nil {
		return store.Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return fromDocument(doc), nil
}

// Delete removes an account row by id.
func (s *Store) Delete(ctx context.Context, id ident.AccountID) error {
	res, err := s.collection.DeleteOne(ctx, bson.M{"_id": string(id)})
	if err != nil {
		return fmt.Errorf("delete account %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// List returns all account rows.
func (s *Store) List(ctx context.Context) ([]store.Account, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer cursor.Close(ctx)

	accounts := []store.Account{}
	for cursor.Next(ctx) {
		var doc accountDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode account: %w", err)
		}
		accounts = append(accounts, fromDocument(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate accounts: %w", err)
	}
	return accounts, nil
}

func toDocument(acct store.Account) accountDocument {
	return accountDocument{
		ID:       string(acct.ID),
		UserID:   string(acct.UserID),
		Provider: string(acct.Provider),
		Subject:  acct.Subject,
		Email:    acct.Email,
		Status:   string(acct.Status),
	}
}

func fromDocument(doc accountDocument) store.Account {
	return store.Account{
		ID:       ident.AccountID(doc.ID),
		UserID:   ident.UserID(doc.UserID),
		Provider: store.Provider(doc.Provider),
		Subject:  doc.Subject,
		Email:    doc.Email,
		Status:   store.Status(doc.Status),
	}
}
