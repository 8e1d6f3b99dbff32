// Package store declares the document-store contract the core consumes.
// Implementations must offer indexed equality and full-text querying plus an
// atomic unique-key guarantee: a declared unique index rejects duplicate
// values with ErrDuplicateKey regardless of concurrent pre-checks.
package store

import (
	"context"
	"errors"

	"idcore/internal/document"
)

var (
	// ErrNotFound indicates the filter matched no document.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateKey indicates a declared unique index rejected the write.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// Sort orders results by the value at a dotted path.
type Sort struct {
	Path string
	Desc bool
}

// FindOptions carries paging and ordering for Find.
type FindOptions struct {
	Skip      int
	Limit     int
	WithCount bool
	Sort      []Sort
}

// UniqueIndex declares an atomic uniqueness constraint over the value at
// Path, scoped to a membership: two documents in the same collection and the
// same membership may not share the value.
type UniqueIndex struct {
	Collection string
	Path       string
}

// Store is the persistence adapter consumed by the core. Every document is
// kept in a named collection and keyed by a generated identifier under
// document.FieldID.
type Store interface {
	// FindOne returns the first document matching f, or ErrNotFound.
	FindOne(ctx context.Context, collection string, f Filter) (document.Document, error)
	// Find returns matching documents with paging applied. When
	// opts.WithCount is set the second return value is the total match
	// count before paging, otherwise it is the page length.
	Find(ctx context.Context, collection string, f Filter, opts FindOptions) ([]document.Document, int, error)
	// Count returns the number of documents matching f.
	Count(ctx context.Context, collection string, f Filter) (int, error)
	// Insert persists a new document, generating an identifier when the
	// document carries none, and returns it. Violating a declared unique
	// index fails with ErrDuplicateKey.
	Insert(ctx context.Context, collection string, doc document.Document) (string, error)
	// Replace overwrites the document with the given identifier.
	Replace(ctx context.Context, collection, id string, doc document.Document) error
	// Delete removes the document, reporting whether it existed.
	Delete(ctx context.Context, collection, id string) (bool, error)
	// EnsureUniqueIndex declares a unique index. Idempotent.
	EnsureUniqueIndex(ctx context.Context, idx UniqueIndex) error
}

// ByID builds the canonical identifier lookup filter.
func ByID(id string) Filter {
	return Eq(document.FieldID, id)
}

// InMembership ANDs the caller's filter with the tenant equality clause.
// Every read path in the core routes its filter through this helper so no
// query can cross a membership boundary.
func InMembership(membershipID string, f Filter) Filter {
	tenant := Eq(document.FieldMembershipID, membershipID)
	if f.IsZero() {
		return tenant
	}
	return And(tenant, f)
}
