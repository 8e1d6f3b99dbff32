// Package memory implements the store contract with in-process concurrency
// safety. It backs the test suites and small single-node deployments; the
// Postgres adapter is the durable option.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"idcore/internal/document"
	"idcore/internal/ids"
	"idcore/internal/store"
)

// Store keeps every collection in process memory. Documents are deep-copied
// on the way in and out so callers never share state with the store.
type Store struct {
	mu      sync.RWMutex
	data    map[string]map[string]document.Document // collection -> id -> doc
	uniques map[string][]string                     // collection -> unique paths
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data:    make(map[string]map[string]document.Document),
		uniques: make(map[string][]string),
	}
}

func (s *Store) FindOne(ctx context.Context, collection string, f store.Filter) (document.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.sortedIDs(collection) {
		doc := s.data[collection][id]
		if f.Matches(doc) {
			return document.Clone(doc), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) Find(ctx context.Context, collection string, f store.Filter, opts store.FindOptions) ([]document.Document, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []document.Document
	for _, id := range s.sortedIDs(collection) {
		doc := s.data[collection][id]
		if f.Matches(doc) {
			matched = append(matched, doc)
		}
	}
	sortDocuments(matched, opts.Sort)
	total := len(matched)

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && opts.Limit < len(matched) {
		matched = matched[:opts.Limit]
	}

	out := make([]document.Document, len(matched))
	for i, doc := range matched {
		out[i] = document.Clone(doc)
	}
	if !opts.WithCount {
		total = len(out)
	}
	return out, total, nil
}

func (s *Store) Count(ctx context.Context, collection string, f store.Filter) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, doc := range s.data[collection] {
		if f.Matches(doc) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Insert(ctx context.Context, collection string, doc document.Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := document.Clone(doc)
	id := document.ID(stored)
	if id == "" {
		id = ids.New()
		stored[document.FieldID] = id
	}
	coll := s.data[collection]
	if coll == nil {
		coll = make(map[string]document.Document)
		s.data[collection] = coll
	}
	if _, exists := coll[id]; exists {
		return "", fmt.Errorf("%w: _id %s", store.ErrDuplicateKey, id)
	}
	if err := s.checkUniqueLocked(collection, stored, id); err != nil {
		return "", err
	}
	coll[id] = stored
	return id, nil
}

func (s *Store) Replace(ctx context.Context, collection, id string, doc document.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	coll := s.data[collection]
	if coll == nil {
		return store.ErrNotFound
	}
	if _, exists := coll[id]; !exists {
		return store.ErrNotFound
	}
	stored := document.Clone(doc)
	stored[document.FieldID] = id
	if err := s.checkUniqueLocked(collection, stored, id); err != nil {
		return err
	}
	coll[id] = stored
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	coll := s.data[collection]
	if coll == nil {
		return false, nil
	}
	if _, exists := coll[id]; !exists {
		return false, nil
	}
	delete(coll, id)
	return true, nil
}

func (s *Store) EnsureUniqueIndex(ctx context.Context, idx store.UniqueIndex) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range s.uniques[idx.Collection] {
		if path == idx.Path {
			return nil
		}
	}
	s.uniques[idx.Collection] = append(s.uniques[idx.Collection], idx.Path)
	return nil
}

// checkUniqueLocked enforces declared unique indexes within the document's
// membership, excluding the document itself.
func (s *Store) checkUniqueLocked(collection string, doc document.Document, selfID string) error {
	paths := s.uniques[collection]
	if len(paths) == 0 {
		return nil
	}
	membershipID, _ := document.GetString(doc, document.FieldMembershipID)
	for _, path := range paths {
		value, ok := document.Get(doc, path)
		if !ok || value == nil {
			continue
		}
		for id, other := range s.data[collection] {
			if id == selfID {
				continue
			}
			otherMembership, _ := document.GetString(other, document.FieldMembershipID)
			if otherMembership != membershipID {
				continue
			}
			otherValue, ok := document.Get(other, path)
			if ok && document.Equal(document.Document{"v": value}, document.Document{"v": otherValue}) {
				return fmt.Errorf("%w: %s=%v", store.ErrDuplicateKey, path, value)
			}
		}
	}
	return nil
}

// sortedIDs gives deterministic iteration order for FindOne and unsorted
// Find results.
func (s *Store) sortedIDs(collection string) []string {
	coll := s.data[collection]
	out := make([]string, 0, len(coll))
	for id := range coll {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func sortDocuments(docs []document.Document, by []store.Sort) {
	if len(by) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		for _, s := range by {
			cmp := compareValues(valueAt(docs[i], s.Path), valueAt(docs[j], s.Path))
			if cmp == 0 {
				continue
			}
			if s.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
}

func valueAt(d document.Document, path string) any {
	v, _ := document.Get(d, path)
	return v
}

func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs)
	}
	// nil sorts first
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return 0
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
