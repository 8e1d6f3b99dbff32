package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idcore/internal/document"
	"idcore/internal/store"
)

// MembershipCollection is where tenant records live in the document store.
const MembershipCollection = "memberships"

const defaultTokenTTL = time.Hour

// MembershipStore resolves tenants. Every core operation resolves and
// validates the owning membership through this before doing anything else.
type MembershipStore interface {
	Get(ctx context.Context, id string) (Membership, error)
	List(ctx context.Context) ([]Membership, error)
}

// Memberships reads tenant records from the document store.
type Memberships struct {
	store store.Store
}

var _ MembershipStore = (*Memberships)(nil)

// NewMemberships builds a store-backed membership resolver.
func NewMemberships(s store.Store) *Memberships {
	return &Memberships{store: s}
}

func (m *Memberships) Get(ctx context.Context, id string) (Membership, error) {
	if id == "" {
		return Membership{}, ErrMembershipNotFound
	}
	doc, err := m.store.FindOne(ctx, MembershipCollection, store.ByID(id))
	if errors.Is(err, store.ErrNotFound) {
		return Membership{}, fmt.Errorf("%w: %s", ErrMembershipNotFound, id)
	}
	if err != nil {
		return Membership{}, err
	}
	return membershipFromDocument(doc)
}

func (m *Memberships) List(ctx context.Context) ([]Membership, error) {
	docs, _, err := m.store.Find(ctx, MembershipCollection, store.Filter{}, store.FindOptions{})
	if err != nil {
		return nil, err
	}
	out := make([]Membership, 0, len(docs))
	for _, doc := range docs {
		ms, err := membershipFromDocument(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, ms)
	}
	return out, nil
}

func membershipFromDocument(doc document.Document) (Membership, error) {
	id := document.ID(doc)
	if id == "" {
		return Membership{}, errors.New("identity: membership document without _id")
	}
	ms := Membership{ID: id, TokenTTL: defaultTokenTTL}
	ms.Name, _ = document.GetString(doc, "name")
	ms.SecretKey, _ = document.GetString(doc, "secret_key")
	ms.HashAlgorithm, _ = document.GetString(doc, "hash_algorithm")
	ms.SearchLanguage, _ = document.GetString(doc, "search_language")
	if ms.HashAlgorithm == "" {
		ms.HashAlgorithm = HashBcrypt
	}
	if secs, ok := document.Get(doc, "token_ttl_seconds"); ok {
		if ttl, ok := asSeconds(secs); ok && ttl > 0 {
			ms.TokenTTL = ttl
		}
	}
	if secs, ok := document.Get(doc, "refresh_token_ttl_seconds"); ok {
		if ttl, ok := asSeconds(secs); ok && ttl > 0 {
			ms.RefreshTokenTTL = ttl
		}
	}
	return ms, nil
}

// MembershipDocument renders a tenant as a store document. The bootstrap
// binary and the test suites seed memberships through it.
func MembershipDocument(ms Membership) document.Document {
	doc := document.Document{
		document.FieldID: ms.ID,
		"name":           ms.Name,
		"secret_key":     ms.SecretKey,
		"hash_algorithm": ms.HashAlgorithm,
	}
	if ms.SearchLanguage != "" {
		doc["search_language"] = ms.SearchLanguage
	}
	if ms.TokenTTL > 0 {
		doc["token_ttl_seconds"] = ms.TokenTTL.Seconds()
	}
	if ms.RefreshTokenTTL > 0 {
		doc["refresh_token_ttl_seconds"] = ms.RefreshTokenTTL.Seconds()
	}
	return doc
}

func asSeconds(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Second, true
	case int64:
		return time.Duration(n) * time.Second, true
	default:
		return 0, false
	}
}
