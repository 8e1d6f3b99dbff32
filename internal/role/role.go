// Package role specializes the CRUD engine for roles: membership-unique
// slugs, allow/deny pattern checking, two synthesized reserved roles, and a
// per-membership cache refreshed synchronously on every mutation.
package role

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"idcore/internal/document"
	"idcore/internal/engine"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/obs"
	"idcore/internal/pattern"
	"idcore/internal/schema"
	"idcore/internal/store"
)

// Collection is the backing collection for stored roles.
const Collection = "roles"

const (
	// ReservedAdministrator and ReservedServer are synthesized per
	// membership and never persisted.
	ReservedAdministrator = "administrator"
	ReservedServer        = "server"

	cacheTTL = 5 * time.Minute
)

var (
	// ErrIdenticalDocument rejects an update that would leave the role
	// unchanged.
	ErrIdenticalDocument = errors.New("role: update is identical to the current document")
	// ErrReservedName rejects non-system attempts to create, rename or
	// delete a role under a reserved slug.
	ErrReservedName = errors.New("role: reserved role name")
)

// reservedKinds are the resource kinds the synthesized administrator role is
// granted full wildcard permissions over.
var reservedKinds = []string{"users", "roles", "user_types", "memberships"}

// Role is the typed view over a role document.
type Role struct {
	ID           string
	MembershipID string
	Name         string
	Slug         string
	Description  string
	Permissions  []string
	Forbidden    []string
	Sys          identity.Sys
}

// FromDocument decodes a stored role document.
func FromDocument(d document.Document) Role {
	str := func(path string) string {
		v, _ := document.GetString(d, path)
		return v
	}
	perms, _ := document.Strings(d[document.FieldPermissions])
	forbidden, _ := document.Strings(d[document.FieldForbidden])
	return Role{
		ID:           document.ID(d),
		MembershipID: str(document.FieldMembershipID),
		Name:         str("name"),
		Slug:         str(document.FieldSlug),
		Description:  str("description"),
		Permissions:  perms,
		Forbidden:    forbidden,
		Sys:          identity.SysFromDocument(d),
	}
}

// Document encodes the caller-settable fields of a role.
func (r Role) Document() document.Document {
	d := document.Document{
		"name":                    r.Name,
		document.FieldSlug:        r.Slug,
		document.FieldPermissions: toAny(r.Permissions),
		document.FieldForbidden:   toAny(r.Forbidden),
	}
	if r.Description != "" {
		d["description"] = r.Description
	}
	return d
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// Slugify derives the membership-unique slug from a role name.
func Slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// IsReserved reports whether slug is one of the synthesized role names.
func IsReserved(slug string) bool {
	return slug == ReservedAdministrator || slug == ReservedServer
}

// Service is the role service. The cache holds the complete role list per
// membership; mutations refresh it synchronously before returning.
type Service struct {
	engine      *engine.Engine
	store       store.Store
	memberships identity.MembershipStore
	cache       *gocache.Cache
	reserved    sync.Map // membershipID "/" slug -> Role
	log         *zap.SugaredLogger
}

// NewService wires the role service and registers its cache-refresh handler
// on the emitter, so every role mutation refreshes the membership's entry
// before the mutating call returns.
func NewService(s store.Store, memberships identity.MembershipStore, emitter *event.Emitter, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = obs.NopLogger()
	}
	svc := &Service{
		store:       s,
		memberships: memberships,
		cache:       gocache.New(cacheTTL, 2*cacheTTL),
		log:         log,
	}
	svc.engine = engine.New(s, memberships, emitter, engine.Config{
		Component:  "roles",
		Collection: Collection,
		Created:    event.RoleCreated,
		Updated:    event.RoleUpdated,
		Deleted:    event.RoleDeleted,
		Validate:   svc.validate,
	}, log)
	emitter.Register(svc.onMutation)
	return svc
}

func (s *Service) onMutation(ctx context.Context, evt event.Event) {
	switch evt.Type {
	case event.RoleCreated, event.RoleUpdated, event.RoleDeleted:
	default:
		return
	}
	if err := s.RefreshCache(ctx, evt.MembershipID); err != nil {
		s.log.Warnw("role cache refresh failed", "membership_id", evt.MembershipID, "error", err)
	}
}

// validate enforces role shape: name and membership present, allow/deny
// pattern sets well formed and conflict free. Errors accumulate.
func (s *Service) validate(_ context.Context, _ identity.Membership, doc, _ document.Document) error {
	verr := &schema.ValidationError{}
	if name, _ := document.GetString(doc, "name"); name == "" {
		verr.Add("name", "required field is missing", nil)
	}
	if mid, _ := document.GetString(doc, document.FieldMembershipID); mid == "" {
		verr.Add(document.FieldMembershipID, "required field is missing", nil)
	}
	allow, _ := document.Strings(doc[document.FieldPermissions])
	deny, _ := document.Strings(doc[document.FieldForbidden])
	if err := pattern.CheckSets(allow, deny); err != nil {
		var conflict *pattern.ConflictError
		if errors.As(err, &conflict) {
			return err
		}
		verr.Add(document.FieldPermissions, err.Error(), nil)
	}
	return verr.Err()
}

// Create persists a new role. The slug is derived from the name; a reserved
// slug is rejected unless the actor is a system identity; an existing slug
// in the membership fails with ErrAlreadyExists whether caught here or by
// the store's unique constraint.
func (s *Service) Create(ctx context.Context, utz identity.Utilizer, membershipID string, r Role) (Role, error) {
	r.Slug = Slugify(r.Name)
	if IsReserved(r.Slug) && !utz.IsSystem() {
		return Role{}, fmt.Errorf("%w: %s", ErrReservedName, r.Slug)
	}
	if err := s.slugAvailable(ctx, membershipID, r.Slug, ""); err != nil {
		return Role{}, err
	}
	doc, err := s.engine.Create(ctx, utz, membershipID, r.Document())
	if err != nil {
		return Role{}, err
	}
	return FromDocument(doc), nil
}

// Update merges a partial payload onto the current role. Immutable fields in
// the payload are discarded in favor of the stored values, the slug follows
// the (possibly updated) name, and a payload that changes nothing fails with
// ErrIdenticalDocument.
func (s *Service) Update(ctx context.Context, utz identity.Utilizer, membershipID, id string, patch document.Document) (Role, error) {
	current, err := s.engine.Get(ctx, membershipID, id)
	if err != nil {
		return Role{}, err
	}

	p := document.Clone(patch)
	document.StripManaged(p)
	delete(p, document.FieldSlug)
	currentSlug, _ := document.GetString(current, document.FieldSlug)
	slug := currentSlug
	if name, ok := p["name"].(string); ok {
		slug = Slugify(name)
	}
	if IsReserved(slug) && !utz.IsSystem() {
		return Role{}, fmt.Errorf("%w: %s", ErrReservedName, slug)
	}
	if slug != currentSlug {
		if err := s.slugAvailable(ctx, membershipID, slug, id); err != nil {
			return Role{}, err
		}
	}
	p[document.FieldSlug] = slug

	if identical(current, p) {
		return Role{}, fmt.Errorf("%w: %s", ErrIdenticalDocument, id)
	}

	doc, err := s.engine.Update(ctx, utz, membershipID, id, p)
	if err != nil {
		return Role{}, err
	}
	return FromDocument(doc), nil
}

// Delete removes a stored role. Reserved roles are synthesized, never
// stored, and cannot be deleted.
func (s *Service) Delete(ctx context.Context, utz identity.Utilizer, membershipID, id string) (bool, error) {
	if IsReserved(id) {
		return false, fmt.Errorf("%w: %s", ErrReservedName, id)
	}
	return s.engine.Delete(ctx, utz, membershipID, id)
}

// GetByID returns a role by id. The reserved ids resolve to the synthesized
// roles without touching cache or store.
func (s *Service) GetByID(ctx context.Context, membershipID, id string) (Role, error) {
	if IsReserved(id) {
		return s.reservedRole(membershipID, id), nil
	}
	if r, ok := s.fromCache(membershipID, func(r Role) bool { return r.ID == id }); ok {
		return r, nil
	}
	doc, err := s.engine.Get(ctx, membershipID, id)
	if err != nil {
		return Role{}, err
	}
	return FromDocument(doc), nil
}

// GetBySlug returns a role by its membership-unique slug. Reserved slugs are
// synthesized; a cache miss falls back to a direct store read without
// populating the cache.
func (s *Service) GetBySlug(ctx context.Context, membershipID, slug string) (Role, error) {
	if IsReserved(slug) {
		return s.reservedRole(membershipID, slug), nil
	}
	if r, ok := s.fromCache(membershipID, func(r Role) bool { return r.Slug == slug }); ok {
		return r, nil
	}
	if _, err := s.memberships.Get(ctx, membershipID); err != nil {
		return Role{}, err
	}
	doc, err := s.store.FindOne(ctx, Collection, store.InMembership(membershipID, store.Eq(document.FieldSlug, slug)))
	if errors.Is(err, store.ErrNotFound) {
		return Role{}, fmt.Errorf("%w: slug %s", engine.ErrNotFound, slug)
	}
	if err != nil {
		return Role{}, err
	}
	return FromDocument(doc), nil
}

// List returns a page of the membership's stored roles.
func (s *Service) List(ctx context.Context, membershipID string, page engine.Page) ([]Role, int, error) {
	docs, total, err := s.engine.List(ctx, membershipID, page)
	if err != nil {
		return nil, 0, err
	}
	roles := make([]Role, len(docs))
	for i, d := range docs {
		roles[i] = FromDocument(d)
	}
	return roles, total, nil
}

// RefreshCache reloads the membership's complete role list from the store
// and replaces the cache entry atomically, remove then set.
func (s *Service) RefreshCache(ctx context.Context, membershipID string) (err error) {
	defer func() { obs.ObserveCacheRefresh(err) }()

	docs, _, err := s.store.Find(ctx, Collection, store.InMembership(membershipID, store.Filter{}), store.FindOptions{})
	if err != nil {
		return err
	}
	roles := make([]Role, len(docs))
	for i, d := range docs {
		roles[i] = FromDocument(d)
	}
	s.cache.Delete(membershipID)
	s.cache.Set(membershipID, roles, cacheTTL)
	return nil
}

// EnsureAdministrators warms the reserved-role table for every existing
// membership so first reads do not pay the synthesis cost.
func (s *Service) EnsureAdministrators(ctx context.Context) error {
	memberships, err := s.memberships.List(ctx)
	if err != nil {
		return err
	}
	for _, m := range memberships {
		s.reservedRole(m.ID, ReservedAdministrator)
		s.reservedRole(m.ID, ReservedServer)
	}
	s.log.Infow("reserved roles ensured", "memberships", len(memberships))
	return nil
}

func (s *Service) fromCache(membershipID string, match func(Role) bool) (Role, bool) {
	entry, ok := s.cache.Get(membershipID)
	if !ok {
		return Role{}, false
	}
	for _, r := range entry.([]Role) {
		if match(r) {
			return r, true
		}
	}
	return Role{}, false
}

// reservedRole returns the synthesized role for the membership, computing it
// at most logically once per membership and slug.
func (s *Service) reservedRole(membershipID, slug string) Role {
	key := membershipID + "/" + slug
	if v, ok := s.reserved.Load(key); ok {
		return v.(Role)
	}
	var r Role
	switch slug {
	case ReservedServer:
		r = Role{
			ID:           ReservedServer,
			MembershipID: membershipID,
			Name:         "Server",
			Slug:         ReservedServer,
			Permissions:  []string{"users.password.reset", "users.password.set"},
		}
	default:
		perms := make([]string, len(reservedKinds))
		for i, kind := range reservedKinds {
			perms[i] = kind + ".*"
		}
		r = Role{
			ID:           ReservedAdministrator,
			MembershipID: membershipID,
			Name:         "Administrator",
			Slug:         ReservedAdministrator,
			Permissions:  perms,
		}
	}
	actual, _ := s.reserved.LoadOrStore(key, r)
	return actual.(Role)
}

func (s *Service) slugAvailable(ctx context.Context, membershipID, slug, selfID string) error {
	doc, err := s.store.FindOne(ctx, Collection, store.InMembership(membershipID, store.Eq(document.FieldSlug, slug)))
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if document.ID(doc) != selfID {
		return fmt.Errorf("%w: slug %s", engine.ErrAlreadyExists, slug)
	}
	return nil
}

// identical reports whether applying the patch would change nothing. Audit
// metadata and the identifier are excluded from the comparison.
func identical(current, patch document.Document) bool {
	merged := document.Merge(current, patch)
	a := document.Clone(current)
	b := document.Clone(merged)
	for _, d := range []document.Document{a, b} {
		delete(d, document.FieldID)
		delete(d, document.FieldSys)
	}
	return document.Equal(a, b)
}
