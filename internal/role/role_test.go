package role

import (
	"context"
	"errors"
	"testing"

	"idcore/internal/document"
	"idcore/internal/engine"
	"idcore/internal/event"
	"idcore/internal/identity"
	"idcore/internal/pattern"
	"idcore/internal/schema"
	"idcore/internal/store"
	"idcore/internal/store/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	for _, id := range []string{"m1", "m2"} {
		doc := identity.MembershipDocument(identity.Membership{ID: id, Name: id, SecretKey: "k-" + id})
		if _, err := s.Insert(ctx, identity.MembershipCollection, doc); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
	if err := s.EnsureUniqueIndex(ctx, store.UniqueIndex{Collection: Collection, Path: document.FieldSlug}); err != nil {
		t.Fatalf("index: %v", err)
	}
	return NewService(s, identity.NewMemberships(s), event.NewEmitter(), nil), s
}

func admin() identity.Utilizer { return identity.Human("u-admin", ReservedAdministrator, "m1") }

func TestCreateDerivesSlugAndDetectsConflicts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	editor, err := svc.Create(ctx, admin(), "m1", Role{
		Name:        "Editor",
		Permissions: []string{"blog.posts.*"},
		Forbidden:   []string{"blog.posts.delete"},
	})
	if err != nil {
		t.Fatalf("create editor: %v", err)
	}
	if editor.Slug != "editor" || editor.ID == "" {
		t.Fatalf("editor = %+v", editor)
	}

	_, err = svc.Create(ctx, admin(), "m1", Role{
		Name:        "Editor2",
		Permissions: []string{"blog.posts.delete"},
		Forbidden:   []string{"blog.posts.delete"},
	})
	var conflict *pattern.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("err = %v, want ConflictError", err)
	}
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, admin(), "m1", Role{Name: "Editor"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same slug from a differently cased name.
	_, err := svc.Create(ctx, admin(), "m1", Role{Name: "EDITOR"})
	if !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
	// The same slug in another membership is fine.
	if _, err := svc.Create(ctx, identity.Human("u2", ReservedAdministrator, "m2"), "m2", Role{Name: "Editor"}); err != nil {
		t.Fatalf("cross-membership create: %v", err)
	}
}

func TestCreateRejectsMissingName(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Create(context.Background(), admin(), "m1", Role{Permissions: []string{"blog.*"}})
	var verr *schema.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestReservedNameGate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Create(ctx, admin(), "m1", Role{Name: "Administrator"}); !errors.Is(err, ErrReservedName) {
		t.Fatalf("human create err = %v, want ErrReservedName", err)
	}
	if _, err := svc.Create(ctx, identity.System(), "m1", Role{Name: "Server"}); err != nil {
		t.Fatalf("system create: %v", err)
	}

	created, err := svc.Create(ctx, admin(), "m1", Role{Name: "Helper"})
	if err != nil {
		t.Fatalf("create helper: %v", err)
	}
	if _, err := svc.Update(ctx, admin(), "m1", created.ID, document.Document{"name": "administrator"}); !errors.Is(err, ErrReservedName) {
		t.Fatalf("rename err = %v, want ErrReservedName", err)
	}
}

func TestReservedRolesAreSynthesized(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	// A stored role under the reserved slug never shadows the synthesized
	// one.
	if _, err := svc.Create(ctx, identity.System(), "m1", Role{Name: "Administrator", Permissions: []string{"blog.*"}}); err != nil {
		t.Fatalf("system create: %v", err)
	}
	got, err := svc.GetBySlug(ctx, "m1", ReservedAdministrator)
	if err != nil {
		t.Fatalf("get administrator: %v", err)
	}
	if got.ID != ReservedAdministrator || len(got.Permissions) != len(reservedKinds) {
		t.Fatalf("administrator = %+v", got)
	}

	server, err := svc.GetBySlug(ctx, "m2", ReservedServer)
	if err != nil {
		t.Fatalf("get server: %v", err)
	}
	want := []string{"users.password.reset", "users.password.set"}
	if len(server.Permissions) != 2 || server.Permissions[0] != want[0] || server.Permissions[1] != want[1] {
		t.Fatalf("server permissions = %v, want %v", server.Permissions, want)
	}
	if server.MembershipID != "m2" {
		t.Fatalf("server membership = %q", server.MembershipID)
	}

	if _, err := svc.Delete(ctx, admin(), "m1", ReservedAdministrator); !errors.Is(err, ErrReservedName) {
		t.Fatalf("delete reserved err = %v, want ErrReservedName", err)
	}
}

func TestMutationsRefreshCacheSynchronously(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin(), "m1", Role{Name: "Editor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The create refreshed the cache; a direct store delete is invisible
	// until the next mutation.
	if _, err := s.Delete(ctx, Collection, created.ID); err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	if got, err := svc.GetBySlug(ctx, "m1", "editor"); err != nil || got.ID != created.ID {
		t.Fatalf("cached read = %+v, %v", got, err)
	}
	if got, err := svc.GetByID(ctx, "m1", created.ID); err != nil || got.Slug != "editor" {
		t.Fatalf("cached read by id = %+v, %v", got, err)
	}
}

func TestReadFallbackDoesNotPopulateCache(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin(), "m1", Role{Name: "Editor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	svc.cache.Flush()

	// Cache miss falls through to the store.
	if _, err := svc.GetBySlug(ctx, "m1", "editor"); err != nil {
		t.Fatalf("fallback read: %v", err)
	}
	// The fallback did not cache: removing the stored role makes the next
	// read miss too.
	if _, err := s.Delete(ctx, Collection, created.ID); err != nil {
		t.Fatalf("raw delete: %v", err)
	}
	if _, err := svc.GetBySlug(ctx, "m1", "editor"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetBySlugUnknownMembership(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.GetBySlug(ctx, "m-ghost", "editor"); !errors.Is(err, identity.ErrMembershipNotFound) {
		t.Fatalf("err = %v, want ErrMembershipNotFound", err)
	}
	// Reserved slugs stay synthesized even for unknown tenants.
	if r, err := svc.GetBySlug(ctx, "m-ghost", ReservedServer); err != nil || r.Slug != ReservedServer {
		t.Fatalf("reserved read = %+v, %v", r, err)
	}
}

func TestUpdateSemantics(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin(), "m1", Role{Name: "Editor", Description: "writes posts"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Identical payload is a rejected no-op.
	_, err = svc.Update(ctx, admin(), "m1", created.ID, document.Document{"description": "writes posts"})
	if !errors.Is(err, ErrIdenticalDocument) {
		t.Fatalf("err = %v, want ErrIdenticalDocument", err)
	}

	// Immutable fields from the payload are discarded.
	updated, err := svc.Update(ctx, admin(), "m1", created.ID, document.Document{
		"description":   "edits posts",
		"membership_id": "m2",
		"slug":          "hacked",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.MembershipID != "m1" || updated.Slug != "editor" || updated.Description != "edits posts" {
		t.Fatalf("updated = %+v", updated)
	}

	// Renaming recomputes the slug.
	updated, err = svc.Update(ctx, admin(), "m1", created.ID, document.Document{"name": "Senior Editor"})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Slug != "senior-editor" {
		t.Fatalf("slug = %q, want senior-editor", updated.Slug)
	}

	// Renaming onto another role's slug collides.
	if _, err := svc.Create(ctx, admin(), "m1", Role{Name: "Viewer"}); err != nil {
		t.Fatalf("create viewer: %v", err)
	}
	if _, err := svc.Update(ctx, admin(), "m1", created.ID, document.Document{"name": "Viewer"}); !errors.Is(err, engine.ErrAlreadyExists) {
		t.Fatalf("err = %v, want ErrAlreadyExists", err)
	}
}

func TestDeleteRefreshesCache(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, admin(), "m1", Role{Name: "Editor"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := svc.Delete(ctx, admin(), "m1", created.ID); !ok || err != nil {
		t.Fatalf("delete = %v, %v", ok, err)
	}
	if _, err := svc.GetBySlug(ctx, "m1", "editor"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestEnsureAdministrators(t *testing.T) {
	svc, _ := newService(t)
	if err := svc.EnsureAdministrators(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	for _, m := range []string{"m1", "m2"} {
		if _, ok := svc.reserved.Load(m + "/" + ReservedAdministrator); !ok {
			t.Fatalf("administrator not warmed for %s", m)
		}
		if _, ok := svc.reserved.Load(m + "/" + ReservedServer); !ok {
			t.Fatalf("server not warmed for %s", m)
		}
	}
}

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Editor":         "editor",
		"Senior Editor":  "senior-editor",
		"  Spaced  Out ": "spaced-out",
		"C# Devs!":       "c-devs",
		"under_score":    "under_score",
	}
	for in, want := range cases {
		if got := Slugify(in); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
