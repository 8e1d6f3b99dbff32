package schema

import (
	"context"
	"errors"
	"testing"

	"idcore/internal/document"
	"idcore/internal/store/memory"
)

const usersCollection = "users"

func seedType(t *testing.T, s *memory.Store, typ UserType) {
	t.Helper()
	if _, err := s.Insert(context.Background(), TypeCollection, TypeDocument(typ)); err != nil {
		t.Fatalf("seed type %s: %v", typ.Slug, err)
	}
}

func seedUser(t *testing.T, s *memory.Store, doc document.Document) string {
	t.Helper()
	id, err := s.Insert(context.Background(), usersCollection, doc)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return id
}

func fieldReasons(t *testing.T, err error) map[string][]string {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	out := map[string][]string{}
	for _, f := range verr.Fields {
		out[f.Field] = append(out[f.Field], f.Reason)
	}
	return out
}

func TestValidateAbstractType(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)

	typ := UserType{MembershipID: "m1", Slug: "person", IsAbstract: true}
	err := v.Validate(context.Background(), document.Document{"membership_id": "m1"}, typ, nil)
	if err == nil {
		t.Fatal("expected abstract type rejection")
	}
	if _, ok := fieldReasons(t, err)["type"]; !ok {
		t.Fatalf("expected error on type field: %v", err)
	}
}

func TestValidateTypeImmutable(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)

	typ := UserType{MembershipID: "m1", Slug: "customer"}
	prior := document.Document{"_id": "u1", "membership_id": "m1", "type": "customer"}
	doc := document.Document{"membership_id": "m1", "type": "employee"}

	err := v.Validate(context.Background(), doc, typ, prior)
	if err == nil {
		t.Fatal("expected type immutability violation")
	}
	if _, ok := fieldReasons(t, err)["type"]; !ok {
		t.Fatalf("expected error on type field: %v", err)
	}

	// Keeping the same type is fine.
	same := document.Document{"membership_id": "m1", "type": "customer"}
	if err := v.Validate(context.Background(), same, typ, prior); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRequired(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)

	typ := UserType{MembershipID: "m1", Slug: "customer", Required: []string{"email", "profile.name"}}
	doc := document.Document{"membership_id": "m1", "email": ""}

	err := v.Validate(context.Background(), doc, typ, nil)
	reasons := fieldReasons(t, err)
	if _, ok := reasons["email"]; !ok {
		t.Fatalf("blank email not reported: %v", err)
	}
	if _, ok := reasons["profile.name"]; !ok {
		t.Fatalf("missing nested field not reported: %v", err)
	}
}

func TestValidateUniqueness(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)
	ctx := context.Background()

	typ := UserType{MembershipID: "m1", Slug: "customer",
		Properties: []Property{{Path: "email", Kind: KindUnique}}}

	existingID := seedUser(t, s, document.Document{"membership_id": "m1", "type": "customer", "email": "ada@x.io"})

	// Fresh document with a colliding value.
	err := v.Validate(ctx, document.Document{"membership_id": "m1", "email": "ada@x.io"}, typ, nil)
	if err == nil {
		t.Fatal("expected uniqueness violation")
	}
	if _, ok := fieldReasons(t, err)["email"]; !ok {
		t.Fatalf("expected email uniqueness error: %v", err)
	}

	// Updating the owner of the value is not a collision.
	prior := document.Document{"_id": existingID, "membership_id": "m1", "type": "customer", "email": "ada@x.io"}
	if err := v.Validate(ctx, document.Document{"membership_id": "m1", "email": "ada@x.io"}, typ, prior); err != nil {
		t.Fatalf("self-match must be excluded: %v", err)
	}

	// Same value in another membership is invisible.
	if err := v.Validate(ctx, document.Document{"membership_id": "m2", "email": "ada@x.io"}, typ, nil); err != nil {
		t.Fatalf("cross-membership uniqueness leak: %v", err)
	}
}

func TestResolveSingleReference(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)
	ctx := context.Background()

	seedType(t, s, UserType{MembershipID: "m1", Slug: "person"})
	seedType(t, s, UserType{MembershipID: "m1", Slug: "employee", Base: "person"})

	managerID := seedUser(t, s, document.Document{
		"membership_id": "m1", "type": "employee", "name": "Grace",
		"password_hash": "secret",
	})

	typ := UserType{MembershipID: "m1", Slug: "customer",
		Properties: []Property{{Path: "manager", Kind: KindReference, ContentType: "person"}}}

	doc := document.Document{"membership_id": "m1", "manager": managerID}
	if err := v.Validate(ctx, doc, typ, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	embedded, ok := doc["manager"].(document.Document)
	if !ok {
		t.Fatalf("reference was not embedded: %v", doc["manager"])
	}
	if name, _ := document.GetString(embedded, "name"); name != "Grace" {
		t.Fatalf("wrong embedded document: %v", embedded)
	}
	if _, ok := embedded[document.FieldPasswordHash]; ok {
		t.Fatal("embedded document must not leak password_hash")
	}
}

func TestResolveReferenceErrors(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)
	ctx := context.Background()

	seedType(t, s, UserType{MembershipID: "m1", Slug: "person"})
	seedType(t, s, UserType{MembershipID: "m1", Slug: "machine"})

	robotID := seedUser(t, s, document.Document{"membership_id": "m1", "type": "machine"})
	untypedID := seedUser(t, s, document.Document{"membership_id": "m1"})

	typ := UserType{MembershipID: "m1", Slug: "customer",
		Properties: []Property{{Path: "manager", Kind: KindReference, ContentType: "person"}}}

	cases := map[string]any{
		"missing target":     "01ZZZZZZZZZZZZZZZZZZZZZZZZ",
		"type mismatch":      robotID,
		"missing type":       untypedID,
		"not an id":          42,
	}
	for name, value := range cases {
		doc := document.Document{"membership_id": "m1", "manager": value}
		err := v.Validate(ctx, doc, typ, nil)
		if err == nil {
			t.Fatalf("%s: expected field error", name)
		}
		if _, ok := fieldReasons(t, err)["manager"]; !ok {
			t.Fatalf("%s: expected error on manager field, got %v", name, err)
		}
		if _, embedded := doc["manager"].(document.Document); embedded {
			t.Fatalf("%s: failed reference must not embed", name)
		}
	}
}

func TestResolveMultipleReferencePartialFailure(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)
	ctx := context.Background()

	seedType(t, s, UserType{MembershipID: "m1", Slug: "person"})
	okID := seedUser(t, s, document.Document{"membership_id": "m1", "type": "person"})

	typ := UserType{MembershipID: "m1", Slug: "team",
		Properties: []Property{{Path: "members", Kind: KindReference, Multiple: true, ContentType: "person"}}}

	doc := document.Document{"membership_id": "m1", "members": []any{okID, "01ZZZZZZZZZZZZZZZZZZZZZZZZ"}}
	err := v.Validate(ctx, doc, typ, nil)
	if err == nil {
		t.Fatal("expected partial resolution failure")
	}
	if _, ok := fieldReasons(t, err)["members"]; !ok {
		t.Fatalf("expected members field error: %v", err)
	}
	// The whole property stays unembedded on partial failure.
	if list, ok := doc["members"].([]any); !ok || len(list) != 2 {
		t.Fatalf("members mutated despite failure: %v", doc["members"])
	} else if _, embedded := list[0].(document.Document); embedded {
		t.Fatal("partial embedding leaked")
	}

	// Full success embeds every element.
	secondID := seedUser(t, s, document.Document{"membership_id": "m1", "type": "person"})
	doc = document.Document{"membership_id": "m1", "members": []any{okID, secondID}}
	if err := v.Validate(ctx, doc, typ, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	list := doc["members"].([]any)
	for i, item := range list {
		if _, ok := item.(document.Document); !ok {
			t.Fatalf("element %d not embedded: %v", i, item)
		}
	}
}

func TestValidatePatternConflicts(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)

	typ := UserType{MembershipID: "m1", Slug: "customer"}
	doc := document.Document{
		"membership_id": "m1",
		"permissions":   []any{"blog.posts.delete"},
		"forbidden":     []any{"blog.posts.delete"},
	}
	err := v.Validate(context.Background(), doc, typ, nil)
	if err == nil {
		t.Fatal("expected pattern conflict")
	}
	if _, ok := fieldReasons(t, err)["permissions"]; !ok {
		t.Fatalf("expected permissions field error: %v", err)
	}

	// A wildcard grant with a narrower literal deny is an exception, not a
	// conflict.
	doc["permissions"] = []any{"blog.posts.*"}
	if err := v.Validate(context.Background(), doc, typ, nil); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateAccumulates(t *testing.T) {
	s := memory.New()
	v := NewValidator(s, NewRegistry(s), usersCollection)

	typ := UserType{MembershipID: "m1", Slug: "customer",
		Required:   []string{"email"},
		Properties: []Property{{Path: "manager", Kind: KindReference}}}
	doc := document.Document{
		"membership_id": "m1",
		"manager":       42,
		"permissions":   []any{"a.b"},
		"forbidden":     []any{"a.b"},
	}
	err := v.Validate(context.Background(), doc, typ, nil)
	reasons := fieldReasons(t, err)
	for _, field := range []string{"email", "manager", "permissions"} {
		if _, ok := reasons[field]; !ok {
			t.Fatalf("expected accumulated error for %s, got %v", field, err)
		}
	}
}

func TestRegistryInherits(t *testing.T) {
	s := memory.New()
	r := NewRegistry(s)
	ctx := context.Background()

	seedType(t, s, UserType{MembershipID: "m1", Slug: "person", IsAbstract: true})
	seedType(t, s, UserType{MembershipID: "m1", Slug: "employee", Base: "person"})
	seedType(t, s, UserType{MembershipID: "m1", Slug: "manager", Base: "employee"})

	for _, c := range []struct {
		slug, ancestor string
		want           bool
	}{
		{"manager", "person", true},
		{"manager", "employee", true},
		{"employee", "person", true},
		{"person", "person", true},
		{"person", "manager", false},
		{"employee", "manager", false},
		{"unknown", "person", false},
	} {
		got, err := r.Inherits(ctx, "m1", c.slug, c.ancestor)
		if err != nil {
			t.Fatalf("Inherits(%s, %s): %v", c.slug, c.ancestor, err)
		}
		if got != c.want {
			t.Fatalf("Inherits(%s, %s) = %v, want %v", c.slug, c.ancestor, got, c.want)
		}
	}

	if _, err := r.Get(ctx, "m1", "ghost"); !errors.Is(err, ErrTypeNotFound) {
		t.Fatalf("expected ErrTypeNotFound, got %v", err)
	}
	typ, err := r.Get(ctx, "m1", "employee")
	if err != nil || typ.Base != "person" {
		t.Fatalf("Get round-trip broken: %+v %v", typ, err)
	}
}
