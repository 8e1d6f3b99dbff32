// Package schema validates documents against tenant-defined user types:
// structural requirements, per-membership uniqueness, reference resolution
// with content-type inheritance, and permission-set conflicts. Validation is
// cumulative; a caller sees every problem with a payload in one error.
package schema

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"idcore/internal/document"
	"idcore/internal/store"
)

// TypeCollection is where user type definitions live in the document store.
const TypeCollection = "user_types"

// ErrTypeNotFound indicates an unknown user type slug for the membership.
var ErrTypeNotFound = errors.New("schema: user type not found")

// Kind classifies a property definition.
type Kind string

const (
	// KindPlain is a free-form property.
	KindPlain Kind = "plain"
	// KindUnique must not collide with another document's value at the same
	// path within the membership.
	KindUnique Kind = "unique"
	// KindReference holds the id (or ids) of other documents, which are
	// resolved and embedded during validation.
	KindReference Kind = "reference"
)

// Property describes one schema-defined property.
type Property struct {
	Path        string `json:"path"`
	Kind        Kind   `json:"kind"`
	Multiple    bool   `json:"multiple,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// UserType is a tenant-defined document schema. Base names the parent type
// slug for inheritance; abstract types exist only to be inherited from and
// cannot be assigned to documents directly.
type UserType struct {
	ID           string
	MembershipID string
	Name         string
	Slug         string
	Base         string
	IsAbstract   bool
	Properties   []Property
	Required     []string
}

// Registry resolves user types and answers inheritance questions.
type Registry interface {
	Get(ctx context.Context, membershipID, slug string) (UserType, error)
	// Inherits reports whether slug equals ancestor or descends from it.
	Inherits(ctx context.Context, membershipID, slug, ancestor string) (bool, error)
}

// StoreRegistry reads user types from the document store.
type StoreRegistry struct {
	store store.Store
}

var _ Registry = (*StoreRegistry)(nil)

// NewRegistry builds a store-backed type registry.
func NewRegistry(s store.Store) *StoreRegistry {
	return &StoreRegistry{store: s}
}

func (r *StoreRegistry) Get(ctx context.Context, membershipID, slug string) (UserType, error) {
	doc, err := r.store.FindOne(ctx, TypeCollection,
		store.InMembership(membershipID, store.Eq(document.FieldSlug, slug)))
	if errors.Is(err, store.ErrNotFound) {
		return UserType{}, fmt.Errorf("%w: %s", ErrTypeNotFound, slug)
	}
	if err != nil {
		return UserType{}, err
	}
	return TypeFromDocument(doc), nil
}

func (r *StoreRegistry) Inherits(ctx context.Context, membershipID, slug, ancestor string) (bool, error) {
	if slug == ancestor {
		return true, nil
	}
	visited := map[string]struct{}{}
	current := slug
	for current != "" {
		if _, cycle := visited[current]; cycle {
			return false, nil
		}
		visited[current] = struct{}{}
		typ, err := r.Get(ctx, membershipID, current)
		if err != nil {
			if errors.Is(err, ErrTypeNotFound) {
				return false, nil
			}
			return false, err
		}
		if typ.Base == ancestor {
			return true, nil
		}
		current = typ.Base
	}
	return false, nil
}

// TypeFromDocument decodes a stored user type definition.
func TypeFromDocument(doc document.Document) UserType {
	typ := UserType{ID: document.ID(doc)}
	typ.MembershipID, _ = document.GetString(doc, document.FieldMembershipID)
	typ.Name, _ = document.GetString(doc, "name")
	typ.Slug, _ = document.GetString(doc, document.FieldSlug)
	typ.Base, _ = document.GetString(doc, "base")
	if v, ok := document.Get(doc, "is_abstract"); ok {
		typ.IsAbstract, _ = v.(bool)
	}
	if required, ok := document.Get(doc, "required"); ok {
		typ.Required, _ = document.Strings(required)
	}
	if props, ok := document.Get(doc, "properties"); ok {
		if list, ok := props.([]any); ok {
			for _, item := range list {
				node, ok := item.(document.Document)
				if !ok {
					continue
				}
				var p Property
				p.Path, _ = document.GetString(node, "path")
				if kind, ok := document.GetString(node, "kind"); ok {
					p.Kind = Kind(kind)
				} else {
					p.Kind = KindPlain
				}
				if multiple, ok := document.Get(node, "multiple"); ok {
					p.Multiple, _ = multiple.(bool)
				}
				p.ContentType, _ = document.GetString(node, "content_type")
				typ.Properties = append(typ.Properties, p)
			}
		}
	}
	return typ
}

// TypeDocument renders a user type as a store document. Tenant
// administration and the test suites seed types through it.
func TypeDocument(typ UserType) document.Document {
	props := make([]any, 0, len(typ.Properties))
	for _, p := range typ.Properties {
		node := document.Document{"path": p.Path, "kind": string(p.Kind)}
		if p.Multiple {
			node["multiple"] = true
		}
		if p.ContentType != "" {
			node["content_type"] = p.ContentType
		}
		props = append(props, node)
	}
	doc := document.Document{
		document.FieldMembershipID: typ.MembershipID,
		document.FieldSlug:         typ.Slug,
		"name":                     typ.Name,
		"is_abstract":              typ.IsAbstract,
		"properties":               props,
	}
	if typ.ID != "" {
		doc[document.FieldID] = typ.ID
	}
	if typ.Base != "" {
		doc["base"] = typ.Base
	}
	if len(typ.Required) > 0 {
		required := make([]any, len(typ.Required))
		for i, f := range typ.Required {
			required[i] = f
		}
		doc["required"] = required
	}
	return doc
}

// FieldError is one field-scoped validation problem. Value is omitted for
// fields that may carry secrets.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
	Value  any    `json:"value,omitempty"`
}

func (e FieldError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Field, e.Reason, e.Value)
}

// ValidationError aggregates every field error found while validating one
// payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Error()
	}
	return "schema: validation failed: " + strings.Join(parts, "; ")
}

// Add appends a field error.
func (e *ValidationError) Add(field, reason string, value any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason, Value: value})
}

// Err returns the aggregate, or nil when no error was recorded.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
