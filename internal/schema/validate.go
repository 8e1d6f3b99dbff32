package schema

import (
	"context"
	"errors"
	"fmt"

	"idcore/internal/document"
	"idcore/internal/pattern"
	"idcore/internal/store"
)

// Validator runs the full validation pipeline for one collection of
// schema-typed documents.
type Validator struct {
	store    store.Store
	registry Registry
	// collection holds the sibling documents consulted for uniqueness.
	collection string
}

// NewValidator builds a validator over the given sibling collection.
func NewValidator(s store.Store, registry Registry, collection string) *Validator {
	return &Validator{store: s, registry: registry, collection: collection}
}

// Validate checks doc against typ. prior is the persisted version of the
// document for updates (nil on create); it supplies the uniqueness exclusion
// and the type-immutability baseline. Reference properties are resolved and
// embedded into doc in place. Every check appends to a shared accumulator;
// the returned error is a *ValidationError carrying all of them, or nil.
func (v *Validator) Validate(ctx context.Context, doc document.Document, typ UserType, prior document.Document) error {
	verr := &ValidationError{}

	if typ.IsAbstract {
		verr.Add(document.FieldType, "abstract type cannot be assigned to a document", typ.Slug)
	}
	v.checkTypeImmutable(doc, prior, verr)
	v.checkRequired(doc, typ, verr)
	v.checkShapes(doc, typ, verr)
	if err := v.checkUniqueness(ctx, doc, typ, prior, verr); err != nil {
		return err
	}
	if err := v.resolveReferences(ctx, doc, typ, verr); err != nil {
		return err
	}
	v.checkPatternSets(doc, verr)

	return verr.Err()
}

// checkTypeImmutable rejects changing a persisted document's type.
func (v *Validator) checkTypeImmutable(doc, prior document.Document, verr *ValidationError) {
	if prior == nil {
		return
	}
	priorType, ok := document.GetString(prior, document.FieldType)
	if !ok || priorType == "" {
		return
	}
	newType, _ := document.GetString(doc, document.FieldType)
	if newType != "" && newType != priorType {
		verr.Add(document.FieldType, "type is immutable once set", newType)
	}
}

func (v *Validator) checkRequired(doc document.Document, typ UserType, verr *ValidationError) {
	for _, path := range typ.Required {
		value, ok := document.Get(doc, path)
		if !ok || value == nil {
			verr.Add(path, "required field is missing", nil)
			continue
		}
		if s, isString := value.(string); isString && s == "" {
			verr.Add(path, "required field is blank", nil)
		}
	}
}

// checkShapes verifies declared kinds are respected for values that are
// present: reference properties must hold an id or a list of ids.
func (v *Validator) checkShapes(doc document.Document, typ UserType, verr *ValidationError) {
	for _, prop := range typ.Properties {
		if prop.Kind != KindReference {
			continue
		}
		value, ok := document.Get(doc, prop.Path)
		if !ok || value == nil {
			continue
		}
		if prop.Multiple {
			list, isList := value.([]any)
			if alreadyEmbedded(value) {
				continue
			}
			if !isList {
				verr.Add(prop.Path, "multiple reference must be a list of ids", nil)
				continue
			}
			for _, item := range list {
				if _, isID := item.(string); !isID && !alreadyEmbedded(item) {
					verr.Add(prop.Path, "reference list element must be an id", item)
					break
				}
			}
		} else {
			if _, isID := value.(string); !isID && !alreadyEmbedded(value) {
				verr.Add(prop.Path, "single reference must be an id", nil)
			}
		}
	}
}

func (v *Validator) checkUniqueness(ctx context.Context, doc document.Document, typ UserType, prior document.Document, verr *ValidationError) error {
	membershipID, _ := document.GetString(doc, document.FieldMembershipID)
	selfID := document.ID(prior)
	for _, prop := range typ.Properties {
		if prop.Kind != KindUnique {
			continue
		}
		value, ok := document.Get(doc, prop.Path)
		if !ok || value == nil {
			continue
		}
		other, err := v.store.FindOne(ctx, v.collection,
			store.InMembership(membershipID, store.Eq(prop.Path, value)))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("schema: uniqueness lookup for %s: %w", prop.Path, err)
		}
		if document.ID(other) != selfID || selfID == "" {
			verr.Add(prop.Path, "value already used by another document", value)
		}
	}
	return nil
}

// resolveReferences looks up each reference property and embeds the resolved
// documents so readers receive denormalized data without a second query.
// Partial resolution failure of a multiple reference fails the whole
// property; unrelated properties keep validating.
func (v *Validator) resolveReferences(ctx context.Context, doc document.Document, typ UserType, verr *ValidationError) error {
	membershipID, _ := document.GetString(doc, document.FieldMembershipID)
	for _, prop := range typ.Properties {
		if prop.Kind != KindReference {
			continue
		}
		value, ok := document.Get(doc, prop.Path)
		if !ok || value == nil || alreadyEmbedded(value) {
			continue
		}
		if prop.Multiple {
			list, isList := value.([]any)
			if !isList {
				continue // shape error already recorded
			}
			resolved := make([]any, 0, len(list))
			failed := false
			for _, item := range list {
				id, isID := item.(string)
				if !isID {
					failed = true
					break
				}
				target, ok, err := v.resolveOne(ctx, membershipID, id, prop, verr)
				if err != nil {
					return err
				}
				if !ok {
					failed = true
					break
				}
				resolved = append(resolved, target)
			}
			if !failed {
				document.Set(doc, prop.Path, resolved)
			}
		} else {
			id, isID := value.(string)
			if !isID {
				continue
			}
			target, ok, err := v.resolveOne(ctx, membershipID, id, prop, verr)
			if err != nil {
				return err
			}
			if ok {
				document.Set(doc, prop.Path, target)
			}
		}
	}
	return nil
}

// resolveOne looks up a referenced document in the same membership and
// verifies its declared type satisfies the property's content-type, either
// exactly or through inheritance. Lookup misses and type mismatches are
// field errors, not failures of the whole validation run.
func (v *Validator) resolveOne(ctx context.Context, membershipID, id string, prop Property, verr *ValidationError) (document.Document, bool, error) {
	target, err := v.store.FindOne(ctx, v.collection,
		store.InMembership(membershipID, store.ByID(id)))
	if errors.Is(err, store.ErrNotFound) {
		verr.Add(prop.Path, "referenced document does not exist", id)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("schema: reference lookup for %s: %w", prop.Path, err)
	}
	if prop.ContentType != "" {
		targetType, ok := document.GetString(target, document.FieldType)
		if !ok || targetType == "" {
			verr.Add(prop.Path, "referenced document carries no content type", id)
			return nil, false, nil
		}
		inherits, err := v.registry.Inherits(ctx, membershipID, targetType, prop.ContentType)
		if err != nil {
			return nil, false, fmt.Errorf("schema: inheritance check for %s: %w", prop.Path, err)
		}
		if !inherits {
			verr.Add(prop.Path, fmt.Sprintf("referenced document is not a %s", prop.ContentType), id)
			return nil, false, nil
		}
	}
	delete(target, document.FieldPasswordHash)
	return target, true, nil
}

// checkPatternSets validates the document's own allow/deny sets when it
// carries any.
func (v *Validator) checkPatternSets(doc document.Document, verr *ValidationError) {
	allow := stringsAt(doc, document.FieldPermissions, verr)
	deny := stringsAt(doc, document.FieldForbidden, verr)
	if len(allow) == 0 && len(deny) == 0 {
		return
	}
	if err := pattern.CheckSets(allow, deny); err != nil {
		var conflict *pattern.ConflictError
		if errors.As(err, &conflict) {
			for _, p := range conflict.Patterns {
				verr.Add(document.FieldPermissions, "pattern appears in both allow and deny sets", p.String())
			}
			return
		}
		verr.Add(document.FieldPermissions, err.Error(), nil)
	}
}

func stringsAt(doc document.Document, field string, verr *ValidationError) []string {
	value, ok := document.Get(doc, field)
	if !ok || value == nil {
		return nil
	}
	list, ok := document.Strings(value)
	if !ok {
		verr.Add(field, "must be a list of pattern strings", nil)
		return nil
	}
	return list
}

// alreadyEmbedded detects values that have been through resolution before,
// so re-validating a stored document does not re-interpret embedded objects
// as malformed ids.
func alreadyEmbedded(v any) bool {
	switch t := v.(type) {
	case document.Document:
		return true
	case []any:
		for _, item := range t {
			if _, ok := item.(document.Document); !ok {
				return false
			}
		}
		return len(t) > 0
	default:
		return false
	}
}
