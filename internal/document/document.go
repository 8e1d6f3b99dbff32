// Package document provides the schema-free representation every tenant
// document is handled through: a key-value tree of JSON-shaped values
// (nil, bool, float64, string, []any, Document) addressed by dotted paths.
// Schema validation, reference embedding and the CRUD pipeline all operate
// against this representation rather than fixed structural types.
package document

import (
	"strings"
	"time"
)

// Document is the generic document tree.
type Document = map[string]any

// Managed field names. These are controlled exclusively by the core: they
// are stripped from caller-supplied payloads and stamped by the pipeline.
const (
	FieldID           = "_id"
	FieldMembershipID = "membership_id"
	FieldPasswordHash = "password_hash"
	FieldSys          = "sys"
	FieldType         = "type"
	FieldRole         = "role"
	FieldPermissions  = "permissions"
	FieldForbidden    = "forbidden"
	FieldProvider     = "provider"
	FieldSlug         = "slug"
)

// Get resolves a dotted path against the tree. The second return value is
// false when any intermediate node is missing or not an object.
func Get(d Document, path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = d
	for _, part := range parts {
		node, ok := current.(Document)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// GetString resolves path and returns its value when it is a string.
func GetString(d Document, path string) (string, bool) {
	v, ok := Get(d, path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set writes value at a dotted path, creating intermediate objects as
// needed. Existing non-object intermediates are replaced.
func Set(d Document, path string, value any) {
	parts := strings.Split(path, ".")
	node := d
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(Document)
		if !ok {
			child = Document{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
}

// Remove deletes the value at a dotted path. Missing intermediates are a
// no-op.
func Remove(d Document, path string) {
	parts := strings.Split(path, ".")
	node := d
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(Document)
		if !ok {
			return
		}
		node = child
	}
	delete(node, parts[len(parts)-1])
}

// Clone performs a deep copy so callers and the store never share mutable
// state.
func Clone(d Document) Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Document:
		return Clone(t)
	case []any:
		list := make([]any, len(t))
		for i, item := range t {
			list[i] = cloneValue(item)
		}
		return list
	default:
		return t
	}
}

// Merge overlays partial onto a copy of current: a key present in partial
// overrides, anything else keeps the current value. The merge is shallow on
// purpose; an update payload replaces whole top-level fields. The result
// never carries the original identifier.
func Merge(current, partial Document) Document {
	out := Clone(current)
	if out == nil {
		out = Document{}
	}
	for k, v := range partial {
		out[k] = cloneValue(v)
	}
	delete(out, FieldID)
	return out
}

// Equal reports deep structural equality of two trees. Numbers compare by
// value in their float64 JSON shape; integer values are widened first so a
// document read back from a JSON store compares equal to its source.
func Equal(a, b Document) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok || !equalValue(av, bv) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	switch at := a.(type) {
	case Document:
		bt, ok := b.(Document)
		return ok && Equal(at, bt)
	case []any:
		bt, ok := b.([]any)
		if !ok || len(at) != len(bt) {
			return false
		}
		for i := range at {
			if !equalValue(at[i], bt[i]) {
				return false
			}
		}
		return true
	case nil:
		return b == nil
	default:
		if an, ok := asFloat(a); ok {
			bn, bok := asFloat(b)
			return bok && an == bn
		}
		if atime, ok := a.(time.Time); ok {
			btime, bok := b.(time.Time)
			return bok && atime.Equal(btime)
		}
		return a == b
	}
}

func asFloat(v any) (float64, bool) {
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

// StripManaged removes every managed field from a caller-supplied payload
// in place. The pipeline re-stamps them from trusted state.
func StripManaged(d Document) {
	delete(d, FieldID)
	delete(d, FieldMembershipID)
	delete(d, FieldPasswordHash)
	delete(d, FieldSys)
}

// ID returns the document identifier, if set.
func ID(d Document) string {
	s, _ := GetString(d, FieldID)
	return s
}

// Strings coerces a value that is either a string, []string or []any of
// strings into a string slice. Used for role/permission lists which arrive
// in either shape depending on the decoder.
func Strings(v any) ([]string, bool) {
	switch t := v.(type) {
	case nil:
		return nil, true
	case []string:
		return t, true
	case string:
		return []string{t}, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
