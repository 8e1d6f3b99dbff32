package store

import (
	"fmt"
	"strings"

	"idcore/internal/document"
)

// Op enumerates filter node kinds.
type Op int

const (
	OpNone Op = iota
	OpEq
	OpAnd
	OpOr
	OpText
)

// Filter is a small query tree: equality leaves combined with AND/OR, plus a
// full-text leaf. The zero Filter matches everything.
type Filter struct {
	Op       Op
	Path     string
	Value    any
	Keyword  string
	Children []Filter
}

// Eq matches documents whose value at a dotted path equals value.
func Eq(path string, value any) Filter {
	return Filter{Op: OpEq, Path: path, Value: value}
}

// And matches documents satisfying every child filter.
func And(children ...Filter) Filter {
	return Filter{Op: OpAnd, Children: children}
}

// Or matches documents satisfying at least one child filter.
func Or(children ...Filter) Filter {
	return Filter{Op: OpOr, Children: children}
}

// Text matches documents containing the keyword in any textual value.
func Text(keyword string) Filter {
	return Filter{Op: OpText, Keyword: keyword}
}

// IsZero reports whether the filter is the match-all zero value.
func (f Filter) IsZero() bool { return f.Op == OpNone }

// Matches evaluates the filter against a document tree. Store
// implementations without a native query engine (the in-memory adapter)
// evaluate with this; SQL-backed adapters compile the tree instead.
func (f Filter) Matches(d document.Document) bool {
	switch f.Op {
	case OpNone:
		return true
	case OpEq:
		v, ok := document.Get(d, f.Path)
		if !ok {
			return false
		}
		return looseEqual(v, f.Value)
	case OpAnd:
		for _, c := range f.Children {
			if !c.Matches(d) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if c.Matches(d) {
				return true
			}
		}
		return false
	case OpText:
		return containsText(d, strings.ToLower(f.Keyword))
	default:
		return false
	}
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
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

func containsText(v any, keyword string) bool {
	switch t := v.(type) {
	case string:
		return strings.Contains(strings.ToLower(t), keyword)
	case document.Document:
		for _, child := range t {
			if containsText(child, keyword) {
				return true
			}
		}
	case []any:
		for _, child := range t {
			if containsText(child, keyword) {
				return true
			}
		}
	}
	return false
}

// String renders the filter for logs and errors. Values are formatted with
// %v; secrets never enter filters so the rendering is safe to log.
func (f Filter) String() string {
	switch f.Op {
	case OpNone:
		return "*"
	case OpEq:
		return fmt.Sprintf("%s=%v", f.Path, f.Value)
	case OpAnd, OpOr:
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		sep := " AND "
		if f.Op == OpOr {
			sep = " OR "
		}
		return "(" + strings.Join(parts, sep) + ")"
	case OpText:
		return fmt.Sprintf("text~%q", f.Keyword)
	default:
		return "?"
	}
}
