// Package pattern implements the wildcard access patterns used by both
// role-level (Rbac) and user-level (Ubac) permission sets. A pattern is an
// ordered tuple of dot-separated segments, for example "blog.posts.delete"
// or "blog.posts.*". A "*" segment matches any literal; a trailing "*"
// additionally covers any deeper suffix, so "users.*" matches
// "users.password.set".
package pattern

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the segment marker that matches any literal.
const Wildcard = "*"

// ErrMalformedPattern indicates the pattern text could not be parsed.
var ErrMalformedPattern = errors.New("pattern: malformed pattern")

// Pattern is a parsed access pattern. The zero value is not valid; obtain
// instances through Parse.
type Pattern struct {
	segments []string
}

// Parse normalizes and parses the textual form of a pattern. Segments are
// lower-cased; an empty string, an empty segment or a segment containing
// characters outside [a-z0-9_-] (other than the wildcard) fails with
// ErrMalformedPattern.
func Parse(text string) (Pattern, error) {
	trimmed := strings.TrimSpace(strings.ToLower(text))
	if trimmed == "" {
		return Pattern{}, fmt.Errorf("%w: empty pattern", ErrMalformedPattern)
	}
	segments := strings.Split(trimmed, ".")
	for _, seg := range segments {
		if seg == "" {
			return Pattern{}, fmt.Errorf("%w: empty segment in %q", ErrMalformedPattern, text)
		}
		if seg == Wildcard {
			continue
		}
		for _, r := range seg {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
				continue
			}
			return Pattern{}, fmt.Errorf("%w: invalid character %q in %q", ErrMalformedPattern, r, text)
		}
	}
	return Pattern{segments: segments}, nil
}

// MustParse is Parse that panics on failure. Intended for package-level
// constants such as the reserved role permission sets.
func MustParse(text string) Pattern {
	p, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return p
}

// ParseSet parses every pattern in texts, failing on the first malformed one.
func ParseSet(texts []string) ([]Pattern, error) {
	out := make([]Pattern, 0, len(texts))
	for _, t := range texts {
		p, err := Parse(t)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// String renders the canonical textual form. Parse(p.String()) == p.
func (p Pattern) String() string {
	return strings.Join(p.segments, ".")
}

// Len returns the number of segments.
func (p Pattern) Len() int { return len(p.segments) }

// Equals reports whether two patterns denote the same, possibly
// wildcard-generalized, access. The check is segment-wise with wildcards
// matching any literal. Patterns of different arity only match when the
// shorter one ends in a wildcard, which then covers the whole remainder.
// The relation is symmetric.
func (p Pattern) Equals(o Pattern) bool {
	a, b := p.segments, o.segments
	if len(a) > len(b) {
		a, b = b, a
	}
	for i, seg := range a {
		last := i == len(a)-1
		if seg == Wildcard && last && len(a) < len(b) {
			return true
		}
		if seg == Wildcard || b[i] == Wildcard {
			continue
		}
		if seg != b[i] {
			return false
		}
	}
	return len(a) == len(b)
}

// Identical reports whether two patterns share the exact normalized
// structure: same arity, segment for segment equal, a wildcard matching
// only another wildcard. Unlike Equals the relation is transitive, which
// makes it the comparison used for allow/deny conflict detection: a
// wildcard allow may coexist with a narrower literal deny, carving an
// exception out of the broader grant.
func (p Pattern) Identical(o Pattern) bool {
	if len(p.segments) != len(o.segments) {
		return false
	}
	for i, seg := range p.segments {
		if seg != o.segments[i] {
			return false
		}
	}
	return true
}

// FindConflicts returns every pattern present in both the allow set and the
// deny set, compared with Identical. A role or user whose sets name the
// exact same access is rejected; the returned slice preserves first-seen
// order, deduplicated. Runs in O(|allow|×|deny|).
func FindConflicts(allow, deny []Pattern) []Pattern {
	var conflicts []Pattern
	seen := make(map[string]struct{})
	add := func(p Pattern) {
		key := p.String()
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		conflicts = append(conflicts, p)
	}
	for _, a := range allow {
		for _, d := range deny {
			if a.Identical(d) {
				add(a)
				add(d)
			}
		}
	}
	return conflicts
}

// ConflictError reports allow/deny pattern sets naming the same access.
type ConflictError struct {
	Patterns []Pattern
}

func (e *ConflictError) Error() string {
	names := make([]string, len(e.Patterns))
	for i, p := range e.Patterns {
		names[i] = p.String()
	}
	return fmt.Sprintf("pattern: conflicting allow/deny patterns: %s", strings.Join(names, ", "))
}

// CheckSets parses both textual sets and returns a *ConflictError when they
// contain an identical pattern. Both validation paths (role save, user save)
// share this helper.
func CheckSets(allow, deny []string) error {
	allowSet, err := ParseSet(allow)
	if err != nil {
		return err
	}
	denySet, err := ParseSet(deny)
	if err != nil {
		return err
	}
	if conflicts := FindConflicts(allowSet, denySet); len(conflicts) > 0 {
		return &ConflictError{Patterns: conflicts}
	}
	return nil
}
