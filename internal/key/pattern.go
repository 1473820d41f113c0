package key

import "fmt"

// Pattern selects a set of keys. An exact pattern matches a single key
// (wildcards aside); a prefix pattern also matches every key that refines it
// with a scope, sub-resource or extra query parameters.
//
//	Prefix(New("project", Scope("P1")))                 project/P1, project/P1/milestones, ...
//	Prefix(New("project", Scope(Any), Sub("variations")))  project/*/variations (any params)
//	Exact(New("project", Scope(Any)))                   project/P1, project/P2 but no sub-resources
type Pattern struct {
	base  Key
	exact bool
}

// Exact returns a pattern matching k only. Any in the scope or sub position
// still matches any single value. Keys nested beneath k are not selected.
func Exact(k Key) Pattern {
	return Pattern{base: k, exact: true}
}

// Prefix returns a pattern matching k and everything beneath it.
func Prefix(k Key) Pattern {
	return Pattern{base: k}
}

// Key returns the key the pattern was built from.
func (p Pattern) Key() Key {
	return p.base
}

// IsExact reports whether the pattern was built with Exact.
func (p Pattern) IsExact() bool {
	return p.exact
}

// Concrete reports whether the pattern can only ever match its base key.
func (p Pattern) Concrete() bool {
	return p.exact && p.base.Scope != Any && p.base.Sub != Any
}

func (p Pattern) String() string {
	if p.exact {
		return p.base.String()
	}
	return p.base.String() + "/**"
}

// ParsePattern reads a pattern string: a canonical key, optionally followed by
// "/**" to select the key's descendants as well.
func ParsePattern(s string) (Pattern, error) {
	prefix := false
	if len(s) > 3 && s[len(s)-3:] == "/**" {
		prefix = true
		s = s[:len(s)-3]
	}
	k, err := Parse(s)
	if err != nil {
		return Pattern{}, fmt.Errorf("pattern: %w", err)
	}
	if prefix {
		return Prefix(k), nil
	}
	return Exact(k), nil
}

// Matches reports whether k is selected by the pattern.
func (p Pattern) Matches(k Key) bool {
	if p.base.Resource != k.Resource {
		return false
	}
	if !p.segmentMatches(p.base.Scope, k.Scope) || !p.segmentMatches(p.base.Sub, k.Sub) {
		return false
	}
	if p.exact {
		return p.base.params == k.params
	}
	return subset(p.base.Params(), k.Params())
}

func (p Pattern) segmentMatches(pattern, value string) bool {
	switch {
	case pattern == Any:
		return value != ""
	case pattern == "" && !p.exact:
		return true
	default:
		return pattern == value
	}
}

// Overlaps reports whether some key could be matched by both patterns.
func (p Pattern) Overlaps(o Pattern) bool {
	if p.base.Resource != o.base.Resource {
		return false
	}
	if !segmentsOverlap(p.base.Scope, p.exact, o.base.Scope, o.exact) ||
		!segmentsOverlap(p.base.Sub, p.exact, o.base.Sub, o.exact) {
		return false
	}
	pp, op := p.base.Params(), o.base.Params()
	switch {
	case p.exact && o.exact:
		return p.base.params == o.base.params
	case p.exact:
		return subset(op, pp)
	case o.exact:
		return subset(pp, op)
	default:
		return compatible(pp, op)
	}
}

func segmentsOverlap(a string, aExact bool, b string, bExact bool) bool {
	open := func(s string, exact bool) bool { return s == "" && !exact }
	switch {
	case open(a, aExact) || open(b, bExact):
		return true
	case a == Any:
		return b != ""
	case b == Any:
		return a != ""
	default:
		return a == b
	}
}

// boundScope returns the concrete scope shared by both patterns, if any.
func boundScope(p, o Pattern) string {
	for _, s := range []string{p.base.Scope, o.base.Scope} {
		if s != "" && s != Any {
			return s
		}
	}
	return ""
}

// withScope returns a copy of the pattern with its wildcard scope replaced.
func (p Pattern) withScope(scope string) Pattern {
	if p.base.Scope != Any || scope == "" {
		return p
	}
	p.base.Scope = scope
	return p
}
