package key

import (
	"sync"
)

type edge struct {
	child  Pattern
	parent Pattern
}

// Registry tracks the keys currently known to the cache and the declared
// parent → child relationships between key patterns. Invalidating a parent
// pattern cascades to its children; the reverse is never implied. An Exact
// pattern selects its own key only, so keys nested under it are reached
// through a Prefix pattern or a registered edge.
type Registry struct {
	mu    sync.RWMutex
	known map[Key]struct{}
	edges []edge
}

func NewRegistry() *Registry {
	return &Registry{
		known: make(map[Key]struct{}),
	}
}

// RegisterHierarchy declares that invalidating anything matched by parent must
// also invalidate the matching instances of child. When both patterns use Any
// for the scope, the scope of the invalidated key carries over to the child:
// registering project/*/variations under variations means invalidating
// "variations" reaches every project's variations, while registering
// project/*/approvals under project/*/variations means invalidating P1's
// variations reaches only P1's approvals.
func (r *Registry) RegisterHierarchy(child, parent Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.edges {
		if e.child == child && e.parent == parent {
			return
		}
	}
	r.edges = append(r.edges, edge{child: child, parent: parent})
}

// Track records k as a known key so that it can be found by Expand.
func (r *Registry) Track(k Key) {
	r.mu.RLock()
	_, ok := r.known[k]
	r.mu.RUnlock()
	if ok {
		return
	}

	r.mu.Lock()
	r.known[k] = struct{}{}
	r.mu.Unlock()
}

// Reset forgets all known keys. Declared hierarchy is retained.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known = make(map[Key]struct{})
}

// Known returns the number of tracked keys.
func (r *Registry) Known() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.known)
}

// Expand resolves a pattern into the currently known keys it matches, sorted
// by canonical form. A concrete pattern always resolves to its own key, known
// or not.
func (r *Registry) Expand(p Pattern) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.expandLocked(p, nil)
}

func (r *Registry) expandLocked(p Pattern, seen map[Key]struct{}) []Key {
	var out []Key
	add := func(k Key) {
		if seen != nil {
			if _, dup := seen[k]; dup {
				return
			}
			seen[k] = struct{}{}
		}
		out = append(out, k)
	}

	if p.Concrete() {
		add(p.base)
	} else {
		for k := range r.known {
			if p.Matches(k) {
				add(k)
			}
		}
	}

	Sort(out)
	return out
}

func (r *Registry) descendantsLocked(patterns []Pattern) []Pattern {
	seen := make(map[Pattern]struct{}, len(patterns))
	queue := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			queue = append(queue, p)
		}
	}

	// breadth first; the seen set terminates cycles
	for i := 0; i < len(queue); i++ {
		current := queue[i]
		for _, e := range r.edges {
			if !e.parent.Overlaps(current) {
				continue
			}
			child := e.child
			if e.parent.base.Scope == Any {
				child = child.withScope(boundScope(current, e.parent))
			}
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			queue = append(queue, child)
		}
	}

	return queue
}

// Cascade expands the patterns and all of their registered descendants into
// the concrete, de-duplicated set of known keys to invalidate.
func (r *Registry) Cascade(patterns ...Pattern) []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[Key]struct{})
	var out []Key
	for _, p := range r.descendantsLocked(patterns) {
		out = append(out, r.expandLocked(p, seen)...)
	}

	Sort(out)
	return out
}
