package projects

import "github.com/keystonehq/keystone-sync/internal/key"

// HierarchyRegistrar accepts parent → child invalidation edges.
type HierarchyRegistrar interface {
	RegisterHierarchy(child, parent key.Pattern)
}

// RegisterHierarchy declares how invalidation flows between project keys:
//
//	variations (global)        → project/*/variations, likewise for invoices, tickets, approvals
//	project/*/variations       → project/*/approvals
//	project/*/approvals        → project/*/variations
//	project/*                  → project/*/<collection> for every collection
//	project/*                  → projects
//
// Wildcard scopes are bound to the invalidated project, so an edit in one
// project never reaches another through these edges. Collections rolled up
// onto the project (milestones, invoices) do not point back at it: that would
// fan every milestone edit out to the whole project. Their mutations name the
// project as a summary instead.
func RegisterHierarchy(r HierarchyRegistrar) {
	anyProject := func(sub string) key.Pattern {
		return key.Prefix(CollectionKey(key.Any, sub))
	}
	project := key.Exact(ProjectKey(key.Any))

	for _, c := range GlobalCollections {
		r.RegisterHierarchy(anyProject(c), key.Prefix(GlobalKey(c)))
	}

	r.RegisterHierarchy(anyProject(Approvals), anyProject(Variations))
	r.RegisterHierarchy(anyProject(Variations), anyProject(Approvals))

	for _, c := range Collections {
		r.RegisterHierarchy(anyProject(c), project)
	}

	r.RegisterHierarchy(key.Prefix(ProjectsKey()), project)
}
