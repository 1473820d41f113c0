// Package projects binds the project-management domain to the sync client:
// resource names, keys, the invalidation hierarchy and typed collections.
package projects

import (
	"slices"
	"strings"

	"github.com/keystonehq/keystone-sync/internal/key"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	// ResourceProjects is the list of all projects.
	ResourceProjects = "projects"
	// ResourceProject is a single project and, through sub-resources, its
	// collections.
	ResourceProject = "project"

	Milestones = "milestones"
	Variations = "variations"
	Tickets    = "tickets"
	Invoices   = "invoices"
	Approvals  = "approvals"
	Team       = "team"
	Files      = "files"
)

// Collections lists the per-project collections.
var Collections = []string{Milestones, Variations, Tickets, Invoices, Approvals, Team, Files}

// GlobalCollections have an organisation-wide list besides the per-project
// ones.
var GlobalCollections = []string{Variations, Invoices, Tickets, Approvals}

// SummarisedCollections are rolled up onto the project record: milestones
// into progress and invoices into billed totals.
var SummarisedCollections = []string{Milestones, Invoices}

func IsCollection(name string) bool {
	return slices.Contains(Collections, name)
}

func IsGlobal(name string) bool {
	return slices.Contains(GlobalCollections, name)
}

func IsSummarised(name string) bool {
	return slices.Contains(SummarisedCollections, name)
}

func ProjectsKey() key.Key {
	return key.New(ResourceProjects)
}

func ProjectKey(id string) key.Key {
	return key.New(ResourceProject, key.Scope(id))
}

func CollectionKey(projectID, collection string) key.Key {
	return key.New(ResourceProject, key.Scope(projectID), key.Sub(collection))
}

// GlobalKey is the organisation-wide list of a collection, e.g. every
// variation across projects.
func GlobalKey(collection string) key.Key {
	return key.New(collection)
}

var titleCaser = cases.Title(language.English)

// Title renders a resource name for display: "team" becomes "Team".
func Title(resource string) string {
	return titleCaser.String(strings.ReplaceAll(resource, "_", " "))
}

// Singular renders a collection name as a single item, used in mutation
// names.
func Singular(collection string) string {
	switch collection {
	case Team:
		return "team member"
	case Files:
		return "file"
	default:
		return strings.TrimSuffix(collection, "s")
	}
}
