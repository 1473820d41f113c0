package projects

import (
	"context"
	"slices"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/mutation"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/synccache"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"golang.org/x/sync/errgroup"
)

// Transports supplies the backend for each resource type.
type Transports struct {
	Projects   Transport[Project]
	Milestones Transport[Milestone]
	Variations Transport[Variation]
	Tickets    Transport[Ticket]
	Invoices   Transport[Invoice]
	Approvals  Transport[Approval]
	Team       Transport[TeamMember]
	Files      Transport[FileAsset]
}

// Service is the project domain on top of a sync client.
type Service struct {
	client   *synccache.Client
	projects Transport[Project]

	Milestones *Collection[Milestone]
	Variations *Collection[Variation]
	Tickets    *Collection[Ticket]
	Invoices   *Collection[Invoice]
	Approvals  *Collection[Approval]
	Team       *Collection[TeamMember]
	Files      *Collection[FileAsset]
}

// NewService registers loaders and the invalidation hierarchy with client.
func NewService(client *synccache.Client, t Transports) *Service {
	RegisterHierarchy(client)

	s := &Service{
		client:   client,
		projects: t.Projects,

		Milestones: NewCollection(client, Milestones, t.Milestones),
		Variations: NewCollection(client, Variations, t.Variations),
		Tickets:    NewCollection(client, Tickets, t.Tickets),
		Invoices:   NewCollection(client, Invoices, t.Invoices),
		Approvals:  NewCollection(client, Approvals, t.Approvals),
		Team:       NewCollection(client, Team, t.Team),
		Files:      NewCollection(client, Files, t.Files),
	}

	client.RegisterLoader(ResourceProjects, "", func(ctx context.Context, k key.Key) (any, error) {
		return t.Projects.List(ctx, "")
	})
	client.RegisterLoader(ResourceProject, "", func(ctx context.Context, k key.Key) (any, error) {
		return t.Projects.Get(ctx, k.Scope)
	})

	return s
}

func (s *Service) Client() *synccache.Client {
	return s.client
}

// Projects returns the cached list of projects.
func (s *Service) Projects(ctx context.Context) ([]Project, store.Entry, error) {
	e, err := s.client.Read(ctx, ProjectsKey())
	if err != nil && !e.HasData {
		return nil, e, err
	}
	items, _ := synccache.Data[[]Project](e)
	return items, e, nil
}

// Project returns a single cached project.
func (s *Service) Project(ctx context.Context, id string) (Project, store.Entry, error) {
	e, err := s.client.Read(ctx, ProjectKey(id))
	if err != nil && !e.HasData {
		return Project{}, e, err
	}
	p, _ := synccache.Data[Project](e)
	return p, e, nil
}

// UpdateProject saves a project, patching both the project and its row in
// the project list until the backend's copy is fetched.
func (s *Service) UpdateProject(ctx context.Context, p Project) (Project, error) {
	v, err := s.client.Perform(ctx, mutation.Request{
		Name: "update project",
		Validate: func() error {
			if p.ID == "" {
				return syncerr.Required("id")
			}
			return p.Validate()
		},
		Optimistic: []mutation.Patch{
			{
				Target: key.Exact(ProjectKey(p.ID)),
				Update: func(any) any { return p },
			},
			{
				Target: key.Exact(ProjectsKey()),
				Update: updateList(func(items []Project) []Project {
					out := slices.Clone(items)
					for i := range out {
						if out[i].ID == p.ID {
							out[i] = p
						}
					}
					return out
				}),
			},
		},
		Write: func(ctx context.Context) (any, error) {
			return s.projects.Update(ctx, p.ID, p)
		},
		Affected: []key.Pattern{key.Exact(ProjectKey(p.ID))},
	})
	updated, _ := v.(Project)
	return updated, err
}

// Overview is a project with every collection, as shown on its dashboard.
type Overview struct {
	Project    Project      `json:"project"`
	Milestones []Milestone  `json:"milestones"`
	Variations []Variation  `json:"variations"`
	Tickets    []Ticket     `json:"tickets"`
	Invoices   []Invoice    `json:"invoices"`
	Approvals  []Approval   `json:"approvals"`
	Team       []TeamMember `json:"team"`
	Files      []FileAsset  `json:"files"`

	// OldestFetch is the fetch time of the least recently fetched part.
	OldestFetch time.Time `json:"oldestFetch"`
	Stale       bool      `json:"stale"`
}

// Overview reads the project and all of its collections concurrently.
func (s *Service) Overview(ctx context.Context, id string) (Overview, error) {
	var (
		o       Overview
		entries [8]store.Entry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		o.Project, entries[0], err = s.Project(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Milestones, entries[1], err = s.Milestones.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Variations, entries[2], err = s.Variations.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Tickets, entries[3], err = s.Tickets.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Invoices, entries[4], err = s.Invoices.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Approvals, entries[5], err = s.Approvals.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Team, entries[6], err = s.Team.List(gctx, id)
		return err
	})
	g.Go(func() (err error) {
		o.Files, entries[7], err = s.Files.List(gctx, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, err
	}

	now := time.Now()
	for _, e := range entries {
		if o.OldestFetch.IsZero() || e.FetchedAt.Before(o.OldestFetch) {
			o.OldestFetch = e.FetchedAt
		}
		if e.Stale(now) {
			o.Stale = true
		}
	}
	return o, nil
}
