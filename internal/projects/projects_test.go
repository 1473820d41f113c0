package projects_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/projects"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/synccache"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport keeps records per parent in memory.
type memTransport[T projects.Record[T]] struct {
	mu       sync.Mutex
	items    map[string][]T
	next     int
	failNext error
	onWrite  func()
}

func newMem[T projects.Record[T]]() *memTransport[T] {
	return &memTransport[T]{items: map[string][]T{}}
}

func (m *memTransport[T]) List(ctx context.Context, parentID string) ([]T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if parentID != "" {
		return slices.Clone(m.items[parentID]), nil
	}
	var all []T
	for _, items := range m.items {
		all = append(all, items...)
	}
	slices.SortFunc(all, func(a, b T) int { return strings.Compare(a.RecordID(), b.RecordID()) })
	return all, nil
}

func (m *memTransport[T]) Get(ctx context.Context, id string) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, items := range m.items {
		for _, item := range items {
			if item.RecordID() == id {
				return item, nil
			}
		}
	}
	var zero T
	return zero, syncerr.ServerError{Op: "get", StatusCode: 404}
}

func (m *memTransport[T]) write() error {
	if m.onWrite != nil {
		m.onWrite()
	}
	if err := m.failNext; err != nil {
		m.failNext = nil
		return err
	}
	return nil
}

func (m *memTransport[T]) Create(ctx context.Context, parentID string, payload T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		var zero T
		return zero, err
	}
	m.next++
	created := payload.WithRecordID(fmt.Sprintf("%s-%d", parentID, m.next))
	m.items[parentID] = append(slices.Clone(m.items[parentID]), created)
	return created, nil
}

func (m *memTransport[T]) Update(ctx context.Context, id string, payload T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		var zero T
		return zero, err
	}
	for parent, items := range m.items {
		for i, item := range items {
			if item.RecordID() == id {
				items = slices.Clone(items)
				items[i] = payload
				m.items[parent] = items
				return payload, nil
			}
		}
	}
	var zero T
	return zero, syncerr.ServerError{Op: "update", StatusCode: 404}
}

func (m *memTransport[T]) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.write(); err != nil {
		return err
	}
	for parent, items := range m.items {
		m.items[parent] = slices.DeleteFunc(slices.Clone(items), func(item T) bool { return item.RecordID() == id })
	}
	return nil
}

type fixture struct {
	client     *synccache.Client
	service    *projects.Service
	projects   *memTransport[projects.Project]
	milestones *memTransport[projects.Milestone]
	variations *memTransport[projects.Variation]
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		client:     synccache.New(synccache.Options{TTL: store.FixedTTL(time.Minute)}),
		projects:   newMem[projects.Project](),
		milestones: newMem[projects.Milestone](),
		variations: newMem[projects.Variation](),
	}
	f.projects.items[""] = []projects.Project{{ID: "P1", Name: "Harbour fitout"}, {ID: "P2", Name: "Depot"}}
	f.milestones.items["P1"] = []projects.Milestone{{ID: "M1", Title: "Demolition"}, {ID: "M2", Title: "Framing"}}
	f.milestones.items["P2"] = []projects.Milestone{{ID: "M9", Title: "Slab"}}
	f.variations.items["P1"] = []projects.Variation{{ID: "V1", Title: "Extra sockets", Amount: 1200}}

	f.service = projects.NewService(f.client, projects.Transports{
		Projects:   f.projects,
		Milestones: f.milestones,
		Variations: f.variations,
		Tickets:    newMem[projects.Ticket](),
		Invoices:   newMem[projects.Invoice](),
		Approvals:  newMem[projects.Approval](),
		Team:       newMem[projects.TeamMember](),
		Files:      newMem[projects.FileAsset](),
	})
	require.NoError(t, f.client.Init(context.Background()))
	return f
}

func titles(items []projects.Milestone) []string {
	out := make([]string, len(items))
	for i, m := range items {
		out[i] = m.Title
	}
	return out
}

func TestCollection_List(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())

		items, e, err := f.service.Milestones.List(context.Background(), "P1")

		require.NoError(t, err)
		assert.Equal(t, []string{"Demolition", "Framing"}, titles(items))
		assert.Equal(t, store.StatusSuccess, e.Status)
		assert.Equal(t, projects.CollectionKey("P1", projects.Milestones), e.Key)
	})
}

func TestCollection_CreateShowsPlaceholderUntilConfirmed(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		ctx := context.Background()

		h := f.service.Milestones.Subscribe(ctx, "P1", time.Minute)
		defer h.Close()
		synctest.Wait()

		var during []projects.Milestone
		f.milestones.onWrite = func() {
			during, _ = synccache.Data[[]projects.Milestone](h.Entry())
		}

		created, err := f.service.Milestones.Create(ctx, "P1", projects.Milestone{Title: "Fit-off"})
		require.NoError(t, err)
		assert.Equal(t, "P1-1", created.ID)

		require.Len(t, during, 3)
		assert.True(t, strings.HasPrefix(during[2].ID, projects.PendingIDPrefix))
		assert.Equal(t, "Fit-off", during[2].Title)

		synctest.Wait()
		items, _ := synccache.Data[[]projects.Milestone](h.Entry())
		require.Len(t, items, 3)
		assert.Equal(t, "P1-1", items[2].ID, "refetch replaced the placeholder")
	})
}

func TestCollection_CreateValidates(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())

		_, err := f.service.Milestones.Create(context.Background(), "P1", projects.Milestone{})

		var validation syncerr.ValidationError
		require.ErrorAs(t, err, &validation)
		assert.Equal(t, "title", validation.Field)
		assert.Empty(t, f.milestones.items["P1"][2:])
	})
}

func TestCollection_FailedUpdateRollsBack(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		ctx := context.Background()

		before, _, err := f.service.Milestones.List(ctx, "P1")
		require.NoError(t, err)

		f.milestones.failNext = syncerr.ServerError{Op: "update", StatusCode: 409, Message: "locked"}
		_, err = f.service.Milestones.Update(ctx, "P1", projects.Milestone{ID: "M1", Title: "Strip out"})

		var srvErr syncerr.ServerError
		require.ErrorAs(t, err, &srvErr)
		e, _ := f.client.Store.Get(f.service.Milestones.Key("P1"))
		assert.Equal(t, before, e.Data)
	})
}

func TestCollection_UpdateRequiresID(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())

		_, err := f.service.Milestones.Update(context.Background(), "P1", projects.Milestone{Title: "x"})

		assert.ErrorAs(t, err, &syncerr.ValidationError{})
	})
}

func TestCollection_Remove(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		ctx := context.Background()
		_, _, err := f.service.Milestones.List(ctx, "P1")
		require.NoError(t, err)

		require.NoError(t, f.service.Milestones.Remove(ctx, "P1", "M1"))

		e, _ := f.client.Store.Get(f.service.Milestones.Key("P1"))
		items, _ := synccache.Data[[]projects.Milestone](e)
		assert.Equal(t, []string{"Framing"}, titles(items))
		assert.True(t, e.Stale(time.Now()))
	})
}

func TestCollection_MutationCascadesWithinProject(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		ctx := context.Background()

		_, _, err := f.service.Projects(ctx)
		require.NoError(t, err)
		for _, p := range []string{"P1", "P2"} {
			_, _, err = f.service.Project(ctx, p)
			require.NoError(t, err)
			_, _, err = f.service.Milestones.List(ctx, p)
			require.NoError(t, err)
			_, _, err = f.service.Variations.List(ctx, p)
			require.NoError(t, err)
		}

		_, err = f.service.Milestones.Create(ctx, "P1", projects.Milestone{Title: "Handover"})
		require.NoError(t, err)

		now := time.Now()
		stale := func(k key.Key) bool { return f.client.Store.IsStale(k, now) }
		assert.True(t, stale(projects.CollectionKey("P1", projects.Milestones)))
		assert.True(t, stale(projects.ProjectKey("P1")), "project summary depends on milestones")
		assert.True(t, stale(projects.ProjectsKey()), "project list depends on projects")
		assert.False(t, stale(projects.CollectionKey("P1", projects.Variations)))
		assert.False(t, stale(projects.ProjectKey("P2")))
		assert.False(t, stale(projects.CollectionKey("P2", projects.Milestones)))
	})
}

// loadProjects reads each project and its milestones, variations and tickets
// so that every key is known to the cache.
func loadProjects(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.service.Projects(ctx)
	require.NoError(t, err)
	for _, p := range ids {
		_, _, err = f.service.Project(ctx, p)
		require.NoError(t, err)
		_, _, err = f.service.Milestones.List(ctx, p)
		require.NoError(t, err)
		_, _, err = f.service.Variations.List(ctx, p)
		require.NoError(t, err)
		_, _, err = f.service.Tickets.List(ctx, p)
		require.NoError(t, err)
	}
}

func TestService_UpdateProjectCascadesToCollections(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		loadProjects(t, f, "P1", "P2")

		_, err := f.service.UpdateProject(context.Background(), projects.Project{ID: "P1", Name: "Renamed"})
		require.NoError(t, err)

		now := time.Now()
		for _, sub := range []string{projects.Milestones, projects.Variations, projects.Tickets} {
			assert.True(t, f.client.Store.IsStale(projects.CollectionKey("P1", sub), now), "P1 "+sub)
			assert.False(t, f.client.Store.IsStale(projects.CollectionKey("P2", sub), now), "P2 "+sub)
		}
		assert.True(t, f.client.Store.IsStale(projects.ProjectsKey(), now))
		assert.False(t, f.client.Store.IsStale(projects.ProjectKey("P2"), now))
	})
}

func TestClient_InvalidateProjectReachesCollections(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		loadProjects(t, f, "P1", "P2")

		got := f.client.Invalidate(key.Exact(projects.ProjectKey("P1")))

		assert.Contains(t, got, projects.ProjectKey("P1"))
		assert.Contains(t, got, projects.CollectionKey("P1", projects.Milestones))
		assert.Contains(t, got, projects.CollectionKey("P1", projects.Tickets))
		assert.Contains(t, got, projects.ProjectsKey())
		assert.NotContains(t, got, projects.ProjectKey("P2"))
		assert.NotContains(t, got, projects.CollectionKey("P2", projects.Milestones))
	})
}

func TestCollection_TicketMutationLeavesProjectFresh(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		loadProjects(t, f, "P1")

		_, err := f.service.Tickets.Create(context.Background(), "P1", projects.Ticket{Title: "Leak in level 2"})
		require.NoError(t, err)

		now := time.Now()
		assert.True(t, f.client.Store.IsStale(projects.CollectionKey("P1", projects.Tickets), now))
		assert.False(t, f.client.Store.IsStale(projects.ProjectKey("P1"), now), "tickets are not summarised")
		assert.False(t, f.client.Store.IsStale(projects.CollectionKey("P1", projects.Milestones), now))
	})
}

func TestCollection_All(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		f.variations.items["P2"] = []projects.Variation{{ID: "V7", Title: "Bollards"}}

		all, _, err := f.service.Variations.All(context.Background())
		require.NoError(t, err)
		assert.Len(t, all, 2)

		_, _, err = f.service.Milestones.All(context.Background())
		assert.Error(t, err)
	})
}

func TestService_UpdateProjectPatchesListAndDetail(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())
		ctx := context.Background()
		_, _, err := f.service.Projects(ctx)
		require.NoError(t, err)
		_, _, err = f.service.Project(ctx, "P1")
		require.NoError(t, err)

		f.projects.failNext = errors.New("backend down")
		_, err = f.service.UpdateProject(ctx, projects.Project{ID: "P1", Name: "Renamed"})
		require.Error(t, err)

		p, _, _ := f.service.Project(ctx, "P1")
		assert.Equal(t, "Harbour fitout", p.Name)

		updated, err := f.service.UpdateProject(ctx, projects.Project{ID: "P1", Name: "Renamed"})
		require.NoError(t, err)
		assert.Equal(t, "Renamed", updated.Name)

		list, _ := f.client.Store.Get(projects.ProjectsKey())
		items, _ := synccache.Data[[]projects.Project](list)
		assert.Equal(t, "Renamed", items[0].Name)
		assert.True(t, list.Stale(time.Now()))
	})
}

func TestService_Overview(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(t)
		defer f.client.Dispose(context.Background())

		o, err := f.service.Overview(context.Background(), "P1")

		require.NoError(t, err)
		assert.Equal(t, "Harbour fitout", o.Project.Name)
		assert.Equal(t, []string{"Demolition", "Framing"}, titles(o.Milestones))
		assert.Len(t, o.Variations, 1)
		assert.Empty(t, o.Tickets)
		assert.False(t, o.Stale)
		assert.Equal(t, time.Now(), o.OldestFetch)
	})
}

func TestRecords_Validate(t *testing.T) {
	assert.NoError(t, projects.Approval{VariationID: "V1", Approver: "sam", Decision: "approved"}.Validate())
	assert.Error(t, projects.Approval{VariationID: "V1", Approver: "sam", Decision: "maybe"}.Validate())
	assert.Error(t, projects.Approval{Approver: "sam", Decision: "approved"}.Validate())
	assert.Error(t, projects.Invoice{Amount: 0}.Validate())
	assert.NoError(t, projects.Invoice{Amount: 100}.Validate())
	assert.Error(t, projects.Project{
		Name:     "x",
		StartsOn: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		EndsOn:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}.Validate())
	assert.Error(t, projects.Milestone{Title: "x", Amount: -1}.Validate())
}

func TestNames(t *testing.T) {
	assert.Equal(t, "Team", projects.Title(projects.Team))
	assert.Equal(t, "milestone", projects.Singular(projects.Milestones))
	assert.Equal(t, "team member", projects.Singular(projects.Team))
	assert.True(t, projects.IsCollection("files"))
	assert.False(t, projects.IsCollection("project"))
	assert.True(t, projects.IsGlobal(projects.Invoices))
	assert.False(t, projects.IsGlobal(projects.Team))
}
