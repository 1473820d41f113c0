package mutation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/mutation"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func project(id string, sub ...string) key.Key {
	if len(sub) == 0 {
		return key.New("project", key.Scope(id))
	}
	return key.New("project", key.Scope(id), key.Sub(sub[0]))
}

type recordingInvalidator struct {
	mu   sync.Mutex
	keys []key.Key
}

func (r *recordingInvalidator) Invalidated(k key.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, k)
}

type recordingHooks struct {
	mu         sync.Mutex
	committed  []mutation.Outcome
	rolledBack []mutation.Outcome
	conflicts  []syncerr.StaleWriteConflict
}

func (h *recordingHooks) Committed(_ context.Context, o mutation.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.committed = append(h.committed, o)
}

func (h *recordingHooks) RolledBack(_ context.Context, o mutation.Outcome) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rolledBack = append(h.rolledBack, o)
}

func (h *recordingHooks) Conflicted(_ context.Context, c syncerr.StaleWriteConflict) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conflicts = append(h.conflicts, c)
}

type fixture struct {
	store       *store.Store
	registry    *key.Registry
	invalidator *recordingInvalidator
	hooks       *recordingHooks
	dispatcher  *mutation.Dispatcher
}

func newFixture(strict bool) *fixture {
	f := &fixture{
		registry:    key.NewRegistry(),
		invalidator: &recordingInvalidator{},
		hooks:       &recordingHooks{},
	}
	f.store = store.New(store.Options{TTL: store.FixedTTL(time.Minute), Tracker: f.registry})
	f.registry.RegisterHierarchy(key.Prefix(project(key.Any, "approvals")), key.Prefix(project(key.Any, "variations")))
	f.registry.RegisterHierarchy(key.Prefix(project(key.Any, "variations")), key.Prefix(key.New("variations")))
	f.dispatcher = mutation.NewDispatcher(mutation.Options{
		Store:           f.store,
		Registry:        f.registry,
		Invalidator:     f.invalidator,
		Hooks:           f.hooks,
		StrictConflicts: strict,
	})
	return f
}

func appendItem(item string) store.Updater {
	return func(data any) any {
		return append(append([]string{}, data.([]string)...), item)
	}
}

func ok(v any) func(context.Context) (any, error) {
	return func(context.Context) (any, error) { return v, nil }
}

func TestPerform_ValidationFailureAppliesNothing(t *testing.T) {
	f := newFixture(false)
	f.store.Set(project("P1", "tickets"), []string{"T1"})
	written := false

	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
		Name:       "create ticket",
		Validate:   func() error { return syncerr.Required("title") },
		Optimistic: []mutation.Patch{{Target: key.Exact(project("P1", "tickets")), Update: appendItem("T2")}},
		Write: func(context.Context) (any, error) {
			written = true
			return nil, nil
		},
		Affected: []key.Pattern{key.Prefix(project("P1", "tickets"))},
	})

	var validation syncerr.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "title", validation.Field)
	assert.False(t, written)
	e, _ := f.store.Get(project("P1", "tickets"))
	assert.Equal(t, []string{"T1"}, e.Data)
	assert.False(t, e.Stale(time.Now()))
}

func TestPerform_RollbackRestoresSnapshot(t *testing.T) {
	f := newFixture(false)
	k := project("P1", "milestones")
	original := []string{"M1", "M2"}
	f.store.Set(k, original)
	before, _ := f.store.Get(k)

	var states []mutation.State
	var duringWrite any
	boom := syncerr.ServerError{Op: "create milestone", StatusCode: 500}

	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
		Name:       "create milestone",
		Optimistic: []mutation.Patch{{Target: key.Exact(k), Update: appendItem("M3")}},
		Write: func(context.Context) (any, error) {
			e, _ := f.store.Get(k)
			duringWrite = e.Data
			return nil, boom
		},
		Affected: []key.Pattern{key.Prefix(project("P1"))},
		OnState:  func(s mutation.State) { states = append(states, s) },
	})

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"M1", "M2", "M3"}, duringWrite)

	after, _ := f.store.Get(k)
	assert.Equal(t, []string{"M1", "M2"}, after.Data)
	assert.Equal(t, before.StaleAfter, after.StaleAfter, "no invalidation on failure")
	assert.Equal(t, before.Generation, after.Generation)
	assert.Empty(t, f.invalidator.keys)

	assert.Equal(t, []mutation.State{
		mutation.StatePending,
		mutation.StateOptimisticApplied,
		mutation.StateInFlight,
		mutation.StateRolledBack,
	}, states)

	require.Len(t, f.hooks.rolledBack, 1)
	assert.Equal(t, []key.Key{k}, f.hooks.rolledBack[0].Patched)
	assert.ErrorIs(t, f.hooks.rolledBack[0].Err, boom)
}

func TestPerform_CommitCascades(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(false)
		for _, p := range []string{"P1", "P2"} {
			f.store.Set(project(p), p)
			f.store.Set(project(p, "variations"), []string{"V1"})
			f.store.Set(project(p, "approvals"), []string{"A1"})
			f.store.Set(project(p, "milestones"), []string{"M1"})
		}

		var states []mutation.State
		value, err := f.dispatcher.Perform(context.Background(), mutation.Request{
			Name:       "create variation",
			Optimistic: []mutation.Patch{{Target: key.Exact(project("P1", "variations")), Update: appendItem("V2")}},
			Write:      ok("V2"),
			Affected:   []key.Pattern{key.Prefix(project("P1", "variations"))},
			OnState:    func(s mutation.State) { states = append(states, s) },
		})

		require.NoError(t, err)
		assert.Equal(t, "V2", value)
		assert.Equal(t, mutation.StateCommitted, states[len(states)-1])

		now := time.Now()
		e, _ := f.store.Get(project("P1", "variations"))
		assert.Equal(t, []string{"V1", "V2"}, e.Data, "optimistic data stays until refetched")
		assert.True(t, e.Stale(now))
		assert.True(t, f.store.IsStale(project("P1", "approvals"), now), "descendant invalidated")
		assert.False(t, f.store.IsStale(project("P1", "milestones"), now))
		assert.False(t, f.store.IsStale(project("P1"), now), "ancestors are not implied")
		for _, sub := range []string{"variations", "approvals", "milestones"} {
			assert.False(t, f.store.IsStale(project("P2", sub), now), "P2 untouched: "+sub)
		}

		expected := []key.Key{project("P1", "approvals"), project("P1", "variations")}
		assert.Equal(t, expected, f.invalidator.keys)
		require.Len(t, f.hooks.committed, 1)
		assert.Equal(t, expected, f.hooks.committed[0].Invalidated)
		assert.Empty(t, f.hooks.conflicts)
	})
}

func TestPerform_WithoutOptimisticPatch(t *testing.T) {
	f := newFixture(false)
	f.store.Set(project("P1", "tickets"), []string{"T1"})

	var states []mutation.State
	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
		Name:     "close ticket",
		Write:    ok(nil),
		Affected: []key.Pattern{key.Prefix(project("P1", "tickets"))},
		OnState:  func(s mutation.State) { states = append(states, s) },
	})

	require.NoError(t, err)
	assert.Equal(t, []mutation.State{
		mutation.StatePending,
		mutation.StateInFlight,
		mutation.StateCommitted,
	}, states)
}

func TestPerform_PatchOfAbsentKeyIsNoop(t *testing.T) {
	f := newFixture(false)

	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
		Name:       "create ticket",
		Optimistic: []mutation.Patch{{Target: key.Exact(project("P1", "tickets")), Update: appendItem("T1")}},
		Write:      ok(nil),
	})

	require.NoError(t, err)
	_, found := f.store.Get(project("P1", "tickets"))
	assert.False(t, found)
}

func TestPerform_PatchByWildcardPattern(t *testing.T) {
	f := newFixture(false)
	f.store.Set(project("P1", "tickets"), []string{"T1"})
	f.store.Set(project("P2", "tickets"), []string{"T9"})

	boom := errors.New("offline")
	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
		Name:       "bulk tag",
		Optimistic: []mutation.Patch{{Target: key.Prefix(project(key.Any, "tickets")), Update: appendItem("tagged")}},
		Write: func(context.Context) (any, error) {
			for _, p := range []string{"P1", "P2"} {
				e, _ := f.store.Get(project(p, "tickets"))
				assert.Contains(t, e.Data, "tagged")
			}
			return nil, boom
		},
	})

	require.ErrorIs(t, err, boom)
	e1, _ := f.store.Get(project("P1", "tickets"))
	e2, _ := f.store.Get(project("P2", "tickets"))
	assert.Equal(t, []string{"T1"}, e1.Data)
	assert.Equal(t, []string{"T9"}, e2.Data)
}

func TestPerform_NestedRollbackRestoresEarlierOptimisticState(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(false)
		k := project("P1", "tickets")
		f.store.Set(k, []string{"T1"})

		releaseFirst := make(chan struct{})
		firstDone := make(chan error)
		go func() {
			_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
				Name:       "first",
				Optimistic: []mutation.Patch{{Target: key.Exact(k), Update: appendItem("A")}},
				Write: func(context.Context) (any, error) {
					<-releaseFirst
					return nil, nil
				},
			})
			firstDone <- err
		}()
		synctest.Wait()

		_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
			Name:       "second",
			Optimistic: []mutation.Patch{{Target: key.Exact(k), Update: appendItem("B")}},
			Write: func(context.Context) (any, error) {
				return nil, errors.New("rejected")
			},
		})
		require.Error(t, err)

		e, _ := f.store.Get(k)
		assert.Equal(t, []string{"T1", "A"}, e.Data, "second rollback lands on first's optimistic state")

		close(releaseFirst)
		require.NoError(t, <-firstDone)
	})
}

func TestPerform_ConflictIsLastWriteWins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(false)
		k := project("P1", "variations")
		f.store.Set(k, []string{"V1"})

		release := make(chan struct{})
		type result struct {
			value any
			err   error
		}
		done := make(chan result)
		go func() {
			v, err := f.dispatcher.Perform(context.Background(), mutation.Request{
				Name: "slow edit",
				Write: func(context.Context) (any, error) {
					<-release
					return "slow", nil
				},
				Affected: []key.Pattern{key.Exact(k)},
			})
			done <- result{v, err}
		}()
		synctest.Wait()

		_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
			Name:     "fast edit",
			Write:    ok("fast"),
			Affected: []key.Pattern{key.Exact(k)},
		})
		require.NoError(t, err)

		close(release)
		res := <-done

		require.NoError(t, res.err)
		assert.Equal(t, "slow", res.value)
		require.Len(t, f.hooks.conflicts, 1)
		assert.Equal(t, "slow edit", f.hooks.conflicts[0].Mutation)
		assert.Equal(t, []string{k.String()}, f.hooks.conflicts[0].Keys)
		require.Len(t, f.hooks.committed, 2)
	})
}

func TestPerform_StrictConflictsReturnError(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(true)
		k := project("P1", "variations")
		f.store.Set(k, []string{"V1"})

		release := make(chan struct{})
		done := make(chan error)
		go func() {
			v, err := f.dispatcher.Perform(context.Background(), mutation.Request{
				Name: "slow edit",
				Write: func(context.Context) (any, error) {
					<-release
					return "slow", nil
				},
				Affected: []key.Pattern{key.Exact(k)},
			})
			assert.Equal(t, "slow", v, "the write still committed")
			done <- err
		}()
		synctest.Wait()

		f.dispatcher.Invalidate(key.Exact(k))
		close(release)

		err := <-done
		var conflict syncerr.StaleWriteConflict
		require.ErrorAs(t, err, &conflict)
		assert.True(t, mutation.IsConflict(err))
	})
}

func TestPerform_RequiresWrite(t *testing.T) {
	f := newFixture(false)

	_, err := f.dispatcher.Perform(context.Background(), mutation.Request{Name: "broken"})

	var validation syncerr.ValidationError
	require.ErrorAs(t, err, &validation)
	assert.Equal(t, "write", validation.Field)
}

func TestPerform_RollbackKeepsConcurrentInvalidation(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(false)
		k := project("P1", "tickets")
		f.store.Set(k, []string{"T1"})

		_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
			Name:       "create ticket",
			Optimistic: []mutation.Patch{{Target: key.Exact(k), Update: appendItem("T2")}},
			Write: func(context.Context) (any, error) {
				f.dispatcher.Invalidate(key.Prefix(k))
				return nil, errors.New("rejected")
			},
		})
		require.Error(t, err)

		e, _ := f.store.Get(k)
		assert.Equal(t, []string{"T1"}, e.Data)
		assert.True(t, e.Stale(time.Now()), "invalidation during the write survives the rollback")
		assert.Equal(t, uint64(1), e.Generation)
	})
}

func TestPerform_RollbackKeepsRefetchedData(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newFixture(false)
		k := project("P1", "tickets")
		f.store.Set(k, []string{"T1"})

		_, err := f.dispatcher.Perform(context.Background(), mutation.Request{
			Name:       "create ticket",
			Optimistic: []mutation.Patch{{Target: key.Exact(k), Update: appendItem("T2")}},
			Write: func(context.Context) (any, error) {
				f.dispatcher.Invalidate(key.Prefix(k))
				time.Sleep(time.Second)
				f.store.Set(k, []string{"server"})
				return nil, errors.New("rejected")
			},
		})
		require.Error(t, err)

		e, _ := f.store.Get(k)
		assert.Equal(t, []string{"server"}, e.Data, "refetched data is not overwritten")
		assert.False(t, e.Stale(time.Now()))
	})
}

func TestDispatcher_Invalidate(t *testing.T) {
	f := newFixture(false)
	f.store.Set(key.New("variations"), []string{"V1"})
	f.store.Set(project("P1", "variations"), []string{"V1"})
	f.store.Set(project("P2", "approvals"), []string{"A1"})
	f.store.Set(project("P2", "tickets"), []string{"T1"})

	got := f.dispatcher.Invalidate(key.Prefix(key.New("variations")))

	assert.Equal(t, []key.Key{
		project("P1", "variations"),
		project("P2", "approvals"),
		key.New("variations"),
	}, got)
	assert.False(t, f.store.IsStale(project("P2", "tickets"), time.Now()))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "optimistic_applied", mutation.StateOptimisticApplied.String())
	assert.Equal(t, "rolled_back", mutation.StateRolledBack.String())
	assert.Equal(t, "unknown", mutation.State(99).String())
}
