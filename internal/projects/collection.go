package projects

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/mutation"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/subscribe"
	"github.com/keystonehq/keystone-sync/internal/synccache"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
)

// PendingIDPrefix marks the ID of an optimistically created record that the
// backend has not yet confirmed.
const PendingIDPrefix = "pending-"

// Transport is the backend for one resource type.
type Transport[T any] interface {
	List(ctx context.Context, parentID string) ([]T, error)
	Get(ctx context.Context, id string) (T, error)
	Create(ctx context.Context, parentID string, payload T) (T, error)
	Update(ctx context.Context, id string, payload T) (T, error)
	Remove(ctx context.Context, id string) error
}

// Collection is a per-project list of records kept in the sync cache. Writes
// are patched into the cached list straight away and confirmed by the
// refetch that follows invalidation.
type Collection[T Record[T]] struct {
	client    *synccache.Client
	name      string
	transport Transport[T]
}

// NewCollection registers the loaders for the collection with the client:
// per project, and organisation-wide for global collections.
func NewCollection[T Record[T]](client *synccache.Client, name string, transport Transport[T]) *Collection[T] {
	c := &Collection[T]{
		client:    client,
		name:      name,
		transport: transport,
	}

	client.RegisterLoader(ResourceProject, name, func(ctx context.Context, k key.Key) (any, error) {
		return transport.List(ctx, k.Scope)
	})
	if IsGlobal(name) {
		client.RegisterLoader(name, "", func(ctx context.Context, k key.Key) (any, error) {
			return transport.List(ctx, "")
		})
	}

	return c
}

func (c *Collection[T]) Name() string {
	return c.name
}

func (c *Collection[T]) Key(projectID string) key.Key {
	return CollectionKey(projectID, c.name)
}

// List returns the cached records of a project, fetching them if they have
// never been loaded. The entry describes their freshness.
func (c *Collection[T]) List(ctx context.Context, projectID string) ([]T, store.Entry, error) {
	e, err := c.client.Read(ctx, c.Key(projectID))
	if err != nil && !e.HasData {
		return nil, e, err
	}
	items, _ := synccache.Data[[]T](e)
	return items, e, nil
}

// All returns the organisation-wide list of a global collection.
func (c *Collection[T]) All(ctx context.Context) ([]T, store.Entry, error) {
	if !IsGlobal(c.name) {
		return nil, store.Entry{}, fmt.Errorf("%s has no organisation-wide list", c.name)
	}
	e, err := c.client.Read(ctx, GlobalKey(c.name))
	if err != nil && !e.HasData {
		return nil, e, err
	}
	items, _ := synccache.Data[[]T](e)
	return items, e, nil
}

// Subscribe keeps a project's records polled for as long as the handle is
// open.
func (c *Collection[T]) Subscribe(ctx context.Context, projectID string, interval time.Duration) *subscribe.Handle {
	return c.client.Subscribe(ctx, c.Key(projectID), interval)
}

// Create adds a record to a project. A placeholder with a pending ID is shown
// in the list until the backend's copy is fetched.
func (c *Collection[T]) Create(ctx context.Context, projectID string, item T) (T, error) {
	placeholder := item.WithRecordID(PendingIDPrefix + uuid.NewString())

	return c.perform(ctx, mutation.Request{
		Name:     "create " + Singular(c.name),
		Validate: item.Validate,
		Optimistic: []mutation.Patch{{
			Target: key.Exact(c.Key(projectID)),
			Update: updateList(func(items []T) []T {
				return append(slices.Clone(items), placeholder)
			}),
		}},
		Write: func(ctx context.Context) (any, error) {
			return c.transport.Create(ctx, projectID, item)
		},
		Affected:  c.affected(projectID),
		Summaries: c.summaries(projectID),
	})
}

// Update replaces a record in a project.
func (c *Collection[T]) Update(ctx context.Context, projectID string, item T) (T, error) {
	id := item.RecordID()

	return c.perform(ctx, mutation.Request{
		Name: "update " + Singular(c.name),
		Validate: func() error {
			if id == "" {
				return syncerr.Required("id")
			}
			return item.Validate()
		},
		Optimistic: []mutation.Patch{{
			Target: key.Exact(c.Key(projectID)),
			Update: updateList(func(items []T) []T {
				out := slices.Clone(items)
				for i := range out {
					if out[i].RecordID() == id {
						out[i] = item
					}
				}
				return out
			}),
		}},
		Write: func(ctx context.Context) (any, error) {
			return c.transport.Update(ctx, id, item)
		},
		Affected:  c.affected(projectID),
		Summaries: c.summaries(projectID),
	})
}

// Remove deletes a record from a project.
func (c *Collection[T]) Remove(ctx context.Context, projectID, id string) error {
	_, err := c.client.Perform(ctx, mutation.Request{
		Name: "remove " + Singular(c.name),
		Validate: func() error {
			if id == "" {
				return syncerr.Required("id")
			}
			return nil
		},
		Optimistic: []mutation.Patch{{
			Target: key.Exact(c.Key(projectID)),
			Update: updateList(func(items []T) []T {
				return slices.DeleteFunc(slices.Clone(items), func(item T) bool {
					return item.RecordID() == id
				})
			}),
		}},
		Write: func(ctx context.Context) (any, error) {
			return nil, c.transport.Remove(ctx, id)
		},
		Affected:  c.affected(projectID),
		Summaries: c.summaries(projectID),
	})
	return err
}

func (c *Collection[T]) perform(ctx context.Context, req mutation.Request) (T, error) {
	var zero T
	v, err := c.client.Perform(ctx, req)
	result, ok := v.(T)
	if !ok {
		result = zero
	}
	return result, err
}

// affected selects the project's list. Global collections also invalidate
// the organisation-wide list, which cascades to every project's list of the
// same collection.
func (c *Collection[T]) affected(projectID string) []key.Pattern {
	patterns := []key.Pattern{key.Prefix(c.Key(projectID))}
	if IsGlobal(c.name) {
		patterns = append(patterns, key.Exact(GlobalKey(c.name)))
	}
	return patterns
}

// summaries selects the project record and the project list when this
// collection is rolled up onto them.
func (c *Collection[T]) summaries(projectID string) []key.Pattern {
	if !IsSummarised(c.name) {
		return nil
	}
	return []key.Pattern{key.Exact(ProjectKey(projectID)), key.Exact(ProjectsKey())}
}

// updateList adapts a typed list transformation to a store updater. Data of
// another type is returned unchanged.
func updateList[T any](fn func([]T) []T) store.Updater {
	return func(data any) any {
		items, ok := data.([]T)
		if !ok {
			return data
		}
		return fn(items)
	}
}
