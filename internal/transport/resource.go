package transport

import (
	"context"
	"net/http"
)

// ParentResource is the resource records are listed under.
const ParentResource = "projects"

// Resource is the REST backend of one record type.
type Resource[T any] struct {
	client *Client
	name   string
}

func NewResource[T any](c *Client, name string) *Resource[T] {
	return &Resource[T]{client: c, name: name}
}

func (r *Resource[T]) Name() string {
	return r.name
}

// List fetches the records of a project, or every record when parentID is
// empty.
func (r *Resource[T]) List(ctx context.Context, parentID string) ([]T, error) {
	var items []T
	err := r.client.do(ctx, "list "+r.name, http.MethodGet, r.collection(parentID), nil, &items)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func (r *Resource[T]) Get(ctx context.Context, id string) (T, error) {
	var item T
	err := r.client.do(ctx, "get "+r.name, http.MethodGet, []string{r.name, id}, nil, &item)
	return item, err
}

func (r *Resource[T]) Create(ctx context.Context, parentID string, payload T) (T, error) {
	var item T
	err := r.client.do(ctx, "create "+r.name, http.MethodPost, r.collection(parentID), payload, &item)
	return item, err
}

func (r *Resource[T]) Update(ctx context.Context, id string, payload T) (T, error) {
	var item T
	err := r.client.do(ctx, "update "+r.name, http.MethodPut, []string{r.name, id}, payload, &item)
	return item, err
}

func (r *Resource[T]) Remove(ctx context.Context, id string) error {
	return r.client.do(ctx, "remove "+r.name, http.MethodDelete, []string{r.name, id}, nil, nil)
}

func (r *Resource[T]) collection(parentID string) []string {
	if parentID == "" || r.name == ParentResource {
		return []string{r.name}
	}
	return []string{ParentResource, parentID, r.name}
}
