package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keystonehq/keystone-sync/internal/key"
)

// LoadFunc retrieves the current server value for a key.
type LoadFunc func(ctx context.Context, k key.Key) (any, error)

// ErrNoLoader is returned (wrapped) when no loader is registered for a key.
var ErrNoLoader = errors.New("no loader registered")

type loaderKey struct {
	resource string
	sub      string
}

// Loaders resolves the load function for a key by resource type and
// sub-resource.
type Loaders struct {
	mu     sync.RWMutex
	byName map[loaderKey]LoadFunc
}

func NewLoaders() *Loaders {
	return &Loaders{byName: map[loaderKey]LoadFunc{}}
}

// Register binds fn to keys of the given resource and sub-resource. An empty
// sub registers the fallback for the resource type.
func (l *Loaders) Register(resource, sub string, fn LoadFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.byName[loaderKey{resource, sub}] = fn
}

// Lookup returns the loader for k: the sub-resource specific one if present,
// otherwise the resource fallback.
func (l *Loaders) Lookup(k key.Key) (LoadFunc, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if fn, ok := l.byName[loaderKey{k.Resource, k.Sub}]; ok {
		return fn, nil
	}
	if k.Sub != "" {
		if fn, ok := l.byName[loaderKey{k.Resource, ""}]; ok {
			return fn, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", k, ErrNoLoader)
}
