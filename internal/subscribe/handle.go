package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/store"
)

// Handle is one consumer's view of a key. Reads never block on the network:
// a stale entry is returned as is and refreshed in the background.
type Handle struct {
	registry *Registry
	key      key.Key
	interval time.Duration
	ctx      context.Context
	changes  chan struct{}
	once     sync.Once
	closed   bool
	mu       sync.Mutex
}

func (h *Handle) Key() key.Key {
	return h.key
}

// Entry returns the current state of the key. Reading a stale entry starts
// a refresh unless one is already running.
func (h *Handle) Entry() store.Entry {
	e, _ := h.registry.store.Get(h.key)
	if e.Key.IsZero() {
		e.Key = h.key
	}

	if !h.isClosed() && !e.Fetching && e.Stale(time.Now()) {
		h.registry.fetcher.Refresh(h.ctx, h.key)
	}
	return e
}

func (h *Handle) Data() any {
	return h.Entry().Data
}

func (h *Handle) Status() store.Status {
	return h.Entry().Status
}

func (h *Handle) Err() error {
	return h.Entry().Err
}

// Refetch fetches the key now, regardless of staleness.
func (h *Handle) Refetch(ctx context.Context) (any, error) {
	return h.registry.fetcher.Fetch(ctx, h.key)
}

// Changes receives a value after the entry changes. Bursts of changes are
// collapsed. The channel is closed when the handle is closed.
func (h *Handle) Changes() <-chan struct{} {
	return h.changes
}

// Close releases the subscription. Closing a handle more than once has no
// further effect. Cached data is kept.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		h.registry.release(h)
	})
}

func (h *Handle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
