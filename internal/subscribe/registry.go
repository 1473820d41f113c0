// Package subscribe counts the consumers of each key and keeps polling armed
// while a key has at least one.
package subscribe

import (
	"context"
	"sync"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/rs/zerolog/log"
)

// Fetcher loads keys into the store.
type Fetcher interface {
	Fetch(ctx context.Context, k key.Key) (any, error)
	Refresh(ctx context.Context, k key.Key)
}

// Poller keeps armed keys fresh.
type Poller interface {
	Arm(k key.Key, interval time.Duration)
	Retune(k key.Key, interval time.Duration)
	Disarm(k key.Key)
}

// Registry tracks subscriptions per key. Polling of a key is armed while its
// reference count is above zero.
type Registry struct {
	store   *store.Store
	fetcher Fetcher
	poller  Poller

	mu   sync.Mutex
	subs map[key.Key]*subscription
}

type subscription struct {
	handles map[*Handle]struct{}
}

func NewRegistry(s *store.Store, fetcher Fetcher, poller Poller) *Registry {
	return &Registry{
		store:   s,
		fetcher: fetcher,
		poller:  poller,
		subs:    map[key.Key]*subscription{},
	}
}

// Subscribe registers interest in k. The first subscriber arms polling at the
// given interval and starts a fetch when the key is absent or stale. Later
// subscribers share the entry; the shortest interval among open handles
// takes precedence.
func (r *Registry) Subscribe(ctx context.Context, k key.Key, interval time.Duration) *Handle {
	h := &Handle{
		registry: r,
		key:      k,
		interval: interval,
		ctx:      context.WithoutCancel(ctx),
		changes:  make(chan struct{}, 1),
	}

	r.mu.Lock()
	sub, ok := r.subs[k]
	if !ok {
		sub = &subscription{handles: map[*Handle]struct{}{}}
		r.subs[k] = sub
	}
	sub.handles[h] = struct{}{}
	first := len(sub.handles) == 1
	r.poller.Arm(k, interval)
	r.mu.Unlock()

	log.Ctx(ctx).Debug().
		Str("key", k.String()).
		Bool("first", first).
		Msg("subscribed")

	if first && r.store.IsStale(k, time.Now()) {
		r.fetcher.Refresh(ctx, k)
	}

	return h
}

// RefCount returns the number of open handles for k.
func (r *Registry) RefCount(k key.Key) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub, ok := r.subs[k]; ok {
		return len(sub.handles)
	}
	return 0
}

// Active reports whether k has any subscriber.
func (r *Registry) Active(k key.Key) bool {
	return r.RefCount(k) > 0
}

// Subscribed lists keys with at least one subscriber, sorted.
func (r *Registry) Subscribed() []key.Key {
	r.mu.Lock()
	keys := make([]key.Key, 0, len(r.subs))
	for k := range r.subs {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	key.Sort(keys)
	return keys
}

// Notify wakes the handles of the entry's key. Intended as the store's
// change hook.
func (r *Registry) Notify(e store.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[e.Key]
	if !ok {
		return
	}
	for h := range sub.handles {
		select {
		case h.changes <- struct{}{}:
		default:
		}
	}
}

// CloseAll releases every handle. Used when the owning client is disposed.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var handles []*Handle
	for _, sub := range r.subs {
		for h := range sub.handles {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[h.key]
	if !ok {
		return
	}
	delete(sub.handles, h)
	close(h.changes)

	if len(sub.handles) == 0 {
		delete(r.subs, h.key)
		r.poller.Disarm(h.key)
		log.Debug().Str("key", h.key.String()).Msg("last subscriber left")
		return
	}

	// the remaining handles may have asked for a longer interval, or none
	if interval := sub.interval(); interval > 0 {
		r.poller.Retune(h.key, interval)
	} else {
		r.poller.Disarm(h.key)
	}
}

// interval is the shortest positive interval asked for by an open handle.
func (s *subscription) interval() time.Duration {
	var shortest time.Duration
	for h := range s.handles {
		if h.interval > 0 && (shortest == 0 || h.interval < shortest) {
			shortest = h.interval
		}
	}
	return shortest
}
