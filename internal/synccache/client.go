// Package synccache assembles the sync components into a client with an
// explicit lifecycle. Each Client is independent; nothing is global.
package synccache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/keystonehq/keystone-sync/internal/fetch"
	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/mutation"
	"github.com/keystonehq/keystone-sync/internal/poll"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/subscribe"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const defaultPollInterval = 30 * time.Second

// ErrDisposed is returned when a disposed client is initialised again.
var ErrDisposed = errors.New("sync client disposed")

type Options struct {
	TTL store.TTLFunc

	// PollInterval applies to subscriptions that do not ask for their own.
	PollInterval time.Duration

	Retry        fetch.RetryPolicy
	FetchTimeout time.Duration

	SettleDelay time.Duration
	Adaptive    *poll.Adaptive

	StrictConflicts bool
	Hooks           mutation.Hooks

	// Warm lists keys fetched during Init.
	Warm []key.Key
}

// Client owns one instance of every sync component.
type Client struct {
	Keys          *key.Registry
	Store         *store.Store
	Fetcher       *fetch.Fetcher
	Scheduler     *poll.Scheduler
	Subscriptions *subscribe.Registry
	Dispatcher    *mutation.Dispatcher

	pollInterval time.Duration
	warm         []key.Key

	mu       sync.Mutex
	ready    bool
	disposed bool
}

func New(opts Options) *Client {
	c := &Client{
		Keys:         key.NewRegistry(),
		pollInterval: opts.PollInterval,
		warm:         opts.Warm,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	c.Store = store.New(store.Options{
		TTL:     opts.TTL,
		Tracker: c.Keys,
		OnChange: func(e store.Entry) {
			if c.Subscriptions != nil {
				c.Subscriptions.Notify(e)
			}
		},
	})

	c.Fetcher = fetch.New(fetch.Options{
		Store:   c.Store,
		Retry:   opts.Retry,
		Timeout: opts.FetchTimeout,
	})

	c.Scheduler = poll.New(poll.Options{
		Fetch:       c.Fetcher.Fetch,
		Active:      func(k key.Key) bool { return c.Subscriptions.Active(k) },
		Stale:       func(k key.Key) bool { return c.Store.IsStale(k, time.Now()) },
		SettleDelay: opts.SettleDelay,
		Adaptive:    opts.Adaptive,
	})

	c.Subscriptions = subscribe.NewRegistry(c.Store, c.Fetcher, c.Scheduler)

	c.Dispatcher = mutation.NewDispatcher(mutation.Options{
		Store:           c.Store,
		Registry:        c.Keys,
		Invalidator:     c.Scheduler,
		Hooks:           opts.Hooks,
		StrictConflicts: opts.StrictConflicts,
	})

	return c
}

// Init prepares the client for use, fetching the configured warm keys
// concurrently. A warm key that fails to load is logged and left in the error
// state; only cancellation of ctx fails Init.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	c.ready = true
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, k := range c.warm {
		g.Go(func() error {
			if _, err := c.Fetcher.Fetch(gctx, k); err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				log.Ctx(ctx).Warn().Err(err).Str("key", k.String()).Msg("warm fetch failed")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Ctx(ctx).Info().Int("warm", len(c.warm)).Msg("sync client ready")
	return nil
}

// Dispose closes every subscription, stops polling, waits for background
// fetches and clears the cache. The client cannot be reused.
func (c *Client) Dispose(ctx context.Context) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.Subscriptions.CloseAll()
	c.Scheduler.Close()
	c.Fetcher.Wait()
	c.Store.Clear(ctx)
	c.Keys.Reset()

	log.Ctx(ctx).Info().Msg("sync client disposed")
}

// RegisterLoader binds the load function for a resource and sub-resource.
func (c *Client) RegisterLoader(resource, sub string, fn fetch.LoadFunc) {
	c.Fetcher.Loaders().Register(resource, sub, fn)
}

// RegisterHierarchy declares that invalidating parent invalidates child.
func (c *Client) RegisterHierarchy(child, parent key.Pattern) {
	c.Keys.RegisterHierarchy(child, parent)
}

// Read returns the entry for k. A key with no data is fetched before
// returning; a stale one is returned at once and refreshed in the background.
func (c *Client) Read(ctx context.Context, k key.Key) (store.Entry, error) {
	e, _ := c.Store.Get(k)
	if !e.HasData {
		if _, err := c.Fetcher.Fetch(ctx, k); err != nil {
			return c.entry(k), err
		}
		return c.entry(k), nil
	}

	if e.Stale(time.Now()) && !e.Fetching {
		c.Fetcher.Refresh(ctx, k)
	}
	return e, nil
}

// Subscribe registers a consumer of k. A zero interval uses the client's
// default poll interval.
func (c *Client) Subscribe(ctx context.Context, k key.Key, interval time.Duration) *subscribe.Handle {
	if interval == 0 {
		interval = c.pollInterval
	}
	return c.Subscriptions.Subscribe(ctx, k, interval)
}

// Perform runs a mutation through the dispatcher.
func (c *Client) Perform(ctx context.Context, req mutation.Request) (any, error) {
	return c.Dispatcher.Perform(ctx, req)
}

// Invalidate marks the patterns and their registered descendants stale and
// refetches the subscribed ones.
func (c *Client) Invalidate(patterns ...key.Pattern) []key.Key {
	return c.Dispatcher.Invalidate(patterns...)
}

// SetVisible pauses or resumes polling.
func (c *Client) SetVisible(visible bool) {
	c.Scheduler.SetVisible(visible)
}

func (c *Client) entry(k key.Key) store.Entry {
	e, found := c.Store.Get(k)
	if !found {
		e.Key = k
	}
	return e
}

// Stats summarises the client for diagnostics.
type Stats struct {
	Store      store.Stats `json:"store"`
	KnownKeys  int         `json:"knownKeys"`
	Subscribed []string    `json:"subscribed"`
	Visible    bool        `json:"visible"`
}

func (c *Client) Stats() Stats {
	subscribed := c.Subscriptions.Subscribed()
	names := make([]string, len(subscribed))
	for i, k := range subscribed {
		names[i] = k.String()
	}
	return Stats{
		Store:      c.Store.Stats(),
		KnownKeys:  c.Keys.Known(),
		Subscribed: names,
		Visible:    c.Scheduler.Visible(),
	}
}

// Data returns the entry's data as a T.
func Data[T any](e store.Entry) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}
