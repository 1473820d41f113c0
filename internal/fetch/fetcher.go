// Package fetch loads keys from the backend into the store, sharing one
// backend call between concurrent requests for the same key.
package fetch

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// maxReloads bounds how many times a fetch is repeated because the key was
// invalidated while the backend call was in flight.
const maxReloads = 2

// RetryPolicy configures retries of a failed load. The zero value makes
// exactly one attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts uint

	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Retryable decides whether an error is worth another attempt. Defaults
	// to syncerr.IsTemporary.
	Retryable func(error) bool
}

func (p RetryPolicy) enabled() bool {
	return p.MaxAttempts > 1
}

type Options struct {
	Store   *store.Store
	Loaders *Loaders
	Retry   RetryPolicy

	// Timeout bounds a single logical fetch, retries included. Zero leaves
	// the bound to the transport.
	Timeout time.Duration
}

// Fetcher performs fetches on behalf of any number of callers. At most one
// backend load per key is in flight at a time.
type Fetcher struct {
	store   *store.Store
	loaders *Loaders
	retry   RetryPolicy
	timeout time.Duration

	group singleflight.Group
	wg    sync.WaitGroup
}

func New(opts Options) *Fetcher {
	initMetrics()

	retry := opts.Retry
	if retry.Retryable == nil {
		retry.Retryable = syncerr.IsTemporary
	}

	loaders := opts.Loaders
	if loaders == nil {
		loaders = NewLoaders()
	}

	return &Fetcher{
		store:   opts.Store,
		loaders: loaders,
		retry:   retry,
		timeout: opts.Timeout,
	}
}

// Loaders returns the loader table used by the fetcher.
func (f *Fetcher) Loaders() *Loaders {
	return f.loaders
}

// Fetch loads k from the backend and writes the result to the store. Callers
// arriving while a fetch of k is in flight receive that fetch's result. The
// load itself is detached from ctx: a caller giving up never aborts a fetch
// other callers may be waiting on.
func (f *Fetcher) Fetch(ctx context.Context, k key.Key) (any, error) {
	ch := f.group.DoChan(k.String(), func() (any, error) {
		return f.load(context.WithoutCancel(ctx), k)
	})

	select {
	case res := <-ch:
		if res.Shared {
			recordCoalesced(ctx, k.Resource)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Refresh starts a fetch of k in the background. Failures are recorded in the
// store and logged.
func (f *Fetcher) Refresh(ctx context.Context, k key.Key) {
	ctx = context.WithoutCancel(ctx)
	f.wg.Go(func() {
		if _, err := f.Fetch(ctx, k); err != nil {
			log.Ctx(ctx).Debug().Err(err).Str("key", k.String()).Msg("background refresh failed")
		}
	})
}

// Wait blocks until background refreshes started with Refresh have finished.
func (f *Fetcher) Wait() {
	f.wg.Wait()
}

func (f *Fetcher) load(ctx context.Context, k key.Key) (any, error) {
	tracer := otel.Tracer("github.com/keystonehq/keystone-sync/internal/fetch")
	ctx, span := tracer.Start(ctx, "fetch",
		trace.WithAttributes(attribute.String("sync.key", k.String())),
	)
	defer span.End()

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()

	loader, err := f.loaders.Lookup(k)
	if err != nil {
		f.store.SetError(k, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "no loader")
		recordFetch(ctx, k.Resource, "error", time.Since(start))
		return nil, err
	}

	for reload := 0; ; reload++ {
		started := f.store.MarkLoading(k)

		data, err := f.attempt(ctx, loader, k)
		if err != nil {
			f.store.SetError(k, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "fetch failed")
			recordFetch(ctx, k.Resource, "error", time.Since(start))
			log.Ctx(ctx).Debug().Err(err).Str("key", k.String()).Msg("fetch failed")
			return nil, err
		}

		if f.store.SetIfRevision(k, data, started.Revision) {
			span.SetAttributes(attribute.Int("fetch.reloads", reload))
			span.SetStatus(codes.Ok, "fetched")
			recordFetch(ctx, k.Resource, "success", time.Since(start))
			return data, nil
		}

		// The entry changed while the load was in flight. An invalidation
		// means the backend may have moved on, so the result is already
		// out of date: load again. An optimistic patch alone is kept until
		// its mutation settles.
		current, _ := f.store.Get(k)
		if current.Generation == started.Generation || reload >= maxReloads {
			span.SetAttributes(attribute.Int("fetch.reloads", reload))
			span.SetStatus(codes.Ok, "superseded")
			recordFetch(ctx, k.Resource, "superseded", time.Since(start))
			return current.Data, nil
		}

		log.Ctx(ctx).Debug().Str("key", k.String()).Msg("invalidated during fetch, reloading")
	}
}

func (f *Fetcher) attempt(ctx context.Context, loader LoadFunc, k key.Key) (any, error) {
	if !f.retry.enabled() {
		return loader(ctx, k)
	}

	b := backoff.NewExponentialBackOff()
	if f.retry.InitialInterval > 0 {
		b.InitialInterval = f.retry.InitialInterval
	}
	if f.retry.MaxInterval > 0 {
		b.MaxInterval = f.retry.MaxInterval
	}

	data, err := backoff.Retry(ctx,
		func() (any, error) {
			data, err := loader(ctx, k)
			if err != nil && !f.retry.Retryable(err) {
				return nil, backoff.Permanent(err)
			}
			return data, err
		},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(f.retry.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Ctx(ctx).Debug().Err(err).
				Str("key", k.String()).
				Dur("retry_in", next).
				Msg("fetch attempt failed, retrying")
		}),
	)
	if err != nil {
		return nil, err
	}
	return data, nil
}
