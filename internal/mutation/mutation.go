package mutation

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Mutation binds a request builder to a dispatcher, giving consumers a
// reusable write primitive with a pending flag.
type Mutation[V any] struct {
	dispatcher *Dispatcher
	build      func(vars V) Request

	// OnError receives failures of fire-and-forget calls made with Mutate.
	// When unset they are logged.
	OnError func(err error)

	pending atomic.Int32
	wg      sync.WaitGroup
}

func NewMutation[V any](d *Dispatcher, build func(vars V) Request) *Mutation[V] {
	return &Mutation[V]{
		dispatcher: d,
		build:      build,
	}
}

// MutateAsync performs the mutation and waits for it to settle.
func (m *Mutation[V]) MutateAsync(ctx context.Context, vars V) (any, error) {
	m.pending.Add(1)
	defer m.pending.Add(-1)

	return m.dispatcher.Perform(ctx, m.build(vars))
}

// Mutate performs the mutation in the background. The mutation outlives
// ctx's cancellation.
func (m *Mutation[V]) Mutate(ctx context.Context, vars V) {
	m.pending.Add(1)
	req := m.build(vars)
	ctx = context.WithoutCancel(ctx)

	m.wg.Go(func() {
		defer m.pending.Add(-1)

		if _, err := m.dispatcher.Perform(ctx, req); err != nil {
			if m.OnError != nil {
				m.OnError(err)
				return
			}
			log.Ctx(ctx).Warn().Err(err).Str("mutation", req.Name).Msg("background mutation failed")
		}
	})
}

// IsPending reports whether any call of this mutation has not yet settled.
func (m *Mutation[V]) IsPending() bool {
	return m.pending.Load() > 0
}

// Wait blocks until every Mutate call has settled.
func (m *Mutation[V]) Wait() {
	m.wg.Wait()
}
