package server

import (
	"context"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks releases the process's resources once the HTTP server has
// stopped. Hooks run in reverse registration order, so a component is shut
// down before the things it was built on. A failing hook is logged and the
// remaining hooks still run.
type ShutdownHooks struct {
	mu       sync.Mutex
	hooks    []hook
	executed bool
}

// AddContext registers a hook that receives the shutdown context, which
// carries the shutdown deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Add registers a hook that does not need the context.
func (s *ShutdownHooks) Add(name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return fn()
	})
}

// AddClose registers a resource with a Close() method.
func (s *ShutdownHooks) AddClose(name string, closer interface{ Close() }) {
	if closer == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error { closer.Close(); return nil })
}

// Names lists the registered hooks in execution order.
func (s *ShutdownHooks) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.hooks))
	for _, h := range slices.Backward(s.hooks) {
		names = append(names, h.name)
	}
	return names
}

// Execute runs the hooks once. Later calls do nothing.
func (s *ShutdownHooks) Execute(ctx context.Context) {
	s.mu.Lock()
	if s.executed {
		s.mu.Unlock()
		return
	}
	s.executed = true
	hooks := slices.Clone(s.hooks)
	s.mu.Unlock()

	l := log.Ctx(ctx)
	for _, h := range slices.Backward(hooks) {
		hookLog := l.With().Str("hook", h.name).Logger()

		hookLog.Info().Msg("shutdown started")
		if err := h.fn(ctx); err != nil {
			hookLog.Warn().Err(err).Msg("shutdown failed")
		} else {
			hookLog.Info().Msg("shutdown complete")
		}
	}
}
