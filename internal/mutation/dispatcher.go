// Package mutation applies writes to the backend and reconciles the cache
// with them: optimistic patches before the write, rollback on failure, and
// cascading invalidation on success.
package mutation

import (
	"context"
	"errors"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Patch is an optimistic change applied to every known key matched by
// Target.
type Patch struct {
	Target key.Pattern
	Update store.Updater
}

// Request describes one mutation.
type Request struct {
	// Name identifies the mutation in logs, metrics and errors.
	Name string

	// Validate, if set, is checked before anything is applied.
	Validate func() error

	// Optimistic patches are applied before Write is called and rolled back
	// if it fails.
	Optimistic []Patch

	// Write performs the mutation against the backend.
	Write func(ctx context.Context) (any, error)

	// Affected selects the keys invalidated on success. Registered
	// descendants are invalidated as well.
	Affected []key.Pattern

	// Summaries select keys whose data summarises the mutated records, such as
	// a project carrying milestone progress. They are invalidated on success
	// but their descendants are not.
	Summaries []key.Pattern

	// OnState, if set, is called on every state transition.
	OnState func(State)
}

// Invalidator is told about each key invalidated by a commit.
type Invalidator interface {
	Invalidated(k key.Key)
}

type Options struct {
	Store    *store.Store
	Registry *key.Registry

	// Invalidator is usually the poll scheduler, so that subscribed keys are
	// refetched immediately.
	Invalidator Invalidator

	Hooks Hooks

	// StrictConflicts makes Perform return a StaleWriteConflict alongside the
	// committed value. Otherwise conflicts are only logged and reported to
	// Hooks.
	StrictConflicts bool
}

// Dispatcher is the only path by which writes reach the backend.
type Dispatcher struct {
	store       *store.Store
	registry    *key.Registry
	invalidator Invalidator
	hooks       Hooks
	strict      bool
}

func NewDispatcher(opts Options) *Dispatcher {
	initMetrics()

	hooks := opts.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}

	return &Dispatcher{
		store:       opts.Store,
		registry:    opts.Registry,
		invalidator: opts.Invalidator,
		hooks:       hooks,
		strict:      opts.StrictConflicts,
	}
}

// Perform runs a mutation. On failure every optimistic patch is rolled back
// before the error is returned and nothing is invalidated. On success the
// optimistic data stays in place until the refetch triggered by
// invalidation confirms or corrects it.
//
// Two mutations patching the same key nest: the later one snapshots the
// earlier one's optimistic state, so rolling it back returns to that state
// rather than to server data.
func (d *Dispatcher) Perform(ctx context.Context, req Request) (any, error) {
	name := req.Name
	if name == "" {
		name = "mutation"
	}

	tracer := otel.Tracer("github.com/keystonehq/keystone-sync/internal/mutation")
	ctx, span := tracer.Start(ctx, "mutation",
		trace.WithAttributes(attribute.String("mutation.name", name)),
	)
	defer span.End()

	start := time.Now()
	transition := func(s State) {
		span.AddEvent(s.String())
		if req.OnState != nil {
			req.OnState(s)
		}
	}
	transition(StatePending)

	if req.Write == nil {
		err := syncerr.Required("write")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		recordMutation(ctx, name, "invalid", time.Since(start))
		return nil, err
	}

	if req.Validate != nil {
		if err := req.Validate(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "validation failed")
			recordMutation(ctx, name, "invalid", time.Since(start))
			return nil, err
		}
	}

	snapshot, patched := d.applyOptimistic(req.Optimistic)
	if len(patched) > 0 {
		transition(StateOptimisticApplied)
	}

	watched := d.targets(req.Affected, req.Summaries)
	before := d.store.Generations(watched)

	transition(StateInFlight)
	value, err := req.Write(ctx)

	if err != nil {
		d.store.Restore(snapshot)
		transition(StateRolledBack)

		outcome := Outcome{
			Name:     name,
			State:    StateRolledBack,
			Err:      err,
			Duration: time.Since(start),
			Patched:  patched,
		}
		d.hooks.RolledBack(ctx, outcome)

		span.RecordError(err)
		span.SetStatus(codes.Error, "rolled back")
		recordMutation(ctx, name, "rolled_back", outcome.Duration)
		log.Ctx(ctx).Info().Err(err).
			Str("mutation", name).
			Int("patched", len(patched)).
			Msg("mutation failed, optimistic changes rolled back")

		return nil, err
	}

	conflicts := moved(before, d.store.Generations(watched))
	invalidated := d.invalidate(d.targets(req.Affected, req.Summaries))
	transition(StateCommitted)

	outcome := Outcome{
		Name:        name,
		State:       StateCommitted,
		Value:       value,
		Duration:    time.Since(start),
		Patched:     patched,
		Invalidated: invalidated,
		Conflicts:   conflicts,
	}
	d.hooks.Committed(ctx, outcome)

	span.SetAttributes(attribute.Int("mutation.invalidated", len(invalidated)))
	span.SetStatus(codes.Ok, "committed")
	recordMutation(ctx, name, "committed", outcome.Duration)
	log.Ctx(ctx).Debug().
		Str("mutation", name).
		Int("invalidated", len(invalidated)).
		Msg("mutation committed")

	if len(conflicts) > 0 {
		conflict := syncerr.StaleWriteConflict{Mutation: name, Keys: keyStrings(conflicts)}
		d.hooks.Conflicted(ctx, conflict)
		recordMutation(ctx, name, "conflict", outcome.Duration)
		log.Ctx(ctx).Warn().
			Str("mutation", name).
			Strs("keys", conflict.Keys).
			Msg("concurrent mutation touched the same keys, last write wins")

		if d.strict {
			return value, conflict
		}
	}

	return value, nil
}

// Invalidate marks the patterns and all their registered descendants stale
// without a write. Returns the keys marked.
func (d *Dispatcher) Invalidate(patterns ...key.Pattern) []key.Key {
	return d.invalidate(d.targets(patterns, nil))
}

func (d *Dispatcher) applyOptimistic(patches []Patch) (store.Snapshot, []key.Key) {
	if len(patches) == 0 {
		return store.Snapshot{}, nil
	}

	targets := make([][]key.Key, len(patches))
	var all []key.Key
	seen := map[key.Key]struct{}{}
	for i, p := range patches {
		targets[i] = d.registry.Expand(p.Target)
		for _, k := range targets[i] {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				all = append(all, k)
			}
		}
	}

	snapshot := d.store.Snapshot(all)

	var patched []key.Key
	applied := map[key.Key]struct{}{}
	for i, p := range patches {
		for _, k := range targets[i] {
			if !d.store.Patch(k, p.Update) {
				continue
			}
			if _, ok := applied[k]; !ok {
				applied[k] = struct{}{}
				patched = append(patched, k)
			}
		}
	}
	key.Sort(patched)

	return snapshot, patched
}

// targets expands the cascading patterns through the hierarchy and the
// summary patterns to their known keys alone.
func (d *Dispatcher) targets(cascading, summaries []key.Pattern) []key.Key {
	keys := d.registry.Cascade(cascading...)
	if len(summaries) == 0 {
		return keys
	}

	seen := make(map[key.Key]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for _, p := range summaries {
		for _, k := range d.registry.Expand(p) {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	key.Sort(keys)
	return keys
}

func (d *Dispatcher) invalidate(keys []key.Key) []key.Key {
	var invalidated []key.Key
	for _, k := range keys {
		if !d.store.InvalidateKey(k) {
			continue
		}
		invalidated = append(invalidated, k)
		if d.invalidator != nil {
			d.invalidator.Invalidated(k)
		}
	}
	return invalidated
}

func moved(before, after map[key.Key]uint64) []key.Key {
	var keys []key.Key
	for k, gen := range after {
		if gen != before[k] {
			keys = append(keys, k)
		}
	}
	key.Sort(keys)
	return keys
}

func keyStrings(keys []key.Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// IsConflict reports whether err is a StaleWriteConflict.
func IsConflict(err error) bool {
	var conflict syncerr.StaleWriteConflict
	return errors.As(err, &conflict)
}
