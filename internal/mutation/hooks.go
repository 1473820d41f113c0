package mutation

import (
	"context"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
)

// Outcome describes a settled mutation.
type Outcome struct {
	Name     string
	State    State
	Value    any
	Err      error
	Duration time.Duration

	// Patched lists keys changed by optimistic patches.
	Patched []key.Key

	// Invalidated lists keys marked stale after commit.
	Invalidated []key.Key

	// Conflicts lists keys invalidated by another mutation while this one
	// was in flight.
	Conflicts []key.Key
}

// Hooks observe settled mutations. Implementations must not block.
type Hooks interface {
	Committed(ctx context.Context, outcome Outcome)
	RolledBack(ctx context.Context, outcome Outcome)
	Conflicted(ctx context.Context, conflict syncerr.StaleWriteConflict)
}

// NopHooks ignores every event.
type NopHooks struct{}

func (NopHooks) Committed(context.Context, Outcome) {}
func (NopHooks) RolledBack(context.Context, Outcome) {}
func (NopHooks) Conflicted(context.Context, syncerr.StaleWriteConflict) {}
