package audit

import (
	"context"
	"fmt"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/mutation"
	"github.com/keystonehq/keystone-sync/internal/syncerr"
)

// MutationHooks records settled mutations on the audit entry of the request
// that performed them. The dispatcher logs the outcomes itself.
type MutationHooks struct{}

var _ mutation.Hooks = MutationHooks{}

func (MutationHooks) Committed(ctx context.Context, o mutation.Outcome) {
	record(ctx, o)
}

func (MutationHooks) RolledBack(ctx context.Context, o mutation.Outcome) {
	entry := record(ctx, o)
	if o.Err != nil {
		entry.Error = fmt.Sprintf("mutation failed: %v", o.Err)
	}
}

func (MutationHooks) Conflicted(ctx context.Context, c syncerr.StaleWriteConflict) {
	Log(ctx).Conflicts = c.Keys
}

func record(ctx context.Context, o mutation.Outcome) *Entry {
	entry := Log(ctx)
	entry.Mutation = o.Name
	entry.State = o.State.String()
	entry.MutationDuration = o.Duration
	entry.Patched = keyStrings(o.Patched)
	entry.Invalidated = keyStrings(o.Invalidated)
	return entry
}

func keyStrings(keys []key.Key) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}
