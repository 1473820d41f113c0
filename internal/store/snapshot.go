package store

import (
	"github.com/keystonehq/keystone-sync/internal/key"
)

// Snapshot is the captured state of a set of entries, used to roll back
// optimistic updates.
type Snapshot struct {
	entries map[key.Key]Entry
	absent  []key.Key
}

// Keys returns the keys captured by the snapshot that had an entry.
func (s Snapshot) Keys() []key.Key {
	keys := make([]key.Key, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	key.Sort(keys)
	return keys
}

// Snapshot captures the current state of each key.
func (s *Store) Snapshot(keys []key.Key) Snapshot {
	snap := Snapshot{entries: make(map[key.Key]Entry, len(keys))}
	for _, k := range keys {
		if e, ok := s.cache.GetIfPresent(k); ok {
			snap.entries[k] = e
		} else {
			snap.absent = append(snap.absent, k)
		}
	}
	recordOperation("snapshot", "success")
	return snap
}

// Restore puts captured entries back. Generations are never rewound so that
// concurrent invalidations stay visible to conflict detection, and an entry
// invalidated since it was captured stays stale after restoring. An entry
// refetched since it was captured keeps the fetched data, which already
// supersedes any optimistic patch. Keys that were absent when captured are
// left as they are now: an optimistic patch cannot have touched them.
func (s *Store) Restore(snap Snapshot) {
	for k, captured := range snap.entries {
		s.update(k, "restore", func(current Entry, _ bool) (Entry, bool) {
			if current.FetchedAt.After(captured.FetchedAt) {
				return current, false
			}

			restored := captured
			if current.Generation > captured.Generation {
				restored.StaleAfter = earliest(captured.StaleAfter, current.StaleAfter)
			}
			restored.Generation = max(current.Generation, captured.Generation)
			restored.Revision = current.Revision + 1
			restored.Fetching = current.Fetching
			return restored, true
		})
	}
}
