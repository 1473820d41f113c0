package store

import (
	"context"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/maypok86/otter/v2"
	"github.com/maypok86/otter/v2/stats"
)

const defaultTTL = 30 * time.Second

// Updater transforms cached data. It must be pure and must not modify its
// argument.
type Updater func(data any) any

// Tracker is told about every key the store creates an entry for.
type Tracker interface {
	Track(k key.Key)
}

type Options struct {
	// TTL decides freshness per key. Defaults to 30 seconds for every key.
	TTL TTLFunc

	// Tracker, if set, is informed of new keys.
	Tracker Tracker

	// OnChange, if set, is called after every change to an entry with its new
	// state. It runs on the writer's goroutine and must not block.
	OnChange func(Entry)

	InitialCapacity int
}

// Store is the in-memory source of truth for fetched data. Writes are atomic
// per key; there is no store-wide lock. The store never returns errors:
// absence and failure are represented in the entries themselves.
//
// Entries are never evicted or expired. Invalidation only marks them stale.
type Store struct {
	cache    *otter.Cache[key.Key, Entry]
	counter  *stats.Counter
	ttl      TTLFunc
	tracker  Tracker
	onChange func(Entry)
}

func New(opts Options) *Store {
	initMetrics()

	counter := stats.NewCounter()
	cache := otter.Must(&otter.Options[key.Key, Entry]{
		InitialCapacity: opts.InitialCapacity,
		StatsRecorder:   counter,
	})

	ttl := opts.TTL
	if ttl == nil {
		ttl = FixedTTL(defaultTTL)
	}

	return &Store{
		cache:    cache,
		counter:  counter,
		ttl:      ttl,
		tracker:  opts.Tracker,
		onChange: opts.OnChange,
	}
}

// Get returns a copy of the entry for k.
func (s *Store) Get(k key.Key) (Entry, bool) {
	e, ok := s.cache.GetIfPresent(k)
	if ok {
		recordOperation("get", "hit")
	} else {
		recordOperation("get", "miss")
	}
	return e, ok
}

// Set stores data as a successful fetch result: fresh until now+TTL.
func (s *Store) Set(k key.Key, data any) {
	s.update(k, "set", func(e Entry, _ bool) (Entry, bool) {
		return s.fresh(e, data), true
	})
}

// SetIfRevision stores data only if the entry has not changed since revision
// rev was observed. When it has (an invalidation or optimistic patch landed
// while the fetch was in flight) the cached data is left alone, the entry is
// marked stale so the next observation refetches, and false is returned.
func (s *Store) SetIfRevision(k key.Key, data any, rev uint64) bool {
	stored := false
	s.update(k, "set", func(e Entry, _ bool) (Entry, bool) {
		if e.Revision == rev {
			stored = true
			return s.fresh(e, data), true
		}
		if !e.HasData {
			// nothing to protect: keep the result, but leave it stale
			e = s.fresh(e, data)
			e.StaleAfter = e.FetchedAt
			return e, true
		}
		e.Fetching = false
		e.StaleAfter = earliest(e.StaleAfter, time.Now())
		return e, true
	})
	return stored
}

func (s *Store) fresh(e Entry, data any) Entry {
	now := time.Now()
	e.Data = data
	e.HasData = true
	e.FetchedAt = now
	e.StaleAfter = now.Add(max(s.ttl(e.Key), 0))
	e.Status = StatusSuccess
	e.Err = nil
	e.Fetching = false
	e.Revision++
	return e
}

// SetError records a failed fetch. Previously fetched data and its timestamps
// are kept.
func (s *Store) SetError(k key.Key, err error) {
	s.update(k, "error", func(e Entry, _ bool) (Entry, bool) {
		e.Status = StatusError
		e.Err = err
		e.Fetching = false
		return e, true
	})
}

// MarkLoading flags a fetch as in flight, creating the entry if needed, and
// returns the entry as it was when the fetch began.
func (s *Store) MarkLoading(k key.Key) Entry {
	e, _ := s.update(k, "loading", func(e Entry, _ bool) (Entry, bool) {
		e.Fetching = true
		if !e.HasData && e.Status != StatusError {
			e.Status = StatusLoading
		}
		return e, true
	})
	return e
}

// Patch applies updater to the cached data without any network activity. It
// is a no-op when the key has no data yet. Used for optimistic updates.
func (s *Store) Patch(k key.Key, updater Updater) bool {
	_, changed := s.update(k, "patch", func(e Entry, found bool) (Entry, bool) {
		if !found || !e.HasData {
			return e, false
		}
		e.Data = updater(e.Data)
		e.Revision++
		return e, true
	})
	return changed
}

// Invalidate marks every entry matched by p as stale. Data is never cleared.
// Returns the keys that were marked.
func (s *Store) Invalidate(p key.Pattern) []key.Key {
	var matched []key.Key
	for k := range s.cache.All() {
		if p.Matches(k) {
			matched = append(matched, k)
		}
	}

	var marked []key.Key
	for _, k := range matched {
		if s.InvalidateKey(k) {
			marked = append(marked, k)
		}
	}
	key.Sort(marked)
	return marked
}

// InvalidateKey marks a single entry stale and bumps its generation. Repeated
// calls leave the data and staleness unchanged.
func (s *Store) InvalidateKey(k key.Key) bool {
	_, changed := s.update(k, "invalidate", func(e Entry, found bool) (Entry, bool) {
		if !found {
			return e, false
		}
		e.StaleAfter = earliest(e.StaleAfter, time.Now())
		if e.StaleAfter.Before(e.FetchedAt) {
			e.StaleAfter = e.FetchedAt
		}
		e.Generation++
		e.Revision++
		return e, true
	})
	return changed
}

// IsStale reports whether k needs a refresh at now. Absent keys are stale.
func (s *Store) IsStale(k key.Key, now time.Time) bool {
	e, ok := s.cache.GetIfPresent(k)
	if !ok {
		return true
	}
	return e.Stale(now)
}

// Generation returns the invalidation generation of k, zero if absent.
func (s *Store) Generation(k key.Key) uint64 {
	e, _ := s.cache.GetIfPresent(k)
	return e.Generation
}

// Generations snapshots the generation of each key.
func (s *Store) Generations(keys []key.Key) map[key.Key]uint64 {
	out := make(map[key.Key]uint64, len(keys))
	for _, k := range keys {
		out[k] = s.Generation(k)
	}
	return out
}

// Keys lists every key with an entry, sorted.
func (s *Store) Keys() []key.Key {
	var keys []key.Key
	for k := range s.cache.All() {
		keys = append(keys, k)
	}
	key.Sort(keys)
	return keys
}

func (s *Store) Len() int {
	return s.cache.EstimatedSize()
}

// Clear drops every entry. Only used when the owning client is disposed.
func (s *Store) Clear(ctx context.Context) {
	s.cache.InvalidateAll()
	recordOperationCtx(ctx, "clear", "success")
}

// Stats summarises the store for diagnostics.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (s *Store) Stats() Stats {
	snapshot := s.counter.Snapshot()
	return Stats{
		Entries: s.Len(),
		Hits:    snapshot.Hits,
		Misses:  snapshot.Misses,
	}
}

// update applies fn atomically to the entry for k. fn receives the current
// entry (zero with found=false when absent) and returns the new entry and
// whether to write it.
func (s *Store) update(k key.Key, operation string, fn func(e Entry, found bool) (Entry, bool)) (Entry, bool) {
	var (
		written bool
		created bool
	)

	result, _ := s.cache.Compute(k, func(old Entry, found bool) (Entry, otter.ComputeOp) {
		if !found {
			old = Entry{Key: k}
		}
		next, write := fn(old, found)
		if !write {
			return old, otter.CancelOp
		}
		written = true
		created = !found
		return next, otter.WriteOp
	})

	if !written {
		recordOperation(operation, "noop")
		return result, false
	}

	recordOperation(operation, "success")
	if created && s.tracker != nil {
		s.tracker.Track(k)
	}
	if s.onChange != nil {
		s.onChange(result)
	}
	return result, true
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
