package store

import (
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
)

// Status is the fetch state of an entry.
type Status int

const (
	// StatusIdle: never fetched.
	StatusIdle Status = iota
	// StatusLoading: the first fetch is in flight and there is no data yet.
	StatusLoading
	// StatusSuccess: the last fetch succeeded.
	StatusSuccess
	// StatusError: the last fetch failed. Data from an earlier success is
	// retained.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Entry is the cached state of one key. Entries are values: the store never
// hands out a reference to its own copy.
type Entry struct {
	Key key.Key

	// Data is the last known payload. Updaters must treat it as immutable and
	// return a new value rather than modifying it in place.
	Data    any
	HasData bool

	FetchedAt  time.Time
	StaleAfter time.Time

	Status Status
	Err    error

	// Fetching is set while a fetch is in flight, including background
	// refreshes of an entry that already has data.
	Fetching bool

	// Generation increases on every invalidation of the entry.
	Generation uint64

	// Revision increases on every change to the entry's data or staleness.
	Revision uint64
}

// Stale reports whether the entry should be refreshed at now. Entries without
// data are always stale.
func (e Entry) Stale(now time.Time) bool {
	if !e.HasData {
		return true
	}
	return !now.Before(e.StaleAfter)
}
