package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// OptionalEvent builds a nested dictionary that is only attached to its parent
// when at least one non-empty field was added.
type OptionalEvent struct {
	ev       *zerolog.Event
	modified bool
}

func NewOptionalEvent(e *zerolog.Event) *OptionalEvent {
	return &OptionalEvent{ev: e}
}

func (oe *OptionalEvent) event() *zerolog.Event {
	if oe.ev == nil {
		oe.ev = zerolog.Dict()
		oe.modified = false
	}
	return oe.ev
}

// Set attaches the dictionary to parent under key if anything was added.
func (oe *OptionalEvent) Set(parent *zerolog.Event, key string) bool {
	if !oe.modified {
		return false
	}
	parent.Dict(key, oe.event())
	return true
}

func (oe *OptionalEvent) Str(key, val string) *OptionalEvent {
	if val == "" {
		return oe
	}
	oe.event().Str(key, val)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Strs(key string, vals []string) *OptionalEvent {
	if len(vals) == 0 {
		return oe
	}
	oe.event().Strs(key, vals)
	oe.modified = true
	return oe
}

func (oe *OptionalEvent) Dur(key string, val time.Duration) *OptionalEvent {
	if val == 0 {
		return oe
	}
	oe.event().Dur(key, val)
	oe.modified = true
	return oe
}
