package poll

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
)

// Adaptive lengthens the polling interval of a key whose payload keeps coming
// back unchanged. Staleness stays bounded by MaxInterval.
type Adaptive struct {
	// MaxInterval caps the interval. A key armed with a longer interval keeps
	// it: adapting never polls more often than asked.
	MaxInterval time.Duration

	// Factor multiplies the interval on each step. Defaults to 2.
	Factor float64

	// UnchangedThreshold is the number of consecutive unchanged payloads that
	// triggers a step. Defaults to 3.
	UnchangedThreshold int
}

func (a *Adaptive) withDefaults() *Adaptive {
	if a == nil || a.MaxInterval <= 0 {
		return nil
	}
	c := *a
	if c.Factor <= 1 {
		c.Factor = 2
	}
	if c.UnchangedThreshold <= 0 {
		c.UnchangedThreshold = 3
	}
	return &c
}

// adapt records the digest of a polled payload and steps the interval.
func (s *Scheduler) adapt(l *loop, data any) {
	if s.adaptive == nil {
		return
	}

	digest := digestOf(data)
	if digest == "" || digest != l.digest {
		l.digest = digest
		l.unchanged = 0
		l.interval.Store(l.base.Load())
		return
	}

	l.unchanged++
	if l.unchanged < s.adaptive.UnchangedThreshold {
		return
	}
	l.unchanged = 0

	current := time.Duration(l.interval.Load())
	next := min(time.Duration(float64(current)*s.adaptive.Factor), s.adaptive.MaxInterval)
	next = max(next, time.Duration(l.base.Load()))
	if next != current {
		l.interval.Store(int64(next))
		log.Debug().Str("key", l.key.String()).Dur("interval", next).Msg("payload unchanged, polling less often")
	}
}

// reset returns the loop to its base interval.
func (l *loop) reset() {
	l.unchanged = 0
	l.interval.Store(l.base.Load())
}

// digestOf hashes the JSON encoding of data. An unencodable payload has no
// digest and is always treated as changed.
func digestOf(data any) string {
	b, err := json.Marshal(data)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
