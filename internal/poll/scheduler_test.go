package poll_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/poll"
	"github.com/stretchr/testify/assert"
)

var ticketsP1 = key.New("project", key.Scope("P1"), key.Sub("tickets"))

type fetchCounter struct {
	calls   atomic.Int32
	payload atomic.Value
}

func (f *fetchCounter) fetch(ctx context.Context, k key.Key) (any, error) {
	f.calls.Add(1)
	return f.payload.Load(), nil
}

func (f *fetchCounter) count() int {
	return int(f.calls.Load())
}

func newCounter(payload string) *fetchCounter {
	f := &fetchCounter{}
	f.payload.Store(payload)
	return f
}

func TestScheduler_TicksAtInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		assert.True(t, s.Armed(ticketsP1))

		time.Sleep(9 * time.Second)
		assert.Equal(t, 0, f.count(), "arming does not fetch")

		time.Sleep(26 * time.Second)
		assert.Equal(t, 3, f.count())
	})
}

func TestScheduler_IndependentKeys(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		slow := make(chan struct{})
		var fast atomic.Int32
		s := poll.New(poll.Options{Fetch: func(ctx context.Context, k key.Key) (any, error) {
			if k == ticketsP1 {
				<-slow
				return nil, nil
			}
			fast.Add(1)
			return nil, nil
		}})
		defer s.Close()

		s.Arm(ticketsP1, time.Second)
		s.Arm(key.New("project", key.Scope("P2"), key.Sub("tickets")), 10*time.Second)

		time.Sleep(35 * time.Second)
		assert.Equal(t, int32(3), fast.Load(), "a blocked fetch of one key does not delay another")
		close(slow)
	})
}

func TestScheduler_SkipsInactiveKeys(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		var active atomic.Bool
		s := poll.New(poll.Options{
			Fetch:  f.fetch,
			Active: func(key.Key) bool { return active.Load() },
		})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(25 * time.Second)
		assert.Equal(t, 0, f.count())

		active.Store(true)
		time.Sleep(10 * time.Second)
		assert.Equal(t, 1, f.count())
	})
}

func TestScheduler_PausedWhileHidden(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		var stale atomic.Bool
		s := poll.New(poll.Options{
			Fetch: f.fetch,
			Stale: func(key.Key) bool { return stale.Load() },
		})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		s.SetVisible(false)
		assert.False(t, s.Visible())

		time.Sleep(time.Minute)
		assert.Equal(t, 0, f.count(), "no fetches while hidden")

		stale.Store(true)
		s.SetVisible(true)
		synctest.Wait()
		assert.Equal(t, 1, f.count(), "stale keys refetched on resume")
	})
}

func TestScheduler_ResumeSkipsFreshKeys(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{
			Fetch: f.fetch,
			Stale: func(key.Key) bool { return false },
		})
		defer s.Close()

		s.Arm(ticketsP1, time.Minute)
		s.SetVisible(false)
		time.Sleep(5 * time.Second)
		s.SetVisible(true)
		synctest.Wait()

		assert.Equal(t, 0, f.count())
	})
}

func TestScheduler_InvalidationTakesPrecedence(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(5 * time.Second)

		s.Invalidated(ticketsP1)
		synctest.Wait()
		assert.Equal(t, 1, f.count(), "fetched immediately")

		time.Sleep(9 * time.Second)
		assert.Equal(t, 1, f.count(), "timer restarted from the invalidation")

		time.Sleep(2 * time.Second)
		assert.Equal(t, 2, f.count())
	})
}

func TestScheduler_InvalidationOfUnarmedKeyIsIgnored(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Invalidated(ticketsP1)
		synctest.Wait()
		assert.Equal(t, 0, f.count())
	})
}

func TestScheduler_SettleDelay(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch, SettleDelay: 500 * time.Millisecond})
		defer s.Close()

		s.Arm(ticketsP1, time.Minute)
		s.Invalidated(ticketsP1)

		time.Sleep(400 * time.Millisecond)
		assert.Equal(t, 0, f.count())

		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 1, f.count())
	})
}

func TestScheduler_DisarmStopsPolling(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(15 * time.Second)
		assert.Equal(t, 1, f.count())

		s.Disarm(ticketsP1)
		assert.False(t, s.Armed(ticketsP1))

		time.Sleep(30 * time.Second)
		assert.Equal(t, 1, f.count(), "no fetch for three intervals after disarm")
	})
}

func TestScheduler_ArmKeepsShorterInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Arm(ticketsP1, 30*time.Second)
		s.Arm(ticketsP1, 10*time.Second)
		s.Arm(ticketsP1, time.Minute)

		interval, ok := s.Interval(ticketsP1)
		assert.True(t, ok)
		assert.Equal(t, 10*time.Second, interval)

		s.Arm(key.New("projects"), 0)
		assert.False(t, s.Armed(key.New("projects")))
	})
}

func TestScheduler_RetuneLengthensInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(15 * time.Second)
		assert.Equal(t, 1, f.count())

		s.Retune(ticketsP1, time.Minute)
		interval, _ := s.Interval(ticketsP1)
		assert.Equal(t, time.Minute, interval)

		time.Sleep(55 * time.Second)
		assert.Equal(t, 1, f.count(), "retuning does not fetch")

		time.Sleep(10 * time.Second)
		assert.Equal(t, 2, f.count())

		s.Retune(key.New("projects"), time.Minute)
		assert.False(t, s.Armed(key.New("projects")))
	})
}

func TestScheduler_RecoversFromPanic(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		s := poll.New(poll.Options{Fetch: func(ctx context.Context, k key.Key) (any, error) {
			if calls.Add(1) == 1 {
				panic("poll boom")
			}
			return nil, nil
		}})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(25 * time.Second)

		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestScheduler_ContinuesAfterErrors(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		s := poll.New(poll.Options{Fetch: func(ctx context.Context, k key.Key) (any, error) {
			calls.Add(1)
			return nil, errors.New("backend down")
		}})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		time.Sleep(35 * time.Second)

		assert.Equal(t, int32(3), calls.Load())
	})
}

func TestScheduler_AdaptiveInterval(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("unchanged")
		s := poll.New(poll.Options{
			Fetch: f.fetch,
			Adaptive: &poll.Adaptive{
				MaxInterval:        40 * time.Second,
				UnchangedThreshold: 2,
			},
		})
		defer s.Close()

		s.Arm(ticketsP1, 10*time.Second)

		// ticks at 10s (first digest), 20s, 30s (second unchanged: step)
		time.Sleep(31 * time.Second)
		interval, _ := s.Interval(ticketsP1)
		assert.Equal(t, 20*time.Second, interval)

		// ticks at 50s, 70s (step, capped)
		time.Sleep(40 * time.Second)
		interval, _ = s.Interval(ticketsP1)
		assert.Equal(t, 40*time.Second, interval)

		// a changed payload returns to the base interval
		f.payload.Store("changed")
		time.Sleep(40 * time.Second)
		interval, _ = s.Interval(ticketsP1)
		assert.Equal(t, 10*time.Second, interval)
		assert.Equal(t, 6, f.count())
	})
}

func TestScheduler_AdaptiveNeverBelowBase(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("unchanged")
		s := poll.New(poll.Options{
			Fetch: f.fetch,
			Adaptive: &poll.Adaptive{
				MaxInterval:        40 * time.Second,
				UnchangedThreshold: 2,
			},
		})
		defer s.Close()

		s.Arm(ticketsP1, time.Minute)

		// ticks at 60s, 120s, 180s (step would cap at 40s)
		time.Sleep(181 * time.Second)
		interval, _ := s.Interval(ticketsP1)
		assert.Equal(t, time.Minute, interval)
		assert.Equal(t, 3, f.count())
	})
}

func TestScheduler_CloseStopsLoops(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		f := newCounter("v1")
		s := poll.New(poll.Options{Fetch: f.fetch})

		s.Arm(ticketsP1, 10*time.Second)
		s.Close()

		s.Arm(ticketsP1, 10*time.Second)
		assert.False(t, s.Armed(ticketsP1))

		time.Sleep(time.Minute)
		assert.Equal(t, 0, f.count())
	})
}
