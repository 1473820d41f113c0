// Package poll keeps subscribed keys fresh by refetching them on a timer.
package poll

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// FetchFunc refetches a key and returns the fresh payload.
type FetchFunc func(ctx context.Context, k key.Key) (any, error)

type Options struct {
	Fetch FetchFunc

	// Active reports whether a key still has subscribers. A tick for an
	// inactive key does nothing. Defaults to always active.
	Active func(k key.Key) bool

	// Stale reports whether a key needs a refresh. Used when the application
	// returns to the foreground. Defaults to always stale.
	Stale func(k key.Key) bool

	// SettleDelay is waited before a refetch triggered by an invalidation,
	// giving the backend time to make a write visible to reads.
	SettleDelay time.Duration

	// Adaptive, if set, lengthens the interval of keys whose payload stops
	// changing.
	Adaptive *Adaptive
}

// Scheduler runs one polling loop per armed key. Loops are independent: a
// slow fetch of one key never delays another.
type Scheduler struct {
	fetch    FetchFunc
	active   func(key.Key) bool
	stale    func(key.Key) bool
	settle   time.Duration
	adaptive *Adaptive

	visible atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	loops  map[key.Key]*loop
	closed bool
	wg     sync.WaitGroup
}

type kick struct {
	settle bool
}

type loop struct {
	key     key.Key
	cancel  context.CancelFunc
	kicks   chan kick
	retimes chan struct{}

	base     atomic.Int64
	interval atomic.Int64

	// owned by the loop goroutine
	digest    string
	unchanged int
}

func New(opts Options) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		fetch:    opts.Fetch,
		active:   opts.Active,
		stale:    opts.Stale,
		settle:   opts.SettleDelay,
		adaptive: opts.Adaptive.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		loops:    map[key.Key]*loop{},
	}
	if s.active == nil {
		s.active = func(key.Key) bool { return true }
	}
	if s.stale == nil {
		s.stale = func(key.Key) bool { return true }
	}
	s.visible.Store(true)

	return s
}

// Arm starts polling k every interval. Arming an armed key keeps the shorter
// of the two intervals. A non-positive interval leaves the key unpolled.
func (s *Scheduler) Arm(k key.Key, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if l, ok := s.loops[k]; ok {
		if interval < time.Duration(l.base.Load()) {
			l.retune(interval)
		}
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	l := &loop{
		key:     k,
		cancel:  cancel,
		kicks:   make(chan kick, 1),
		retimes: make(chan struct{}, 1),
	}
	l.base.Store(int64(interval))
	l.interval.Store(int64(interval))
	s.loops[k] = l

	s.wg.Go(func() {
		s.run(ctx, l)
	})

	log.Debug().Str("key", k.String()).Dur("interval", interval).Msg("polling armed")
}

// Retune sets the polling interval of an armed key, longer or shorter, and
// restarts its timer without fetching. Used when the subscriber that asked
// for the shortest interval goes away. Unarmed keys and non-positive
// intervals are ignored.
func (s *Scheduler) Retune(k key.Key, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()

	if ok && time.Duration(l.base.Load()) != interval {
		l.retune(interval)
		log.Debug().Str("key", k.String()).Dur("interval", interval).Msg("polling retuned")
	}
}

// Disarm stops polling k. A fetch already in flight is not cancelled, but no
// further fetch is started by the loop.
func (s *Scheduler) Disarm(k key.Key) {
	s.mu.Lock()
	l, ok := s.loops[k]
	if ok {
		delete(s.loops, k)
	}
	s.mu.Unlock()

	if ok {
		l.cancel()
		log.Debug().Str("key", k.String()).Msg("polling disarmed")
	}
}

// Armed reports whether k is being polled.
func (s *Scheduler) Armed(k key.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.loops[k]
	return ok
}

// Interval returns the current polling interval of k.
func (s *Scheduler) Interval(k key.Key) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loops[k]
	if !ok {
		return 0, false
	}
	return time.Duration(l.interval.Load()), true
}

// Invalidated tells the scheduler k was invalidated. An armed key is
// refetched straight away and its timer restarts.
func (s *Scheduler) Invalidated(k key.Key) {
	s.mu.Lock()
	l, ok := s.loops[k]
	s.mu.Unlock()

	if ok {
		l.send(kick{settle: true})
	}
}

// SetVisible pauses (false) or resumes (true) polling. On resume every armed
// key that has gone stale is refetched immediately.
func (s *Scheduler) SetVisible(visible bool) {
	was := s.visible.Swap(visible)
	if was == visible {
		return
	}

	log.Info().Bool("visible", visible).Msg("polling visibility changed")
	if !visible {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, l := range s.loops {
		if s.stale(k) {
			l.send(kick{})
		}
	}
}

// Visible reports whether polling is currently running.
func (s *Scheduler) Visible() bool {
	return s.visible.Load()
}

// Close stops every loop and waits for them to exit.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.loops = map[key.Key]*loop{}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

func (l *loop) retune(interval time.Duration) {
	l.base.Store(int64(interval))
	l.interval.Store(int64(interval))
	select {
	case l.retimes <- struct{}{}:
	default:
	}
}

func (l *loop) send(k kick) {
	select {
	case l.kicks <- k:
	default:
		// a kick is already pending
	}
}

func (s *Scheduler) run(ctx context.Context, l *loop) {
	timer := time.NewTimer(time.Duration(l.interval.Load()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.tick(ctx, l, false)
		case k := <-l.kicks:
			if k.settle && s.settle > 0 {
				select {
				case <-time.After(s.settle):
				case <-ctx.Done():
					return
				}
			}
			s.tick(ctx, l, true)
		case <-l.retimes:
		}

		timer.Reset(time.Duration(l.interval.Load()))
	}
}

// tick performs a single poll of the loop's key with tracing. Panics in the
// fetch are recovered so that the loop survives.
func (s *Scheduler) tick(ctx context.Context, l *loop, kicked bool) {
	if ctx.Err() != nil || !s.visible.Load() || !s.active(l.key) {
		return
	}

	tracer := otel.Tracer("github.com/keystonehq/keystone-sync/internal/poll")
	ctx, span := tracer.Start(ctx, "poll",
		trace.WithAttributes(
			attribute.String("sync.key", l.key.String()),
			attribute.Bool("poll.kicked", kicked),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic during poll of %s: %v", l.key, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, "poll panicked")
			log.Warn().Interface("panic", r).Str("key", l.key.String()).Msg("poll panicked, recovered")
		}
	}()

	data, err := s.fetch(ctx, l.key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "poll failed")
		log.Warn().Err(err).Str("key", l.key.String()).Msg("poll failed, continuing")
		return
	}

	if kicked {
		l.reset()
	}
	s.adapt(l, data)
	span.SetStatus(codes.Ok, "polled")
}
