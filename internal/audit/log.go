// Package audit records one structured log entry per request, enriched with
// the outcome of any mutation the request performed.
package audit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Level is the level audit entries are written at. It sits above every
// standard level so entries are never filtered.
const Level = zerolog.Level(20)

type contextKey struct{}

// Entry is the audit record of a request.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string
	Duration  time.Duration

	// Mutation is the name of the mutation the request performed, if any.
	Mutation         string
	State            string
	MutationDuration time.Duration
	Patched          []string
	Invalidated      []string
	Conflicts        []string

	Error string

	began time.Time
}

func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	request := zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent)
	if e.Duration > 0 {
		request.Dur("duration", e.Duration)
	}
	ev.Dict("request", request)

	mutation := NewOptionalEvent(nil).
		Str("name", e.Mutation).
		Str("state", e.State).
		Dur("duration", e.MutationDuration).
		Strs("patched", e.Patched).
		Strs("invalidated", e.Invalidated).
		Strs("conflicts", e.Conflicts)
	mutation.Set(ev, "mutation")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Begin captures the request details.
func (e *Entry) Begin(r *http.Request) {
	e.Method = r.Method
	e.Path = r.URL.Path
	e.UserAgent = r.UserAgent()
	e.SourceIP = sourceIP(r)
	e.began = time.Now()
}

// End returns a function that writes the entry to the context logger. A
// status of zero is reported as 200, as net/http would.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if e.Status == 0 {
			e.Status = http.StatusOK
		}
		if !e.began.IsZero() {
			e.Duration = time.Since(e.began)
		}
		zerolog.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit")
	}
}

// Context returns the entry stored in ctx, adding a new one if there is none.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(contextKey{}).(*Entry); ok {
		return ctx, e
	}
	e := &Entry{}
	return context.WithValue(ctx, contextKey{}, e), e
}

// Log returns the entry for the current request. Outside a request a
// detached entry is returned, so callers never need to check.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request, including requests
// whose handler panics.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())
			entry.Begin(r)
			defer entry.End(ctx)()

			defer func() {
				if recovered := recover(); recovered != nil {
					if entry.Error != "" {
						entry.Error += "; "
					}
					entry.Error += fmt.Sprintf("panic: %v", recovered)
					entry.Status = http.StatusInternalServerError
					panic(recovered)
				}
			}()

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.entry.Status == 0 {
		s.entry.Status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.entry.Status == 0 {
		s.entry.Status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController, which
// event streams use to flush.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
