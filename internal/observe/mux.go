package observe

import (
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Multiplexer interface {
	Handle(pattern string, handler http.Handler)
	http.Handler
}

// Mux wraps every registered route in otelhttp. Spans are named after the
// method and route, and requests for a project or resource carry those path
// values as attributes.
type Mux struct {
	wrapped Multiplexer
}

func NewMux(wrapped Multiplexer) *Mux {
	return &Mux{
		wrapped: wrapped,
	}
}

func (mux *Mux) Handle(pattern string, handler http.Handler) {
	route := TrimMethod(pattern)

	taggedHandler := otelhttp.NewHandler(
		labelSyncTargets(handler),
		route,
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return r.Method + " " + operation
		}),
	)

	mux.wrapped.Handle(pattern, taggedHandler)
}

func (mux *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	mux.wrapped.ServeHTTP(w, r)
}

// SyncAttributes returns the project and resource path values of r as
// attributes. Routes without them yield nothing.
func SyncAttributes(r *http.Request) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if project := r.PathValue("project"); project != "" {
		attrs = append(attrs, attribute.String("sync.project", project))
	}
	if resource := r.PathValue("resource"); resource != "" {
		attrs = append(attrs, attribute.String("sync.resource", resource))
	}
	return attrs
}

func labelSyncTargets(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attrs := SyncAttributes(r)
		if len(attrs) > 0 {
			trace.SpanFromContext(r.Context()).SetAttributes(attrs...)

			// project IDs are unbounded, so only the resource labels metrics
			if labeler, ok := otelhttp.LabelerFromContext(r.Context()); ok {
				if resource := r.PathValue("resource"); resource != "" {
					labeler.Add(attribute.String("sync.resource", resource))
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

var methods = []string{
	http.MethodConnect,
	http.MethodDelete,
	http.MethodGet,
	http.MethodHead,
	http.MethodOptions,
	http.MethodPatch,
	http.MethodPost,
	http.MethodPut,
	http.MethodTrace,
}

// TrimMethod strips a leading HTTP method from a ServeMux pattern.
func TrimMethod(pattern string) string {
	method, resource, hasMethod := strings.Cut(pattern, " ")
	if hasMethod && slices.Contains(methods, method) {
		return resource
	}
	return pattern
}
