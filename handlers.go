package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/projects"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/subscribe"
	"github.com/keystonehq/keystone-sync/internal/synccache"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// View is a cached value together with its freshness.
type View struct {
	Title     string       `json:"title,omitempty"`
	Data      any          `json:"data"`
	Status    store.Status `json:"status"`
	FetchedAt time.Time    `json:"fetchedAt,omitzero"`
	Stale     bool         `json:"stale"`
	Fetching  bool         `json:"fetching"`
	Error     string       `json:"error,omitempty"`
}

func viewOf(data any, e store.Entry) View {
	v := View{
		Data:      data,
		Status:    e.Status,
		FetchedAt: e.FetchedAt,
		Stale:     e.Stale(time.Now()),
		Fetching:  e.Fetching,
	}
	if e.Err != nil {
		_, v.Error = errorStatus(e.Err)
	}
	return v
}

// collectionHandler serves one project collection without knowing its record
// type.
type collectionHandler interface {
	list(ctx context.Context, projectID string) (View, error)
	all(ctx context.Context) (View, error)
	create(ctx context.Context, projectID string, body io.Reader) (any, error)
	update(ctx context.Context, projectID, id string, body io.Reader) (any, error)
	remove(ctx context.Context, projectID, id string) error
	subscribe(ctx context.Context, projectID string, interval time.Duration) *subscribe.Handle
}

type collectionRoutes[T projects.Record[T]] struct {
	c *projects.Collection[T]
}

func (r collectionRoutes[T]) list(ctx context.Context, projectID string) (View, error) {
	items, e, err := r.c.List(ctx, projectID)
	if err != nil {
		return View{}, err
	}
	v := viewOf(items, e)
	v.Title = projects.Title(r.c.Name())
	return v, nil
}

func (r collectionRoutes[T]) all(ctx context.Context) (View, error) {
	items, e, err := r.c.All(ctx)
	if err != nil {
		return View{}, err
	}
	v := viewOf(items, e)
	v.Title = projects.Title(r.c.Name())
	return v, nil
}

func (r collectionRoutes[T]) create(ctx context.Context, projectID string, body io.Reader) (any, error) {
	var item T
	if err := decodeBody(body, &item); err != nil {
		return nil, err
	}
	return r.c.Create(ctx, projectID, item)
}

func (r collectionRoutes[T]) update(ctx context.Context, projectID, id string, body io.Reader) (any, error) {
	var item T
	if err := decodeBody(body, &item); err != nil {
		return nil, err
	}
	return r.c.Update(ctx, projectID, item.WithRecordID(id))
}

func (r collectionRoutes[T]) remove(ctx context.Context, projectID, id string) error {
	return r.c.Remove(ctx, projectID, id)
}

func (r collectionRoutes[T]) subscribe(ctx context.Context, projectID string, interval time.Duration) *subscribe.Handle {
	return r.c.Subscribe(ctx, projectID, interval)
}

func collectionHandlers(svc *projects.Service) map[string]collectionHandler {
	return map[string]collectionHandler{
		projects.Milestones: collectionRoutes[projects.Milestone]{svc.Milestones},
		projects.Variations: collectionRoutes[projects.Variation]{svc.Variations},
		projects.Tickets:    collectionRoutes[projects.Ticket]{svc.Tickets},
		projects.Invoices:   collectionRoutes[projects.Invoice]{svc.Invoices},
		projects.Approvals:  collectionRoutes[projects.Approval]{svc.Approvals},
		projects.Team:       collectionRoutes[projects.TeamMember]{svc.Team},
		projects.Files:      collectionRoutes[projects.FileAsset]{svc.Files},
	}
}

// errBadRequest marks request bodies that could not be read.
var errBadRequest = errors.New("malformed request body")

type badRequest struct {
	cause error
}

func (e badRequest) Error() string {
	return fmt.Sprintf("%v: %v", errBadRequest, e.cause)
}

func (e badRequest) Unwrap() error {
	return errBadRequest
}

func (e badRequest) Status() (int, string) {
	return http.StatusBadRequest, e.Error()
}

func decodeBody(body io.Reader, target any) error {
	if err := json.NewDecoder(body).Decode(target); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return badRequest{cause: err}
	}
	return nil
}

func handleListProjects(svc *projects.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		items, e, err := svc.Projects(r.Context())
		if err != nil {
			writeError(w, r, "project list failed", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(items, e))
	})
}

func handleGetProject(svc *projects.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		p, e, err := svc.Project(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, r, "project read failed", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(p, e))
	})
}

func handleUpdateProject(svc *projects.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var p projects.Project
		if err := decodeBody(r.Body, &p); err != nil {
			writeError(w, r, "project update rejected", err)
			return
		}
		p.ID = r.PathValue("project")

		updated, err := svc.UpdateProject(r.Context(), p)
		if err != nil {
			writeError(w, r, "project update failed", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
}

func handleOverview(svc *projects.Service) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		o, err := svc.Overview(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, r, "project overview failed", err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	})
}

// lookupCollection resolves the {resource} path value, answering 404 itself
// when it is not a known collection.
func lookupCollection(collections map[string]collectionHandler, w http.ResponseWriter, r *http.Request) (collectionHandler, bool) {
	resource := r.PathValue("resource")
	c, ok := collections[resource]
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown resource "+resource)
	}
	return c, ok
}

func handleListCollection(collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		c, ok := lookupCollection(collections, w, r)
		if !ok {
			return
		}

		v, err := c.list(r.Context(), r.PathValue("project"))
		if err != nil {
			writeError(w, r, "collection read failed", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	})
}

func handleListGlobal(collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		resource := r.PathValue("resource")
		c, ok := collections[resource]
		if !ok || !projects.IsGlobal(resource) {
			writeJSONError(w, http.StatusNotFound, "no organisation-wide list for "+resource)
			return
		}

		v, err := c.all(r.Context())
		if err != nil {
			writeError(w, r, "collection read failed", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	})
}

func handleCreate(collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		c, ok := lookupCollection(collections, w, r)
		if !ok {
			return
		}

		created, err := c.create(r.Context(), r.PathValue("project"), r.Body)
		if err != nil {
			writeError(w, r, "create failed", err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	})
}

func handleUpdate(collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		c, ok := lookupCollection(collections, w, r)
		if !ok {
			return
		}

		updated, err := c.update(r.Context(), r.PathValue("project"), r.PathValue("id"), r.Body)
		if err != nil {
			writeError(w, r, "update failed", err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	})
}

func handleRemove(collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		c, ok := lookupCollection(collections, w, r)
		if !ok {
			return
		}

		if err := c.remove(r.Context(), r.PathValue("project"), r.PathValue("id")); err != nil {
			writeError(w, r, "remove failed", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleWatch streams a collection as server-sent events for as long as the
// client stays connected. Every change to the cached entry is sent as a
// "snapshot" event carrying the full view. The optional interval query
// parameter (a Go duration) sets the poll interval.
func handleWatch(shutdown context.Context, collections map[string]collectionHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		c, ok := lookupCollection(collections, w, r)
		if !ok {
			return
		}

		var interval time.Duration
		if raw := r.URL.Query().Get("interval"); raw != "" {
			parsed, err := time.ParseDuration(raw)
			if err != nil || parsed <= 0 {
				writeJSONError(w, http.StatusBadRequest, "interval must be a positive duration")
				return
			}
			interval = parsed
		}

		ctx := r.Context()
		h := c.subscribe(ctx, r.PathValue("project"), interval)
		defer h.Close()

		rc := http.NewResponseController(w)
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		send := func() bool {
			e := h.Entry()
			payload, err := json.Marshal(viewOf(e.Data, e))
			if err != nil {
				log.Ctx(ctx).Info().Msgf("failed to encode watch event: %v", err)
				return false
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
				return false
			}
			return rc.Flush() == nil
		}

		if !send() {
			return
		}
		for {
			select {
			case _, open := <-h.Changes():
				if !open || !send() {
					return
				}
			case <-ctx.Done():
				return
			case <-shutdown.Done():
				return
			}
		}
	})
}

type visibilityRequest struct {
	Visible *bool `json:"visible"`
}

func handleSetVisibility(client *synccache.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req visibilityRequest
		if err := decodeBody(r.Body, &req); err != nil || req.Visible == nil {
			writeJSONError(w, http.StatusBadRequest, "body must be {\"visible\": true|false}")
			return
		}

		client.SetVisible(*req.Visible)
		log.Ctx(r.Context()).Info().Bool("visible", *req.Visible).Msg("polling visibility changed")
		w.WriteHeader(http.StatusNoContent)
	})
}

type invalidateRequest struct {
	Patterns []string `json:"patterns"`
}

type invalidateResponse struct {
	Invalidated []string `json:"invalidated"`
}

func handleInvalidate(client *synccache.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req invalidateRequest
		if err := decodeBody(r.Body, &req); err != nil {
			writeError(w, r, "invalidate rejected", err)
			return
		}

		patterns := make([]key.Pattern, 0, len(req.Patterns))
		for _, raw := range req.Patterns {
			p, err := key.ParsePattern(raw)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, err.Error())
				return
			}
			patterns = append(patterns, p)
		}

		marked := client.Invalidate(patterns...)
		resp := invalidateResponse{Invalidated: make([]string, len(marked))}
		for i, k := range marked {
			resp.Invalidated[i] = k.String()
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func handleStats(client *synccache.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)
		writeJSON(w, http.StatusOK, client.Stats())
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	marshalled, err := json.Marshal(payload)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(marshalled); err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v\n", err)
	}
}

// writeError logs err and answers with the status it maps to.
func writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, message := errorStatus(err)
	log.Ctx(r.Context()).Info().Err(err).Int("status", status).Msg(msg)
	writeJSONError(w, status, message)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge)
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
