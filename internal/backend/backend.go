// Package backend is an in-memory implementation of the project REST API,
// used for local development and as the server in tests.
//
// Records are schemaless JSON objects identified by their "id" field. Records
// listed under a project carry its ID in "projectId".
package backend

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	FieldID        = "id"
	FieldProjectID = "projectId"

	// ProjectsResource is the resource other records are listed under.
	ProjectsResource = "projects"
)

// Record is a single stored object.
type Record = map[string]any

type table struct {
	order []string
	rows  map[string]Record
}

func newTable() *table {
	return &table{rows: map[string]Record{}}
}

func (t *table) put(r Record) {
	id := recordID(r)
	if _, exists := t.rows[id]; !exists {
		t.order = append(t.order, id)
	}
	t.rows[id] = r
}

func (t *table) remove(id string) bool {
	if _, exists := t.rows[id]; !exists {
		return false
	}
	delete(t.rows, id)
	t.order = slices.DeleteFunc(t.order, func(s string) bool { return s == id })
	return true
}

func (t *table) list(projectID string) []Record {
	out := make([]Record, 0, len(t.order))
	for _, id := range t.order {
		r := t.rows[id]
		if projectID != "" && r[FieldProjectID] != projectID {
			continue
		}
		out = append(out, maps.Clone(r))
	}
	return out
}

// Backend holds the records of each resource. It is safe for concurrent use.
type Backend struct {
	mu        sync.RWMutex
	resources map[string]*table
	requests  map[string]int

	latency  time.Duration
	failNext int
	failWith int
}

type Option func(*Backend)

// WithLatency delays every response.
func WithLatency(d time.Duration) Option {
	return func(b *Backend) {
		b.latency = d
	}
}

// New creates a backend serving the named resources. The projects resource is
// always served.
func New(resources []string, opts ...Option) *Backend {
	b := &Backend{
		resources: map[string]*table{ProjectsResource: newTable()},
		requests:  map[string]int{},
	}
	for _, name := range resources {
		b.resources[name] = newTable()
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Put stores records in a resource, replacing any with the same ID. Records
// without an ID are given one.
func (b *Backend) Put(resource string, records ...Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.resources[resource]
	if !ok {
		t = newTable()
		b.resources[resource] = t
	}
	for _, r := range records {
		r = maps.Clone(r)
		if recordID(r) == "" {
			r[FieldID] = uuid.NewString()
		}
		t.put(r)
	}
}

// Records lists a resource's records, optionally filtered to a project.
func (b *Backend) Records(resource, projectID string) []Record {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.resources[resource]
	if !ok {
		return nil
	}
	return t.list(projectID)
}

// Fail makes the next n requests answer with status.
func (b *Backend) Fail(status, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failWith = status
	b.failNext = n
}

// Requests reports how many requests were received per route, keyed as
// "METHOD pattern".
func (b *Backend) Requests(route string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.requests[route]
}

// Handler returns the REST API.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()

	b.handle(mux, "GET /projects/{project}/{resource}", b.handleList)
	b.handle(mux, "POST /projects/{project}/{resource}", b.handleCreate)
	b.handle(mux, "GET /{resource}", b.handleList)
	b.handle(mux, "POST /{resource}", b.handleCreate)
	b.handle(mux, "GET /{resource}/{id}", b.handleGet)
	b.handle(mux, "PUT /{resource}/{id}", b.handleUpdate)
	b.handle(mux, "DELETE /{resource}/{id}", b.handleRemove)

	return mux
}

func (b *Backend) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status, failed := b.begin(pattern); failed {
			log.Ctx(r.Context()).Debug().Str("route", pattern).Int("status", status).Msg("backend: injected failure")
			writeError(w, status, http.StatusText(status))
			return
		}

		if b.latency > 0 {
			select {
			case <-time.After(b.latency):
			case <-r.Context().Done():
				return
			}
		}

		fn(w, r)
	}))
}

// begin counts the request and consumes an injected failure if one is
// pending.
func (b *Backend) begin(route string) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests[route]++
	if b.failNext > 0 {
		b.failNext--
		return b.failWith, true
	}
	return 0, false
}

func (b *Backend) handleList(w http.ResponseWriter, r *http.Request) {
	resource := r.PathValue("resource")

	b.mu.RLock()
	t, ok := b.resources[resource]
	var records []Record
	if ok {
		records = t.list(r.PathValue("project"))
	}
	b.mu.RUnlock()

	if !ok {
		writeError(w, http.StatusNotFound, "unknown resource "+resource)
		return
	}

	writeJSON(w, http.StatusOK, records)
}

func (b *Backend) handleGet(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")

	b.mu.RLock()
	record, status := b.find(resource, id)
	if record != nil {
		record = maps.Clone(record)
	}
	b.mu.RUnlock()

	if record == nil {
		writeError(w, status, resource+"/"+id+" not found")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (b *Backend) handleCreate(w http.ResponseWriter, r *http.Request) {
	resource, projectID := r.PathValue("resource"), r.PathValue("project")

	record, ok := readRecord(w, r)
	if !ok {
		return
	}
	record[FieldID] = uuid.NewString()
	if projectID != "" {
		record[FieldProjectID] = projectID
	}

	b.mu.Lock()
	t, exists := b.resources[resource]
	if exists {
		t.put(record)
	}
	b.mu.Unlock()

	if !exists {
		writeError(w, http.StatusNotFound, "unknown resource "+resource)
		return
	}

	log.Ctx(r.Context()).Debug().Str("resource", resource).Str("id", recordID(record)).Msg("backend: record created")
	writeJSON(w, http.StatusCreated, record)
}

func (b *Backend) handleUpdate(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")

	record, ok := readRecord(w, r)
	if !ok {
		return
	}

	b.mu.Lock()
	existing, status := b.find(resource, id)
	if existing != nil {
		record[FieldID] = id
		if projectID, ok := existing[FieldProjectID]; ok {
			record[FieldProjectID] = projectID
		}
		b.resources[resource].put(record)
	}
	b.mu.Unlock()

	if existing == nil {
		writeError(w, status, resource+"/"+id+" not found")
		return
	}

	writeJSON(w, http.StatusOK, record)
}

func (b *Backend) handleRemove(w http.ResponseWriter, r *http.Request) {
	resource, id := r.PathValue("resource"), r.PathValue("id")

	b.mu.Lock()
	t, exists := b.resources[resource]
	removed := exists && t.remove(id)
	b.mu.Unlock()

	if !removed {
		writeError(w, http.StatusNotFound, resource+"/"+id+" not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// find must be called with the lock held.
func (b *Backend) find(resource, id string) (Record, int) {
	t, ok := b.resources[resource]
	if !ok {
		return nil, http.StatusNotFound
	}
	record, ok := t.rows[id]
	if !ok {
		return nil, http.StatusNotFound
	}
	return record, http.StatusOK
}

func readRecord(w http.ResponseWriter, r *http.Request) (Record, bool) {
	var record Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&record); err != nil || record == nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	return record, true
}

func recordID(r Record) string {
	id, _ := r[FieldID].(string)
	return id
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Info().Msgf("failed to write JSON response: %v", err)
	}
}
