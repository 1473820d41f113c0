package testhelpers

import (
	"net/http/httptest"
	"testing"

	"github.com/keystonehq/keystone-sync/internal/backend"
	"github.com/keystonehq/keystone-sync/internal/projects"
)

// MockBackend is an in-memory project API served over HTTP.
type MockBackend struct {
	*backend.Backend
	Server *httptest.Server
}

// SetupMockBackend starts a backend serving every project resource, seeded
// with one project (P1) and a milestone, variation and team member on it. The
// server is closed when the test ends.
func SetupMockBackend(t *testing.T, opts ...backend.Option) *MockBackend {
	t.Helper()

	b := backend.New(projects.Collections, opts...)
	b.Put(projects.ResourceProjects, backend.Record{"id": "P1", "name": "Harbour fitout", "status": "active"})
	b.Put(projects.Milestones, backend.Record{"id": "M1", "projectId": "P1", "title": "Framing", "amount": 12000})
	b.Put(projects.Variations, backend.Record{"id": "V1", "projectId": "P1", "title": "Extra window", "amount": 800})
	b.Put(projects.Team, backend.Record{"id": "U1", "projectId": "P1", "name": "Ari", "role": "site lead"})

	server := httptest.NewServer(b.Handler())
	t.Cleanup(server.Close)

	return &MockBackend{Backend: b, Server: server}
}

func (m *MockBackend) URL() string {
	return m.Server.URL
}
