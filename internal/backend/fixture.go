package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Fixture is the initial content of a backend, keyed by resource name.
//
//	projects:
//	  - id: P1
//	    name: Harbour fitout
//	milestones:
//	  - id: M1
//	    projectId: P1
//	    title: Framing
type Fixture map[string][]Record

// ReadFixture parses a YAML fixture.
func ReadFixture(r io.Reader) (Fixture, error) {
	var f Fixture
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return Fixture{}, nil
		}
		return nil, fmt.Errorf("fixture could not be parsed: %w", err)
	}

	for resource, records := range f {
		for i, r := range records {
			if r == nil {
				return nil, fmt.Errorf("fixture %s[%d]: record is empty", resource, i)
			}
			normalize(r)
		}
	}
	return f, nil
}

// LoadFixture reads a YAML fixture from a file.
func LoadFixture(path string) (Fixture, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fixture could not be opened: %w", err)
	}
	defer file.Close()

	return ReadFixture(file)
}

// Resources lists the fixture's resource names, sorted.
func (f Fixture) Resources() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Seed stores every fixture record in b.
func (f Fixture) Seed(b *Backend) {
	for _, resource := range f.Resources() {
		b.Put(resource, f[resource]...)
	}
}

// normalize makes YAML scalars encode the way a JSON backend would return
// them. Plain dates become RFC 3339 timestamps and numeric IDs become strings.
func normalize(r Record) {
	for k, v := range r {
		switch value := v.(type) {
		case string:
			if date, err := time.Parse(time.DateOnly, value); err == nil {
				r[k] = date.Format(time.RFC3339)
			}
		case time.Time:
			r[k] = value.UTC().Format(time.RFC3339)
		case int:
			if k == FieldID || k == FieldProjectID {
				r[k] = fmt.Sprint(value)
			}
		}
	}
}
