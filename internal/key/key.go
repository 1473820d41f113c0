package key

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// Any is the wildcard accepted in the scope and sub-resource position of a
// Pattern.
const Any = "*"

// Key identifies a cached resource or collection. Keys are comparable: two
// keys built from the same components are == regardless of the order query
// parameters were supplied in, so they can be used directly as map keys.
type Key struct {
	Resource string
	Scope    string
	Sub      string

	// params holds the canonical (sorted, escaped) query encoding.
	params string
}

// Option configures a key under construction.
type Option func(*Key)

// Scope sets the scope identifier, typically the owning entity's ID.
func Scope(id string) Option {
	return func(k *Key) { k.Scope = id }
}

// Sub sets the sub-resource (collection) name.
func Sub(name string) Option {
	return func(k *Key) { k.Sub = name }
}

// Params sets the query parameters. Empty values are retained; a nil or empty
// map clears any previously supplied parameters.
func Params(p map[string]string) Option {
	return func(k *Key) { k.params = encodeParams(p) }
}

// New builds a key for the given resource type. Identical inputs always
// produce equal keys.
func New(resource string, opts ...Option) Key {
	k := Key{Resource: resource}
	for _, opt := range opts {
		opt(&k)
	}
	return k
}

// Params returns a copy of the key's query parameters.
func (k Key) Params() map[string]string {
	return decodeParams(k.params)
}

// HasParams reports whether the key carries query parameters.
func (k Key) HasParams() bool {
	return k.params != ""
}

// Param returns a single query parameter.
func (k Key) Param(name string) (string, bool) {
	v, ok := k.Params()[name]
	return v, ok
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k == Key{}
}

// String renders the canonical form: resource[/scope[/sub]][?params]. An empty
// scope with a sub-resource renders as "resource//sub".
func (k Key) String() string {
	var b strings.Builder
	b.WriteString(k.Resource)
	if k.Scope != "" || k.Sub != "" {
		b.WriteByte('/')
		b.WriteString(k.Scope)
	}
	if k.Sub != "" {
		b.WriteByte('/')
		b.WriteString(k.Sub)
	}
	if k.params != "" {
		b.WriteByte('?')
		b.WriteString(k.params)
	}
	return b.String()
}

// Parse reads the canonical string form produced by String.
func Parse(s string) (Key, error) {
	path, query, _ := strings.Cut(s, "?")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		return Key{}, fmt.Errorf("key %q: resource type is required", s)
	}
	if len(parts) > 3 {
		return Key{}, fmt.Errorf("key %q: too many segments", s)
	}

	k := Key{Resource: parts[0]}
	if len(parts) > 1 {
		k.Scope = parts[1]
	}
	if len(parts) > 2 {
		k.Sub = parts[2]
	}

	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return Key{}, fmt.Errorf("key %q: invalid params: %w", s, err)
		}
		p := make(map[string]string, len(values))
		for name, vs := range values {
			if len(vs) > 0 {
				p[name] = vs[len(vs)-1]
			}
		}
		k.params = encodeParams(p)
	}

	return k, nil
}

func encodeParams(p map[string]string) string {
	if len(p) == 0 {
		return ""
	}
	values := make(url.Values, len(p))
	for name, v := range p {
		values.Set(name, v)
	}
	// Encode sorts by name, which gives the order independence.
	return values.Encode()
}

func decodeParams(encoded string) map[string]string {
	out := map[string]string{}
	if encoded == "" {
		return out
	}
	values, err := url.ParseQuery(encoded)
	if err != nil {
		// only ever produced by encodeParams
		return out
	}
	for name, vs := range values {
		if len(vs) > 0 {
			out[name] = vs[0]
		}
	}
	return out
}

// Sort orders keys by their canonical string.
func Sort(keys []Key) {
	slices.SortFunc(keys, func(a, b Key) int {
		return strings.Compare(a.String(), b.String())
	})
}

// subset reports whether every parameter of sub is present with the same
// value in super.
func subset(sub, super map[string]string) bool {
	for name, v := range sub {
		if sv, ok := super[name]; !ok || sv != v {
			return false
		}
	}
	return true
}

// compatible reports whether two parameter sets can describe the same key.
func compatible(a, b map[string]string) bool {
	for name, v := range a {
		if bv, ok := b[name]; ok && bv != v {
			return false
		}
	}
	return true
}
