package store

import (
	"time"

	"github.com/keystonehq/keystone-sync/internal/key"
)

// TTLFunc returns how long a freshly fetched value for k stays fresh.
type TTLFunc func(k key.Key) time.Duration

// FixedTTL applies the same TTL to every key.
func FixedTTL(ttl time.Duration) TTLFunc {
	return func(key.Key) time.Duration { return ttl }
}

// TTLPolicy is a TTL with per-collection overrides. Overrides are looked up
// by sub-resource name first, then by resource type.
type TTLPolicy struct {
	Default   time.Duration
	Overrides map[string]time.Duration
}

func (p TTLPolicy) TTL(k key.Key) time.Duration {
	if k.Sub != "" {
		if ttl, ok := p.Overrides[k.Sub]; ok {
			return ttl
		}
	}
	if ttl, ok := p.Overrides[k.Resource]; ok {
		return ttl
	}
	return p.Default
}
