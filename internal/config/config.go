package config

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Backend BackendConfig
	Observe ObserveConfig
	Server  ServerConfig
	Sync    SyncConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// BackendConfig locates the project REST API.
type BackendConfig struct {
	URL            string `env:"BACKEND_URL, required"`
	Token          string `env:"BACKEND_TOKEN"`
	TimeoutSeconds int    `env:"BACKEND_TIMEOUT_SECS, default=15"`
}

func (c BackendConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SyncConfig tunes the sync cache.
type SyncConfig struct {
	// DefaultTTLSeconds is how long fetched data is considered fresh.
	DefaultTTLSeconds int `env:"SYNC_DEFAULT_TTL_SECS, default=30"`

	// TTLOverrides sets a freshness window per resource, e.g.
	// "tickets:10,projects:300".
	TTLOverrides map[string]int `env:"SYNC_TTL_OVERRIDES"`

	PollIntervalSeconds int `env:"SYNC_POLL_INTERVAL_SECS, default=30"`

	// AdaptiveMaxIntervalSeconds enables adaptive polling when positive:
	// intervals of keys whose data stops changing grow up to this bound.
	AdaptiveMaxIntervalSeconds int `env:"SYNC_ADAPTIVE_MAX_INTERVAL_SECS, default=0"`

	// FetchRetries is the number of attempts made for a fetch that fails with
	// a transient error. One disables retries.
	FetchRetries int `env:"SYNC_FETCH_RETRIES, default=1"`

	SettleDelayMillis int  `env:"SYNC_SETTLE_DELAY_MS, default=0"`
	StrictConflicts   bool `env:"SYNC_STRICT_CONFLICTS, default=false"`
}

func (c SyncConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c SyncConfig) TTLs() map[string]time.Duration {
	if len(c.TTLOverrides) == 0 {
		return nil
	}
	out := make(map[string]time.Duration, len(c.TTLOverrides))
	for resource, secs := range c.TTLOverrides {
		out[resource] = time.Duration(secs) * time.Second
	}
	return out
}

func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c SyncConfig) AdaptiveMaxInterval() time.Duration {
	return time.Duration(c.AdaptiveMaxIntervalSeconds) * time.Second
}

func (c SyncConfig) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=keystone-sync"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	err = cfg.Backend.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid backend configuration: %w", err)
	}

	err = cfg.Sync.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid sync configuration: %w", err)
	}

	err = cfg.Observe.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the backend URL is usable.
func (c *BackendConfig) Validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("BACKEND_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("BACKEND_URL must use http or https")
	}
	if c.TimeoutSeconds < 0 {
		return fmt.Errorf("BACKEND_TIMEOUT_SECS must not be negative")
	}
	return nil
}

// Validate checks that the sync timings are consistent.
func (c *SyncConfig) Validate() error {
	if c.DefaultTTLSeconds < 0 {
		return fmt.Errorf("SYNC_DEFAULT_TTL_SECS must not be negative")
	}
	for resource, secs := range c.TTLOverrides {
		if secs < 0 {
			return fmt.Errorf("SYNC_TTL_OVERRIDES: %s must not be negative", resource)
		}
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("SYNC_POLL_INTERVAL_SECS must be positive")
	}
	if c.AdaptiveMaxIntervalSeconds > 0 && c.AdaptiveMaxIntervalSeconds < c.PollIntervalSeconds {
		return fmt.Errorf("SYNC_ADAPTIVE_MAX_INTERVAL_SECS must not be less than SYNC_POLL_INTERVAL_SECS")
	}
	if c.FetchRetries < 1 {
		return fmt.Errorf("SYNC_FETCH_RETRIES must be at least 1")
	}
	if c.SettleDelayMillis < 0 {
		return fmt.Errorf("SYNC_SETTLE_DELAY_MS must not be negative")
	}
	return nil
}

// Validate checks the exporter type.
func (c *ObserveConfig) Validate() error {
	if c.Enabled && c.Type != "grpc" && c.Type != "stdout" {
		return fmt.Errorf("OBSERVE_TYPE must be grpc or stdout, got %q", c.Type)
	}
	return nil
}
