// This command is only used for local development: it serves an in-memory
// copy of the project API, seeded from a YAML fixture, for the sync server to
// run against.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/keystonehq/keystone-sync/internal/backend"
	"github.com/keystonehq/keystone-sync/internal/config"
	"github.com/keystonehq/keystone-sync/internal/projects"
	"github.com/keystonehq/keystone-sync/internal/server"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	Port          int    `env:"SEED_PORT, default=9090"`
	Fixture       string `env:"SEED_FIXTURE, default=.development/fixture.yaml"`
	LatencyMillis int    `env:"SEED_LATENCY_MS, default=0"`
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.DefaultContextLogger = &log.Logger

	cfg := Config{}
	err := envconfig.Process(context.Background(), &cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading config: %v\n", err)
		os.Exit(1)
	}

	b, err := seed(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error seeding backend: %v\n", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           b.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
	}

	err = server.Serve(context.Background(), config.ServerConfig{ShutdownTimeoutSeconds: 5}, srv, &server.ShutdownHooks{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

// seed builds a backend for every project resource and loads the fixture, if
// the file exists.
func seed(cfg Config) (*backend.Backend, error) {
	b := backend.New(projects.Collections, backend.WithLatency(time.Duration(cfg.LatencyMillis)*time.Millisecond))

	if _, err := os.Stat(cfg.Fixture); os.IsNotExist(err) {
		log.Warn().Str("fixture", cfg.Fixture).Msg("fixture not found, starting empty")
		return b, nil
	}

	fixture, err := backend.LoadFixture(cfg.Fixture)
	if err != nil {
		return nil, err
	}
	fixture.Seed(b)

	for _, resource := range fixture.Resources() {
		log.Info().Str("resource", resource).Int("records", len(fixture[resource])).Msg("seeded")
	}
	return b, nil
}
