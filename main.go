package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/keystonehq/keystone-sync/internal/audit"
	"github.com/keystonehq/keystone-sync/internal/config"
	"github.com/keystonehq/keystone-sync/internal/fetch"
	"github.com/keystonehq/keystone-sync/internal/key"
	"github.com/keystonehq/keystone-sync/internal/observe"
	"github.com/keystonehq/keystone-sync/internal/poll"
	"github.com/keystonehq/keystone-sync/internal/projects"
	"github.com/keystonehq/keystone-sync/internal/server"
	"github.com/keystonehq/keystone-sync/internal/store"
	"github.com/keystonehq/keystone-sync/internal/synccache"
	"github.com/keystonehq/keystone-sync/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(shutdown context.Context, svc *projects.Service) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	muxWithoutTelemetry := http.NewServeMux()
	mux := observe.NewMux(muxWithoutTelemetry)

	// The request body size is fairly limited to prevent accidental or
	// deliberate abuse. Records are small, so this is not configurable.
	requestLimitBytes := int64(64 << 10) // 64 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	auditedRouteMiddleware := alice.New(requestLimiter, audit.Middleware())
	standardRouteMiddleware := alice.New(requestLimiter)

	client := svc.Client()
	collections := collectionHandlers(svc)

	mux.Handle("GET /projects", auditedRouteMiddleware.Then(handleListProjects(svc)))
	mux.Handle("GET /projects/{project}", auditedRouteMiddleware.Then(handleGetProject(svc)))
	mux.Handle("PATCH /projects/{project}", auditedRouteMiddleware.Then(handleUpdateProject(svc)))
	mux.Handle("GET /projects/{project}/overview", auditedRouteMiddleware.Then(handleOverview(svc)))

	mux.Handle("GET /projects/{project}/{resource}", auditedRouteMiddleware.Then(handleListCollection(collections)))
	mux.Handle("GET /projects/{project}/{resource}/watch", auditedRouteMiddleware.Then(handleWatch(shutdown, collections)))
	mux.Handle("POST /projects/{project}/{resource}", auditedRouteMiddleware.Then(handleCreate(collections)))
	mux.Handle("PATCH /projects/{project}/{resource}/{id}", auditedRouteMiddleware.Then(handleUpdate(collections)))
	mux.Handle("DELETE /projects/{project}/{resource}/{id}", auditedRouteMiddleware.Then(handleRemove(collections)))

	mux.Handle("GET /org/{resource}", auditedRouteMiddleware.Then(handleListGlobal(collections)))

	mux.Handle("PUT /sync/visibility", auditedRouteMiddleware.Then(handleSetVisibility(client)))
	mux.Handle("POST /sync/invalidate", auditedRouteMiddleware.Then(handleInvalidate(client)))
	mux.Handle("GET /sync/stats", standardRouteMiddleware.Then(handleStats(client)))

	// healthchecks are not included in telemetry or auditing
	muxWithoutTelemetry.Handle("GET /healthcheck", standardRouteMiddleware.Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	hooks := &server.ShutdownHooks{}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}
	hooks.AddContext("telemetry", shutdownTelemetry)

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	backendClient, err := transport.New(cfg.Backend.URL,
		transport.WithHTTPClient(http.DefaultClient),
		transport.WithToken(cfg.Backend.Token),
		transport.WithTimeout(cfg.Backend.Timeout()),
	)
	if err != nil {
		return fmt.Errorf("backend configuration failed: %w", err)
	}

	client := synccache.New(syncOptions(cfg.Sync))
	svc := projects.NewService(client, transport.Projects(backendClient))

	err = client.Init(ctx)
	if err != nil {
		return fmt.Errorf("sync client initialisation failed: %w", err)
	}
	hooks.AddContext("sync client", func(ctx context.Context) error {
		client.Dispose(ctx)
		return nil
	})

	// event streams are closed as soon as shutdown begins; they would
	// otherwise hold the server open until the shutdown timeout
	streams, closeStreams := context.WithCancel(ctx)
	defer closeStreams()

	handler := configureServerRoutes(streams, svc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}
	srv.RegisterOnShutdown(closeStreams)

	err = server.Serve(ctx, cfg.Server, srv, hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func syncOptions(cfg config.SyncConfig) synccache.Options {
	opts := synccache.Options{
		TTL: store.TTLPolicy{
			Default:   cfg.DefaultTTL(),
			Overrides: cfg.TTLs(),
		}.TTL,
		PollInterval: cfg.PollInterval(),
		Retry: fetch.RetryPolicy{
			MaxAttempts:     uint(cfg.FetchRetries),
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     10 * time.Second,
		},
		SettleDelay:     cfg.SettleDelay(),
		StrictConflicts: cfg.StrictConflicts,
		Hooks:           audit.MutationHooks{},
		Warm:            []key.Key{projects.ProjectsKey()},
	}

	if maxInterval := cfg.AdaptiveMaxInterval(); maxInterval > 0 {
		opts.Adaptive = &poll.Adaptive{MaxInterval: maxInterval}
	}

	return opts
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
