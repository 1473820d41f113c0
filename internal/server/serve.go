package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/keystonehq/keystone-sync/internal/config"
	"github.com/rs/zerolog/log"
)

// Serve runs srv until ctx is cancelled or the process receives SIGINT or
// SIGTERM. In-flight requests are then given the configured shutdown timeout
// to complete before the hooks run.
func Serve(ctx context.Context, cfg config.ServerConfig, srv *http.Server, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", srv.Addr, err)
	}

	return serveListener(ctx, cfg, srv, listener, hooks)
}

func serveListener(ctx context.Context, cfg config.ServerConfig, srv *http.Server, listener net.Listener, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")
		serverErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			hooks.Execute(context.Background())
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("server: shutdown requested")
	}

	timeout := time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := srv.Shutdown(shutdownCtx)
	if err != nil {
		log.Warn().Err(err).Msg("server: graceful shutdown incomplete")
	}

	hooks.Execute(shutdownCtx)

	log.Info().Msg("server: shutdown complete")
	return err
}
