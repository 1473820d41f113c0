package testhelpers

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogger sends the global logger's output to the test log at debug
// level, restoring the previous logger when the test ends.
func SetupLogger(t *testing.T) {
	t.Helper()

	previous := log.Logger
	previousContext := zerolog.DefaultContextLogger

	log.Logger = zerolog.New(zerolog.NewTestWriter(t)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger

	t.Cleanup(func() {
		log.Logger = previous
		zerolog.DefaultContextLogger = previousContext
	})
}
