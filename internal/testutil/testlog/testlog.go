package testlog

import (
	"testing"

	"github.com/danmuck/msgwire/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	log.Info().Str("test", t.Name()).Msg("test_start")
}

// Logger returns a component logger tagged with the running test.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return logging.Component("test").With().Str("test", t.Name()).Logger()
}
