// Package testlog wires the global logger for package tests.
package testlog

import (
	"testing"

	"github.com/danmuck/frr-agent/internal/logging"
	"github.com/rs/zerolog/log"
)

// Start configures test logging and marks the beginning of t.
func Start(t testing.TB) {
	t.Helper()
	logging.ConfigureTests()
	log.Debug().Str("test", t.Name()).Msg("test start")
}
