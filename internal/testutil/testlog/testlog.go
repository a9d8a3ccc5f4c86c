package testlog

import (
	"testing"

	"github.com/rs/zerolog"
)

// Logger returns a logger scoped to the test, silenced below warn so that
// verbose packages do not drown test output.
func Logger(t *testing.T) zerolog.Logger {
	t.Helper()
	return zerolog.New(zerolog.NewTestWriter(t)).Level(zerolog.WarnLevel)
}
