package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const EnvLogLevel = "FOUNDRY_LOG_LEVEL"

var configureOnce sync.Once

// Init configures the global zerolog logger for the daemon and returns a
// logger tagged with the app name. Level can be overridden with
// FOUNDRY_LOG_LEVEL.
func Init(app string) zerolog.Logger {
	var logger zerolog.Logger
	configureOnce.Do(func() {
		zerolog.SetGlobalLevel(parseLevel(os.Getenv(EnvLogLevel)))
	})
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	logger = zerolog.New(output).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}

func parseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
