package observability

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLoggerWithLevel creates a structured JSON logger for one
// component. The level comes from configuration, not the environment;
// TRAIL_LOG_LEVEL is read once by config.Load.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}
