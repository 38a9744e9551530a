package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLogger returns the component logger for the service. ACRES_LOG_LEVEL
// picks the level (info when unset or unknown); ACRES_LOG_FORMAT=console
// switches from JSON to human-readable output.
func NewLogger(component string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if os.Getenv("ACRES_LOG_FORMAT") == "console" {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339Nano}
	}
	return NewLoggerTo(w, component, ParseLevel(os.Getenv("ACRES_LOG_LEVEL")))
}

// NewLoggerTo writes JSON lines tagged with component to w.
func NewLoggerTo(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel accepts zerolog level names and falls back to info.
func ParseLevel(s string) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}
