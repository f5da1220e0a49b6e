package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// NewLoggerWithLevel returns the JSON stdout logger for one component of
// laminard. Every line carries the component name.
func NewLoggerWithLevel(component string, level zerolog.Level) zerolog.Logger {
	return componentLogger(os.Stdout, component, level)
}

// NopLogger discards everything.
func NopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func componentLogger(w io.Writer, component string, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", "laminar").
		Str("component", component).
		Logger()
}

// ParseLogLevel accepts any zerolog level name ("warning" too). Unknown or
// empty input means info.
func ParseLogLevel(s string) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
