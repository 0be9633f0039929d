// Package log configures the process-wide zerolog logger.
package log

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the root logger. Packages derive their own via WithComponent.
var Logger zerolog.Logger

func init() {
	Logger = newLogger("info", false)
}

// Init reconfigures the root logger. level is one of trace, debug, info,
// warn, error. When jsonOut is false, output is human-readable console text.
func Init(level string, jsonOut bool) {
	Logger = newLogger(level, jsonOut)
}

func newLogger(level string, jsonOut bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out = os.Stdout
	if jsonOut {
		return zerolog.New(out).With().Timestamp().Logger()
	}
	console := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.StampMilli,
	}
	return zerolog.New(console).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
