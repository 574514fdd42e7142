// Package logging configures the structured zerolog logger shared by all
// four services.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger writing JSON to stderr in production and a
// human-readable console writer when mode is "dev". levelName accepts the
// values LOG_LEVEL commonly carries: debug, info, warn, error.
func New(service string, mode string, levelName string) zerolog.Logger {
	var out zerolog.ConsoleWriter
	var base zerolog.Logger
	lvl, err := zerolog.ParseLevel(levelName)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if mode == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		base = zerolog.New(out)
	} else {
		base = zerolog.New(os.Stderr)
	}
	return base.With().Timestamp().Str("service", service).Logger()
}
