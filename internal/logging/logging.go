// Package logging constructs the zerolog logger from configuration. The
// logger is passed explicitly into every component; nothing logs through
// package-level globals.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/pylonhq/pylon/internal/config"
)

// New builds a logger per the logging configuration, writing to stderr.
func New(cfg config.Logging) zerolog.Logger {
	return NewWithOutput(cfg, os.Stderr)
}

// NewWithOutput builds a logger writing to the given sink.
func NewWithOutput(cfg config.Logging, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", "pylond").Logger()
}
