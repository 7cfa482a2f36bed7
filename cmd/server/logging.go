package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ksred/klear-escrow/internal/config"
)

// newLogger builds the process logger once the configuration is known.
// Outside production it pretty prints with timestamps; production writes JSON.
func newLogger(cfg config.Config, out io.Writer) zerolog.Logger {
	w := out
	if !cfg.App.Production() {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}

// logLevel resolves the global level. DEBUG=true wins over log.level, and an
// unparseable level falls back to info.
func logLevel(cfg config.Config, debug bool) zerolog.Level {
	if debug {
		return zerolog.DebugLevel
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && cfg.Log.Level != "" {
		return level
	}
	return zerolog.InfoLevel
}
