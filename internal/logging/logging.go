// Package logging configures the global structured logger.
//
// Thin wrapper around zerolog: configurable level, console or JSON format,
// stdout/stderr/file output.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config tunes the global logger.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "console" or "json"
	Output string // "stdout", "stderr", or a file path
}

// Setup installs the global zerolog logger.
func Setup(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var writer io.Writer
	switch cfg.Output {
	case "stdout", "":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			writer = os.Stdout
		} else {
			writer = f
		}
	}

	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05"}
	}

	log.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
}
