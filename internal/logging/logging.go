// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures the process logger.
type Config struct {
	Level  string `yaml:"level" env:"DEVICESIM_LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error fatal panic disabled"`
	Format string `yaml:"format" env:"DEVICESIM_LOG_FORMAT" default:"json" validate:"oneof=json console"`
}

// New returns a logger writing to os.Stderr.
func New(cfg Config) (zerolog.Logger, error) {
	return NewWithWriter(cfg, os.Stderr)
}

// NewWithWriter returns a logger writing to w. An empty level means info.
func NewWithWriter(cfg Config, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "devicesim").Logger(), nil
}
