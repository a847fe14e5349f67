package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger settings.
type Config struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

// New builds the root logger. Component loggers hang off it via
// log.With().Str("component", ...).
func New(cfg Config) (zerolog.Logger, error) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level: %w", err)
	}

	var output io.Writer = os.Stderr
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).Level(level).With().Timestamp().Logger(), nil
}
