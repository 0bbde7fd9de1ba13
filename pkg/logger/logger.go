// Package logger provides JSON structured logging using zerolog.
package logger

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls how a Logger is constructed.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Debug  bool   `json:"debug" yaml:"debug"`
	Output string `json:"output" yaml:"output"`
}

// Logger is the structured logging surface every component depends on.
// Components take a Logger by constructor injection rather than reaching
// for a package-level singleton.
type Logger interface {
	Trace() *zerolog.Event
	Debug() *zerolog.Event
	Info() *zerolog.Event
	Warn() *zerolog.Event
	Error() *zerolog.Event
	Fatal() *zerolog.Event
	With() zerolog.Context
	WithComponent(component string) Logger
}

type zlogger struct {
	z zerolog.Logger
}

// New builds a Logger from Config. An empty Level defaults to info.
func New(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}

	level := zerolog.InfoLevel

	switch {
	case cfg.Debug:
		level = zerolog.DebugLevel
	case cfg.Level != "":
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}

		level = parsed
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	z := zerolog.New(out).Level(level).With().Timestamp().Logger()

	return &zlogger{z: z}, nil
}

// NewFromEnv builds a Logger from the LOG_LEVEL environment variable.
func NewFromEnv() (Logger, error) {
	return New(&Config{Level: os.Getenv("LOG_LEVEL")})
}

func (l *zlogger) Trace() *zerolog.Event { return l.z.Trace() }
func (l *zlogger) Debug() *zerolog.Event { return l.z.Debug() }
func (l *zlogger) Info() *zerolog.Event  { return l.z.Info() }
func (l *zlogger) Warn() *zerolog.Event  { return l.z.Warn() }
func (l *zlogger) Error() *zerolog.Event { return l.z.Error() }
func (l *zlogger) Fatal() *zerolog.Event { return l.z.Fatal() }
func (l *zlogger) With() zerolog.Context { return l.z.With() }

func (l *zlogger) WithComponent(component string) Logger {
	return &zlogger{z: l.z.With().Str("component", component).Logger()}
}

// NewTest returns a Logger that discards all output, for use in tests.
func NewTest() Logger {
	return &zlogger{z: zerolog.New(io.Discard).Level(zerolog.Disabled)}
}
