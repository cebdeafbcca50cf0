// Package cmlog provides the structured logging every subsystem is
// constructed with: a zerolog.Logger stamped with a component field, built
// once at the binary's top level and passed down explicitly rather than
// read off a package global.
package cmlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity threshold.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the root logger is built.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stdout
}

// New builds a root logger from cfg. Callers derive component loggers from
// it with WithComponent/WithNode/WithInstance and hand those to each
// subsystem's constructor.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the owning subsystem's
// name, e.g. "balancer", "launcher", "storagestate".
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a node ID.
func WithNode(logger zerolog.Logger, nodeID string) zerolog.Logger {
	return logger.With().Str("node_id", nodeID).Logger()
}

// WithInstance returns a child logger tagged with an instance ident's
// string form.
func WithInstance(logger zerolog.Logger, ident string) zerolog.Logger {
	return logger.With().Str("instance", ident).Logger()
}
