// Package log provides ClaudeFS's structured logging, a thin wrapper over
// zerolog in the same shape as the layer this was learned from: a global
// configurable Logger plus WithX helpers that attach the field dimensions
// each component cares about.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level represents a configurable log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger tagged with the owning component.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithShard creates a child logger tagged with a shard id.
func WithShard(component string, shard uint32) zerolog.Logger {
	return Logger.With().Str("component", component).Uint32("shard_id", shard).Logger()
}

// WithSite creates a child logger tagged with a replication site id.
func WithSite(component string, site uint64) zerolog.Logger {
	return Logger.With().Str("component", component).Uint64("site_id", site).Logger()
}

// WithLease creates a child logger tagged with a lease id.
func WithLease(component string, leaseID string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("lease_id", leaseID).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }
