/*
Package logging builds the zerolog loggers used across the service.

PURPOSE:
  One place decides output format, level and the fields every line carries
  (service name, timestamp). Request and engine code derive child loggers
  with WithContext so that log lines join up with their trace.

FORMATS:
  json:   one JSON object per line (production)
  pretty: zerolog.ConsoleWriter (development)

USAGE:
  log := logging.New(logging.Config{Service: "lot-engine", Level: "debug"})
  logging.WithContext(ctx, log).Info().Str("event_id", id).Msg("fifo.apply")
*/
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Config controls logger construction.
type Config struct {
	Service string
	Level   string // debug, info, warn, error
	Format  string // json, pretty
	Output  io.Writer
}

// New returns a logger for the given configuration.
func New(cfg Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if strings.EqualFold(cfg.Format, "pretty") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger()
}

// ParseLevel maps a level name to a zerolog level. Unknown names mean info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithContext returns l with trace information from ctx.
func WithContext(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return l
	}
	return l.With().
		Str("trace_id", span.SpanContext().TraceID().String()).
		Str("span_id", span.SpanContext().SpanID().String()).
		Logger()
}
