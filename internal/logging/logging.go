// Package logging configures the process-wide zerolog logger and carries a
// request id through contexts.
package logging

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init installs the global logger.  Outside prod the output is the human
// friendly console writer at debug level.
func Init(env string) {
	var w io.Writer = os.Stderr
	level := zerolog.InfoLevel
	if env != "prod" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(w).With().Timestamp().Str("service", "gym-standing").Logger()
}

type requestIDKey struct{}

// WithRequestID stores id on ctx and on the logger attached to ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, id)
	l := FromContext(ctx).With().Str("request_id", id).Logger()
	return l.WithContext(ctx)
}

// RequestIDFromContext returns "" when ctx carries no id.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// FromContext returns the logger attached to ctx, falling back to the global
// logger instead of zerolog's disabled one.
func FromContext(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if l := zerolog.Ctx(ctx); l != zerolog.DefaultContextLogger && l.GetLevel() != zerolog.Disabled {
			return l
		}
	}
	return &log.Logger
}
