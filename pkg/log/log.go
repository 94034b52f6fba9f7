// Package log carries a *slog.Logger through context so long-lived loops can
// tag everything they emit without threading a logger argument around.
package log

import (
	"context"
	"log/slog"
)

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the logger from the context, falling back to the process
// default so the level configured in main applies everywhere.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// With returns a new context carrying the given logger.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// Component tags the context's logger with a component name. Every record
// logged through Ctx below this point carries it.
func Component(ctx context.Context, name string) context.Context {
	return With(ctx, Ctx(ctx).With(slog.String("component", name)))
}
