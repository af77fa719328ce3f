package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// WithContext returns a copy of ctx carrying logger. Calls made with the
// returned context log through it.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger carried by ctx. Without one it returns
// fallback, or slog.Default() when fallback is nil.
func FromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// WithRequestID tags the logger of ctx (see FromContext) with req_id.
func WithRequestID(ctx context.Context, fallback *slog.Logger, reqID string) context.Context {
	return WithContext(ctx, FromContext(ctx, fallback).With("req_id", reqID))
}
