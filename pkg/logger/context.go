package logger

import "context"

type ctxKey struct{}

// LoggerCtxKey is the context key under which per-request loggers are stored.
var LoggerCtxKey = ctxKey{}

// ContextWithLogger returns a copy of ctx carrying the given logger.
func ContextWithLogger(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, LoggerCtxKey, l)
}
