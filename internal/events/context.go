package events

import (
	"context"
	"os"
	"sync/atomic"
)

type contextKey int

const (
	loggerKey contextKey = iota
	userIDKey
	targetKey
)

// FromContext extracts logger from context.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerKey).(*Logger); ok {
		return l
	}
	return defaultLogger.Load()
}

// WithLogger adds logger to context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithUserID adds the signed-in user to context.
func WithUserID(ctx context.Context, id string) context.Context {
	logger := FromContext(ctx).WithField("user_id", id)
	ctx = context.WithValue(ctx, userIDKey, id)
	return WithLogger(ctx, logger)
}

// WithTarget adds the sync target to context.
func WithTarget(ctx context.Context, target string) context.Context {
	logger := FromContext(ctx).WithField("target", target)
	ctx = context.WithValue(ctx, targetKey, target)
	return WithLogger(ctx, logger)
}

// GetUserID retrieves user ID from context.
func GetUserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// GetTarget retrieves the sync target from context.
func GetTarget(ctx context.Context) string {
	if t, ok := ctx.Value(targetKey).(string); ok {
		return t
	}
	return ""
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(newLogger(InfoLevel, "text", os.Stderr))
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultLogger.Store(logger)
}
