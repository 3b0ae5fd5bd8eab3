package logger

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey string

const loggerContextKey contextKey = "logger.entry"

var defaultLogger = logrus.New()
var defaultEntry = logrus.NewEntry(defaultLogger)

// NewContextWithFields returns a child context whose logger carries the
// given fields in addition to anything already attached.
func NewContextWithFields(parent context.Context, fields logrus.Fields) context.Context {
	return context.WithValue(parent, loggerContextKey, For(parent).WithFields(fields))
}

// SetLoggerOptions applies options to the process-wide default logger.
func SetLoggerOptions(optionsFunc func(logger *logrus.Logger)) {
	optionsFunc(defaultLogger)
}

// For returns the entry attached to ctx, or the default entry.
func For(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return defaultEntry.WithContext(ctx)
	}
	if entry, ok := ctx.Value(loggerContextKey).(*logrus.Entry); ok {
		return entry.WithContext(ctx)
	}
	return defaultEntry.WithContext(ctx)
}
