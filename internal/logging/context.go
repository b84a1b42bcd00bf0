package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const runIDKey contextKey = "runID"

// WithRunID attaches a fresh run id to ctx and returns both.
func WithRunID(ctx context.Context) (context.Context, string) {
	id := uuid.NewString()
	return context.WithValue(ctx, runIDKey, id), id
}

// RunID returns the run id stored in ctx, or "" when there is none.
func RunID(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey).(string)
	return id
}

// FromContext decorates logger with the run id carried by ctx.
func FromContext(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	if id := RunID(ctx); id != "" {
		return logger.WithField("run_id", id)
	}
	return logger
}
