package common

import (
	"context"
)

// Context keys for storing values in context
type contextKey string

const (
	ContextKeyWorkerID contextKey = "worker_id"
)

// WithWorkerID adds the owning worker id to the context
func WithWorkerID(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, ContextKeyWorkerID, workerID)
}

// WorkerIDFromContext extracts the worker id from context
func WorkerIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ContextKeyWorkerID).(string); ok {
		return id
	}
	return ""
}
