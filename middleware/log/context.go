package logger

import (
	"context"

	"github.com/Gopher0727/campfire/utils/uuidv7"
)

// WithTraceID adds a trace ID to the context.
// If no trace ID is provided, a new time-ordered one is generated.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		traceID = NewTraceID()
	}
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID extracts the trace ID from the context.
// Returns an empty string if no trace ID is found.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok {
		return traceID
	}
	return ""
}

// NewTraceID generates a trace ID. Trace IDs sort by creation time, like entity IDs.
func NewTraceID() string {
	return uuidv7.New()
}
