package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type issueKey struct{}
type workerIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches the worker session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithIssue attaches the issue number being processed to the context.
func WithIssue(ctx context.Context, issue int) context.Context {
	return context.WithValue(ctx, issueKey{}, issue)
}

// Issue extracts the issue number from context (0 if absent).
func Issue(ctx context.Context) int {
	if v, ok := ctx.Value(issueKey{}).(int); ok {
		return v
	}
	return 0
}

// WithWorkerID attaches a sub-process pool worker id to the context.
func WithWorkerID(ctx context.Context, workerID int) context.Context {
	return context.WithValue(ctx, workerIDKey{}, workerID)
}

// WorkerID extracts the worker id from context (0 if absent).
func WorkerID(ctx context.Context) int {
	if v, ok := ctx.Value(workerIDKey{}).(int); ok {
		return v
	}
	return 0
}
