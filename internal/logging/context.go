package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if exec := ExecutionFromContext(ctx); exec != nil {
		fields = append(fields, zap.String("execution.id", exec.ID))
		if exec.Agent != "" {
			fields = append(fields, zap.String("agent.name", exec.Agent))
		}
		if exec.Phase != "" {
			fields = append(fields, zap.String("phase", exec.Phase))
		}
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

type executionCtxKey struct{}
type requestCtxKey struct{}
type loggerCtxKey struct{}

// Execution identifies the execution a log line belongs to.
type Execution struct {
	ID    string
	Agent string
	Phase string
}

// WithExecution adds execution identity to context.
func WithExecution(ctx context.Context, id, agent, phase string) context.Context {
	return context.WithValue(ctx, executionCtxKey{}, &Execution{ID: id, Agent: agent, Phase: phase})
}

// ExecutionFromContext extracts execution identity from context.
func ExecutionFromContext(ctx context.Context) *Execution {
	if e, ok := ctx.Value(executionCtxKey{}).(*Execution); ok {
		return e
	}
	return nil
}

// WithRequestID adds an HTTP request ID to context. Empty IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
