// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Run identifies the experiment run a log entry belongs to.
type Run struct {
	ID                    string
	ExperimentID          string
	ModuleConfigurationID string
}

type runCtxKey struct{}
type loggerCtxKey struct{}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if run, ok := RunFromContext(ctx); ok {
		fields = append(fields, zap.String("run.id", run.ID))
		if run.ExperimentID != "" {
			fields = append(fields, zap.String("experiment.id", run.ExperimentID))
		}
		if run.ModuleConfigurationID != "" {
			fields = append(fields, zap.String("module_configuration.id", run.ModuleConfigurationID))
		}
	}

	return fields
}

// WithRun adds run correlation to context.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runCtxKey{}, run)
}

// RunFromContext extracts run correlation from context.
func RunFromContext(ctx context.Context) (Run, bool) {
	run, ok := ctx.Value(runCtxKey{}).(Run)
	return run, ok && run.ID != ""
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
	return NewNop()
}
