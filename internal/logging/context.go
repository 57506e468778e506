package logging

import (
	"context"
	"fmt"
	"regexp"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 8)

	// Trace correlation (from OpenTelemetry)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
		if sc.IsSampled() {
			fields = append(fields, zap.Bool("trace_sampled", true))
		}
	}

	// Phase context
	if phase := PhaseFromContext(ctx); phase != nil {
		fields = append(fields,
			zap.String("spec.id", phase.SpecID),
			zap.Int("phase.index", phase.Index),
		)
	}

	// Task context
	if taskID := TaskIDFromContext(ctx); taskID != "" {
		fields = append(fields, zap.String("task.id", taskID))
	}

	// Request ID
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	return fields
}

// Context key types
type phaseCtxKey struct{}
type taskCtxKey struct{}
type requestCtxKey struct{}

// Phase carries the spec and phase a log entry belongs to.
type Phase struct {
	SpecID string
	Index  int
}

// Validation constants
const maxIDLen = 128

// idPattern allows alphanumeric, hyphen, underscore
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// validateID validates a spec, task, or request ID.
func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%s contains invalid UTF-8", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (must be alphanumeric, hyphen, underscore)", name)
	}
	return nil
}

// PhaseFromContext extracts phase correlation from context.
func PhaseFromContext(ctx context.Context) *Phase {
	if p, ok := ctx.Value(phaseCtxKey{}).(*Phase); ok {
		return p
	}
	return nil
}

// WithPhase adds phase correlation to context.
// Panics if phase is nil or contains invalid field values.
func WithPhase(ctx context.Context, phase *Phase) context.Context {
	if phase == nil {
		panic("logging: phase cannot be nil")
	}
	if err := validateID(phase.SpecID, "phase.SpecID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	if phase.Index < 0 {
		panic(fmt.Sprintf("logging: phase.Index cannot be negative, got %d", phase.Index))
	}
	return context.WithValue(ctx, phaseCtxKey{}, phase)
}

// TaskIDFromContext extracts task ID from context.
func TaskIDFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return s
	}
	return ""
}

// WithTaskID adds task ID to context.
// Panics if taskID is empty or contains invalid characters.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if err := validateID(taskID, "taskID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// RequestIDFromContext extracts request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithRequestID adds request ID to context.
// Panics if requestID is empty or contains invalid characters.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if err := validateID(requestID, "requestID"); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// loggerCtxKey is the context key for Logger.
type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context.
// Returns a default nop logger if not found.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zap: zap.NewNop(), config: NewDefaultConfig()}
}
