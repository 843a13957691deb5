package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context, enabling zero-touch logging where pipeline context
// (thread id, turn id, stage) is automatically included in log statements
// without every call site threading it through explicitly.
type LogFields struct {
	ThreadID  *string // Session thread id
	TurnID    *string // Id of the current orchestrator turn
	Stage     *string // Pipeline stage name (validate, decide, plan, execute, summarize)
	StepIndex *int    // Plan step number, when inside step execution
	Component string  // Component name (e.g. "nlsql.orchestrator")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.ThreadID != nil {
		result.ThreadID = new.ThreadID
	}
	if new.TurnID != nil {
		result.TurnID = new.TurnID
	}
	if new.Stage != nil {
		result.Stage = new.Stage
	}
	if new.StepIndex != nil {
		result.StepIndex = new.StepIndex
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ThreadID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
// Useful for logging potentially long strings like SQL text or error messages.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
