package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs
// within a context. Fields flow through context enrichment, so business
// context (job_id, tenant_id, correlation_id) is included in every log
// statement without each call site repeating it.
type LogFields struct {
	JobID         *int64  // Registry job ID
	TenantID      *string // Tenant the operation is scoped to
	CorrelationID *string // Correlation ID shared across one logical operation
	MessageID     *string // Redis stream message ID
	Dependency    *string // Downstream dependency name (resilience layer)
	Component     string  // Component name, e.g. "conductor.registry"
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking
// precedence. Context timeouts and cancellation are preserved.
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

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.JobID != nil {
		result.JobID = next.JobID
	}
	if next.TenantID != nil {
		result.TenantID = next.TenantID
	}
	if next.CorrelationID != nil {
		result.CorrelationID = next.CorrelationID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.Dependency != nil {
		result.Dependency = next.Dependency
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for setting LogFields
// inline: logger.WithLogFields(ctx, logger.LogFields{JobID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if
// truncated. Useful for logging potentially long payloads or error text.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
