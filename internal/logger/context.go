package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields are added to every record logged with a context carrying them.
type LogFields struct {
	Component      string // e.g. "smtre.scheduler"
	WorkspaceID    string
	ConversationID string
	RecordID       string
}

// WithLogFields enriches ctx. Multiple calls merge, newer non-empty values win.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	merged := mergeFields(GetLogFields(ctx), fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields returns the fields attached to ctx, or the zero value.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing
	if next.Component != "" {
		result.Component = next.Component
	}
	if next.WorkspaceID != "" {
		result.WorkspaceID = next.WorkspaceID
	}
	if next.ConversationID != "" {
		result.ConversationID = next.ConversationID
	}
	if next.RecordID != "" {
		result.RecordID = next.RecordID
	}
	return result
}
