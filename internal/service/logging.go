package service

import (
	"context"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey marks a context whose operations should log at debug detail
const VerboseContextKey ContextKey = "verbose"

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// Standard field names for structured logs
const (
	LogFieldTicketID     = "ticket_id"
	LogFieldInternalID   = "internal_id"
	LogFieldReplyID      = "reply_id"
	LogFieldChannelID    = "channel_id"
	LogFieldCategoryID   = "category_id"
	LogFieldMessageID    = "message_id"
	LogFieldDepartmentID = "department_id"
	LogFieldRoleID       = "role_id"
	LogFieldStatus       = "status"
	LogFieldPriority     = "priority"
	LogFieldDirection    = "direction"
	LogFieldUser         = "user"

	LogFieldComponent = "component"
	LogFieldOperation = "operation"
	LogFieldCommand   = "command"
	LogFieldAction    = "action"

	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"
	LogFieldStatusCode = "status_code"
	LogFieldSize       = "size"

	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldFailed   = "failed"
	LogFieldFileName = "file_name"
)

// truncateForLog shortens message bodies in debug output.
func truncateForLog(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
