package models

// ErrorEvent is one detected error occurrence, produced by the stack-trace
// assembler or the direct ingestion endpoint, and consumed by the grouper.
type ErrorEvent struct {
	Service      string
	DeploymentID string
	Message      string
	StackTrace   string // empty means no stack
	Severity     Severity
	Endpoint     string // empty means none extracted
	RawLog       string
	Source       Source
	Metadata     Metadata
}

// Push event types delivered to dashboards. All events share the same
// generic SSE framing (`data: <json>\n\n`); the type field discriminates.
const (
	PushNewError     = "new-error"
	PushErrorUpdated = "error-updated"
	PushErrorCleared = "error-cleared"
	PushBulkCleared  = "bulk-cleared"
	PushAuthExpired  = "auth-expired"
)

// PushEvent is the single JSON object written per SSE frame.
type PushEvent struct {
	Type  string        `json:"type"`
	Error *ErrorSummary `json:"error,omitempty"`
	IDs   []string      `json:"ids,omitempty"`
}

// NewErrorEvent builds the push event for a freshly created group.
func NewErrorEvent(summary *ErrorSummary) PushEvent {
	return PushEvent{Type: PushNewError, Error: summary}
}

// ErrorUpdatedEvent builds the push event for a recurrence or status change.
func ErrorUpdatedEvent(summary *ErrorSummary) PushEvent {
	return PushEvent{Type: PushErrorUpdated, Error: summary}
}

// ErrorClearedEvent builds the push event naming individually pruned groups.
func ErrorClearedEvent(ids []string) PushEvent {
	return PushEvent{Type: PushErrorCleared, IDs: ids}
}

// BulkClearedEvent builds the push event for a mass prune; dashboards are
// expected to do a full reload.
func BulkClearedEvent() PushEvent {
	return PushEvent{Type: PushBulkCleared}
}

// AuthExpiredEvent builds the push event telling a client its session ended.
func AuthExpiredEvent() PushEvent {
	return PushEvent{Type: PushAuthExpired}
}
