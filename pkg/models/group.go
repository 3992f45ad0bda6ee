// Package models defines the core domain types shared across the service:
// error groups, ingestion events, sessions, settings, and the push-event
// envelope delivered to dashboards.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Severity of an error group. Escalation order: warn < error < fatal.
type Severity string

const (
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
	SeverityFatal Severity = "fatal"
)

// severityRank orders severities for escalation. Unknown values rank lowest
// so they can never downgrade a stored severity.
var severityRank = map[Severity]int{
	SeverityWarn:  1,
	SeverityError: 2,
	SeverityFatal: 3,
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher of two severities under warn < error < fatal.
// Severity only ever escalates; it never downgrades.
func MaxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Status of an error group in the triage workflow.
type Status string

const (
	StatusNew           Status = "new"
	StatusInvestigating Status = "investigating"
	StatusInProgress    Status = "in-progress"
	StatusResolved      Status = "resolved"
)

// Valid reports whether st is one of the known statuses.
func (st Status) Valid() bool {
	switch st {
	case StatusNew, StatusInvestigating, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// Source records how an error entered the system.
type Source string

const (
	// SourceAutoCapture marks errors detected by the log watcher.
	SourceAutoCapture Source = "auto-capture"
	// SourceDirect marks errors submitted via POST /api/errors.
	SourceDirect Source = "direct"
)

// Metadata is an opaque key/value map attached to an error group.
// Stored as a JSON text column; nil means no metadata.
type Metadata map[string]any

// Value implements driver.Valuer for database storage.
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner for database retrieval.
func (m *Metadata) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*m = nil
		return nil
	}
	return json.Unmarshal(raw, m)
}

// ErrorGroup is one logical error, keyed by fingerprint. Timestamps are
// epoch milliseconds to match the wire format expected by dashboards.
type ErrorGroup struct {
	ID              string   `db:"id" json:"id"`
	Service         string   `db:"service" json:"service"`
	DeploymentID    *string  `db:"deployment_id" json:"deploymentId"`
	Message         string   `db:"message" json:"message"`
	StackTrace      *string  `db:"stack_trace" json:"stackTrace"`
	Severity        Severity `db:"severity" json:"severity"`
	Status          Status   `db:"status" json:"status"`
	Endpoint        *string  `db:"endpoint" json:"endpoint"`
	RawLog          string   `db:"raw_log" json:"rawLog"`
	Source          Source   `db:"source" json:"source"`
	Metadata        Metadata `db:"metadata" json:"metadata"`
	Fingerprint     string   `db:"fingerprint" json:"fingerprint"`
	FirstSeenAt     int64    `db:"first_seen_at" json:"firstSeenAt"`
	LastSeenAt      int64    `db:"last_seen_at" json:"lastSeenAt"`
	OccurrenceCount int      `db:"occurrence_count" json:"occurrenceCount"`
	StatusChangedAt *int64   `db:"status_changed_at" json:"statusChangedAt"`
	CreatedAt       int64    `db:"created_at" json:"createdAt"`
}

// Summary returns the compact representation broadcast to dashboards and
// posted to webhooks.
func (g *ErrorGroup) Summary() *ErrorSummary {
	return &ErrorSummary{
		ID:              g.ID,
		Service:         g.Service,
		DeploymentID:    g.DeploymentID,
		Message:         g.Message,
		Severity:        g.Severity,
		Status:          g.Status,
		Endpoint:        g.Endpoint,
		FirstSeenAt:     g.FirstSeenAt,
		LastSeenAt:      g.LastSeenAt,
		OccurrenceCount: g.OccurrenceCount,
	}
}

// ErrorSummary is the trimmed-down group shape used in push events and
// webhook payloads.
type ErrorSummary struct {
	ID              string   `json:"id"`
	Service         string   `json:"service"`
	DeploymentID    *string  `json:"deploymentId,omitempty"`
	Message         string   `json:"message"`
	Severity        Severity `json:"severity"`
	Status          Status   `json:"status"`
	Endpoint        *string  `json:"endpoint,omitempty"`
	FirstSeenAt     int64    `json:"firstSeenAt"`
	LastSeenAt      int64    `json:"lastSeenAt"`
	OccurrenceCount int      `json:"occurrenceCount"`
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
