package models

import "time"

// TimeRange names the supported last-seen windows for list queries.
type TimeRange string

const (
	RangeLastHour TimeRange = "1h"
	RangeLastDay  TimeRange = "24h"
	RangeLastWeek TimeRange = "7d"
	RangeLast30d  TimeRange = "30d"
)

// Duration returns the window length, or 0 for an unknown/empty range.
func (r TimeRange) Duration() time.Duration {
	switch r {
	case RangeLastHour:
		return time.Hour
	case RangeLastDay:
		return 24 * time.Hour
	case RangeLastWeek:
		return 7 * 24 * time.Hour
	case RangeLast30d:
		return 30 * 24 * time.Hour
	}
	return 0
}

// ListFilters narrows the error-group list query. Zero values mean
// "no filter". Search is a plain substring over message and stack trace;
// LIKE wildcards in user input are escaped by the store.
type ListFilters struct {
	Service   string    `json:"service,omitempty"`
	Severity  Severity  `json:"severity,omitempty"`
	Status    Status    `json:"status,omitempty"`
	TimeRange TimeRange `json:"timeRange,omitempty"`
	Search    string    `json:"search,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// GroupList is one page of error groups plus the unpaginated total.
type GroupList struct {
	Groups     []*ErrorGroup `json:"errors"`
	TotalCount int           `json:"totalCount"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
}

// Stats aggregates group counts for the dashboard summary widgets.
type Stats struct {
	Total      int            `json:"total"`
	Last24h    int            `json:"last24h"`
	BySeverity map[string]int `json:"bySeverity"`
	ByStatus   map[string]int `json:"byStatus"`
	ByService  map[string]int `json:"byService"`
}
