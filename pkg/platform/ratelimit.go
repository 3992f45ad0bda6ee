package platform

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateInfo is a point-in-time snapshot of the platform's rate-limit budget,
// as reported by its response headers.
type RateInfo struct {
	Remaining int
	Limit     int
	ResetsAt  time.Time
	// Seen is false until at least one response carried rate-limit headers.
	Seen bool
}

// RateTracker accumulates x-ratelimit-* response headers and answers
// whether requests should be refused until the budget resets.
type RateTracker struct {
	mu   sync.Mutex
	info RateInfo
	now  func() time.Time
}

// NewRateTracker returns an empty tracker.
func NewRateTracker() *RateTracker {
	return &RateTracker{now: time.Now}
}

// Observe parses rate-limit headers off a platform response. Responses
// without the headers leave the tracked state untouched.
func (t *RateTracker) Observe(h http.Header) {
	remaining, okRemaining := headerInt(h, "x-ratelimit-remaining")
	limit, okLimit := headerInt(h, "x-ratelimit-limit")
	if !okRemaining && !okLimit {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.info.Seen = true
	if okRemaining {
		t.info.Remaining = remaining
	}
	if okLimit {
		t.info.Limit = limit
	}
	if resetsAt, ok := parseReset(h.Get("x-ratelimit-reset"), t.now()); ok {
		t.info.ResetsAt = resetsAt
	}
}

// IsRateLimited reports whether the budget is exhausted and the reset time
// has not passed yet.
func (t *RateTracker) IsRateLimited() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.Seen && t.info.Remaining <= 0 && t.now().Before(t.info.ResetsAt)
}

// Snapshot returns the current budget for diagnostics and for the
// watcher's adaptive discovery cadence.
func (t *RateTracker) Snapshot() RateInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseReset accepts the two shapes seen in the wild: an absolute epoch
// (seconds) and a relative seconds-until-reset delta.
func parseReset(raw string, now time.Time) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
			return ts, true
		}
		return time.Time{}, false
	}
	if n >= 1_000_000_000 {
		return time.Unix(n, 0), true
	}
	return now.Add(time.Duration(n) * time.Second), true
}
