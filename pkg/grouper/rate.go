package grouper

import (
	"sync"
	"time"
)

const rateWindow = time.Minute

// rateCounter tracks event timestamps over a trailing window. Writes prune
// expired entries so memory stays bounded by the event rate.
type rateCounter struct {
	mu     sync.Mutex
	stamps []int64
}

func newRateCounter() *rateCounter {
	return &rateCounter{}
}

func (r *rateCounter) record(nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(nowMs)
	r.stamps = append(r.stamps, nowMs)
}

func (r *rateCounter) perMinute(nowMs int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(nowMs)
	return len(r.stamps)
}

func (r *rateCounter) pruneLocked(nowMs int64) {
	cutoff := nowMs - rateWindow.Milliseconds()
	i := 0
	for i < len(r.stamps) && r.stamps[i] <= cutoff {
		i++
	}
	if i > 0 {
		r.stamps = append(r.stamps[:0], r.stamps[i:]...)
	}
}
