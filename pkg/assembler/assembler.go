// Package assembler coalesces multi-line stack traces from a single
// deployment's log stream into one logical error event. One Assembler
// instance exists per deployment; lines must be fed in arrival order.
package assembler

import (
	"strings"
	"sync"
	"time"

	"github.com/errlyhq/errly/pkg/classifier"
	"github.com/errlyhq/errly/pkg/models"
)

const (
	// DefaultIdleTimeout flushes a trace when no continuation line arrives
	// in time. Losing the tail of a stack beats waiting forever.
	DefaultIdleTimeout = 2 * time.Second

	// maxBufferLines caps a single trace; the buffer is flushed when full.
	maxBufferLines = 100
)

type state int

const (
	stateIdle state = iota
	stateCollecting
)

// Completed is one fully assembled error, ready for grouping.
type Completed struct {
	Message    string
	StackTrace string // "" for single-line errors
	Severity   models.Severity
	Endpoint   string
	RawLog     string
}

// Assembler is the per-deployment trace state machine. Feed drives it;
// idle-timeout flushes are delivered through the onTimeout callback because
// no caller is blocked on them.
type Assembler struct {
	mu          sync.Mutex
	state       state
	lines       []string
	message     string
	severity    models.Severity
	endpoint    string
	rawLog      string
	language    classifier.Language
	lastLineAt  time.Time
	idleTimeout time.Duration
	timer       *time.Timer
	timerGen    int
	onTimeout   func(Completed)
}

// New returns an idle Assembler. onTimeout receives traces flushed by the
// idle timer or by a timestamp gap between consecutive lines; it may be nil
// when the caller only ever inspects Feed results.
func New(idleTimeout time.Duration, onTimeout func(Completed)) *Assembler {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Assembler{
		idleTimeout: idleTimeout,
		onTimeout:   onTimeout,
	}
}

// Collecting reports whether a trace is currently being assembled. The
// watcher consults this before trusting platform-supplied severity
// metadata for lines the classifier ignored.
func (a *Assembler) Collecting() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state == stateCollecting
}

// Feed processes one log line stamped with the stream's timestamp and
// returns any errors completed by it: a flushed trace when the line does
// not continue the current one, plus possibly a single-line error from the
// new line itself. A trace flushed because the line arrived after an idle
// gap is delivered through the timeout callback instead.
func (a *Assembler) Feed(line string, ts time.Time) []Completed {
	a.mu.Lock()

	var stale *Completed
	if a.state == stateCollecting && ts.Sub(a.lastLineAt) > a.idleTimeout {
		stale = a.flushLocked()
	}

	var results []Completed
	if a.state == stateCollecting {
		if classifier.IsContinuation(line, a.language) {
			a.lines = append(a.lines, line)
			a.lastLineAt = ts
			if len(a.lines) >= maxBufferLines {
				if c := a.flushLocked(); c != nil {
					results = append(results, *c)
				}
			} else {
				a.armTimerLocked()
			}
		} else {
			if c := a.flushLocked(); c != nil {
				results = append(results, *c)
			}
			if c := a.beginLocked(line, ts); c != nil {
				results = append(results, *c)
			}
		}
	} else {
		if c := a.beginLocked(line, ts); c != nil {
			results = append(results, *c)
		}
	}

	a.mu.Unlock()

	if stale != nil && a.onTimeout != nil {
		a.onTimeout(*stale)
	}
	return results
}

// Close cancels the idle timer and discards any partially collected trace.
// Used when the owning subscription goes away.
func (a *Assembler) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

// beginLocked handles a line arriving in the idle state: ignore non-errors,
// start collecting on a trace opener, or complete a single-line error.
func (a *Assembler) beginLocked(line string, ts time.Time) *Completed {
	res := classifier.Classify(line)
	if !res.IsError {
		return nil
	}

	if classifier.IsTraceStart(line) {
		a.state = stateCollecting
		a.lines = []string{line}
		a.message = res.Message
		a.severity = res.Severity
		a.endpoint = res.Endpoint
		a.rawLog = line
		a.language = res.Language
		a.lastLineAt = ts
		a.armTimerLocked()
		return nil
	}

	return &Completed{
		Message:  res.Message,
		Severity: res.Severity,
		Endpoint: res.Endpoint,
		RawLog:   line,
	}
}

func (a *Assembler) flushLocked() *Completed {
	if a.state != stateCollecting {
		return nil
	}
	c := &Completed{
		Message:    a.message,
		StackTrace: strings.Join(a.lines, "\n"),
		Severity:   a.severity,
		Endpoint:   a.endpoint,
		RawLog:     a.rawLog,
	}
	a.resetLocked()
	return c
}

func (a *Assembler) resetLocked() {
	a.state = stateIdle
	a.lines = nil
	a.message = ""
	a.severity = ""
	a.endpoint = ""
	a.rawLog = ""
	a.language = classifier.LangUnknown
	a.timerGen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// armTimerLocked (re)starts the idle timer. The generation counter keeps a
// timer that already fired, but has not yet taken the lock, from flushing a
// trace that newer lines have since extended.
func (a *Assembler) armTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timerGen++
	gen := a.timerGen
	a.timer = time.AfterFunc(a.idleTimeout, func() { a.fireTimeout(gen) })
}

func (a *Assembler) fireTimeout(gen int) {
	a.mu.Lock()
	if a.state != stateCollecting || gen != a.timerGen {
		a.mu.Unlock()
		return
	}
	completed := a.flushLocked()
	a.mu.Unlock()

	if completed != nil && a.onTimeout != nil {
		a.onTimeout(*completed)
	}
}
