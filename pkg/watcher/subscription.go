package watcher

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/errlyhq/errly/pkg/assembler"
	"github.com/errlyhq/errly/pkg/classifier"
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/platform"
)

// SubscriptionState describes a subscription's lifecycle position.
type SubscriptionState string

const (
	// SubActive means the stream is open and delivering.
	SubActive SubscriptionState = "active"
	// SubZombie means the stream looks open but has been silent past the
	// zombie threshold.
	SubZombie SubscriptionState = "zombie"
	// SubReconnecting means the watcher tore the stream down and is
	// opening a replacement.
	SubReconnecting SubscriptionState = "reconnecting"
	// SubClosed means the stream ended; discovery may reopen it.
	SubClosed SubscriptionState = "closed"
)

// SubscriptionStatus is the diagnostics view of one subscription.
type SubscriptionStatus struct {
	DeploymentID  string            `json:"deploymentId"`
	Service       string            `json:"service"`
	Status        SubscriptionState `json:"status"`
	LastMessageAt int64             `json:"lastMessageAt"`
}

// subscription tracks one deployment's log stream.
type subscription struct {
	deployment platform.Deployment
	stream     Stream

	mu            sync.Mutex
	st            SubscriptionState
	lastMessageAt time.Time
}

func newSubscription(dep platform.Deployment, stream Stream) *subscription {
	return &subscription{
		deployment: dep,
		stream:     stream,
		st:         SubActive,
		// Seed with the open time so a stream that never delivers anything
		// still ages toward the zombie threshold from a known point.
		lastMessageAt: time.Now(),
	}
}

// touch records delivery and clears any zombie suspicion.
func (s *subscription) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastMessageAt = time.Now()
	if s.st == SubZombie {
		s.st = SubActive
	}
}

func (s *subscription) state() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *subscription) setState(st SubscriptionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

func (s *subscription) lastMessage() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessageAt
}

func (s *subscription) closeStream() {
	s.stream.Close()
}

func (s *subscription) status() SubscriptionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriptionStatus{
		DeploymentID:  s.deployment.ID,
		Service:       s.deployment.ServiceName,
		Status:        s.st,
		LastMessageAt: s.lastMessageAt.UnixMilli(),
	}
}

// consume drains one stream into the deployment's assembler until the
// stream ends or the watcher shuts down.
func (w *Watcher) consume(ctx context.Context, sub *subscription, stream Stream) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stream.Done():
			sub.setState(SubClosed)
			return
		case batch, ok := <-stream.Batches():
			if !ok {
				sub.setState(SubClosed)
				return
			}
			sub.touch()
			for _, line := range batch {
				w.handleLine(ctx, sub, line)
			}
		}
	}
}

// handleLine feeds one log line through the deployment's assembler. When
// the assembler finds nothing but the platform itself tagged the line at
// error level or worse, a single-line error is synthesized so
// platform-flagged output is never dropped on the floor.
func (w *Watcher) handleLine(ctx context.Context, sub *subscription, line platform.LogLine) {
	w.mu.Lock()
	a := w.assemblers[sub.deployment.ID]
	w.mu.Unlock()
	if a == nil {
		// Swept between delivery and processing; the subscription is gone.
		return
	}

	ts := line.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	completed := a.Feed(line.Message, ts)
	for _, c := range completed {
		w.dispatch(ctx, sub.deployment, c)
	}
	if len(completed) > 0 || a.Collecting() {
		return
	}

	sev, ok := severityFromMetadata(line.Severity)
	if !ok || classifier.HasInfoLevel(line.Message) {
		return
	}
	message := strings.TrimSpace(line.Message)
	if message == "" {
		return
	}
	w.dispatch(ctx, sub.deployment, assembler.Completed{
		Message:  message,
		Severity: sev,
		Endpoint: classifier.ExtractEndpoint(line.Message),
		RawLog:   line.Message,
	})
}

// severityFromMetadata maps the platform's per-line severity tag onto the
// model severities. Unknown tags report not-ok so untagged output stays
// with the body classifier alone.
func severityFromMetadata(raw string) (models.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "error":
		return models.SeverityError, true
	case "warn", "warning":
		return models.SeverityWarn, true
	case "fatal", "critical":
		return models.SeverityFatal, true
	default:
		return "", false
	}
}
