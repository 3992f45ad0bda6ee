// Package watcher discovers the platform's active deployments, follows
// their log streams, assembles errors, and hands them to the processing
// sink. It owns the subscription and assembler maps and all the platform
// resiliency behavior around discovery cadence.
package watcher

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/errlyhq/errly/pkg/assembler"
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/platform"
)

const (
	// DefaultMaxSubscriptions caps concurrent log streams.
	DefaultMaxSubscriptions = 50

	// Discovery cadence: quick enough to catch redeploys, slow enough to
	// stay inside the API budget. Backs off toward the max on failure or a
	// thin rate budget.
	baseDiscoveryInterval = 60 * time.Second
	maxDiscoveryInterval  = 5 * time.Minute

	healthCheckInterval = 5 * time.Minute
	zombieThreshold     = 10 * time.Minute

	// Rate-budget watermarks: below the low fraction discovery slows down,
	// above the high fraction it returns to the base cadence.
	rateLowFraction  = 0.20
	rateHighFraction = 0.50
)

// Sink consumes assembled error events.
type Sink interface {
	HandleError(ctx context.Context, ev *models.ErrorEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev *models.ErrorEvent)

// HandleError calls f.
func (f SinkFunc) HandleError(ctx context.Context, ev *models.ErrorEvent) { f(ctx, ev) }

// DeploymentAPI is the unary platform surface discovery needs.
// *platform.Client satisfies it.
type DeploymentAPI interface {
	ActiveDeployments(ctx context.Context, projectID string) ([]platform.Deployment, error)
	BreakerState() string
	AuthLatched() bool
	RateInfo() platform.RateInfo
}

// Stream is one live per-deployment log feed.
type Stream interface {
	Batches() <-chan []platform.LogLine
	Done() <-chan struct{}
	Close()
}

// Subscriber opens log streams; Close disposes the underlying transport.
type Subscriber interface {
	Subscribe(ctx context.Context, deploymentID string) (Stream, error)
	Close()
}

// Config selects what the watcher follows.
type Config struct {
	ProjectID string
	// EnvironmentName restricts discovery to one environment; "" means all.
	EnvironmentName string
	// SelfServiceID is this service's own id, excluded so the watcher never
	// ingests its own logs and feeds back on itself.
	SelfServiceID string
	// MaxSubscriptions caps concurrent streams; <= 0 selects the default.
	MaxSubscriptions int
}

// Watcher runs the discovery loop and owns every live subscription.
type Watcher struct {
	cfg     Config
	api     DeploymentAPI
	streams Subscriber
	sink    Sink

	mu              sync.Mutex
	subs            map[string]*subscription
	assemblers      map[string]*assembler.Assembler
	interval        time.Duration
	lastDiscoveryAt int64 // epoch ms of the last successful discovery; 0 = never

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a Watcher.
func New(cfg Config, api DeploymentAPI, streams Subscriber, sink Sink) *Watcher {
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}
	return &Watcher{
		cfg:        cfg,
		api:        api,
		streams:    streams,
		sink:       sink,
		subs:       make(map[string]*subscription),
		assemblers: make(map[string]*assembler.Assembler),
		interval:   baseDiscoveryInterval,
		runCtx:     context.Background(),
		logger:     slog.Default().With("component", "watcher"),
	}
}

// Start launches the discovery and health-monitor loops. The first
// discovery runs immediately.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.runCtx = ctx
	w.done = make(chan struct{})

	go w.run(ctx)

	w.logger.Info("Log watcher started",
		"project_id", w.cfg.ProjectID,
		"environment", w.cfg.EnvironmentName,
		"max_subscriptions", w.cfg.MaxSubscriptions)
}

// Stop closes every subscription, disposes the stream transport, and waits
// for all goroutines to finish.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.wg.Wait()

	w.mu.Lock()
	subs := make([]*subscription, 0, len(w.subs))
	for _, sub := range w.subs {
		subs = append(subs, sub)
	}
	asms := make([]*assembler.Assembler, 0, len(w.assemblers))
	for _, a := range w.assemblers {
		asms = append(asms, a)
	}
	w.subs = make(map[string]*subscription)
	w.assemblers = make(map[string]*assembler.Assembler)
	w.mu.Unlock()

	for _, sub := range subs {
		sub.closeStream()
	}
	for _, a := range asms {
		a.Close()
	}
	w.streams.Close()

	w.logger.Info("Log watcher stopped", "closed_subscriptions", len(subs))
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	w.discover(ctx)

	// A plain timer, not a ticker: the interval adapts and the timer is
	// re-armed with the current value after every pass.
	timer := time.NewTimer(w.DiscoveryInterval())
	defer timer.Stop()
	health := time.NewTicker(healthCheckInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			w.discover(ctx)
			timer.Reset(w.DiscoveryInterval())
		case <-health.C:
			w.checkHealth(ctx)
		}
	}
}

// discover reconciles subscriptions against the platform's current active
// deployments. While the breaker is open or auth has failed it does nothing
// except back the cadence off.
func (w *Watcher) discover(ctx context.Context) {
	if state := w.api.BreakerState(); state == platform.BreakerOpen {
		w.logger.Warn("Skipping discovery: circuit breaker open")
		w.backOffDiscovery()
		return
	}
	if w.api.AuthLatched() {
		w.logger.Warn("Skipping discovery: platform auth failed; update the API token")
		w.backOffDiscovery()
		return
	}

	deployments, err := w.api.ActiveDeployments(ctx, w.cfg.ProjectID)
	if err != nil {
		w.logger.Error("Deployment discovery failed", "error", err)
		w.backOffDiscovery()
		return
	}

	w.adaptToRateBudget()
	w.reconcile(ctx, deployments)

	w.mu.Lock()
	w.lastDiscoveryAt = models.NowMillis()
	w.mu.Unlock()
}

// backOffDiscovery doubles the discovery interval up to the max.
func (w *Watcher) backOffDiscovery() {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.interval * 2
	if next > maxDiscoveryInterval {
		next = maxDiscoveryInterval
	}
	if next != w.interval {
		w.logger.Info("Discovery interval raised", "interval", next)
		w.interval = next
	}
}

// adaptToRateBudget adjusts cadence from the platform's reported budget:
// nearly exhausted → slow down, comfortably replenished → back to base.
func (w *Watcher) adaptToRateBudget() {
	info := w.api.RateInfo()
	if !info.Seen || info.Limit <= 0 {
		return
	}
	fraction := float64(info.Remaining) / float64(info.Limit)

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case fraction < rateLowFraction:
		next := w.interval * 2
		if next > maxDiscoveryInterval {
			next = maxDiscoveryInterval
		}
		if next != w.interval {
			w.logger.Info("Discovery interval raised: rate budget low",
				"remaining", info.Remaining, "limit", info.Limit, "interval", next)
			w.interval = next
		}
	case fraction > rateHighFraction && w.interval != baseDiscoveryInterval:
		w.logger.Info("Discovery interval reset", "interval", baseDiscoveryInterval)
		w.interval = baseDiscoveryInterval
	}
}

// reconcile diffs desired deployments against current subscriptions:
// close subscriptions for gone deployments, reopen closed ones, open new
// ones under the cap.
func (w *Watcher) reconcile(ctx context.Context, deployments []platform.Deployment) {
	desired := make(map[string]platform.Deployment, len(deployments))
	for _, d := range deployments {
		if w.cfg.EnvironmentName != "" && d.EnvironmentName != w.cfg.EnvironmentName {
			continue
		}
		if w.cfg.SelfServiceID != "" && d.ServiceID == w.cfg.SelfServiceID {
			continue
		}
		desired[d.ID] = d
	}

	w.mu.Lock()
	var stale []*subscription
	for id, sub := range w.subs {
		if _, ok := desired[id]; ok {
			continue
		}
		delete(w.subs, id)
		if a, ok := w.assemblers[id]; ok {
			a.Close()
			delete(w.assemblers, id)
		}
		stale = append(stale, sub)
	}
	w.mu.Unlock()

	for _, sub := range stale {
		sub.closeStream()
		w.logger.Info("Unsubscribed from gone deployment",
			"deployment_id", sub.deployment.ID, "service", sub.deployment.ServiceName)
	}

	skipped := 0
	for id, dep := range desired {
		w.mu.Lock()
		sub, exists := w.subs[id]
		if exists && sub.state() != SubClosed {
			w.mu.Unlock()
			continue
		}
		if w.liveCountLocked() >= w.cfg.MaxSubscriptions {
			w.mu.Unlock()
			skipped++
			continue
		}
		w.mu.Unlock()

		w.open(ctx, dep, exists)
	}
	if skipped > 0 {
		w.logger.Warn("Subscription cap reached; some deployments are not watched",
			"cap", w.cfg.MaxSubscriptions, "skipped", skipped)
	}
}

func (w *Watcher) liveCountLocked() int {
	live := 0
	for _, sub := range w.subs {
		if sub.state() != SubClosed {
			live++
		}
	}
	return live
}

// open subscribes to a deployment's logs and starts its consumer. The
// assembler survives reopens so a trace interrupted by a reconnect can
// still flush.
func (w *Watcher) open(ctx context.Context, dep platform.Deployment, reopened bool) {
	stream, err := w.streams.Subscribe(ctx, dep.ID)
	if err != nil {
		w.logger.Error("Failed to subscribe to deployment logs",
			"deployment_id", dep.ID, "service", dep.ServiceName, "error", err)
		return
	}

	sub := newSubscription(dep, stream)

	w.mu.Lock()
	if _, ok := w.assemblers[dep.ID]; !ok {
		w.assemblers[dep.ID] = assembler.New(assembler.DefaultIdleTimeout, w.timeoutHandler(dep))
	}
	w.subs[dep.ID] = sub
	w.mu.Unlock()

	w.wg.Add(1)
	go w.consume(ctx, sub, stream)

	w.logger.Info("Subscribed to deployment logs",
		"deployment_id", dep.ID, "service", dep.ServiceName, "reopened", reopened)
}

// timeoutHandler routes idle-timer flushes from a deployment's assembler
// into the sink.
func (w *Watcher) timeoutHandler(dep platform.Deployment) func(assembler.Completed) {
	return func(c assembler.Completed) {
		w.dispatch(w.runCtx, dep, c)
	}
}

func (w *Watcher) dispatch(ctx context.Context, dep platform.Deployment, c assembler.Completed) {
	ev := &models.ErrorEvent{
		Service:      dep.ServiceName,
		DeploymentID: dep.ID,
		Message:      c.Message,
		StackTrace:   c.StackTrace,
		Severity:     c.Severity,
		Endpoint:     c.Endpoint,
		RawLog:       c.RawLog,
		Source:       models.SourceAutoCapture,
	}
	w.sink.HandleError(ctx, ev)
}

// ActiveSubscriptions returns the number of non-closed subscriptions.
func (w *Watcher) ActiveSubscriptions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.liveCountLocked()
}

// LastDiscoveryAt returns when discovery last succeeded (epoch ms), or 0.
func (w *Watcher) LastDiscoveryAt() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastDiscoveryAt
}

// DiscoveryInterval returns the current adaptive discovery cadence.
func (w *Watcher) DiscoveryInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.interval
}

// Subscriptions returns a diagnostics snapshot, sorted by service name.
func (w *Watcher) Subscriptions() []SubscriptionStatus {
	w.mu.Lock()
	statuses := make([]SubscriptionStatus, 0, len(w.subs))
	for _, sub := range w.subs {
		statuses = append(statuses, sub.status())
	}
	w.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Service != statuses[j].Service {
			return statuses[i].Service < statuses[j].Service
		}
		return statuses[i].DeploymentID < statuses[j].DeploymentID
	})
	return statuses
}
