// Package grouper turns individual error events into deduplicated error
// groups: fingerprint, transactional upsert, severity escalation, and the
// new-error webhook hook.
package grouper

import (
	"context"
	"log/slog"

	"github.com/errlyhq/errly/pkg/fingerprint"
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/store"
	"github.com/errlyhq/errly/pkg/webhook"
)

// SettingsSource supplies the webhook target. *store.SettingsStore satisfies it.
type SettingsSource interface {
	WebhookURL(ctx context.Context) string
}

// Result is the outcome of processing one error event. IsNew distinguishes a
// freshly created group from a recurrence so callers can pick the right push
// event type.
type Result struct {
	Group *models.ErrorGroup
	IsNew bool
}

// Grouper deduplicates error events into groups.
type Grouper struct {
	groups   *store.GroupStore
	settings SettingsSource
	notifier *webhook.Notifier
	rate     *rateCounter
	logger   *slog.Logger
}

// New creates a Grouper. notifier may be nil to disable webhooks entirely.
func New(groups *store.GroupStore, settings SettingsSource, notifier *webhook.Notifier) *Grouper {
	return &Grouper{
		groups:   groups,
		settings: settings,
		notifier: notifier,
		rate:     newRateCounter(),
		logger:   slog.Default().With("component", "grouper"),
	}
}

// Process records one occurrence of an error. Identical errors (same
// service, message, and normalized stack) collapse into one group whose
// occurrence count grows; the first occurrence creates the group and fires
// the configured webhook in the background.
func (g *Grouper) Process(ctx context.Context, ev *models.ErrorEvent) (*Result, error) {
	if ev.Service == "" {
		return nil, store.NewValidationError("service", "required")
	}
	if ev.Message == "" {
		return nil, store.NewValidationError("message", "required")
	}
	if !ev.Severity.Valid() {
		ev.Severity = models.SeverityError
	}
	if ev.Source == "" {
		ev.Source = models.SourceAutoCapture
	}

	fp := fingerprint.Compute(ev.Service, ev.Message, ev.StackTrace)
	now := models.NowMillis()

	group, isNew, err := g.groups.Upsert(ctx, ev, fp, now)
	if err != nil {
		return nil, err
	}
	g.rate.record(now)

	if isNew {
		g.logger.Info("New error group",
			"service", group.Service,
			"severity", group.Severity,
			"fingerprint", group.Fingerprint)
		g.dispatchWebhook(group.Summary())
	}

	return &Result{Group: group, IsNew: isNew}, nil
}

// ProcessedLastMinute reports how many events were recorded in the trailing
// 60 seconds, for the diagnostics endpoint.
func (g *Grouper) ProcessedLastMinute() int {
	return g.rate.perMinute(models.NowMillis())
}

// dispatchWebhook fires the new-error notification without blocking the
// ingestion path. Failures are logged and swallowed; an unreachable webhook
// must never back up error processing.
func (g *Grouper) dispatchWebhook(summary *models.ErrorSummary) {
	if g.notifier == nil {
		return
	}
	target := g.settings.WebhookURL(context.Background())
	if target == "" {
		return
	}

	go func() {
		if err := g.notifier.Notify(context.Background(), target, summary); err != nil {
			g.logger.Warn("Webhook notification failed",
				"target", target,
				"group_id", summary.ID,
				"error", err)
		}
	}()
}
