// Package retention enforces the data retention policy: error groups whose
// last occurrence is older than the configured horizon are pruned, and
// expired dashboard sessions are removed.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/store"
)

const (
	sweepInterval = time.Hour

	// clearedBroadcastLimit bounds the id list in an error-cleared event.
	// Larger prunes collapse into a single bulk-cleared so one sweep cannot
	// flood every dashboard with thousands of ids.
	clearedBroadcastLimit = 100
)

// Publisher delivers push events to dashboards. *push.Hub satisfies it.
type Publisher interface {
	Broadcast(ev models.PushEvent)
}

// Service periodically enforces retention:
//   - Deletes error groups past the retentionDays horizon
//   - Removes expired dashboard sessions
//
// All operations are idempotent.
type Service struct {
	groups    *store.GroupStore
	sessions  *store.SessionStore
	settings  *store.SettingsStore
	publisher Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new retention service.
func NewService(groups *store.GroupStore, sessions *store.SessionStore, settings *store.SettingsStore, publisher Publisher) *Service {
	return &Service{
		groups:    groups,
		sessions:  sessions,
		settings:  settings,
		publisher: publisher,
	}
}

// Start launches the background sweep loop. The first sweep runs
// immediately so a long-stopped instance catches up on boot.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Retention service started", "interval", sweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneGroups(ctx)
	s.pruneSessions(ctx)
}

// pruneGroups deletes groups beyond the retention horizon and tells
// dashboards what disappeared: small prunes name every id, large ones send
// one bulk-cleared and let dashboards reload.
func (s *Service) pruneGroups(ctx context.Context) {
	days := s.settings.RetentionDays(ctx)

	ids, err := s.groups.DeleteByRetention(ctx, days, models.NowMillis())
	if err != nil {
		slog.Error("Retention: error group prune failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	slog.Info("Retention: pruned error groups", "count", len(ids), "retention_days", days)

	if len(ids) <= clearedBroadcastLimit {
		s.publisher.Broadcast(models.ErrorClearedEvent(ids))
	} else {
		s.publisher.Broadcast(models.BulkClearedEvent())
	}
}

func (s *Service) pruneSessions(ctx context.Context) {
	count, err := s.sessions.DeleteExpired(ctx, models.NowMillis())
	if err != nil {
		slog.Error("Retention: session prune failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: removed expired sessions", "count", count)
	}
}
