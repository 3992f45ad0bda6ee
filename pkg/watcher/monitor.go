package watcher

import (
	"context"
	"time"
)

// checkHealth finds zombie subscriptions (open but silent past the
// threshold) and replaces their streams, and sweeps assemblers whose
// subscription is gone.
func (w *Watcher) checkHealth(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var zombies []*subscription
	for _, sub := range w.subs {
		if sub.state() == SubClosed {
			continue
		}
		if now.Sub(sub.lastMessage()) > zombieThreshold {
			sub.setState(SubZombie)
			zombies = append(zombies, sub)
		}
	}
	for id, a := range w.assemblers {
		if _, ok := w.subs[id]; !ok {
			a.Close()
			delete(w.assemblers, id)
		}
	}
	w.mu.Unlock()

	for _, sub := range zombies {
		w.logger.Warn("Subscription silent past threshold; reopening",
			"deployment_id", sub.deployment.ID,
			"service", sub.deployment.ServiceName,
			"silent_for", now.Sub(sub.lastMessage()).Round(time.Second))
		sub.setState(SubReconnecting)
		sub.closeStream()
		w.open(ctx, sub.deployment, true)
	}
}
