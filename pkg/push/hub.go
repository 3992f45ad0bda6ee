// Package push fans error events out to dashboard SSE connections: client
// registry with a capacity cap, per-client backpressure with eviction,
// keepalive frames, and periodic session revalidation.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/store"
)

const (
	// DefaultMaxClients caps concurrent SSE connections.
	DefaultMaxClients = 100

	keepaliveInterval  = 30 * time.Second
	revalidateInterval = 5 * time.Minute
	revalidateTimeout  = 10 * time.Second

	// clientBuffer is the per-client frame queue; beyond it frames drop.
	clientBuffer = 64
	// maxDroppedFrames is how many drops a client survives before eviction.
	maxDroppedFrames = 50
)

// ErrHubFull rejects new subscriptions at the capacity cap.
var ErrHubFull = errors.New("sse client capacity reached")

// keepaliveFrame is an SSE comment; clients ignore it, proxies keep the
// connection warm.
var keepaliveFrame = []byte(": keepalive\n\n")

// SessionSource checks dashboard sessions during periodic revalidation.
// *store.SessionStore satisfies it.
type SessionSource interface {
	Get(ctx context.Context, tokenHash string) (*models.Session, error)
}

// Hub manages all dashboard SSE clients. Each Go process has one Hub.
type Hub struct {
	maxClients int
	sessions   SessionSource

	// Active clients: client id → *Client
	mu      sync.RWMutex
	clients map[string]*Client

	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// NewHub creates a Hub. maxClients <= 0 selects the default cap.
func NewHub(maxClients int, sessions SessionSource) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		maxClients: maxClients,
		sessions:   sessions,
		clients:    make(map[string]*Client),
		logger:     slog.Default().With("component", "push-hub"),
	}
}

// Start launches the keepalive and session-revalidation loops.
func (h *Hub) Start(ctx context.Context) {
	if h.cancel != nil {
		return
	}
	ctx, h.cancel = context.WithCancel(ctx)
	h.done = make(chan struct{})

	go h.run(ctx)

	h.logger.Info("Push hub started", "max_clients", h.maxClients)
}

// Stop tells every dashboard to re-authenticate, closes all clients, and
// stops the background loops.
func (h *Hub) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done

	h.Broadcast(models.AuthExpiredEvent())

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	h.logger.Info("Push hub stopped", "disconnected_clients", len(clients))
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	revalidate := time.NewTicker(revalidateInterval)
	defer revalidate.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			h.broadcastFrame(keepaliveFrame)
		case <-revalidate.C:
			h.revalidateSessions(ctx)
		}
	}
}

// Subscribe registers a new SSE client for an authenticated session.
func (h *Hub) Subscribe(sessionID string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		return nil, fmt.Errorf("%w (%d)", ErrHubFull, h.maxClients)
	}

	c := &Client{
		ID:        uuid.New().String(),
		sessionID: sessionID,
		frames:    make(chan []byte, clientBuffer),
		done:      make(chan struct{}),
	}
	h.clients[c.ID] = c
	return c, nil
}

// Unsubscribe removes a client; the HTTP handler calls it when the
// connection ends or a write fails.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.close()
}

// ClientCount returns the number of connected SSE clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast delivers one push event to every client. The event is encoded
// once; per-client delivery is a non-blocking channel send so one stalled
// dashboard cannot delay the rest.
func (h *Hub) Broadcast(ev models.PushEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("Failed to marshal push event", "type", ev.Type, "error", err)
		return
	}
	h.broadcastFrame([]byte("data: " + string(data) + "\n\n"))
}

func (h *Hub) broadcastFrame(frame []byte) {
	// Snapshot client pointers under the lock, then release before sending,
	// so enqueueing never stalls subscribe/unsubscribe.
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.enqueue(c, frame)
	}
}

// enqueue attempts a non-blocking delivery, evicting clients that keep
// falling behind.
func (h *Hub) enqueue(c *Client, frame []byte) {
	select {
	case c.frames <- frame:
	default:
		if c.dropped.Add(1) > maxDroppedFrames {
			h.logger.Warn("Evicting slow SSE client",
				"client_id", c.ID, "dropped_frames", c.dropped.Load())
			h.Unsubscribe(c)
		}
	}
}

// revalidateSessions drops clients whose session has expired or disappeared.
// The auth-expired frame is enqueued before close so the writer can flush it
// while draining.
func (h *Hub) revalidateSessions(ctx context.Context) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, revalidateTimeout)
	defer cancel()
	now := models.NowMillis()

	authExpired, err := json.Marshal(models.AuthExpiredEvent())
	if err != nil {
		return
	}
	frame := []byte("data: " + string(authExpired) + "\n\n")

	for _, c := range clients {
		session, err := h.sessions.Get(checkCtx, c.sessionID)
		switch {
		case err == nil && !session.Expired(now):
			continue
		case err != nil && !errors.Is(err, store.ErrNotFound):
			// Lookup failure is not proof the session is gone; keep the
			// client until a check succeeds.
			h.logger.Warn("Session revalidation lookup failed",
				"client_id", c.ID, "error", err)
			continue
		}

		h.logger.Info("Disconnecting SSE client with expired session", "client_id", c.ID)
		select {
		case c.frames <- frame:
		default:
		}
		h.Unsubscribe(c)
	}
}
