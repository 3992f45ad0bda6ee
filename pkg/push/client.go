package push

import (
	"sync"
	"sync/atomic"
)

// Client is one dashboard SSE connection. The HTTP handler owns the single
// writer goroutine draining Frames; the hub enqueues without blocking.
type Client struct {
	// ID identifies the connection, not the user; one session may hold
	// several tabs and therefore several clients.
	ID        string
	sessionID string

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// dropped counts frames discarded because the buffer was full. Crossing
	// the eviction threshold marks the client too slow to keep.
	dropped atomic.Int32
}

// Frames returns the ordered stream of wire-ready SSE frames.
func (c *Client) Frames() <-chan []byte {
	return c.frames
}

// Done closes when the hub has evicted the client; the writer should drain
// any buffered frames and finish.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}
