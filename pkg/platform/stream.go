package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/errlyhq/errly/pkg/version"
)

const (
	// streamBufferSize absorbs bursts between the shared read loop and each
	// subscription's consumer.
	streamBufferSize = 16

	// Reconnect policy: 1s doubling up to 60s, ten attempts total.
	reconnectInitialInterval = time.Second
	reconnectMaxInterval     = 60 * time.Second
	reconnectAttempts        = 10

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
)

var errConnectorClosed = errors.New("log stream connector closed")

const logsSubscription = `subscription deploymentLogs($deploymentId: String!) {
  deploymentLogs(deploymentId: $deploymentId) {
    timestamp
    message
    severity
  }
}`

// wsMessage is one graphql-transport-ws protocol frame.
type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// LogLine is one platform log entry as delivered on a subscription.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
}

// LogStream is one live per-deployment log subscription. Consumers must
// select on both Batches and Done: Done covers endings where nothing more
// will be delivered (consumer close, connector teardown).
type LogStream struct {
	id           string
	deploymentID string
	batches      chan []LogLine
	done         chan struct{}
	doneOnce     sync.Once
	connector    *Connector
}

// DeploymentID returns the deployment this stream follows.
func (s *LogStream) DeploymentID() string { return s.deploymentID }

// Batches returns the channel of log-line batches. It is closed when the
// platform completes or errors the subscription.
func (s *LogStream) Batches() <-chan []LogLine { return s.batches }

// Done is closed when the stream terminates for any reason.
func (s *LogStream) Done() <-chan struct{} { return s.done }

// Close terminates the subscription from the consumer side.
func (s *LogStream) Close() {
	s.markDone()
	s.connector.unsubscribe(s.id)
}

func (s *LogStream) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Connector maintains one multiplexed graphql-transport-ws connection and
// the set of live log subscriptions over it. Connections are established
// lazily on the first Subscribe and re-established with exponential backoff
// when they drop; live subscriptions are replayed onto the new connection.
type Connector struct {
	client *Client
	wsURL  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	connMu       sync.Mutex
	conn         *websocket.Conn
	closed       bool
	reconnecting bool

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*LogStream
}

// NewConnector wires a streaming connector to the client's endpoint,
// credentials, and auth latch.
func NewConnector(client *Client) *Connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		client: client,
		wsURL:  wsURLFrom(client.endpoint),
		logger: slog.Default().With("component", "platform.stream"),
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*LogStream),
	}
}

func wsURLFrom(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return endpoint
}

// Subscribe opens a log stream for one deployment, dialing the shared
// connection first if needed.
func (c *Connector) Subscribe(ctx context.Context, deploymentID string) (*LogStream, error) {
	if c.client.AuthLatched() {
		return nil, fmt.Errorf("subscriptions disabled by auth latch: %w", ErrAuth)
	}

	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	st := &LogStream{
		id:           uuid.New().String(),
		deploymentID: deploymentID,
		batches:      make(chan []LogLine, streamBufferSize),
		done:         make(chan struct{}),
		connector:    c,
	}
	c.mu.Lock()
	c.subs[st.id] = st
	c.mu.Unlock()

	if err := c.sendSubscribe(conn, st); err != nil {
		c.removeStream(st.id)
		st.markDone()
		return nil, fmt.Errorf("subscribe deployment %s: %w", deploymentID, err)
	}
	return st, nil
}

// Close tears down the connection and terminates every live stream.
func (c *Connector) Close() {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	c.cancel()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "shutting down")
	}

	c.mu.Lock()
	streams := c.subs
	c.subs = make(map[string]*LogStream)
	c.mu.Unlock()
	for _, st := range streams {
		st.markDone()
	}
}

func (c *Connector) isClosed() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closed
}

// ensureConn returns the live connection, dialing and handshaking a new
// one when none exists. The mutex is held across the dial so concurrent
// subscribers cannot race a second connection into existence.
func (c *Connector) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		return nil, errConnectorClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.handshake(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	go c.readLoop(conn)
	return conn, nil
}

// handshake dials the endpoint, sends connection_init with the bearer
// token, and waits for the server's ack.
func (c *Connector) handshake(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.wsURL, &websocket.DialOptions{
		Subprotocols: []string{"graphql-transport-ws"},
		HTTPHeader:   http.Header{"User-Agent": []string{version.Full()}},
	})
	if err != nil {
		c.classifyWSError(err)
		return nil, fmt.Errorf("dial log stream: %w", err)
	}

	initPayload, err := json.Marshal(map[string]string{
		"Authorization": "Bearer " + c.client.token,
	})
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("encode init payload: %w", err)
	}
	if err := c.writeMessage(conn, wsMessage{Type: "connection_init", Payload: initPayload}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send connection_init: %w", err)
	}

	ackCtx, cancelAck := context.WithTimeout(ctx, handshakeTimeout)
	defer cancelAck()
	for {
		_, data, err := conn.Read(ackCtx)
		if err != nil {
			c.classifyWSError(err)
			_ = conn.Close(websocket.StatusProtocolError, "no connection_ack")
			return nil, fmt.Errorf("await connection_ack: %w", err)
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "connection_ack":
			return conn, nil
		case "ping":
			_ = c.writeMessage(conn, wsMessage{Type: "pong"})
		}
	}
}

// readLoop drains one physical connection, dispatching frames to streams,
// until the connection dies. It then hands off to the reconnect loop
// unless the connector has been closed.
func (c *Connector) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.classifyWSError(err)
			break
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("Invalid log stream frame", "error", err)
			continue
		}

		switch msg.Type {
		case "next":
			c.dispatchNext(msg)
		case "ping":
			_ = c.writeMessage(conn, wsMessage{Type: "pong"})
		case "error":
			c.handleSubscriptionError(msg)
		case "complete":
			c.completeStream(msg.ID)
		}
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	if c.isClosed() {
		return
	}
	c.clearConn(conn)

	c.mu.Lock()
	live := len(c.subs)
	c.mu.Unlock()
	if live == 0 {
		return
	}

	c.logger.Warn("Log stream connection lost; reconnecting", "subscriptions", live)
	c.reconnectLoop()
}

func (c *Connector) clearConn(conn *websocket.Conn) {
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
}

// reconnectLoop re-establishes the connection with exponential backoff and
// replays every live subscription onto it. If all attempts fail, the live
// streams are terminated so their consumers can notice and re-open later.
func (c *Connector) reconnectLoop() {
	c.connMu.Lock()
	if c.reconnecting || c.closed {
		c.connMu.Unlock()
		return
	}
	c.reconnecting = true
	c.connMu.Unlock()
	defer func() {
		c.connMu.Lock()
		c.reconnecting = false
		c.connMu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = reconnectMaxInterval
	bo.MaxElapsedTime = 0

	attempt := func() error {
		c.connMu.Lock()
		defer c.connMu.Unlock()
		if c.closed {
			return backoff.Permanent(errConnectorClosed)
		}
		if c.conn != nil {
			return nil
		}
		if c.client.AuthLatched() {
			return backoff.Permanent(ErrAuth)
		}

		conn, err := c.handshake(c.ctx)
		if err != nil {
			if c.client.AuthLatched() {
				return backoff.Permanent(ErrAuth)
			}
			return err
		}
		if err := c.resubscribeAll(conn); err != nil {
			_ = conn.Close(websocket.StatusInternalError, "")
			return err
		}
		c.conn = conn
		go c.readLoop(conn)
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithMaxRetries(bo, reconnectAttempts-1))
	if err == nil {
		c.logger.Info("Log stream reconnected")
		return
	}

	c.logger.Error("Log stream reconnect failed; dropping subscriptions", "error", err)
	c.mu.Lock()
	streams := c.subs
	c.subs = make(map[string]*LogStream)
	c.mu.Unlock()
	for _, st := range streams {
		st.markDone()
	}
}

func (c *Connector) resubscribeAll(conn *websocket.Conn) error {
	c.mu.Lock()
	streams := make([]*LogStream, 0, len(c.subs))
	for _, st := range c.subs {
		streams = append(streams, st)
	}
	c.mu.Unlock()

	for _, st := range streams {
		if err := c.sendSubscribe(conn, st); err != nil {
			return fmt.Errorf("resubscribe deployment %s: %w", st.deploymentID, err)
		}
	}
	return nil
}

func (c *Connector) sendSubscribe(conn *websocket.Conn, st *LogStream) error {
	payload, err := json.Marshal(map[string]any{
		"query": logsSubscription,
		"variables": map[string]any{
			"deploymentId": st.deploymentID,
		},
	})
	if err != nil {
		return fmt.Errorf("encode subscribe payload: %w", err)
	}
	return c.writeMessage(conn, wsMessage{ID: st.id, Type: "subscribe", Payload: payload})
}

// dispatchNext delivers one batch to its stream. The send blocks until the
// consumer drains, the stream ends, or the connector shuts down; consumers
// are expected to drain promptly.
func (c *Connector) dispatchNext(msg wsMessage) {
	c.mu.Lock()
	st := c.subs[msg.ID]
	c.mu.Unlock()
	if st == nil {
		return
	}

	var payload struct {
		Data struct {
			DeploymentLogs []LogLine `json:"deploymentLogs"`
		} `json:"data"`
	}
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Warn("Invalid log batch payload",
			"deployment_id", st.deploymentID, "error", err)
		return
	}
	if len(payload.Data.DeploymentLogs) == 0 {
		return
	}

	select {
	case st.batches <- payload.Data.DeploymentLogs:
	case <-st.done:
	case <-c.ctx.Done():
	}
}

func (c *Connector) handleSubscriptionError(msg wsMessage) {
	var gqlErrors []graphQLError
	_ = json.Unmarshal(msg.Payload, &gqlErrors)

	reason := "subscription error"
	if len(gqlErrors) > 0 {
		reason = gqlErrors[0].Message
		if isAuthMessage(reason) {
			c.client.latchAuth("subscription error: " + reason)
		}
	}

	c.mu.Lock()
	st := c.subs[msg.ID]
	c.mu.Unlock()
	if st != nil {
		c.logger.Warn("Subscription errored",
			"deployment_id", st.deploymentID, "reason", reason)
	}
	c.completeStream(msg.ID)
}

// completeStream ends a stream from the read loop, which is the only
// goroutine allowed to close the batches channel.
func (c *Connector) completeStream(id string) {
	st := c.removeStream(id)
	if st == nil {
		return
	}
	st.markDone()
	close(st.batches)
}

func (c *Connector) removeStream(id string) *LogStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.subs[id]
	delete(c.subs, id)
	return st
}

// unsubscribe handles consumer-initiated closes: drop the registration and
// tell the platform, best effort.
func (c *Connector) unsubscribe(id string) {
	if c.removeStream(id) == nil {
		return
	}
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn != nil {
		_ = c.writeMessage(conn, wsMessage{ID: id, Type: "complete"})
	}
}

func (c *Connector) writeMessage(conn *websocket.Conn, msg wsMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// classifyWSError latches the auth flag when the platform closes the
// socket with an auth-shaped status code.
func (c *Connector) classifyWSError(err error) {
	if err == nil {
		return
	}
	switch websocket.CloseStatus(err) {
	case 4401, 4403:
		c.client.latchAuth(fmt.Sprintf("websocket close status %d", websocket.CloseStatus(err)))
	}
}
