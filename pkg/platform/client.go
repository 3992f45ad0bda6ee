// Package platform is the transport layer for the host platform's GraphQL
// API: unary queries for discovery plus long-lived log subscriptions. All
// outbound traffic funnels through one circuit breaker, one rate-limit
// tracker, and one sticky auth latch so the rest of the service never
// hot-loops against a failing or hostile upstream.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/errlyhq/errly/pkg/version"
)

const (
	// DefaultEndpoint is the platform's GraphQL API.
	DefaultEndpoint = "https://backboard.railway.com/graphql/v2"

	// requestTimeout is the hard cap on any unary call.
	requestTimeout = 30 * time.Second

	// Breaker tuning: trip after five consecutive transient failures, stay
	// open for a minute, then allow a single probe.
	breakerFailureThreshold = 5
	defaultBreakerTimeout   = 60 * time.Second
)

// Config for the platform client.
type Config struct {
	Token    string
	Endpoint string // DefaultEndpoint when empty

	// BreakerTimeout overrides the open-state duration; zero means the
	// default of one minute.
	BreakerTimeout time.Duration

	HTTPClient *http.Client // defaults to a client with the 30s timeout
}

// Client issues unary GraphQL requests. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string
	token      string
	breaker    *gobreaker.CircuitBreaker
	rate       *RateTracker
	authErr    atomic.Bool
	logger     *slog.Logger
}

// NewClient builds a client around one breaker and one rate tracker; both
// live exactly as long as the client.
func NewClient(cfg Config) *Client {
	logger := slog.Default().With("component", "platform")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}

	c := &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		token:      cfg.Token,
		rate:       NewRateTracker(),
		logger:     logger,
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "platform-api",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
		// Auth rejections latch instead of tripping the breaker, so they
		// must not count as transient failures.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAuth)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed",
				"from", stateToString(from), "to", stateToString(to))
		},
	})

	return c
}

// Breaker states as reported by BreakerState.
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// stateToString converts gobreaker.State to a human-readable string.
func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return BreakerClosed
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return "unknown"
	}
}

// BreakerState returns the breaker state for diagnostics.
func (c *Client) BreakerState() string {
	return stateToString(c.breaker.State())
}

// RateInfo returns the tracked rate-limit budget.
func (c *Client) RateInfo() RateInfo {
	return c.rate.Snapshot()
}

// AuthLatched reports whether the sticky auth latch is set.
func (c *Client) AuthLatched() bool {
	return c.authErr.Load()
}

// ClearAuthLatch re-enables platform calls after the operator has updated
// the token on this client's config source.
func (c *Client) ClearAuthLatch() {
	if c.authErr.CompareAndSwap(true, false) {
		c.logger.Info("Auth latch cleared; platform calls re-enabled")
	}
}

func (c *Client) latchAuth(reason string) {
	if c.authErr.CompareAndSwap(false, true) {
		c.logger.Error("Platform authentication failed; calls disabled until the token is updated",
			"reason", reason)
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// execute runs one GraphQL query with the full refusal chain: breaker
// first, then the auth latch, then the rate-limit budget.
func (c *Client) execute(ctx context.Context, query string, variables map[string]any, out any) error {
	if c.breaker.State() == gobreaker.StateOpen {
		return ErrBreakerOpen
	}
	if c.AuthLatched() {
		return fmt.Errorf("requests disabled by auth latch: %w", ErrAuth)
	}
	if c.rate.IsRateLimited() {
		return ErrRateLimited
	}

	_, err := c.breaker.Execute(func() (any, error) {
		return nil, c.post(ctx, query, variables, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBreakerOpen
	}
	return err
}

// post performs the HTTP round trip and classifies the response. Transport
// failures, 5xx, 429, and non-auth 4xx all surface as errors the breaker
// counts; 401/403 and in-band auth rejections set the latch instead.
func (c *Client) post(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.Full())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform request: %w", err)
	}
	defer resp.Body.Close()

	c.rate.Observe(resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.latchAuth(fmt.Sprintf("status %d", resp.StatusCode))
		return fmt.Errorf("status %d: %w", resp.StatusCode, ErrAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status 429: %w", ErrRateLimited)
	case resp.StatusCode >= 500:
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("platform returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var gqlResp graphQLResponse
	if err := json.Unmarshal(raw, &gqlResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if len(gqlResp.Errors) > 0 {
		msg := gqlResp.Errors[0].Message
		if isAuthMessage(msg) {
			c.latchAuth("graphql error: " + msg)
			return fmt.Errorf("graphql error %q: %w", msg, ErrAuth)
		}
		return fmt.Errorf("graphql error: %s", msg)
	}

	if out != nil {
		if err := json.Unmarshal(gqlResp.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// isAuthMessage detects in-band auth rejections that arrive with a 200.
func isAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden") ||
		strings.Contains(lower, "authentication")
}
