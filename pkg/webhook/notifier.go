package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/errlyhq/errly/pkg/models"
)

const notifyTimeout = 5 * time.Second

// Resolver looks up host addresses for the dispatch-time SSRF check.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// payload is the JSON body posted to the webhook target.
type payload struct {
	Type      string               `json:"type"`
	Error     *models.ErrorSummary `json:"error"`
	Timestamp int64                `json:"timestamp"`
}

// Notifier delivers new-error notifications. Delivery is best-effort; the
// caller decides whether to log failures.
type Notifier struct {
	client   *http.Client
	resolver Resolver
	logger   *slog.Logger
}

// NewNotifier creates a Notifier with the default HTTP client and resolver.
func NewNotifier() *Notifier {
	return NewNotifierWithClient(
		&http.Client{
			Timeout: notifyTimeout,
			// Redirects could point anywhere, including hosts the guard
			// rejected; refuse to follow them.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		net.DefaultResolver,
	)
}

// NewNotifierWithClient creates a Notifier backed by a pre-built HTTP client
// and resolver. Useful for testing with a mock server.
func NewNotifierWithClient(client *http.Client, resolver Resolver) *Notifier {
	return &Notifier{
		client:   client,
		resolver: resolver,
		logger:   slog.Default().With("component", "webhook"),
	}
}

// Notify posts a new-error notification to target. The URL is validated,
// then the host is resolved and every A/AAAA answer re-checked so a DNS
// record pointing at an internal address cannot smuggle the request in.
func (n *Notifier) Notify(ctx context.Context, target string, summary *models.ErrorSummary) error {
	if err := ValidateURL(target); err != nil {
		return err
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	host := parsed.Hostname()
	if net.ParseIP(host) == nil {
		addrs, err := n.resolver.LookupIPAddr(ctx, host)
		if err != nil {
			return fmt.Errorf("failed to resolve webhook host %s: %w", host, err)
		}
		for _, addr := range addrs {
			if isBlockedIP(addr.IP) {
				return fmt.Errorf("webhook host %s resolves to private address %s", host, addr.IP)
			}
		}
	}

	body, err := json.Marshal(payload{
		Type:      models.PushNewError,
		Error:     summary,
		Timestamp: models.NowMillis(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
