// Package webhook posts new-error notifications to a user-configured URL.
// Because the target is user-supplied, every dispatch passes an SSRF guard:
// only http/https, no private or reserved hosts, re-checked after DNS
// resolution to defeat rebinding.
package webhook

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateURL checks that a webhook target is structurally safe: http or
// https scheme and a hostname that is not localhost or a literal private,
// loopback, link-local, or unspecified address.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("webhook URL is empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https, got %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("webhook URL has no host")
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("webhook host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil && isBlockedIP(ip) {
		return fmt.Errorf("webhook host %s is a private or reserved address", host)
	}

	return nil
}

// isBlockedIP reports whether an address must never be a webhook target:
// loopback (127/8, ::1), RFC1918 + ULA (10/8, 172.16/12, 192.168/16,
// fc00::/7), link-local (169.254/16, fe80::/10), and the 0/8 block.
func isBlockedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
		return true
	}
	if v4 := ip.To4(); v4 != nil && v4[0] == 0 {
		return true
	}
	return false
}
