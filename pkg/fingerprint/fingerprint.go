// Package fingerprint derives the stable content hash that keys an error
// group. Stack traces are normalized before hashing so that logical errors
// stay grouped across redeploys, hosts, and process restarts.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// rule is one normalization step: every match of Regex is replaced with
// Replacement. Rules run in declaration order.
type rule struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// replacementRules strip volatile tokens that differ between occurrences of
// the same logical error. Order matters: UUIDs and timestamps are replaced
// before the bare-integer rule so their digit runs are not half-eaten.
var replacementRules = []rule{
	{
		Name:        "uuid",
		Regex:       regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`),
		Replacement: "<uuid>",
	},
	{
		Name:        "iso_timestamp",
		Regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),
		Replacement: "<timestamp>",
	},
	{
		Name:        "datetime",
		Regex:       regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?`),
		Replacement: "<timestamp>",
	},
	{
		Name:        "epoch",
		Regex:       regexp.MustCompile(`\b\d{10,13}\b`),
		Replacement: "<timestamp>",
	},
	{
		Name:        "hex_address",
		Regex:       regexp.MustCompile(`0[xX][0-9a-fA-F]{4,}`),
		Replacement: "<addr>",
	},
	{
		Name:        "pid",
		Regex:       regexp.MustCompile(`\bpid=\d+`),
		Replacement: "pid=<pid>",
	},
	{
		Name:        "thread_id",
		Regex:       regexp.MustCompile(`\bthread-\d+`),
		Replacement: "thread-<tid>",
	},
	{
		Name:        "goroutine_id",
		Regex:       regexp.MustCompile(`\bgoroutine \d+\b`),
		Replacement: "goroutine <id>",
	},
	{
		Name:        "localhost_port",
		Regex:       regexp.MustCompile(`\blocalhost:\d+`),
		Replacement: "localhost:<port>",
	},
	{
		Name:        "node_internal_line",
		Regex:       regexp.MustCompile(`(node:internal(?:/[\w.\-]+)+):\d+(?::\d+)?`),
		Replacement: "$1",
	},
}

// Path reduction keeps only the basename so absolute install locations do
// not split groups. node:internal pseudo-paths keep their full module path
// because the basename alone (e.g. "task_queues") is too ambiguous.
var (
	posixPathRegex   = regexp.MustCompile(`(?:node:)?/*[\w.\-]*(?:/+[\w.\-]+)+`)
	windowsPathRegex = regexp.MustCompile(`[A-Za-z]:(?:\\+[\w.\- ]+)+|(?:\\+[\w.\-]+){2,}`)
)

// Line/column suffixes that survive basename reduction, e.g. "app.ts:10:5"
// or a bare ":123:45)" inside a frame without a recognizable file name.
var (
	fileLineRegex  = regexp.MustCompile(`\b([\w\-]+\.[A-Za-z]{1,4}):\d+(?::\d+)?`)
	frameLineRegex = regexp.MustCompile(`:\d+(?::\d+)?\)`)
)

// Normalize rewrites a stack trace into its location-independent form.
// It is idempotent: applying it to already-normalized text is a no-op.
func Normalize(stack string) string {
	if stack == "" {
		return ""
	}

	out := stack
	for _, r := range replacementRules {
		out = r.Regex.ReplaceAllString(out, r.Replacement)
	}

	out = posixPathRegex.ReplaceAllStringFunc(out, func(m string) string {
		if strings.HasPrefix(m, "node:") {
			return m
		}
		if i := strings.LastIndexByte(m, '/'); i >= 0 {
			return m[i+1:]
		}
		return m
	})
	out = windowsPathRegex.ReplaceAllStringFunc(out, func(m string) string {
		if i := strings.LastIndexByte(m, '\\'); i >= 0 {
			return m[i+1:]
		}
		return m
	})

	out = fileLineRegex.ReplaceAllString(out, "$1")
	out = frameLineRegex.ReplaceAllString(out, ")")

	return out
}

// Compute returns the hex SHA-256 fingerprint for an error event. The three
// fields are joined with a NUL byte so that ("a", "bc") and ("ab", "c") can
// never collide. An absent stack hashes as the empty string.
func Compute(service, message, stack string) string {
	h := sha256.New()
	h.Write([]byte(service))
	h.Write([]byte{0})
	h.Write([]byte(message))
	h.Write([]byte{0})
	h.Write([]byte(Normalize(stack)))
	return hex.EncodeToString(h.Sum(nil))
}
