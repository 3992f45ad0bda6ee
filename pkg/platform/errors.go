package platform

import "errors"

// Sentinel errors for the request-refusal and response-classification
// paths. Callers test with errors.Is; anything else coming out of the
// client is a transport failure already recorded against the breaker.
var (
	// ErrBreakerOpen means the call was refused locally because the
	// circuit breaker is open (or the half-open probe slot is taken).
	ErrBreakerOpen = errors.New("platform circuit breaker open")

	// ErrAuth means the platform rejected our credentials (401/403 or an
	// in-band unauthorized error), or the sticky auth latch is set from an
	// earlier rejection. Requests stay disabled until the operator
	// supplies a new token.
	ErrAuth = errors.New("platform authentication rejected")

	// ErrRateLimited means the platform returned 429 or the tracked
	// rate-limit budget is exhausted until its reset time.
	ErrRateLimited = errors.New("platform rate limited")
)
