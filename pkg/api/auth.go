package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// sessionCookie carries the raw session token; only its hash is stored.
const sessionCookie = "errly_session"

// hashToken hex-encodes the SHA-256 of a raw token, matching the session
// store's key format.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// secureCompare reports whether two secrets match. Both sides are hashed
// first so the constant-time comparison always sees equal-length inputs.
func secureCompare(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}
