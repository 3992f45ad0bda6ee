package models

// Session is an authenticated dashboard session. The ID is the SHA-256 hex
// of the random token held in the client cookie; the raw token is never
// persisted, so lookups are always by hash.
type Session struct {
	ID        string `db:"id" json:"id"`
	ExpiresAt int64  `db:"expires_at" json:"expiresAt"`
}

// Expired reports whether the session has passed its expiry at the given
// epoch-milliseconds instant.
func (s *Session) Expired(nowMs int64) bool {
	return nowMs >= s.ExpiresAt
}
