package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/errlyhq/errly/pkg/models"
)

// SessionStore manages dashboard session persistence. Session ids are the
// SHA-256 hex of the cookie token; raw tokens never reach this layer.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore creates a new SessionStore
func NewSessionStore(db *sqlx.DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create stores a session under its token hash.
func (s *SessionStore) Create(ctx context.Context, tokenHash string, expiresAt int64) (*models.Session, error) {
	if tokenHash == "" {
		return nil, NewValidationError("id", "required")
	}
	session := &models.Session{ID: tokenHash, ExpiresAt: expiresAt}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO sessions (id, expires_at) VALUES (:id, :expires_at)`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	return session, nil
}

// Get looks up a session by token hash.
func (s *SessionStore) Get(ctx context.Context, tokenHash string) (*models.Session, error) {
	var session models.Session
	err := s.db.GetContext(ctx, &session,
		`SELECT id, expires_at FROM sessions WHERE id = ?`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return &session, nil
}

// Delete removes a single session.
func (s *SessionStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteExpired removes sessions whose expiry has passed and reports how
// many were pruned.
func (s *SessionStore) DeleteExpired(ctx context.Context, now int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	return deleted, nil
}

// DeleteAll removes every session, forcing all dashboards to re-authenticate.
func (s *SessionStore) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete sessions: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read delete count: %w", err)
	}
	return deleted, nil
}
