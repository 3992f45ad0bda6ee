package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/errlyhq/errly/pkg/models"
)

// Retention horizon bounds in days.
const (
	DefaultRetentionDays = 7
	MinRetentionDays     = 1
	MaxRetentionDays     = 90
)

// SettingsStore manages the string-keyed settings table. Values are stored
// as JSON text; the typed helpers tolerate both JSON and raw values so a
// hand-edited database still loads.
type SettingsStore struct {
	db *sqlx.DB
}

// NewSettingsStore creates a new SettingsStore
func NewSettingsStore(db *sqlx.DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the raw stored value for a key.
func (s *SettingsStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to query setting %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a key/value pair.
func (s *SettingsStore) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return NewValidationError("key", "required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to store setting %s: %w", key, err)
	}
	return nil
}

// RetentionDays returns the prune horizon, clamped to 1–90 days. Missing or
// unparseable values fall back to the 7-day default.
func (s *SettingsStore) RetentionDays(ctx context.Context) int {
	raw, err := s.Get(ctx, models.SettingRetentionDays)
	if err != nil {
		return DefaultRetentionDays
	}

	days, ok := parseIntValue(raw)
	if !ok {
		return DefaultRetentionDays
	}
	if days < MinRetentionDays {
		return MinRetentionDays
	}
	if days > MaxRetentionDays {
		return MaxRetentionDays
	}
	return days
}

// WebhookURL returns the new-error webhook target, or "" when unset.
func (s *SettingsStore) WebhookURL(ctx context.Context) string {
	raw, err := s.Get(ctx, models.SettingWebhookURL)
	if err != nil {
		return ""
	}
	return parseStringValue(raw)
}

// IngestToken returns the shared secret for the direct ingestion API, or ""
// when direct ingestion is disabled.
func (s *SettingsStore) IngestToken(ctx context.Context) string {
	raw, err := s.Get(ctx, models.SettingIngestToken)
	if err != nil {
		return ""
	}
	return parseStringValue(raw)
}

// ServiceAliases returns the service → display-name map, or nil when unset.
func (s *SettingsStore) ServiceAliases(ctx context.Context) map[string]string {
	raw, err := s.Get(ctx, models.SettingServiceAliases)
	if err != nil {
		return nil
	}
	var aliases map[string]string
	if err := json.Unmarshal([]byte(raw), &aliases); err != nil {
		return nil
	}
	return aliases
}

// parseIntValue accepts a JSON number, a JSON-quoted number, or a bare
// integer string.
func parseIntValue(raw string) (int, bool) {
	var n int
	if err := json.Unmarshal([]byte(raw), &n); err == nil {
		return n, true
	}
	var str string
	if err := json.Unmarshal([]byte(raw), &str); err == nil {
		raw = str
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// parseStringValue unwraps a JSON-quoted string, else returns the raw text.
func parseStringValue(raw string) string {
	var str string
	if err := json.Unmarshal([]byte(raw), &str); err == nil {
		return str
	}
	return raw
}
