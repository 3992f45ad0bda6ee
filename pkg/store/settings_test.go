package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errlyhq/errly/pkg/models"
)

func TestSettings_SetAndGet(t *testing.T) {
	ctx := context.Background()
	settings := NewSettingsStore(newTestDB(t))

	require.NoError(t, settings.Set(ctx, "greeting", `"hello"`))
	value, err := settings.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, `"hello"`, value)

	// Upsert replaces.
	require.NoError(t, settings.Set(ctx, "greeting", `"goodbye"`))
	value, err = settings.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, `"goodbye"`, value)

	_, err = settings.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = settings.Set(ctx, "", "x")
	assert.True(t, IsValidationError(err))
}

func TestSettings_RetentionDays(t *testing.T) {
	ctx := context.Background()
	settings := NewSettingsStore(newTestDB(t))

	assert.Equal(t, DefaultRetentionDays, settings.RetentionDays(ctx), "missing key falls back to default")

	require.NoError(t, settings.Set(ctx, models.SettingRetentionDays, "14"))
	assert.Equal(t, 14, settings.RetentionDays(ctx))

	// JSON-quoted numbers are tolerated.
	require.NoError(t, settings.Set(ctx, models.SettingRetentionDays, `"30"`))
	assert.Equal(t, 30, settings.RetentionDays(ctx))

	require.NoError(t, settings.Set(ctx, models.SettingRetentionDays, "0"))
	assert.Equal(t, MinRetentionDays, settings.RetentionDays(ctx), "clamped to minimum")

	require.NoError(t, settings.Set(ctx, models.SettingRetentionDays, "365"))
	assert.Equal(t, MaxRetentionDays, settings.RetentionDays(ctx), "clamped to maximum")

	require.NoError(t, settings.Set(ctx, models.SettingRetentionDays, "not-a-number"))
	assert.Equal(t, DefaultRetentionDays, settings.RetentionDays(ctx))
}

func TestSettings_WebhookURLAndToken(t *testing.T) {
	ctx := context.Background()
	settings := NewSettingsStore(newTestDB(t))

	assert.Empty(t, settings.WebhookURL(ctx))
	require.NoError(t, settings.Set(ctx, models.SettingWebhookURL, `"https://hooks.example.com/errly"`))
	assert.Equal(t, "https://hooks.example.com/errly", settings.WebhookURL(ctx))

	assert.Empty(t, settings.IngestToken(ctx))
	require.NoError(t, settings.Set(ctx, models.SettingIngestToken, "raw-secret"))
	assert.Equal(t, "raw-secret", settings.IngestToken(ctx), "raw values are accepted as-is")
}

func TestSettings_ServiceAliases(t *testing.T) {
	ctx := context.Background()
	settings := NewSettingsStore(newTestDB(t))

	assert.Nil(t, settings.ServiceAliases(ctx))

	require.NoError(t, settings.Set(ctx, models.SettingServiceAliases,
		`{"api":"Public API","worker":"Background Worker"}`))
	aliases := settings.ServiceAliases(ctx)
	require.NotNil(t, aliases)
	assert.Equal(t, "Public API", aliases["api"])
}
