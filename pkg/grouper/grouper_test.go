package grouper

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errlyhq/errly/pkg/database"
	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/store"
	"github.com/errlyhq/errly/pkg/webhook"
)

type fixture struct {
	grouper  *Grouper
	groups   *store.GroupStore
	settings *store.SettingsStore
	hookHits *atomic.Int32
}

type staticResolver struct{ ip string }

func (r staticResolver) LookupIPAddr(_ context.Context, _ string) ([]net.IPAddr, error) {
	return []net.IPAddr{{IP: net.ParseIP(r.ip)}}, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client, err := database.NewClient(context.Background(), database.Config{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	hits := &atomic.Int32{}
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "new-error", body["type"])
		hits.Add(1)
	}))
	t.Cleanup(hookSrv.Close)

	// Hostname looks public; dials are rewritten to the local hook server.
	hookClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("tcp", hookSrv.Listener.Addr().String())
			},
		},
	}
	notifier := webhook.NewNotifierWithClient(hookClient, staticResolver{ip: "93.184.216.34"})

	groups := store.NewGroupStore(client.DB())
	settings := store.NewSettingsStore(client.DB())
	return &fixture{
		grouper:  New(groups, settings, notifier),
		groups:   groups,
		settings: settings,
		hookHits: hits,
	}
}

func testEvent(service, message string) *models.ErrorEvent {
	return &models.ErrorEvent{
		Service:  service,
		Message:  message,
		Severity: models.SeverityError,
		RawLog:   message,
		Source:   models.SourceAutoCapture,
	}
}

func TestProcess_CreatesThenDeduplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := testEvent("api", "TypeError: cannot read properties of undefined")
	ev.StackTrace = "    at handler (/app/src/index.js:10:5)\n    at Layer.handle (/app/node_modules/express/lib/router/layer.js:95:5)"

	first, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.Equal(t, 1, first.Group.OccurrenceCount)

	second, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Group.ID, second.Group.ID)
	assert.Equal(t, 2, second.Group.OccurrenceCount)
}

func TestProcess_NormalizationCollapsesVolatileFrames(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := testEvent("api", "dial tcp: connection refused")
	a.StackTrace = "goroutine 17 [running]:\nmain.fetch(0xc000123456)\n\t/app/cmd/api/main.go:42 +0x1a"
	b := testEvent("api", "dial tcp: connection refused")
	b.StackTrace = "goroutine 93 [running]:\nmain.fetch(0xc000abcdef)\n\t/app/cmd/api/main.go:42 +0x1a"

	ra, err := f.grouper.Process(ctx, a)
	require.NoError(t, err)
	rb, err := f.grouper.Process(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ra.Group.ID, rb.Group.ID, "goroutine ids and pointers must not split groups")
}

func TestProcess_SeverityEscalatesAcrossOccurrences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := testEvent("api", "worker crashed")
	_, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)

	ev.Severity = models.SeverityFatal
	res, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityFatal, res.Group.Severity)

	ev.Severity = models.SeverityWarn
	res, err = f.grouper.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityFatal, res.Group.Severity, "severity never downgrades")
}

func TestProcess_ValidatesAndDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.grouper.Process(ctx, testEvent("", "boom"))
	assert.True(t, store.IsValidationError(err))

	_, err = f.grouper.Process(ctx, testEvent("api", ""))
	assert.True(t, store.IsValidationError(err))

	ev := testEvent("api", "boom")
	ev.Severity = ""
	res, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, models.SeverityError, res.Group.Severity)
}

func TestProcess_WebhookFiresOncePerGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.settings.Set(ctx, models.SettingWebhookURL, `"http://hooks.example.com/errly"`))

	ev := testEvent("api", "boom")
	_, err := f.grouper.Process(ctx, ev)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.hookHits.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "first occurrence posts the webhook")

	_, err = f.grouper.Process(ctx, ev)
	require.NoError(t, err)

	// Recurrences stay silent.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, f.hookHits.Load())
}

func TestProcess_WebhookFailureDoesNotAffectResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Guard rejects the target; processing must succeed anyway.
	require.NoError(t, f.settings.Set(ctx, models.SettingWebhookURL, `"http://127.0.0.1:1/hook"`))

	res, err := f.grouper.Process(ctx, testEvent("api", "boom"))
	require.NoError(t, err)
	assert.True(t, res.IsNew)
}

func TestProcessedLastMinute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Zero(t, f.grouper.ProcessedLastMinute())
	for i := 0; i < 3; i++ {
		_, err := f.grouper.Process(ctx, testEvent("api", "boom"))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, f.grouper.ProcessedLastMinute())
}
