package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/errlyhq/errly/pkg/models"
	"github.com/errlyhq/errly/pkg/push"
)

// recvFrame waits for one push frame on a subscribed hub client and decodes
// its payload.
func recvFrame(t *testing.T, client *push.Client) models.PushEvent {
	t.Helper()
	select {
	case raw := <-client.Frames():
		payload := bytes.TrimSpace(bytes.TrimPrefix(raw, []byte("data: ")))
		var ev models.PushEvent
		require.NoError(t, json.Unmarshal(payload, &ev), "frame: %s", raw)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push frame")
		return models.PushEvent{}
	}
}

func requireNoFrame(t *testing.T, client *push.Client) {
	t.Helper()
	select {
	case raw := <-client.Frames():
		t.Fatalf("unexpected push frame: %s", raw)
	default:
	}
}

func TestListErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined", Severity: models.SeverityError})
	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "retrying gateway", Severity: models.SeverityWarn})
	env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed", Severity: models.SeverityFatal})

	t.Run("all groups", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		assert.Equal(t, 3, list.TotalCount)
		assert.Len(t, list.Groups, 3)
	})

	t.Run("service filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?service=checkout", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		assert.Equal(t, 2, list.TotalCount)
		for _, g := range list.Groups {
			assert.Equal(t, "checkout", g.Service)
		}
	})

	t.Run("severity filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?severity=warn", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		require.Len(t, list.Groups, 1)
		assert.Equal(t, "retrying gateway", list.Groups[0].Message)
	})

	t.Run("search filter", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?search=invoice", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		require.Len(t, list.Groups, 1)
		assert.Equal(t, "billing", list.Groups[0].Service)
	})

	t.Run("pagination", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?limit=1&offset=1", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		assert.Equal(t, 3, list.TotalCount)
		assert.Len(t, list.Groups, 1)
		assert.Equal(t, 1, list.Limit)
		assert.Equal(t, 1, list.Offset)
	})

	t.Run("invalid severity", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?severity=catastrophic", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid severity")
	})

	t.Run("invalid status", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?status=done", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid status")
	})

	t.Run("invalid time range", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?timeRange=90d", token, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid timeRange")
	})

	t.Run("malformed limit ignored", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/api/errors?limit=banana", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		list := decodeBody[models.GroupList](t, rec)
		assert.Len(t, list.Groups, 3)
	})
}

func TestGetError(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	group := env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})

	rec := env.do(t, http.MethodGet, "/api/errors/"+group.ID, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decodeBody[models.ErrorGroup](t, rec)
	assert.Equal(t, group.ID, got.ID)
	assert.Equal(t, group.Fingerprint, got.Fingerprint)
	assert.Equal(t, 1, got.OccurrenceCount)

	rec = env.do(t, http.MethodGet, "/api/errors/no-such-id", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "resource not found")
}

func TestRelatedErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	anchor := env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})
	sibling := env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed"})

	rec := env.do(t, http.MethodGet, "/api/errors/"+anchor.ID+"/related?window=5", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	related := decodeBody[RelatedResponse](t, rec)
	require.Len(t, related.Errors, 1)
	assert.Equal(t, sibling.ID, related.Errors[0].ID)

	rec = env.do(t, http.MethodGet, "/api/errors/no-such-id/related", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined", Severity: models.SeverityError})
	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined", Severity: models.SeverityError})
	env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed", Severity: models.SeverityFatal})

	rec := env.do(t, http.MethodGet, "/api/errors/stats", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats := decodeBody[models.Stats](t, rec)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.BySeverity["error"])
	assert.Equal(t, 1, stats.BySeverity["fatal"])
	assert.Equal(t, 1, stats.ByService["checkout"])
}

func TestServices(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})
	env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed"})
	require.NoError(t, env.settings.Set(context.Background(), models.SettingServiceAliases, `{"checkout":"Checkout API"}`))

	rec := env.do(t, http.MethodGet, "/api/errors/services", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ServicesResponse](t, rec)
	require.Len(t, resp.Services, 2)

	byName := map[string]string{}
	for _, svc := range resp.Services {
		byName[svc.Name] = svc.DisplayName
	}
	assert.Equal(t, "Checkout API", byName["checkout"])
	assert.Equal(t, "billing", byName["billing"])
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)
	group := env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})

	client, err := env.hub.Subscribe("sess-1")
	require.NoError(t, err)
	defer env.hub.Unsubscribe(client)

	rec := env.do(t, http.MethodPatch, "/api/errors/"+group.ID+"/status", token,
		UpdateStatusRequest{Status: "investigating"})
	require.Equal(t, http.StatusOK, rec.Code)

	updated := decodeBody[models.ErrorGroup](t, rec)
	assert.Equal(t, models.StatusInvestigating, updated.Status)
	require.NotNil(t, updated.StatusChangedAt)

	frame := recvFrame(t, client)
	assert.Equal(t, models.PushErrorUpdated, frame.Type)
	require.NotNil(t, frame.Error)
	assert.Equal(t, group.ID, frame.Error.ID)

	t.Run("unknown status", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/errors/"+group.ID+"/status", token,
			UpdateStatusRequest{Status: "done"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown group", func(t *testing.T) {
		rec := env.do(t, http.MethodPatch, "/api/errors/no-such-id/status", token,
			UpdateStatusRequest{Status: "resolved"})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteErrors(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	keep := env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})
	gone := env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed"})

	client, err := env.hub.Subscribe("sess-1")
	require.NoError(t, err)
	defer env.hub.Unsubscribe(client)

	t.Run("missing ids", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/errors/delete", token, DeleteRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "ids are required")
	})

	t.Run("too many ids", func(t *testing.T) {
		ids := make([]string, maxDeleteBatch+1)
		for i := range ids {
			ids[i] = fmt.Sprintf("id-%d", i)
		}
		rec := env.do(t, http.MethodPost, "/api/errors/delete", token, DeleteRequest{IDs: ids})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "too many ids")
	})

	t.Run("deletes and broadcasts", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/errors/delete", token, DeleteRequest{IDs: []string{gone.ID}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, decodeBody[DeleteResponse](t, rec).Deleted)

		frame := recvFrame(t, client)
		assert.Equal(t, models.PushErrorCleared, frame.Type)
		assert.Equal(t, []string{gone.ID}, frame.IDs)

		rec = env.do(t, http.MethodGet, "/api/errors/"+gone.ID, token, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		rec = env.do(t, http.MethodGet, "/api/errors/"+keep.ID, token, nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unknown ids delete nothing", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/errors/delete", token, DeleteRequest{IDs: []string{"no-such-id"}})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, decodeBody[DeleteResponse](t, rec).Deleted)
		requireNoFrame(t, client)
	})
}

func TestDeleteAll(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t)

	env.seed(t, models.ErrorEvent{Service: "checkout", Message: "payment declined"})
	env.seed(t, models.ErrorEvent{Service: "billing", Message: "invoice job crashed"})

	client, err := env.hub.Subscribe("sess-1")
	require.NoError(t, err)
	defer env.hub.Unsubscribe(client)

	t.Run("requires confirmation", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/errors/delete-all", token, DeleteAllRequest{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "confirmation required")
		requireNoFrame(t, client)
	})

	t.Run("clears everything", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/api/errors/delete-all", token, DeleteAllRequest{Confirm: true})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 2, decodeBody[DeleteResponse](t, rec).Deleted)

		frame := recvFrame(t, client)
		assert.Equal(t, models.PushBulkCleared, frame.Type)

		rec = env.do(t, http.MethodGet, "/api/errors", token, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 0, decodeBody[models.GroupList](t, rec).TotalCount)
	})
}

// doIngest posts to the ingestion endpoint with the shared-secret header.
func (e *testEnv) doIngest(t *testing.T, ingestToken string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/errors", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if ingestToken != "" {
		req.Header.Set("X-Errly-Token", ingestToken)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) configureIngest(t *testing.T, token string) {
	t.Helper()
	value, err := json.Marshal(token)
	require.NoError(t, err)
	require.NoError(t, e.settings.Set(context.Background(), models.SettingIngestToken, string(value)))
}

func TestIngest(t *testing.T) {
	env := newTestEnv(t)

	t.Run("not configured", func(t *testing.T) {
		rec := env.doIngest(t, "anything", IngestRequest{Service: "sdk", Message: "boom"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "not configured")
	})

	env.configureIngest(t, "sekret")

	t.Run("missing token", func(t *testing.T) {
		rec := env.doIngest(t, "", IngestRequest{Service: "sdk", Message: "boom"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		rec := env.doIngest(t, "guess", IngestRequest{Service: "sdk", Message: "boom"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid token")
	})

	t.Run("missing service", func(t *testing.T) {
		rec := env.doIngest(t, "sekret", IngestRequest{Message: "boom"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "service")
	})

	t.Run("creates then deduplicates", func(t *testing.T) {
		client, err := env.hub.Subscribe("sess-1")
		require.NoError(t, err)
		defer env.hub.Unsubscribe(client)

		payload := IngestRequest{
			Service:    "sdk",
			Message:    "TypeError: x is undefined",
			StackTrace: "TypeError: x is undefined\n    at render (app.js:10:5)",
		}

		rec := env.doIngest(t, "sekret", payload)
		require.Equal(t, http.StatusCreated, rec.Code)
		first := decodeBody[IngestResponse](t, rec)
		assert.True(t, first.IsNew)
		assert.NotEmpty(t, first.ID)
		assert.NotEmpty(t, first.Fingerprint)
		assert.Equal(t, models.PushNewError, recvFrame(t, client).Type)

		rec = env.doIngest(t, "sekret", payload)
		require.Equal(t, http.StatusCreated, rec.Code)
		second := decodeBody[IngestResponse](t, rec)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.Fingerprint, second.Fingerprint)
		assert.Equal(t, models.PushErrorUpdated, recvFrame(t, client).Type)

		group, err := env.groups.GetByID(context.Background(), first.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, group.OccurrenceCount)
		assert.Equal(t, models.SourceDirect, group.Source)
	})

	t.Run("defaults severity to error", func(t *testing.T) {
		rec := env.doIngest(t, "sekret", IngestRequest{Service: "sdk", Message: "no severity given"})
		require.Equal(t, http.StatusCreated, rec.Code)

		resp := decodeBody[IngestResponse](t, rec)
		group, err := env.groups.GetByID(context.Background(), resp.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SeverityError, group.Severity)
	})

	t.Run("oversized body", func(t *testing.T) {
		rec := env.doIngest(t, "sekret", IngestRequest{
			Service: "sdk",
			Message: strings.Repeat("x", maxIngestBodyBytes+1),
		})
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})
}

func TestIngestRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.configureIngest(t, "sekret")
	env.server.limiter = newIPLimiter(2)

	payload := IngestRequest{Service: "sdk", Message: "boom"}
	for i := 0; i < 2; i++ {
		rec := env.doIngest(t, "sekret", payload)
		require.Equal(t, http.StatusCreated, rec.Code, "request %d", i)
	}

	rec := env.doIngest(t, "sekret", payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")
}
