package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/database"
	"tasksync/internal/models"
	"tasksync/internal/repository"
	"tasksync/internal/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeWebhooks struct {
	validateErr error
	res         webhook.NotificationResult
	err         error
	got         *webhook.NotificationBatch
}

func (f *fakeWebhooks) ValidateBatch(*webhook.NotificationBatch) error { return f.validateErr }

func (f *fakeWebhooks) HandleNotification(_ context.Context, b *webhook.NotificationBatch) (webhook.NotificationResult, error) {
	f.got = b
	return f.res, f.err
}

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake(context.Context) { w.n.Add(1) }

const (
	adminKey  = "admin-key"
	readerKey = "reader-key"
)

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		HTTP:    config.APIHTTPConfig{Enabled: true},
		Auth: config.APIAuthConfig{
			Enabled: true,
			APIKeys: []config.APIClientKey{
				{Key: adminKey, Name: "ops"},
				{Key: readerKey, Name: "dashboard", Permissions: []string{PermReadQueue, PermReadStatus}},
			},
		},
	}
}

type httpFixture struct {
	db       *database.DB
	status   *repository.MemoryStatusRepository
	webhooks *fakeWebhooks
	waker    *countingWaker
	ts       *httptest.Server
	ctx      context.Context
}

func newHTTPFixture(t *testing.T, cfg config.APIConfig) *httpFixture {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "api.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	f := &httpFixture{
		db:       db,
		status:   repository.NewMemoryStatusRepository(),
		webhooks: &fakeWebhooks{},
		waker:    &countingWaker{},
		ctx:      context.Background(),
	}
	srv := NewHTTPServer(cfg, HTTPDeps{
		Store:       db,
		Webhooks:    f.webhooks,
		Status:      f.status,
		Waker:       f.waker,
		MaxAttempts: 3,
		Metrics:     true,
	}, nil)
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *httpFixture) do(t *testing.T, method, path, key string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, body)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (f *httpFixture) connect(t *testing.T, userID int64) {
	t.Helper()
	require.NoError(t, f.db.UpsertConnection(f.ctx, &models.Connection{
		UserID: userID, AccessTokenHandle: "a", RefreshTokenHandle: "r",
		AccessTokenExpiresAt: time.Now().Add(time.Hour), SyncEnabled: true,
	}))
}

func (f *httpFixture) failedJob(t *testing.T, userID int64, msg string) int64 {
	t.Helper()
	job := &models.SyncJob{UserID: userID, Action: models.ActionFullSync}
	require.NoError(t, f.db.InsertJob(f.ctx, job))
	claimed, err := f.db.ClaimPendingJobs(f.ctx, "tok", 10, time.Now())
	require.NoError(t, err)
	require.NotEmpty(t, claimed)
	require.NoError(t, f.db.FailJob(f.ctx, job.ID, "tok", msg, time.Now()))
	return job.ID
}

func TestHealthAndMetrics(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())

	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotificationValidationHandshake(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())

	resp := f.do(t, http.MethodPost, "/webhooks/notifications?validationToken=abc%20123", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "abc 123", string(body))
	assert.Nil(t, f.webhooks.got)
}

func TestNotificationBatchOutcomes(t *testing.T) {
	batch := `{"value":[{"subscriptionId":"s1","clientState":"x","changeType":"updated","resource":"me/todo/lists/L1/tasks/i1"}]}`

	t.Run("Accepted", func(t *testing.T) {
		f := newHTTPFixture(t, testAPIConfig())
		f.webhooks.res = webhook.NotificationResult{Accepted: 1, Enqueued: 1, Users: []int64{4}}

		resp := f.do(t, http.MethodPost, "/webhooks/notifications", "", strings.NewReader(batch))
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		var got webhook.NotificationResult
		decodeBody(t, resp, &got)
		assert.Equal(t, f.webhooks.res, got)
		require.NotNil(t, f.webhooks.got)
		assert.Equal(t, "s1", f.webhooks.got.Value[0].SubscriptionID)
	})

	t.Run("ClientStateMismatch", func(t *testing.T) {
		f := newHTTPFixture(t, testAPIConfig())
		f.webhooks.err = webhook.ErrClientStateMismatch
		resp := f.do(t, http.MethodPost, "/webhooks/notifications", "", strings.NewReader(batch))
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("StoreFailure", func(t *testing.T) {
		f := newHTTPFixture(t, testAPIConfig())
		f.webhooks.err = errors.New("database is locked")
		resp := f.do(t, http.MethodPost, "/webhooks/notifications", "", strings.NewReader(batch))
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("BadJSON", func(t *testing.T) {
		f := newHTTPFixture(t, testAPIConfig())
		resp := f.do(t, http.MethodPost, "/webhooks/notifications", "", strings.NewReader("{"))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InvalidBatch", func(t *testing.T) {
		f := newHTTPFixture(t, testAPIConfig())
		f.webhooks.validateErr = errors.New("value is required")
		resp := f.do(t, http.MethodPost, "/webhooks/notifications", "", strings.NewReader(`{"value":[]}`))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Nil(t, f.webhooks.got)
	})
}

func TestAdminAuth(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())

	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/queue/stats", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/v1/queue/stats", "nope", nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/queue/requeue-failed", readerKey, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/api/v1/queue/requeue-failed", adminKey, nil).StatusCode)
}

func TestAdminRateLimitPerKey(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	f := newHTTPFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/queue/stats", adminKey, nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/queue/stats", adminKey, nil).StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).StatusCode,
		"another key has its own bucket")
}

func TestQueueEndpoints(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())
	first := f.failedJob(t, 1, "remote api 400: bad title")
	f.failedJob(t, 2, "remote api 403: forbidden")

	resp := f.do(t, http.MethodGet, "/api/v1/queue/stats", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.QueueStats
	decodeBody(t, resp, &stats)
	assert.Equal(t, 2, stats.Failed)

	resp = f.do(t, http.MethodGet, "/api/v1/queue/failed?limit=1", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var failed struct {
		Jobs []models.SyncJob `json:"jobs"`
	}
	decodeBody(t, resp, &failed)
	require.Len(t, failed.Jobs, 1)
	assert.Equal(t, first, failed.Jobs[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/v1/queue/failed?limit=abc", adminKey, nil).StatusCode)

	resp = f.do(t, http.MethodGet, "/api/v1/queue/failed.xlsx", adminKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "failed_jobs_")
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	wb, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows("Failed jobs")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/requeue-failed", adminKey, strings.NewReader(`{"max_attempts":500}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/v1/queue/requeue-failed", adminKey, strings.NewReader(`{"max_attempts":2}`))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var requeued struct {
		Requeued    int64 `json:"requeued"`
		MaxAttempts int   `json:"max_attempts"`
	}
	decodeBody(t, resp, &requeued)
	assert.Equal(t, int64(2), requeued.Requeued)
	assert.Equal(t, 2, requeued.MaxAttempts)
	assert.Equal(t, int32(1), f.waker.n.Load())
}

func TestFullSyncEndpoint(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/v1/users/abc/full-sync", adminKey, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/v1/users/9/full-sync", adminKey, nil).StatusCode)

	f.connect(t, 9)
	var out struct {
		Enqueued bool `json:"enqueued"`
	}
	resp := f.do(t, http.MethodPost, "/api/v1/users/9/full-sync", adminKey, strings.NewReader(`{"reason":"support ticket"}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.True(t, out.Enqueued)

	resp = f.do(t, http.MethodPost, "/api/v1/users/9/full-sync", adminKey, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decodeBody(t, resp, &out)
	assert.False(t, out.Enqueued, "a pending full sync absorbs the request")

	jobs, err := f.db.ListJobsByStatus(f.ctx, models.JobPending, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Contains(t, jobs[0].Payload, "support ticket")
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/api/v1/users/9/full-sync", readerKey, nil).StatusCode)
}

func TestUserStatusEndpoint(t *testing.T) {
	f := newHTTPFixture(t, testAPIConfig())
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/v1/users/5/status", readerKey, nil).StatusCode)

	f.connect(t, 5)
	p := &models.Project{UserID: 5, Name: "Garden"}
	require.NoError(t, f.db.CreateProject(f.ctx, p))
	m, err := f.db.UpsertActiveMapping(f.ctx, 5, p.ID, "list-5", nil)
	require.NoError(t, err)
	sub, exp := "sub-5", time.Now().Add(time.Hour)
	require.NoError(t, f.db.UpdateMappingSubscription(f.ctx, m.ID, &sub, &exp))
	synced := time.Now().Add(-time.Minute).UTC()
	require.NoError(t, f.status.SetLastSynced(f.ctx, 5, synced))

	resp := f.do(t, http.MethodGet, "/api/v1/users/5/status", readerKey, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got userStatus
	decodeBody(t, resp, &got)
	assert.True(t, got.SyncEnabled)
	require.NotNil(t, got.LastSyncedAt)
	assert.WithinDuration(t, synced, *got.LastSyncedAt, time.Millisecond)
	require.Len(t, got.Mappings, 1)
	assert.Equal(t, "list-5", got.Mappings[0].RemoteListID)
	assert.True(t, got.Mappings[0].Subscribed)
}

func TestAuthDisabledStillLimits(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 1}
	f := newHTTPFixture(t, cfg)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/v1/queue/stats", "", nil).StatusCode)
	assert.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodGet, "/api/v1/queue/stats", "", nil).StatusCode)
}
