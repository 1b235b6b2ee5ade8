package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tasksync/internal/config"
	"tasksync/internal/models"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method    string
	Path      string
	Query     string
	RequestID string
	IfMatch   string
	Auth      string
	Body      string
}

type scriptedServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recordedRequest
	handler  func(n int, w http.ResponseWriter, r *http.Request)
}

func newScriptedServer(t *testing.T, handler func(n int, w http.ResponseWriter, r *http.Request)) *scriptedServer {
	s := &scriptedServer{handler: handler}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		n := len(s.requests)
		s.requests = append(s.requests, recordedRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Query:     r.URL.RawQuery,
			RequestID: r.Header.Get("client-request-id"),
			IfMatch:   r.Header.Get("If-Match"),
			Auth:      r.Header.Get("Authorization"),
			Body:      string(body),
		})
		s.mu.Unlock()
		s.handler(n, w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) recorded() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

type fakeSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (f *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	f.mu.Lock()
	f.delays = append(f.delays, d)
	f.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, srv *scriptedServer, sleeper *fakeSleeper, now time.Time) *Client {
	t.Helper()
	c, err := New(config.RemoteConfig{BaseURL: srv.URL + "/v1.0", MaxRetries: 3},
		nil,
		WithHTTPClient(srv.Client()),
		WithSleeper(sleeper.Sleep),
		WithClock(func() time.Time { return now }),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func graphErr(code, msg string) map[string]interface{} {
	return map[string]interface{}{"error": map[string]string{"code": code, "message": msg}}
}

func TestDoRetriesTransientAndReusesRequestID(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n < 2 {
			writeJSON(w, http.StatusServiceUnavailable, graphErr("serviceNotAvailable", "busy"))
			return
		}
		writeJSON(w, http.StatusCreated, TaskList{ID: "L1", DisplayName: "Home"})
	})
	sleeper := &fakeSleeper{}
	c := newTestClient(t, srv, sleeper, time.Now())

	list, err := c.CreateList(context.Background(), "tok", "Home")
	require.NoError(t, err)
	assert.Equal(t, "L1", list.ID)

	reqs := srv.recorded()
	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, reqs[0].RequestID, r.RequestID)
		assert.Equal(t, "Bearer tok", r.Auth)
		assert.JSONEq(t, `{"displayName":"Home"}`, r.Body)
		assert.Equal(t, "/v1.0/me/todo/lists", r.Path)
	}
	assert.NotEmpty(t, reqs[0].RequestID)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeper.delays)
}

func TestDoHonorsRetryAfter(t *testing.T) {
	now := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		switch n {
		case 0:
			w.Header().Set("Retry-After", "4")
			writeJSON(w, http.StatusTooManyRequests, graphErr("throttled", "slow down"))
		case 1:
			w.Header().Set("Retry-After", now.Add(9*time.Second).Format(http.TimeFormat))
			writeJSON(w, http.StatusTooManyRequests, graphErr("throttled", "slow down"))
		default:
			writeJSON(w, http.StatusOK, collection[TaskList]{Value: []TaskList{{ID: "L1"}}})
		}
	})
	sleeper := &fakeSleeper{}
	c := newTestClient(t, srv, sleeper, now)

	lists, err := c.ListLists(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, lists, 1)
	assert.Equal(t, []time.Duration{4 * time.Second, 9 * time.Second}, sleeper.delays)
}

func TestDoGivesUpAfterCap(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, graphErr("badGateway", "upstream"))
	})
	sleeper := &fakeSleeper{}
	c := newTestClient(t, srv, sleeper, time.Now())

	_, err := c.Get(context.Background(), "tok", "me/todo/lists", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "badGateway", apiErr.Code)

	assert.Len(t, srv.recorded(), 4)
	assert.Len(t, sleeper.delays, 3)
}

func TestDoExhaustedRateLimit(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, graphErr("throttled", "no"))
	})
	c := newTestClient(t, srv, &fakeSleeper{}, time.Now())
	_, err := c.Get(context.Background(), "tok", "me/todo/lists", nil)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDoSurfacesNonRetryableAtOnce(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusGone, ErrCursorExpired},
		{http.StatusPreconditionFailed, ErrPreconditionFailed},
		{http.StatusBadRequest, ErrRequest},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, graphErr("code", "msg"))
			})
			sleeper := &fakeSleeper{}
			c := newTestClient(t, srv, sleeper, time.Now())

			_, err := c.Get(context.Background(), "tok", "me/todo/lists", nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Len(t, srv.recorded(), 1)
			assert.Empty(t, sleeper.delays)
		})
	}
}

func TestDoFollowsAbsoluteURLVerbatim(t *testing.T) {
	var srv *scriptedServer
	srv = newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		if n == 0 {
			writeJSON(w, http.StatusOK, DeltaPage{
				Items:    []TodoItem{{ID: "I1", Title: "a"}},
				NextLink: srv.URL + "/v1.0/me/todo/lists/L1/tasks/delta?$skiptoken=abc",
			})
			return
		}
		writeJSON(w, http.StatusOK, DeltaPage{DeltaLink: srv.URL + "/v1.0/me/todo/lists/L1/tasks/delta?$deltatoken=xyz"})
	})
	c := newTestClient(t, srv, &fakeSleeper{}, time.Now())
	ctx := context.Background()

	page, err := c.Delta(ctx, "tok", DeltaStartURL("L1"))
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	page, err = c.Delta(ctx, "tok", page.NextLink)
	require.NoError(t, err)
	assert.Contains(t, page.DeltaLink, "$deltatoken=xyz")

	reqs := srv.recorded()
	require.Len(t, reqs, 2)
	assert.Equal(t, "/v1.0/me/todo/lists/L1/tasks/delta", reqs[0].Path)
	assert.Equal(t, "$skiptoken=abc", reqs[1].Query)
}

func TestUpdateItemSendsIfMatch(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, TodoItem{ID: "I1", ETag: `W/"2"`, Title: "b"})
	})
	c := newTestClient(t, srv, &fakeSleeper{}, time.Now())

	updated, err := c.UpdateItem(context.Background(), "tok", "L1", "I1", `W/"1"`, TodoItem{Title: "b"})
	require.NoError(t, err)
	assert.Equal(t, `W/"2"`, updated.ETag)

	reqs := srv.recorded()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPatch, reqs[0].Method)
	assert.Equal(t, `W/"1"`, reqs[0].IfMatch)
	assert.Equal(t, "/v1.0/me/todo/lists/L1/tasks/I1", reqs[0].Path)
}

func TestDeleteNoContent(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, srv, &fakeSleeper{}, time.Now())
	require.NoError(t, c.DeleteItem(context.Background(), "tok", "L1", "I1"))
	require.NoError(t, c.DeleteSubscription(context.Background(), "tok", "S1"))
}

func TestDoTransportErrorRetried(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	c, err := New(config.RemoteConfig{BaseURL: url, MaxRetries: 2}, nil,
		WithSleeper((&fakeSleeper{}).Sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }))
	require.NoError(t, err)

	_, err = c.Get(context.Background(), "tok", "me/todo/lists", nil)
	assert.ErrorIs(t, err, ErrTransient)
}

func slowClient(t *testing.T, srv *scriptedServer, sleeper *fakeSleeper) *Client {
	t.Helper()
	c, err := New(config.RemoteConfig{BaseURL: srv.URL + "/v1.0", MaxRetries: 2}, nil,
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}),
		WithSleeper(sleeper.Sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }))
	require.NoError(t, err)
	return c
}

func TestCreateNotReplayedAfterLostResponse(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, http.StatusCreated, TodoItem{ID: "I1", Title: "Buy milk"})
	})
	sleeper := &fakeSleeper{}
	c := slowClient(t, srv, sleeper)

	_, err := c.CreateItem(context.Background(), "tok", "L1", TodoItem{Title: "Buy milk"})
	assert.ErrorIs(t, err, ErrTransient)
	assert.Len(t, srv.recorded(), 1, "the service may have created the item already")
	assert.Empty(t, sleeper.delays)
}

func TestGetReplayedAfterLostResponse(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		writeJSON(w, http.StatusOK, collection[TaskList]{})
	})
	sleeper := &fakeSleeper{}
	c := slowClient(t, srv, sleeper)

	_, err := c.ListLists(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Len(t, srv.recorded(), 3)
	assert.Len(t, sleeper.delays, 2)
}

func TestCreateRetriedWhenNeverConnected(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	sleeper := &fakeSleeper{}
	c, err := New(config.RemoteConfig{BaseURL: url, MaxRetries: 2}, nil,
		WithSleeper(sleeper.Sleep),
		WithJitter(func(time.Duration) time.Duration { return 0 }))
	require.NoError(t, err)

	_, err = c.CreateList(context.Background(), "tok", "Home")
	assert.ErrorIs(t, err, ErrTransient)
	assert.Len(t, sleeper.delays, 2)
}

func TestDoGivesUpOnLongRetryAfter(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		writeJSON(w, http.StatusTooManyRequests, graphErr("throttled", "come back later"))
	})
	sleeper := &fakeSleeper{}
	c := newTestClient(t, srv, sleeper, time.Now())

	_, err := c.ListLists(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, srv.recorded(), 1)
	assert.Empty(t, sleeper.delays)
}

func TestDoStopsOnContextCancel(t *testing.T) {
	srv := newScriptedServer(t, func(n int, w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, graphErr("busy", "busy"))
	})
	ctx, cancel := context.WithCancel(context.Background())
	c, err := New(config.RemoteConfig{BaseURL: srv.URL}, nil,
		WithHTTPClient(srv.Client()),
		WithSleeper(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))
	require.NoError(t, err)

	_, err = c.Get(ctx, "tok", "me/todo/lists", nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, srv.recorded(), 1)
}

func TestNewRejectsRelativeBaseURL(t *testing.T) {
	_, err := New(config.RemoteConfig{BaseURL: "graph/v1.0"}, nil)
	assert.Error(t, err)
}

func TestItemFieldMapping(t *testing.T) {
	due := time.Date(2026, 11, 2, 0, 0, 0, 0, time.UTC)
	fields := models.TaskFields{Name: "Pay rent", DueDate: &due, Priority: models.PriorityHigh, IsCompleted: true}

	item := ItemFromFields(fields)
	assert.Equal(t, "high", item.Importance)
	assert.Equal(t, ItemStatusCompleted, item.Status)
	require.NotNil(t, item.DueDateTime)
	assert.Equal(t, "2026-11-02T00:00:00.0000000", item.DueDateTime.DateTime)

	back := item.Fields()
	if diff := cmp.Diff(fields, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	noDue := ItemFromFields(models.TaskFields{Name: "x"})
	assert.Nil(t, noDue.DueDateTime)
	assert.Equal(t, ItemStatusNotStarted, noDue.Status)
	assert.Equal(t, "normal", noDue.Importance)

	raw, err := json.Marshal(noDue)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"dueDateTime":null`)
}

func TestListIDFromResource(t *testing.T) {
	assert.Equal(t, "L1", ListIDFromResource("me/todo/lists/L1/tasks"))
	assert.Equal(t, "AAM=", ListIDFromResource(ItemsResource("AAM=")))
	assert.Equal(t, "", ListIDFromResource("users/1"))
}
