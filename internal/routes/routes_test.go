package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"artbeat/internal/auth"
	"artbeat/internal/cache"
	"artbeat/internal/handlers"
	"artbeat/internal/jobqueue"
	"artbeat/internal/messages"
	"artbeat/internal/notification"
	"artbeat/internal/queue"
	"artbeat/internal/ratelimit"
	"artbeat/internal/realtime"
)

type scheduled struct {
	userID string
	title  string
	delay  time.Duration
}

type fakeDelayed struct {
	mu    sync.Mutex
	tasks []scheduled
}

func (f *fakeDelayed) EnqueueNotificationDelivery(ctx context.Context, userID string, req *notification.NotificationRequest, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, scheduled{userID: userID, title: req.Title, delay: delay})
	return "task-1", nil
}

func (f *fakeDelayed) GetTaskStatus(taskID string) (*queue.TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if taskID != "task-1" || len(f.tasks) == 0 {
		return nil, queue.ErrTaskNotFound
	}
	return &queue.TaskStatus{ID: taskID, State: "scheduled"}, nil
}

const testInternalKey = "test-internal-key"

type testServer struct {
	e        *echo.Echo
	mr       *miniredis.Miniredis
	h        *handlers.Handler
	verifier *auth.Verifier
	delayed  *fakeDelayed
}

func newTestServer(t *testing.T, maxRequests int64) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	verifier := auth.NewVerifier("test-secret")
	unread := messages.NewUnreadCounter(rdb, nil)
	hub := realtime.NewHub(rdb, verifier, unread, realtime.Options{})
	t.Cleanup(hub.Close)

	delayed := &fakeDelayed{}
	h := &handlers.Handler{
		RDB:           rdb,
		Notifications: notification.NewService(rdb),
		Unread:        unread,
		Cache:         cache.New(rdb),
		Jobs:          jobqueue.New(rdb),
		Hub:           hub,
		Delayed:       delayed,
	}

	e := echo.New()
	limiter := ratelimit.NewLimiter(ratelimit.NewStore(rdb, time.Minute), maxRequests)
	SetupRoutes(e, h, verifier, testInternalKey, limiter)

	return &testServer{e: e, mr: mr, h: h, verifier: verifier, delayed: delayed}
}

func (s *testServer) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if user != "" {
		token, err := s.verifier.GenerateToken(user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

// internal calls an /internal route the way the main API does.
func (s *testServer) internal(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(auth.ServiceKeyHeader, testInternalKey)

	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

type notificationList struct {
	Notifications []notification.Notification `json:"notifications"`
}

type countBody struct {
	Count int64 `json:"count"`
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "up", body["kv"])

	s.mr.Close()
	rec = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, "down", body["kv"])
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, 100)

	for _, path := range []string{"/notifications", "/messages/unread-count"} {
		rec := s.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestInternalRoutesRejectUserTokens(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.do(t, http.MethodPost, "/internal/notifications", "mallory", map[string]interface{}{
		"user_id": "victim",
		"type":    "system",
		"title":   "Your account is locked",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodPost, "/internal/notifications/broadcast", "mallory", map[string]interface{}{
		"user_ids":     []string{"victim"},
		"notification": map[string]interface{}{"type": "system", "title": "x"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/internal/jobs/"+queue.JobCacheInvalidate, "mallory", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var count countBody
	decode(t, s.do(t, http.MethodGet, "/notifications/unread-count", "victim", nil), &count)
	assert.Equal(t, int64(0), count.Count)
}

func TestNotificationFlow(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id": "artist-1",
		"type":    "commission",
		"title":   "New commission request",
		"message": "A client requested a portrait",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodGet, "/notifications/unread-count", "artist-1", nil)
	var count countBody
	decode(t, rec, &count)
	assert.Equal(t, int64(1), count.Count)

	rec = s.do(t, http.MethodGet, "/notifications", "artist-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list notificationList
	decode(t, rec, &list)
	require.Len(t, list.Notifications, 1)
	n := list.Notifications[0]
	assert.Equal(t, "New commission request", n.Title)
	assert.False(t, n.Read)

	rec = s.do(t, http.MethodPatch, "/notifications/"+n.ID+"/read", "artist-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/notifications/unread-count", "artist-1", nil)
	decode(t, rec, &count)
	assert.Equal(t, int64(0), count.Count)

	// The cached page was dropped by the mark-read.
	rec = s.do(t, http.MethodGet, "/notifications", "artist-1", nil)
	decode(t, rec, &list)
	require.Len(t, list.Notifications, 1)
	assert.True(t, list.Notifications[0].Read)

	// Other users see nothing.
	rec = s.do(t, http.MethodGet, "/notifications", "someone-else", nil)
	decode(t, rec, &list)
	assert.Empty(t, list.Notifications)
}

func TestNotificationListCacheFollowsWrites(t *testing.T) {
	s := newTestServer(t, 100)
	ctx := context.Background()

	_, err := s.h.Notifications.Publish(ctx, "u1", &notification.NotificationRequest{Type: notification.TypeLike, Title: "first"})
	require.NoError(t, err)

	var list notificationList
	decode(t, s.do(t, http.MethodGet, "/notifications", "u1", nil), &list)
	require.Len(t, list.Notifications, 1)

	// A write behind the service's back is not seen until the page expires.
	_, err = s.h.Notifications.Publish(ctx, "u1", &notification.NotificationRequest{Type: notification.TypeLike, Title: "hidden"})
	require.NoError(t, err)
	decode(t, s.do(t, http.MethodGet, "/notifications", "u1", nil), &list)
	assert.Len(t, list.Notifications, 1, "served from cache")

	// Publishing through the API drops the cached page.
	rec := s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id": "u1", "type": "like", "title": "third",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var count countBody
	decode(t, s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil), &count)
	assert.Equal(t, int64(3), count.Count)
	decode(t, s.do(t, http.MethodGet, "/notifications", "u1", nil), &list)
	require.Len(t, list.Notifications, 3)
	assert.Equal(t, "third", list.Notifications[0].Title)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodPatch, "/notifications/read-all", "u1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		decode(t, s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil), &count)
		assert.Equal(t, int64(0), count.Count)
	}

	decode(t, s.do(t, http.MethodGet, "/notifications", "u1", nil), &list)
	require.Len(t, list.Notifications, 3)
	for _, n := range list.Notifications {
		assert.True(t, n.Read, n.Title)
	}
}

func TestNotificationPagination(t *testing.T) {
	s := newTestServer(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.h.Notifications.Publish(ctx, "u1", &notification.NotificationRequest{Type: notification.TypeFollow, Title: "f"})
		require.NoError(t, err)
	}

	var list notificationList
	decode(t, s.do(t, http.MethodGet, "/notifications?limit=2&offset=4", "u1", nil), &list)
	assert.Len(t, list.Notifications, 1)

	decode(t, s.do(t, http.MethodGet, "/notifications?limit=abc", "u1", nil), &list)
	assert.Len(t, list.Notifications, 5)
}

func TestPublishValidationAndDelay(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id": "u1",
		"type":    "like",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id": "u1",
		"type":    "carrier-pigeon",
		"title":   "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id":       "u1",
		"type":          "system",
		"title":         "Your commission is due tomorrow",
		"delay_seconds": 3600,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, s.delayed.tasks, 1)
	assert.Equal(t, scheduled{userID: "u1", title: "Your commission is due tomorrow", delay: time.Hour}, s.delayed.tasks[0])

	var accepted struct {
		TaskID string `json:"task_id"`
	}
	decode(t, rec, &accepted)
	rec = s.internal(t, http.MethodGet, "/internal/notifications/tasks/"+accepted.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status queue.TaskStatus
	decode(t, rec, &status)
	assert.Equal(t, "scheduled", status.State)

	rec = s.internal(t, http.MethodGet, "/internal/notifications/tasks/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var count countBody
	decode(t, s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil), &count)
	assert.Equal(t, int64(0), count.Count)
}

func TestNotificationsDegradeWhenStoreDown(t *testing.T) {
	s := newTestServer(t, 100)
	s.mr.Close()

	rec := s.do(t, http.MethodGet, "/notifications", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list notificationList
	decode(t, rec, &list)
	assert.Empty(t, list.Notifications)

	rec = s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var count countBody
	decode(t, rec, &count)
	assert.Equal(t, int64(0), count.Count)

	rec = s.do(t, http.MethodPatch, "/notifications/read-all", "u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/notifications", map[string]interface{}{
		"user_id": "u1", "type": "like", "title": "x",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMessageUnreadCounts(t *testing.T) {
	s := newTestServer(t, 100)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.h.Unread.UpdateUnreadCount(ctx, "bob", "c2", 1))
	}
	require.NoError(t, s.h.Unread.UpdateUnreadCount(ctx, "bob", "c4", 1))

	var batch struct {
		Counts map[string]int64 `json:"counts"`
	}
	rec := s.do(t, http.MethodGet, "/messages/unread-counts?conversation_ids=c1,c2,c3", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &batch)
	assert.Equal(t, map[string]int64{"c1": 0, "c2": 3, "c3": 0}, batch.Counts)

	var count countBody
	decode(t, s.do(t, http.MethodGet, "/messages/unread-count", "bob", nil), &count)
	assert.Equal(t, int64(4), count.Count)

	decode(t, s.do(t, http.MethodGet, "/messages/unread-count?conversation_id=c2", "bob", nil), &count)
	assert.Equal(t, int64(3), count.Count)

	rec = s.do(t, http.MethodPatch, "/conversations/c2/read", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	decode(t, s.do(t, http.MethodGet, "/messages/unread-count?conversation_id=c2", "bob", nil), &count)
	assert.Equal(t, int64(0), count.Count)

	rec = s.do(t, http.MethodGet, "/messages/unread-counts", "bob", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobRoutes(t *testing.T) {
	s := newTestServer(t, 100)

	rec := s.internal(t, http.MethodPost, "/internal/jobs/"+queue.JobCacheInvalidate, map[string]interface{}{
		"data":     map[string]interface{}{"patterns": []string{"notifications:u1:*"}},
		"priority": 2,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var enqueued struct {
		JobID string `json:"job_id"`
	}
	decode(t, rec, &enqueued)
	rec = s.internal(t, http.MethodGet, "/internal/jobs/"+queue.JobCacheInvalidate+"/"+enqueued.JobID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobqueue.Job
	decode(t, rec, &job)
	assert.Equal(t, jobqueue.StatusPending, job.Status)
	assert.Equal(t, 2, job.Priority)

	rec = s.internal(t, http.MethodGet, "/internal/jobs/"+queue.JobCacheInvalidate+"/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/notifications/broadcast", map[string]interface{}{
		"user_ids":     []string{"a", "b"},
		"notification": map[string]interface{}{"type": "system", "title": "Maintenance"},
		"priority":     5,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var status struct {
		Pending int64 `json:"pending"`
	}
	decode(t, s.internal(t, http.MethodGet, "/internal/jobs/"+queue.JobCacheInvalidate, nil), &status)
	assert.Equal(t, int64(1), status.Pending)
	decode(t, s.internal(t, http.MethodGet, "/internal/jobs/"+queue.JobNotificationBroadcast, nil), &status)
	assert.Equal(t, int64(1), status.Pending)

	rec = s.internal(t, http.MethodPost, "/internal/jobs/mine-bitcoin", map[string]interface{}{"data": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/jobs/"+queue.JobCacheInvalidate, map[string]interface{}{
		"data": map[string]interface{}{"patterns": []string{}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.internal(t, http.MethodPost, "/internal/notifications/broadcast", map[string]interface{}{
		"user_ids":     []string{},
		"notification": map[string]interface{}{"type": "system", "title": "x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var dead struct {
		Jobs []jobqueue.Job `json:"jobs"`
	}
	rec = s.internal(t, http.MethodGet, "/internal/jobs/"+queue.JobCacheInvalidate+"/dead", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &dead)
	assert.Empty(t, dead.Jobs)

	rec = s.internal(t, http.MethodPost, "/internal/jobs/"+queue.JobCacheInvalidate+"/dead/missing/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		rec := s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	}

	rec := s.do(t, http.MethodGet, "/notifications/unread-count", "u1", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	// Limits are per user.
	rec = s.do(t, http.MethodGet, "/notifications/unread-count", "u2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
