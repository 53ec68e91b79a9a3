package notification

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-sync/internal/model"
	notifsvc "github.com/jwalitptl/notify-sync/internal/service/notification"
	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
)

type fakeService struct {
	mu      sync.Mutex
	snap    notifsvc.Snapshot
	calls   []string
	err     error
	updates chan notifsvc.Snapshot
}

func newFakeService() *fakeService {
	return &fakeService{
		snap: notifsvc.Snapshot{
			Items: []model.Notification{
				{ID: "a", Title: "Lab result", ReadBy: model.NewReaderSet()},
				{ID: "b", Title: "Reminder", ReadBy: model.NewReaderSet("u1")},
			},
			UnreadCount: 1,
			Page:        1,
			HasMore:     true,
			Filter:      model.FilterAll,
			UserID:      "u1",
		},
		updates: make(chan notifsvc.Snapshot, 4),
	}
}

func (f *fakeService) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeService) Snapshot() notifsvc.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeService) Subscribe() (<-chan notifsvc.Snapshot, func()) {
	return f.updates, func() {}
}

func (f *fakeService) Refresh(context.Context) error  { return f.record("refresh") }
func (f *fakeService) LoadMore(context.Context) error { return f.record("more") }
func (f *fakeService) MarkAllAsRead(context.Context) error {
	return f.record("read-all")
}

func (f *fakeService) SetFilter(_ context.Context, filter model.Filter) error {
	if err := f.record("filter:" + string(filter)); err != nil {
		return err
	}
	f.mu.Lock()
	f.snap.Filter = filter
	f.mu.Unlock()
	return nil
}

func (f *fakeService) SetSearch(_ context.Context, term string) error {
	return f.record("search:" + term)
}

func (f *fakeService) SetView(_ context.Context, filter model.Filter, term string) error {
	if err := f.record("view:" + string(filter) + ":" + term); err != nil {
		return err
	}
	f.mu.Lock()
	f.snap.Filter = filter
	f.mu.Unlock()
	return nil
}

func (f *fakeService) MarkAsRead(_ context.Context, id string) error {
	return f.record("read:" + id)
}

func (f *fakeService) Delete(_ context.Context, id string) error {
	return f.record("delete:" + id)
}

type fakeToasts struct{ pending []notifsvc.Toast }

func (f *fakeToasts) Drain() []notifsvc.Toast {
	out := f.pending
	f.pending = nil
	if out == nil {
		out = []notifsvc.Toast{}
	}
	return out
}

func newRouter(svc Service, toasts ToastSource) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(svc, toasts).RegisterRoutes(r.Group("/api/v1"))
	return r
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestListRendersPerViewerReadFlag(t *testing.T) {
	r := newRouter(newFakeService(), nil)

	w, env := do(t, r, http.MethodGet, "/api/v1/notifications", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)

	var view SnapshotView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	require.Len(t, view.Notifications, 2)
	assert.False(t, view.Notifications[0].Read)
	assert.True(t, view.Notifications[1].Read)
	assert.Equal(t, 1, view.UnreadCount)
	assert.True(t, view.HasMore)
	assert.Equal(t, model.FilterAll, view.Filter)
}

func TestActionsCallService(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc, nil)

	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/api/v1/notifications/refresh"},
		{http.MethodPost, "/api/v1/notifications/more"},
		{http.MethodPost, "/api/v1/notifications/a/read"},
		{http.MethodPost, "/api/v1/notifications/read-all"},
		{http.MethodDelete, "/api/v1/notifications/b"},
	} {
		w, env := do(t, r, tc.method, tc.path, "")
		assert.Equal(t, http.StatusOK, w.Code, tc.path)
		assert.Equal(t, "success", env.Status, tc.path)
	}

	assert.Equal(t, []string{"refresh", "more", "read:a", "read-all", "delete:b"}, svc.calls)
}

func TestSetFilter(t *testing.T) {
	svc := newFakeService()
	r := newRouter(svc, nil)

	w, _ := do(t, r, http.MethodPut, "/api/v1/notifications/filter", `{"filter":"unread"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	// Filter and search together go through one call.
	w, _ = do(t, r, http.MethodPut, "/api/v1/notifications/filter", `{"filter":"all","search":"lab"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := do(t, r, http.MethodPut, "/api/v1/notifications/filter", `{"filter":"archived"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "error", env.Status)

	w, _ = do(t, r, http.MethodPut, "/api/v1/notifications/filter", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, []string{"filter:unread", "view:all:lab"}, svc.calls)
}

func TestErrorStatuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"fetch in progress", notifsvc.ErrFetchInProgress, http.StatusConflict},
		{"no session", notifsvc.ErrNoSession, http.StatusUnauthorized},
		{"closed", notifsvc.ErrClosed, http.StatusServiceUnavailable},
		{"upstream not found", apperrors.NotFound("notification", nil), http.StatusNotFound},
		{"upstream unavailable", apperrors.Unavailable("notification API unavailable", nil), http.StatusServiceUnavailable},
		{"wrapped", errors.Join(errors.New("context"), notifsvc.ErrFetchInProgress), http.StatusConflict},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newFakeService()
			svc.err = tt.err
			r := newRouter(svc, nil)

			w, env := do(t, r, http.MethodPost, "/api/v1/notifications/refresh", "")
			assert.Equal(t, tt.want, w.Code)
			assert.Equal(t, "error", env.Status)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestToastsDrain(t *testing.T) {
	toasts := &fakeToasts{pending: []notifsvc.Toast{
		{Level: notifsvc.ToastError, Message: "Failed to delete notification"},
	}}
	r := newRouter(newFakeService(), toasts)

	_, env := do(t, r, http.MethodGet, "/api/v1/toasts", "")
	var got []notifsvc.Toast
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got, 1)
	assert.Equal(t, notifsvc.ToastError, got[0].Level)

	_, env = do(t, r, http.MethodGet, "/api/v1/toasts", "")
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Empty(t, got)
}

func TestStreamSendsSnapshots(t *testing.T) {
	svc := newFakeService()
	srv := httptest.NewServer(newRouter(svc, nil))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/notifications/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	snap := svc.Snapshot()
	snap.UnreadCount = 7
	svc.updates <- snap

	reader := bufio.NewReader(resp.Body)
	var event, data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}

	assert.Equal(t, "snapshot", event)
	var view SnapshotView
	require.NoError(t, json.Unmarshal([]byte(data), &view))
	assert.Equal(t, 7, view.UnreadCount)
}
