package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/notify-sync/internal/handler"
	"github.com/jwalitptl/notify-sync/internal/middleware"
	"github.com/jwalitptl/notify-sync/internal/model"
	notifsvc "github.com/jwalitptl/notify-sync/internal/service/notification"
	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
	"github.com/jwalitptl/notify-sync/pkg/validator"
)

const streamHeartbeat = 25 * time.Second

// Service is the part of notifsvc.Sync the HTTP binding drives.
type Service interface {
	Snapshot() notifsvc.Snapshot
	Subscribe() (<-chan notifsvc.Snapshot, func())
	Refresh(ctx context.Context) error
	LoadMore(ctx context.Context) error
	SetFilter(ctx context.Context, filter model.Filter) error
	SetSearch(ctx context.Context, term string) error
	SetView(ctx context.Context, filter model.Filter, term string) error
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context) error
	Delete(ctx context.Context, id string) error
}

// ToastSource hands out toasts queued since the last call.
type ToastSource interface {
	Drain() []notifsvc.Toast
}

type Handler struct {
	service   Service
	toasts    ToastSource
	validator validator.Validator
}

func NewHandler(service Service, toasts ToastSource) *Handler {
	return &Handler{
		service:   service,
		toasts:    toasts,
		validator: validator.New(),
	}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.List)
		notifications.GET("/stream", h.Stream)
		notifications.POST("/refresh", h.Refresh)
		notifications.POST("/more", h.LoadMore)
		notifications.PUT("/filter", h.SetFilter)
		notifications.POST("/read-all", h.MarkAllAsRead)
		notifications.POST("/:id/read", h.MarkAsRead)
		notifications.DELETE("/:id", h.Delete)
	}
	r.GET("/toasts", h.Toasts)
}

// NotificationView is a notification as seen by the session user.
type NotificationView struct {
	model.Notification
	Read bool `json:"read"`
}

// SnapshotView is the JSON shape of a snapshot.
type SnapshotView struct {
	Notifications []NotificationView `json:"notifications"`
	UnreadCount   int                `json:"unread_count"`
	Page          int                `json:"page"`
	HasMore       bool               `json:"has_more"`
	Filter        model.Filter       `json:"filter"`
	Search        string             `json:"search,omitempty"`
	Loading       bool               `json:"loading"`
	Connected     bool               `json:"connected"`
}

func NewSnapshotView(s notifsvc.Snapshot) SnapshotView {
	items := make([]NotificationView, 0, len(s.Items))
	for _, n := range s.Items {
		items = append(items, NotificationView{Notification: n, Read: n.IsReadBy(s.UserID)})
	}
	return SnapshotView{
		Notifications: items,
		UnreadCount:   s.UnreadCount,
		Page:          s.Page,
		HasMore:       s.HasMore,
		Filter:        s.Filter,
		Search:        s.Search,
		Loading:       s.Loading,
		Connected:     s.Connected,
	}
}

type FilterRequest struct {
	Filter string  `json:"filter" validate:"required,oneof=all unread"`
	Search *string `json:"search"`
}

func (h *Handler) List(c *gin.Context) {
	c.JSON(http.StatusOK, handler.NewSuccessResponse(NewSnapshotView(h.service.Snapshot())))
}

func (h *Handler) Refresh(c *gin.Context) {
	if err := h.service.Refresh(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) LoadMore(c *gin.Context) {
	if err := h.service.LoadMore(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) SetFilter(c *gin.Context) {
	var req FilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperrors.BadRequest("invalid request body", err))
		return
	}
	if err := h.validator.Validate(req); err != nil {
		h.fail(c, apperrors.BadRequest(err.Error(), err))
		return
	}

	ctx := c.Request.Context()
	filter := model.Filter(req.Filter)
	var err error
	if req.Search != nil {
		err = h.service.SetView(ctx, filter, *req.Search)
	} else {
		err = h.service.SetFilter(ctx, filter)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) MarkAsRead(c *gin.Context) {
	if err := h.service.MarkAsRead(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) MarkAllAsRead(c *gin.Context) {
	if err := h.service.MarkAllAsRead(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	h.List(c)
}

func (h *Handler) Toasts(c *gin.Context) {
	toasts := []notifsvc.Toast{}
	if h.toasts != nil {
		toasts = h.toasts.Drain()
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(toasts))
}

// Stream pushes a "snapshot" server-sent event after every change until
// the client goes away.
func (h *Handler) Stream(c *gin.Context) {
	w := c.Writer
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.fail(c, apperrors.Internal(errors.New("streaming unsupported")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	snapshots, unsubscribe := h.service.Subscribe()
	defer unsubscribe()

	if _, err := w.Write([]byte(": ok\n\n")); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	done := c.Request.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			data, err := json.Marshal(NewSnapshotView(snap))
			if err != nil {
				continue
			}
			if _, err := w.Write([]byte("event: snapshot\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) fail(c *gin.Context, err error) {
	handler.Fail(c, statusOf(err), err)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, notifsvc.ErrFetchInProgress):
		return http.StatusConflict
	case errors.Is(err, notifsvc.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, notifsvc.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return middleware.StatusOf(err)
}
