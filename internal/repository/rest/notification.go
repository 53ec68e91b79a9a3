package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/internal/repository"
	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/validator"
)

type notificationRepository struct {
	client    *Client
	validator validator.Validator
}

func NewNotificationRepository(client *Client) repository.NotificationRepository {
	return &notificationRepository{
		client:    client,
		validator: validator.New(),
	}
}

func (r *notificationRepository) List(ctx context.Context, sess session.Session, params model.ListParams) (*model.ListResponse, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(params.Limit))
	q.Set("page", strconv.Itoa(params.Page))
	q.Set("unread_only", strconv.FormatBool(params.UnreadOnly))
	if params.Search != "" {
		q.Set("search", params.Search)
	}

	var wire model.WireListResponse
	if err := r.client.do(ctx, sess, http.MethodGet, "/notifications?"+q.Encode(), nil, &wire); err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}

	resp := &model.ListResponse{
		Notifications: make([]model.Notification, 0, len(wire.Notifications)),
		UnreadCount:   wire.UnreadCount,
		Pages:         wire.Pages,
		Total:         wire.Total,
		Page:          wire.Page,
	}
	for _, w := range wire.Notifications {
		n := w.Normalize(sess.UserID)
		if err := r.validator.Validate(n); err != nil {
			resp.Dropped++
			r.client.logger.Warn("dropping invalid notification", "error", err.Error())
			continue
		}
		resp.Notifications = append(resp.Notifications, n)
	}
	if resp.UnreadCount < 0 {
		resp.UnreadCount = 0
	}
	return resp, nil
}

func (r *notificationRepository) MarkRead(ctx context.Context, sess session.Session, id string) error {
	if err := r.client.do(ctx, sess, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/read", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to mark notification %s as read: %w", id, err)
	}
	return nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, sess session.Session) error {
	if err := r.client.do(ctx, sess, http.MethodPost, "/notifications/read-all", struct{}{}, nil); err != nil {
		return fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	return nil
}

func (r *notificationRepository) Delete(ctx context.Context, sess session.Session, id string) error {
	if err := r.client.do(ctx, sess, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", id, err)
	}
	return nil
}
