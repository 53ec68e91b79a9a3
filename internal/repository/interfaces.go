package repository

import (
	"context"

	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/internal/session"
)

// All repository interfaces in one file
type (
	// NotificationRepository is the server side of the notification list.
	// Every call carries the session it is made under.
	NotificationRepository interface {
		List(ctx context.Context, sess session.Session, params model.ListParams) (*model.ListResponse, error)
		MarkRead(ctx context.Context, sess session.Session, id string) error
		MarkAllRead(ctx context.Context, sess session.Session) error
		Delete(ctx context.Context, sess session.Session, id string) error
	}
)
