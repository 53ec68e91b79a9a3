package notification

import (
	"time"

	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

const (
	// DefaultPageSize matches the bell dropdown; the full page view uses 20.
	DefaultPageSize     = 10
	DefaultTombstoneTTL = 5 * time.Minute
)

const (
	msgNewNotification = "New notification received"
	msgLoadFailed      = "Failed to load notifications"
	msgMarkReadFailed  = "Failed to mark notification as read"
	msgMarkAllFailed   = "Failed to mark all notifications as read"
	msgDeleteFailed    = "Failed to delete notification"
	msgMarkedRead      = "Notification marked as read"
	msgMarkedAllRead   = "All notifications marked as read"
	msgDeleted         = "Notification deleted"
)

type Options struct {
	PageSize int
	Filter   model.Filter
	Search   string
	// RollbackOnFailure undoes an optimistic change when the server
	// rejects it. Off by default: the next refetch corrects the view.
	RollbackOnFailure bool
	// AnnounceSuccess toasts confirmed mutations.
	AnnounceSuccess bool
	// TombstoneTTL is how long a deleted id is kept out of fetched pages.
	TombstoneTTL time.Duration
}

func (o *Options) setDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if !o.Filter.Valid() {
		o.Filter = model.FilterAll
	}
	if o.TombstoneTTL <= 0 {
		o.TombstoneTTL = DefaultTombstoneTTL
	}
}

type Option func(*Sync)

func WithToaster(t Toaster) Option {
	return func(s *Sync) { s.toaster = t }
}

func WithLogger(l *logger.Logger) Option {
	return func(s *Sync) { s.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sync) { s.metrics = m }
}
