package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/jwalitptl/notify-sync/internal/session"
)

// EventConnect is dispatched locally each time a channel (re)connects, so
// subscribers can resync whatever they missed while it was down.
const EventConnect = "connect"

var ErrClosed = errors.New("push channel closed")

// Handler receives the raw payload of one event. Handlers run on the
// channel's read loop and must not block.
type Handler func(payload json.RawMessage)

// Channel is a live push connection scoped to one session. Subscriptions
// survive reconnects; the returned func removes exactly that subscription.
type Channel interface {
	Subscribe(event string, h Handler) (unsubscribe func(), err error)
	Connected() bool
	Close() error
}

// Subscription binds a handler to an event name at dial time.
type Subscription struct {
	Event   string
	Handler Handler
}

// Dialer opens push channels. Dial returns once the channel is set up;
// the connection itself may still be in progress or retrying. subs are
// registered before the first connection attempt, so they see its
// EventConnect, and stay registered until Close.
type Dialer interface {
	Dial(ctx context.Context, sess session.Session, subs ...Subscription) (Channel, error)
}

// NewNotificationEvent is emitted when a notification is created for userID.
func NewNotificationEvent(userID string) string {
	return "new_notification_" + userID
}

// UpdateEvent is emitted when userID's unread count changes.
func UpdateEvent(userID string) string {
	return "notification_update_" + userID
}

// EventKind maps an event name to a label without the user id in it.
func EventKind(name, userID string) string {
	switch name {
	case NewNotificationEvent(userID):
		return "new_notification"
	case UpdateEvent(userID):
		return "notification_update"
	case EventConnect:
		return EventConnect
	default:
		return "other"
	}
}

// Registry keeps handlers by event name. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]Handler
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[uint64]Handler)}
}

// Add registers h for event. The returned func is idempotent.
func (r *Registry) Add(event string, h Handler) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.subs[event] == nil {
		r.subs[event] = make(map[uint64]Handler)
	}
	r.subs[event][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs[event], id)
			if len(r.subs[event]) == 0 {
				delete(r.subs, event)
			}
		})
	}
}

// Events returns the names with at least one handler.
func (r *Registry) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.subs))
	for ev := range r.subs {
		out = append(out, ev)
	}
	return out
}

// Len returns the number of handlers registered for event.
func (r *Registry) Len(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}

// Dispatch calls every handler of event and reports how many ran.
func (r *Registry) Dispatch(event string, payload json.RawMessage) int {
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.subs[event]))
	for _, h := range r.subs[event] {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		h(payload)
	}
	return len(handlers)
}
