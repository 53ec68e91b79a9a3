package model

import (
	"encoding/json"
	"sort"
	"time"
)

type NotificationType string

const (
	NotificationTypeInfo    NotificationType = "info"
	NotificationTypeSuccess NotificationType = "success"
	NotificationTypeWarning NotificationType = "warning"
	NotificationTypeError   NotificationType = "error"
)

// ParseNotificationType maps unknown or empty values to info.
func ParseNotificationType(s string) NotificationType {
	switch t := NotificationType(s); t {
	case NotificationTypeSuccess, NotificationTypeWarning, NotificationTypeError:
		return t
	default:
		return NotificationTypeInfo
	}
}

// Filter selects which subset of notifications a fetch requests.
type Filter string

const (
	FilterAll    Filter = "all"
	FilterUnread Filter = "unread"
)

func (f Filter) Valid() bool {
	return f == FilterAll || f == FilterUnread
}

// UnreadOnly is the value sent as the unread_only query parameter.
func (f Filter) UnreadOnly() bool {
	return f == FilterUnread
}

// ReaderSet is the set of user ids that have read a notification.
type ReaderSet map[string]struct{}

func NewReaderSet(ids ...string) ReaderSet {
	s := make(ReaderSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s ReaderSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

func (s ReaderSet) Clone() ReaderSet {
	out := make(ReaderSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// IDs returns the members sorted.
func (s ReaderSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s ReaderSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.IDs())
}

func (s *ReaderSet) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = NewReaderSet(ids...)
	return nil
}

// Notification is the client side copy of a server owned record.
type Notification struct {
	ID            string           `json:"id" validate:"required"`
	Title         string           `json:"title"`
	Message       string           `json:"message"`
	Type          NotificationType `json:"type"`
	CreatedAt     time.Time        `json:"created_at"`
	ReadBy        ReaderSet        `json:"read_by"`
	UserID        string           `json:"user_id,omitempty"`
	CreatedBy     string           `json:"created_by,omitempty"`
	CreatedByName string           `json:"created_by_name,omitempty"`
	Target        string           `json:"target,omitempty"`
}

// IsReadBy reports whether userID has read n.
func (n *Notification) IsReadBy(userID string) bool {
	return n.ReadBy.Has(userID)
}

// MarkReadBy adds userID to the reader set and reports whether it was new.
func (n *Notification) MarkReadBy(userID string) bool {
	if n.ReadBy.Has(userID) {
		return false
	}
	if n.ReadBy == nil {
		n.ReadBy = make(ReaderSet, 1)
	}
	n.ReadBy[userID] = struct{}{}
	return true
}

// Clone returns a deep copy so callers can't mutate store state.
func (n Notification) Clone() Notification {
	n.ReadBy = n.ReadBy.Clone()
	return n
}

// ListResponse is one page of GET /notifications.
type ListResponse struct {
	Notifications []Notification
	UnreadCount   int
	Pages         int
	Total         int
	Page          int
	// Dropped counts records that failed validation on ingest.
	Dropped int
}

// ListParams are the query parameters of GET /notifications.
type ListParams struct {
	Page       int
	Limit      int
	UnreadOnly bool
	Search     string
}

// UpdateEvent is the payload of notification_update_<userId>.
type UpdateEvent struct {
	UnreadCount *int `json:"unread_count"`
}
