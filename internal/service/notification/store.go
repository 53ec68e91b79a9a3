package notification

import (
	"github.com/jwalitptl/notify-sync/internal/model"
)

// Store is the client side view of one user's notifications: the pages
// fetched so far, the unread badge count and the pagination cursor. It
// performs no I/O and is not safe for concurrent use; Sync serializes
// access to it.
type Store struct {
	items       []model.Notification
	unreadCount int
	page        int
	hasMore     bool
	filter      model.Filter
}

func NewStore(filter model.Filter) *Store {
	if !filter.Valid() {
		filter = model.FilterAll
	}
	return &Store{filter: filter, hasMore: true}
}

// Replace installs a fresh first page.
func (s *Store) Replace(items []model.Notification, unreadCount int, hasMore bool) {
	s.items = nil
	s.appendUnique(items)
	s.page = 1
	s.hasMore = hasMore
	s.SetUnreadCount(unreadCount)
}

// Append adds page after the current items and makes it the cursor. Ids
// already held are skipped, which happens when new notifications shift
// the server's pages.
func (s *Store) Append(items []model.Notification, page int, hasMore bool) {
	s.appendUnique(items)
	s.page = page
	s.hasMore = hasMore
}

func (s *Store) appendUnique(items []model.Notification) {
	for _, n := range items {
		if s.indexOf(n.ID) >= 0 {
			continue
		}
		s.items = append(s.items, n.Clone())
	}
}

// MarkRead records that userID read id. It reports whether anything
// changed; marking an already read notification is a no-op.
func (s *Store) MarkRead(id, userID string) bool {
	i := s.indexOf(id)
	if i < 0 || !s.items[i].MarkReadBy(userID) {
		return false
	}
	s.decrement()
	return true
}

// MarkAllRead marks every held item read by userID and zeroes the count.
// It returns how many items changed.
func (s *Store) MarkAllRead(userID string) int {
	changed := 0
	for i := range s.items {
		if s.items[i].MarkReadBy(userID) {
			changed++
		}
	}
	s.unreadCount = 0
	return changed
}

// Remove drops id and returns the removed item with its former position.
func (s *Store) Remove(id, userID string) (model.Notification, int, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return model.Notification{}, -1, false
	}
	n := s.items[i]
	s.items = append(s.items[:i], s.items[i+1:]...)
	if !n.IsReadBy(userID) {
		s.decrement()
	}
	return n, i, true
}

// SetUnreadCount overwrites the count with the server's value.
func (s *Store) SetUnreadCount(n int) {
	if n < 0 {
		n = 0
	}
	s.unreadCount = n
}

// Reset empties the list for a new filter. The count is left alone until
// the next fetch reports the server's value.
func (s *Store) Reset(filter model.Filter) {
	if filter.Valid() {
		s.filter = filter
	}
	s.items = nil
	s.page = 0
	s.hasMore = true
}

// Restore puts back an item taken out by Remove. It is a no-op when the
// id is already held again.
func (s *Store) Restore(n model.Notification, index int, userID string) bool {
	if s.indexOf(n.ID) >= 0 {
		return false
	}
	if index < 0 || index > len(s.items) {
		index = len(s.items)
	}
	s.items = append(s.items, model.Notification{})
	copy(s.items[index+1:], s.items[index:])
	s.items[index] = n.Clone()
	if !n.IsReadBy(userID) {
		s.unreadCount++
	}
	return true
}

// MarkUnread undoes a MarkRead. Reader sets never shrink otherwise.
func (s *Store) MarkUnread(id, userID string) bool {
	i := s.indexOf(id)
	if i < 0 || !s.items[i].IsReadBy(userID) {
		return false
	}
	rs := s.items[i].ReadBy.Clone()
	delete(rs, userID)
	s.items[i].ReadBy = rs
	s.unreadCount++
	return true
}

// RestoreAll undoes a MarkAllRead using the items captured before it.
func (s *Store) RestoreAll(before []model.Notification, unreadCount int) {
	prev := make(map[string]model.ReaderSet, len(before))
	for _, n := range before {
		prev[n.ID] = n.ReadBy
	}
	for i := range s.items {
		if rs, ok := prev[s.items[i].ID]; ok {
			s.items[i].ReadBy = rs.Clone()
		}
	}
	s.SetUnreadCount(unreadCount)
}

// Items returns a deep copy of the held items, newest first.
func (s *Store) Items() []model.Notification {
	out := make([]model.Notification, len(s.items))
	for i, n := range s.items {
		out[i] = n.Clone()
	}
	return out
}

func (s *Store) Get(id string) (model.Notification, bool) {
	i := s.indexOf(id)
	if i < 0 {
		return model.Notification{}, false
	}
	return s.items[i].Clone(), true
}

func (s *Store) Len() int { return len(s.items) }
func (s *Store) UnreadCount() int { return s.unreadCount }
func (s *Store) Page() int { return s.page }
func (s *Store) HasMore() bool { return s.hasMore }
func (s *Store) Filter() model.Filter { return s.filter }

func (s *Store) decrement() {
	if s.unreadCount > 0 {
		s.unreadCount--
	}
}

func (s *Store) indexOf(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}
