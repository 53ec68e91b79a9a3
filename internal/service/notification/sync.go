package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/repository"
	"github.com/jwalitptl/notify-sync/internal/session"
	apperrors "github.com/jwalitptl/notify-sync/pkg/errors"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

var (
	ErrFetchInProgress = errors.New("notification fetch already in progress")
	ErrClosed          = errors.New("notification sync closed")
	ErrNoSession       = errors.New("no active session")
)

// Fetch kinds, used as metric labels.
const (
	fetchInitial   = "initial"
	fetchRefresh   = "refresh"
	fetchMore      = "more"
	fetchFilter    = "filter"
	fetchSession   = "session"
	fetchPush      = "push"
	fetchCoalesced = "coalesced"
)

// Snapshot is an immutable copy of the sync state.
type Snapshot struct {
	Items       []model.Notification `json:"notifications"`
	UnreadCount int                  `json:"unread_count"`
	Page        int                  `json:"page"`
	HasMore     bool                 `json:"has_more"`
	Filter      model.Filter         `json:"filter"`
	Search      string               `json:"search,omitempty"`
	Loading     bool                 `json:"loading"`
	Connected   bool                 `json:"connected"`
	UserID      string               `json:"user_id,omitempty"`
}

// fetch is one GET /notifications call, tagged with the generation it was
// issued under.
type fetch struct {
	id         uint64
	generation uint64
	reset      bool
	kind       string
	params     model.ListParams
	sess       session.Session
	ctx        context.Context
	cancel     context.CancelFunc
}

// Sync keeps a Store in step with the REST API, the push channel and the
// user's own actions. All store access is serialized on mu; network calls
// run without holding it.
type Sync struct {
	repo       repository.NotificationRepository
	dialer     push.Dialer
	toaster    Toaster
	logger     *logger.Logger
	metrics    *metrics.Metrics
	opts       Options
	tombstones *cache.Cache
	hub        *hub

	// ctx scopes background refreshes and the push channel.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	store  *Store
	sess   session.Session
	search string
	// generation changes whenever the store is rebuilt (filter, search or
	// session change); responses from an older generation are dropped.
	generation uint64
	// epoch changes with the session only; it scopes push handlers.
	epoch          uint64
	fetchSeq       uint64
	activeFetch    uint64
	loading        bool
	cancelFetch    context.CancelFunc
	pendingRefresh bool
	started        bool
	closed         bool
	channel        push.Channel
}

// NewSync builds a Sync for sess. dialer may be nil, in which case the
// sync runs in fetch-only mode.
func NewSync(repo repository.NotificationRepository, dialer push.Dialer, sess session.Session, opts Options, options ...Option) *Sync {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Sync{
		repo:       repo,
		dialer:     dialer,
		logger:     logger.Nop(),
		opts:       opts,
		tombstones: cache.New(opts.TombstoneTTL, 2*opts.TombstoneTTL),
		hub:        newHub(),
		ctx:        ctx,
		cancel:     cancel,
		store:      NewStore(opts.Filter),
		sess:       sess,
		search:     strings.TrimSpace(opts.Search),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.toaster == nil {
		s.toaster = NewLogToaster(s.logger)
	}
	return s
}

// Start loads the first page and opens the push channel. A push failure
// is logged and the sync keeps working from fetches alone. Without a
// session Start only marks the sync live; SetSession does the rest.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	sess, epoch := s.sess, s.epoch
	s.mu.Unlock()

	if sess.IsZero() {
		return nil
	}
	s.connect(sess, epoch)
	return s.load(ctx, 1, true, fetchInitial)
}

// Load fetches page under the current filter. A reset fetch always asks
// for page 1 and replaces the list; while another fetch is running it is
// coalesced into a single follow-up refresh and Load returns nil. A
// non-reset Load during a fetch returns ErrFetchInProgress.
func (s *Sync) Load(ctx context.Context, page int, reset bool) error {
	kind := fetchMore
	if reset {
		kind = fetchRefresh
	}
	return s.load(ctx, page, reset, kind)
}

func (s *Sync) load(ctx context.Context, page int, reset bool, kind string) error {
	if reset || page < 1 {
		page = 1
	}

	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.loading {
		defer s.mu.Unlock()
		if reset {
			s.coalesceLocked()
			return nil
		}
		return ErrFetchInProgress
	}
	f := s.beginFetchLocked(ctx, page, reset, kind)
	s.mu.Unlock()

	return s.runFetch(f)
}

func (s *Sync) Refresh(ctx context.Context) error {
	return s.load(ctx, 1, true, fetchRefresh)
}

// LoadMore fetches the page after the last one held. It is a no-op when
// the server reported no further pages.
func (s *Sync) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.loading {
		s.mu.Unlock()
		return ErrFetchInProgress
	}
	if !s.store.HasMore() {
		s.mu.Unlock()
		return nil
	}
	f := s.beginFetchLocked(ctx, s.store.Page()+1, false, fetchMore)
	s.mu.Unlock()

	return s.runFetch(f)
}

// SetFilter rebuilds the list under filter, abandoning any fetch issued
// for the previous one.
func (s *Sync) SetFilter(ctx context.Context, filter model.Filter) error {
	if !filter.Valid() {
		return apperrors.BadRequest(fmt.Sprintf("invalid filter %q", filter), nil)
	}
	return s.rebuild(ctx, func() { s.store.Reset(filter) })
}

// SetSearch rebuilds the list for a new search term.
func (s *Sync) SetSearch(ctx context.Context, term string) error {
	term = strings.TrimSpace(term)
	return s.rebuild(ctx, func() {
		s.search = term
		s.store.Reset(s.store.Filter())
	})
}

// SetView changes filter and search term together with a single rebuild.
func (s *Sync) SetView(ctx context.Context, filter model.Filter, term string) error {
	if !filter.Valid() {
		return apperrors.BadRequest(fmt.Sprintf("invalid filter %q", filter), nil)
	}
	term = strings.TrimSpace(term)
	return s.rebuild(ctx, func() {
		s.search = term
		s.store.Reset(filter)
	})
}

func (s *Sync) rebuild(ctx context.Context, mutate func()) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.restartLocked()
	mutate()
	if s.sess.IsZero() || !s.started {
		s.publishLocked()
		s.mu.Unlock()
		return nil
	}
	f := s.beginFetchLocked(ctx, 1, true, fetchFilter)
	s.mu.Unlock()

	return s.runFetch(f)
}

// SetSession switches to a new credential. The push channel of the old
// session is torn down and the store emptied; a non-empty session is then
// fetched and dialed again, an empty one (logout) leaves the sync idle.
func (s *Sync) SetSession(ctx context.Context, sess session.Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.sess.Equal(sess) {
		s.mu.Unlock()
		return nil
	}

	oldCh := s.channel
	s.channel = nil
	s.sess = sess
	s.epoch++
	epoch := s.epoch
	s.restartLocked()
	s.store.Reset(s.store.Filter())
	s.store.SetUnreadCount(0)
	s.tombstones.Flush()

	var f *fetch
	if !sess.IsZero() && s.started {
		f = s.beginFetchLocked(ctx, 1, true, fetchSession)
	} else {
		s.publishLocked()
	}
	s.mu.Unlock()

	if oldCh != nil {
		s.closeChannel(oldCh)
	}
	if f == nil {
		s.setUnreadGauge(0)
		return nil
	}
	s.connect(sess, epoch)
	return s.runFetch(f)
}

// MarkAsRead marks id read locally, then on the server.
func (s *Sync) MarkAsRead(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	sess, gen := s.sess, s.generation
	changed := s.store.MarkRead(id, sess.UserID)
	if changed {
		s.publishLocked()
	}
	s.mu.Unlock()

	err := s.repo.MarkRead(ctx, sess, id)
	s.observeMutation("mark_read", err)
	if err != nil {
		s.logger.Error(err, "failed to mark notification as read", "notification_id", id)
		s.toaster.Error(msgMarkReadFailed)
		if changed {
			s.rollback("mark_read", gen, func() bool {
				return s.store.MarkUnread(id, sess.UserID)
			})
		}
		return err
	}
	if s.opts.AnnounceSuccess {
		s.toaster.Success(msgMarkedRead)
	}
	return nil
}

// MarkAllAsRead marks every held item read and zeroes the count, then
// tells the server.
func (s *Sync) MarkAllAsRead(ctx context.Context) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	sess, gen := s.sess, s.generation
	before, count := s.store.Items(), s.store.UnreadCount()
	s.store.MarkAllRead(sess.UserID)
	s.publishLocked()
	s.mu.Unlock()
	s.setUnreadGauge(0)

	err := s.repo.MarkAllRead(ctx, sess)
	s.observeMutation("mark_all_read", err)
	if err != nil {
		s.logger.Error(err, "failed to mark all notifications as read")
		s.toaster.Error(msgMarkAllFailed)
		s.rollback("mark_all_read", gen, func() bool {
			s.store.RestoreAll(before, count)
			return true
		})
		return err
	}
	if s.opts.AnnounceSuccess {
		s.toaster.Success(msgMarkedAllRead)
	}
	return nil
}

// Delete removes id locally, then on the server. Until the tombstone
// expires the id is also kept out of pages that were already in flight.
// A server 404 counts as deleted.
func (s *Sync) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if err := s.checkLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	sess, gen := s.sess, s.generation
	removed, index, ok := s.store.Remove(id, sess.UserID)
	s.tombstones.SetDefault(id, struct{}{})
	if ok {
		s.publishLocked()
	}
	s.mu.Unlock()

	err := s.repo.Delete(ctx, sess, id)
	if apperrors.IsNotFound(err) {
		err = nil
	}
	s.observeMutation("delete", err)
	if err != nil {
		// The server still has it; let the next fetch bring it back.
		s.tombstones.Delete(id)
		s.logger.Error(err, "failed to delete notification", "notification_id", id)
		s.toaster.Error(msgDeleteFailed)
		if ok {
			s.rollback("delete", gen, func() bool {
				return s.store.Restore(removed, index, sess.UserID)
			})
		}
		return err
	}
	if s.opts.AnnounceSuccess {
		s.toaster.Success(msgDeleted)
	}
	return nil
}

func (s *Sync) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that receives the current snapshot and then
// the latest one after every change. Call the returned func to stop.
func (s *Sync) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hub.subscribe(s.snapshotLocked())
}

// Close stops the sync. Responses that arrive afterwards are ignored.
func (s *Sync) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	ch := s.channel
	s.channel = nil
	s.mu.Unlock()

	s.cancel()
	if ch != nil {
		s.closeChannel(ch)
	}
	s.wg.Wait()
	s.hub.closeAll()
	return nil
}

func (s *Sync) checkLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.sess.IsZero() {
		return ErrNoSession
	}
	return nil
}

// restartLocked abandons the in-flight fetch and any pending refresh.
func (s *Sync) restartLocked() {
	s.generation++
	if s.cancelFetch != nil {
		s.cancelFetch()
	}
	s.loading = false
	s.activeFetch = 0
	s.cancelFetch = nil
	s.pendingRefresh = false
}

func (s *Sync) coalesceLocked() {
	s.pendingRefresh = true
	if s.metrics != nil {
		s.metrics.Coalesced.Inc()
	}
}

func (s *Sync) beginFetchLocked(ctx context.Context, page int, reset bool, kind string) *fetch {
	s.fetchSeq++
	fctx, cancel := context.WithCancel(ctx)
	f := &fetch{
		id:         s.fetchSeq,
		generation: s.generation,
		reset:      reset,
		kind:       kind,
		sess:       s.sess,
		ctx:        fctx,
		cancel:     cancel,
		params: model.ListParams{
			Page:       page,
			Limit:      s.opts.PageSize,
			UnreadOnly: s.store.Filter().UnreadOnly(),
			Search:     s.search,
		},
	}
	s.loading = true
	s.activeFetch = f.id
	s.cancelFetch = cancel
	s.publishLocked()
	return f
}

// goFetchLocked runs f in the background. Callers have checked closed.
func (s *Sync) goFetchLocked(f *fetch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.runFetch(f)
	}()
}

// followUpLocked starts the refresh that was coalesced while a fetch ran.
func (s *Sync) followUpLocked() {
	if !s.pendingRefresh || s.closed || s.loading || s.sess.IsZero() {
		return
	}
	s.pendingRefresh = false
	s.goFetchLocked(s.beginFetchLocked(s.ctx, 1, true, fetchCoalesced))
}

func (s *Sync) runFetch(f *fetch) error {
	start := time.Now()
	resp, err := s.repo.List(f.ctx, f.sess, f.params)
	f.cancel()

	s.mu.Lock()
	if s.activeFetch == f.id {
		s.loading = false
		s.activeFetch = 0
		s.cancelFetch = nil
	}

	if s.closed || f.generation != s.generation {
		s.followUpLocked()
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.StaleResponses.Inc()
		}
		s.logger.Debug("discarding stale notification page", "page", f.params.Page, "kind", f.kind)
		return nil
	}

	s.observeFetch(f.kind, start, err)
	if err != nil {
		s.followUpLocked()
		s.publishLocked()
		s.mu.Unlock()
		s.logger.Error(err, "failed to load notifications", "page", f.params.Page, "kind", f.kind)
		s.toaster.Error(msgLoadFailed)
		return err
	}

	items := s.withoutTombstones(resp.Notifications)
	hasMore := f.params.Page < resp.Pages
	if f.reset {
		s.store.Replace(items, resp.UnreadCount, hasMore)
	} else {
		s.store.Append(items, f.params.Page, hasMore)
		s.store.SetUnreadCount(resp.UnreadCount)
	}
	unread := s.store.UnreadCount()
	s.followUpLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.setUnreadGauge(unread)
	return nil
}

func (s *Sync) withoutTombstones(items []model.Notification) []model.Notification {
	if s.tombstones.ItemCount() == 0 {
		return items
	}
	out := make([]model.Notification, 0, len(items))
	for _, n := range items {
		if _, deleted := s.tombstones.Get(n.ID); deleted {
			continue
		}
		out = append(out, n)
	}
	return out
}

// refreshAsync refetches page 1 in the background, or marks a refresh as
// pending when a fetch is already running.
func (s *Sync) refreshAsync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.sess.IsZero() {
		return
	}
	if s.loading {
		s.coalesceLocked()
		return
	}
	s.goFetchLocked(s.beginFetchLocked(s.ctx, 1, true, fetchPush))
}

// connect dials the push channel for sess with the per-user handlers
// already attached. The channel is discarded if the session moved on
// meanwhile.
func (s *Sync) connect(sess session.Session, epoch uint64) {
	if s.dialer == nil {
		return
	}

	var connects int32
	subs := []push.Subscription{
		{Event: push.NewNotificationEvent(sess.UserID), Handler: func(json.RawMessage) {
			s.onNewNotification(epoch)
		}},
		{Event: push.UpdateEvent(sess.UserID), Handler: func(payload json.RawMessage) {
			s.onUpdate(epoch, payload)
		}},
		{Event: push.EventConnect, Handler: func(json.RawMessage) {
			// The first connect follows the initial load; later ones
			// may have missed events.
			if atomic.AddInt32(&connects, 1) > 1 {
				s.onReconnect(epoch)
			}
		}},
	}

	ch, err := s.dialer.Dial(s.ctx, sess, subs...)
	if err != nil {
		s.logger.Error(err, "push channel unavailable, continuing with fetches only", "user_id", sess.UserID)
		return
	}

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		s.closeChannel(ch)
		return
	}
	s.channel = ch
	s.publishLocked()
	s.mu.Unlock()
}

func (s *Sync) closeChannel(ch push.Channel) {
	if err := ch.Close(); err != nil {
		s.logger.Warn("failed to close push channel", "error", err.Error())
	}
}

func (s *Sync) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.epoch == epoch
}

func (s *Sync) onNewNotification(epoch uint64) {
	if !s.current(epoch) {
		return
	}
	s.refreshAsync()
	s.toaster.Info(msgNewNotification)
}

// onUpdate applies the pushed count at once and refetches the list, since
// a count change means data the list does not show yet.
func (s *Sync) onUpdate(epoch uint64, payload json.RawMessage) {
	var ev model.UpdateEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		s.logger.Warn("malformed notification update", "error", err.Error())
	}

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	unread := -1
	if ev.UnreadCount != nil {
		s.store.SetUnreadCount(*ev.UnreadCount)
		unread = s.store.UnreadCount()
		s.publishLocked()
	}
	s.mu.Unlock()

	if unread >= 0 {
		s.setUnreadGauge(unread)
	}
	s.refreshAsync()
}

func (s *Sync) onReconnect(epoch uint64) {
	if !s.current(epoch) {
		return
	}
	s.logger.Info("push channel reconnected, refreshing")
	s.refreshAsync()
}

func (s *Sync) rollback(op string, gen uint64, undo func() bool) {
	if !s.opts.RollbackOnFailure {
		return
	}
	s.mu.Lock()
	if s.closed || gen != s.generation || !undo() {
		s.mu.Unlock()
		return
	}
	unread := s.store.UnreadCount()
	s.publishLocked()
	s.mu.Unlock()

	s.setUnreadGauge(unread)
	if s.metrics != nil {
		s.metrics.Rollbacks.WithLabelValues(op).Inc()
	}
}

func (s *Sync) snapshotLocked() Snapshot {
	return Snapshot{
		Items:       s.store.Items(),
		UnreadCount: s.store.UnreadCount(),
		Page:        s.store.Page(),
		HasMore:     s.store.HasMore(),
		Filter:      s.store.Filter(),
		Search:      s.search,
		Loading:     s.loading,
		Connected:   s.channel != nil && s.channel.Connected(),
		UserID:      s.sess.UserID,
	}
}

func (s *Sync) publishLocked() {
	if s.hub.empty() {
		return
	}
	s.hub.publish(s.snapshotLocked())
}

func (s *Sync) observeFetch(kind string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.Fetches.WithLabelValues(kind, status).Inc()
	s.metrics.FetchLatency.Observe(time.Since(start).Seconds())
}

func (s *Sync) observeMutation(op string, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.Mutations.WithLabelValues(op, status).Inc()
}

func (s *Sync) setUnreadGauge(n int) {
	if s.metrics != nil {
		s.metrics.UnreadCount.Set(float64(n))
	}
}
