package notification

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jwalitptl/notify-sync/internal/model"
	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/session"
)

type listReply struct {
	resp *model.ListResponse
	err  error
}

type listCall struct {
	params model.ListParams
	sess   session.Session
	reply  chan listReply
}

func (c listCall) respond(resp *model.ListResponse, err error) {
	c.reply <- listReply{resp: resp, err: err}
}

// fakeRepo answers List from auto when set; otherwise each call is handed
// to the test on calls and blocks until answered or cancelled.
type fakeRepo struct {
	mu        sync.Mutex
	auto      func(model.ListParams) (*model.ListResponse, error)
	lists     []model.ListParams
	sessions  []session.Session
	mutations []string

	markReadErr error
	markAllErr  error
	deleteErr   error

	calls chan listCall
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{calls: make(chan listCall)}
}

func (r *fakeRepo) setAuto(fn func(model.ListParams) (*model.ListResponse, error)) {
	r.mu.Lock()
	r.auto = fn
	r.mu.Unlock()
}

func (r *fakeRepo) listCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lists)
}

func (r *fakeRepo) List(ctx context.Context, sess session.Session, params model.ListParams) (*model.ListResponse, error) {
	r.mu.Lock()
	r.lists = append(r.lists, params)
	r.sessions = append(r.sessions, sess)
	auto := r.auto
	r.mu.Unlock()

	if auto != nil {
		return auto(params)
	}

	call := listCall{params: params, sess: sess, reply: make(chan listReply, 1)}
	select {
	case r.calls <- call:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case rep := <-call.reply:
		return rep.resp, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *fakeRepo) record(op string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mutations = append(r.mutations, op)
	return err
}

func (r *fakeRepo) MarkRead(_ context.Context, _ session.Session, id string) error {
	return r.record("read:"+id, r.markReadErr)
}

func (r *fakeRepo) MarkAllRead(_ context.Context, _ session.Session) error {
	return r.record("read-all", r.markAllErr)
}

func (r *fakeRepo) Delete(_ context.Context, _ session.Session, id string) error {
	return r.record("delete:"+id, r.deleteErr)
}

func (r *fakeRepo) expectList(t *testing.T) listCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("expected a list call")
		return listCall{}
	}
}

func (r *fakeRepo) expectNoList(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected list call for page %d", c.params.Page)
	case <-time.After(100 * time.Millisecond):
	}
}

func page(unread, pages int, items ...model.Notification) *model.ListResponse {
	return &model.ListResponse{Notifications: items, UnreadCount: unread, Pages: pages, Page: 1}
}

func fixed(resp *model.ListResponse) func(model.ListParams) (*model.ListResponse, error) {
	return func(model.ListParams) (*model.ListResponse, error) { return resp, nil }
}

type fakeChannel struct {
	sess     session.Session
	registry *push.Registry
	closed   atomic.Bool
}

func (c *fakeChannel) Subscribe(event string, h push.Handler) (func(), error) {
	if c.closed.Load() {
		return nil, push.ErrClosed
	}
	return c.registry.Add(event, h), nil
}

func (c *fakeChannel) Connected() bool { return !c.closed.Load() }

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeChannel) emit(event, payload string) int {
	return c.registry.Dispatch(event, json.RawMessage(payload))
}

type fakeDialer struct {
	mu  sync.Mutex
	err error
	// connectOnDial dispatches EventConnect before Dial returns, like a
	// socket that connects faster than the caller gets its channel back.
	connectOnDial bool
	channels      []*fakeChannel
}

func (d *fakeDialer) Dial(_ context.Context, sess session.Session, subs ...push.Subscription) (push.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	ch := &fakeChannel{sess: sess, registry: push.NewRegistry()}
	for _, sub := range subs {
		ch.registry.Add(sub.Event, sub.Handler)
	}
	if d.connectOnDial {
		ch.emit(push.EventConnect, `null`)
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *fakeDialer) last(t *testing.T) *fakeChannel {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.channels) == 0 {
		t.Fatal("nothing dialed")
	}
	return d.channels[len(d.channels)-1]
}
