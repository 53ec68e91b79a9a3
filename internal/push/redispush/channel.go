// Package redispush delivers push events over a message broker, one
// topic per event name. It is used when the API fans events out through
// Redis pub/sub instead of Socket.IO.
package redispush

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/messaging"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

type Dialer struct {
	broker  messaging.MessageBroker
	prefix  string
	logger  *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*Dialer)

func WithLogger(l *logger.Logger) Option {
	return func(d *Dialer) { d.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dialer) { d.metrics = m }
}

// NewDialer subscribes to "<prefix><event>" topics on broker.
func NewDialer(broker messaging.MessageBroker, prefix string, opts ...Option) *Dialer {
	d := &Dialer{broker: broker, prefix: prefix, logger: logger.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context, sess session.Session, subs ...push.Subscription) (push.Channel, error) {
	if sess.IsZero() {
		return nil, session.ErrEmptyToken
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Channel{
		dialer:   d,
		sess:     sess,
		ctx:      ctx,
		cancel:   cancel,
		registry: push.NewRegistry(),
		topics:   make(map[string]context.CancelFunc),
	}
	for _, sub := range subs {
		if _, err := c.Subscribe(sub.Event, sub.Handler); err != nil {
			_ = c.Close()
			return nil, err
		}
	}
	if d.metrics != nil {
		d.metrics.PushConnected.Set(1)
	}
	return c, nil
}

// Channel holds one broker subscription per event that has handlers.
type Channel struct {
	dialer   *Dialer
	sess     session.Session
	ctx      context.Context
	cancel   context.CancelFunc
	registry *push.Registry

	mu     sync.Mutex
	topics map[string]context.CancelFunc
	closed bool
}

func (c *Channel) Subscribe(event string, h push.Handler) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, push.ErrClosed
	}

	remove := c.registry.Add(event, h)
	if _, ok := c.topics[event]; !ok {
		topic := c.dialer.prefix + event
		tctx, tcancel := context.WithCancel(c.ctx)
		err := c.dialer.broker.Subscribe(tctx, topic, func(msg []byte) error {
			return c.deliver(event, msg)
		})
		if err != nil {
			tcancel()
			remove()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		c.topics[event] = tcancel
		c.dialer.logger.Debug("subscribed", "topic", topic)
	}

	return func() {
		remove()
		c.mu.Lock()
		defer c.mu.Unlock()
		if cancel, ok := c.topics[event]; ok && c.registry.Len(event) == 0 {
			cancel()
			delete(c.topics, event)
		}
	}, nil
}

func (c *Channel) deliver(event string, msg []byte) error {
	if !json.Valid(msg) {
		return fmt.Errorf("invalid JSON on %s", event)
	}
	if c.dialer.metrics != nil {
		c.dialer.metrics.PushEvents.WithLabelValues(push.EventKind(event, c.sess.UserID)).Inc()
	}
	c.registry.Dispatch(event, json.RawMessage(msg))
	return nil
}

// Connected is true until Close; the broker reconnects on its own.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.cancel()
	c.topics = map[string]context.CancelFunc{}
	if c.dialer.metrics != nil {
		c.dialer.metrics.PushConnected.Set(0)
	}
	return nil
}

