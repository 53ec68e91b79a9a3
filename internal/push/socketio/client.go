package socketio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/logger"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

var (
	// ErrConnectRefused is returned when the server answers the namespace
	// connect with CONNECT_ERROR, usually a rejected token.
	ErrConnectRefused = errors.New("socket.io connect refused")

	errServerClosed = errors.New("server closed the connection")
)

type Config struct {
	// URL is the http(s) base URL of the server.
	URL              string
	Path             string
	Namespace        string
	HandshakeTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
}

func (c *Config) setDefaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.Namespace == "" {
		c.Namespace = "/"
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReconnectInitial <= 0 {
		c.ReconnectInitial = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Dialer opens Socket.IO channels over a websocket transport.
type Dialer struct {
	cfg     Config
	ws      *websocket.Dialer
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

func NewDialer(cfg Config, opts ...Option) *Dialer {
	cfg.setDefaults()
	d := &Dialer{
		cfg:    cfg,
		ws:     &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dialer) endpoint() (string, error) {
	u, err := url.Parse(d.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid push url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid push url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(d.cfg.Path, "/")
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// Dial starts a client that keeps a connection open until ctx is done or
// Close is called. It does not wait for the first connection.
func (d *Dialer) Dial(ctx context.Context, sess session.Session, subs ...push.Subscription) (push.Channel, error) {
	if sess.IsZero() {
		return nil, session.ErrEmptyToken
	}
	endpoint, err := d.endpoint()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		dialer:   d,
		sess:     sess,
		url:      endpoint,
		registry: push.NewRegistry(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, sub := range subs {
		c.registry.Add(sub.Event, sub.Handler)
	}
	go c.run(ctx)
	return c, nil
}

// Client is one logical Socket.IO connection. Subscriptions are kept
// across reconnects.
type Client struct {
	dialer   *Dialer
	sess     session.Session
	url      string
	registry *push.Registry

	connected atomic.Bool
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *Client) Subscribe(event string, h push.Handler) (func(), error) {
	if c.closed.Load() {
		return nil, push.ErrClosed
	}
	return c.registry.Add(event, h), nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close sends a disconnect packet if connected and stops reconnecting.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		<-c.done
		return nil
	}
	c.mu.Lock()
	if c.conn != nil && c.connected.Load() {
		_ = c.conn.WriteMessage(websocket.TextMessage, encodeDisconnect(c.dialer.cfg.Namespace))
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.dialer.cfg.ReconnectInitial
	b.MaxInterval = c.dialer.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()

	log := c.dialer.logger
	for {
		established, err := c.connectOnce(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if established {
			b.Reset()
		}

		wait := b.NextBackOff()
		log.Warn("push channel disconnected", "error", errString(err), "retry_in", wait.String())
		if c.dialer.metrics != nil {
			c.dialer.metrics.PushReconnects.Inc()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connectOnce runs a single connection until it fails. It reports whether
// the namespace connect succeeded.
func (c *Client) connectOnce(ctx context.Context) (bool, error) {
	cfg := c.dialer.cfg
	log := c.dialer.logger

	conn, resp, err := c.dialer.ws.DialContext(ctx, c.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing push server: %w", err)
	}
	c.setConn(conn)
	defer func() {
		c.setConn(nil)
		conn.Close()
	}()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("reading open packet: %w", err)
	}
	open, err := parseOpen(msg)
	if err != nil {
		return false, err
	}

	connect, err := encodeConnect(cfg.Namespace, c.sess.Token)
	if err != nil {
		return false, err
	}
	if err := c.write(connect); err != nil {
		return false, fmt.Errorf("sending connect: %w", err)
	}

	established := false
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return established, ctx.Err()
			}
			return established, fmt.Errorf("reading: %w", err)
		}
		if established {
			_ = conn.SetReadDeadline(time.Now().Add(open.deadline()))
		}
		if mt != websocket.TextMessage || len(msg) == 0 {
			continue
		}

		switch msg[0] {
		case eioPing:
			if err := c.write([]byte{eioPong}); err != nil {
				return established, fmt.Errorf("sending pong: %w", err)
			}
		case eioClose:
			return established, errServerClosed
		case eioPong, eioNoop:
		case eioMessage:
			p, err := parsePacket(msg[1:])
			if err != nil || p.Namespace != cfg.Namespace {
				continue
			}
			switch p.Type {
			case sioConnect:
				established = true
				_ = conn.SetReadDeadline(time.Now().Add(open.deadline()))
				c.setConnected(true)
				log.Info("push channel connected", "sid", open.SID, "user_id", c.sess.UserID)
				c.registry.Dispatch(push.EventConnect, json.RawMessage("null"))
			case sioConnectError:
				return established, fmt.Errorf("%w: %s", ErrConnectRefused, p.connectError())
			case sioDisconnect:
				return established, errServerClosed
			case sioEvent:
				name, data, err := p.event()
				if err != nil {
					log.Debug("ignoring malformed event", "packet", truncate(msg))
					continue
				}
				if c.dialer.metrics != nil {
					c.dialer.metrics.PushEvents.WithLabelValues(push.EventKind(name, c.sess.UserID)).Inc()
				}
				c.registry.Dispatch(name, data)
			}
		}
	}
}

func (c *Client) write(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return push.ErrClosed
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) setConnected(v bool) {
	c.connected.Store(v)
	if c.dialer.metrics == nil {
		return
	}
	if v {
		c.dialer.metrics.PushConnected.Set(1)
	} else {
		c.dialer.metrics.PushConnected.Set(0)
	}
}


func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
