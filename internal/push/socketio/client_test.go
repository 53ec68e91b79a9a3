package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/notify-sync/internal/push"
	"github.com/jwalitptl/notify-sync/internal/session"
	"github.com/jwalitptl/notify-sync/pkg/metrics"
)

// fakeServer speaks just enough Engine.IO v4 / Socket.IO v5 to accept a
// client and hand the connection to the test.
type fakeServer struct {
	t           *testing.T
	token       string
	upgrader    websocket.Upgrader
	connections atomic.Int32
	conns       chan *websocket.Conn
}

func newFakeServer(t *testing.T, token string) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, token: token, conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad handshake", http.StatusBadRequest)
		return
	}
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.connections.Add(1)

	open := `0{"sid":"eio-1","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(open)); err != nil {
		conn.Close()
		return
	}

	_, msg, err := conn.ReadMessage()
	if err != nil || !strings.HasPrefix(string(msg), "40") {
		conn.Close()
		return
	}
	var auth connectAuth
	if json.Unmarshal(msg[2:], &auth) != nil || auth.Token != "Bearer "+f.token {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`44{"message":"Unauthorized"}`))
		conn.Close()
		return
	}

	_ = conn.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"sio-1"}`))
	f.conns <- conn
}

func (f *fakeServer) next(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("client never connected")
		return nil
	}
}

func testDialer(url string) *Dialer {
	return NewDialer(Config{
		URL:              url,
		ReconnectInitial: 10 * time.Millisecond,
		ReconnectMax:     50 * time.Millisecond,
	}, WithMetrics(metrics.New("test")))
}

func send(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
}

func recv(t *testing.T, ch <-chan json.RawMessage) json.RawMessage {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestClientReceivesEvents(t *testing.T) {
	f, srv := newFakeServer(t, "tok")

	ch, err := testDialer(srv.URL).Dial(context.Background(), session.New("tok", "u1"))
	require.NoError(t, err)

	events := make(chan json.RawMessage, 4)
	_, err = ch.Subscribe(push.UpdateEvent("u1"), func(p json.RawMessage) { events <- p })
	require.NoError(t, err)

	conn := f.next(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)

	send(t, conn, "2")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, pong, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "3", string(pong))

	send(t, conn, `42["notification_update_u2",{"unread_count":9}]`)
	send(t, conn, `42["notification_update_u1",{"unread_count":5}]`)
	assert.JSONEq(t, `{"unread_count":5}`, string(recv(t, events)))

	require.NoError(t, ch.Close())
	_, bye, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "41", string(bye))
	assert.False(t, ch.Connected())

	_, err = ch.Subscribe("anything", func(json.RawMessage) {})
	assert.ErrorIs(t, err, push.ErrClosed)
}

func TestClientReconnectsAndKeepsSubscriptions(t *testing.T) {
	f, srv := newFakeServer(t, "tok")

	ch, err := testDialer(srv.URL).Dial(context.Background(), session.New("tok", "u1"))
	require.NoError(t, err)
	defer ch.Close()

	var connects atomic.Int32
	_, err = ch.Subscribe(push.EventConnect, func(json.RawMessage) { connects.Add(1) })
	require.NoError(t, err)
	events := make(chan json.RawMessage, 4)
	_, err = ch.Subscribe(push.NewNotificationEvent("u1"), func(p json.RawMessage) { events <- p })
	require.NoError(t, err)

	first := f.next(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)
	first.Close()

	second := f.next(t)
	require.Eventually(t, ch.Connected, 2*time.Second, 10*time.Millisecond)
	send(t, second, `42["new_notification_u1",{"_id":"n9","title":"hi"}]`)

	assert.JSONEq(t, `{"_id":"n9","title":"hi"}`, string(recv(t, events)))
	assert.Equal(t, int32(2), f.connections.Load())
	assert.Eventually(t, func() bool { return connects.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientUnsubscribe(t *testing.T) {
	f, srv := newFakeServer(t, "tok")

	ch, err := testDialer(srv.URL).Dial(context.Background(), session.New("tok", "u1"))
	require.NoError(t, err)
	defer ch.Close()

	first := make(chan json.RawMessage, 4)
	second := make(chan json.RawMessage, 4)
	unsub, err := ch.Subscribe("ev", func(p json.RawMessage) { first <- p })
	require.NoError(t, err)
	_, err = ch.Subscribe("ev", func(p json.RawMessage) { second <- p })
	require.NoError(t, err)
	unsub()

	conn := f.next(t)
	send(t, conn, `42["ev",1]`)
	assert.Equal(t, "1", string(recv(t, second)))
	assert.Empty(t, first)
}

func TestClientConnectRefused(t *testing.T) {
	f, srv := newFakeServer(t, "right")

	ch, err := testDialer(srv.URL).Dial(context.Background(), session.New("wrong", "u1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.connections.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, ch.Connected())
	require.NoError(t, ch.Close())
}

func TestDialRequiresSession(t *testing.T) {
	_, err := testDialer("http://localhost").Dial(context.Background(), session.Session{})
	assert.ErrorIs(t, err, session.ErrEmptyToken)
}

func TestEndpoint(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://localhost:5000", "ws://localhost:5000/socket.io/?EIO=4&transport=websocket"},
		{"https://api.example.com/", "wss://api.example.com/socket.io/?EIO=4&transport=websocket"},
		{"https://api.example.com/v2", "wss://api.example.com/v2/socket.io/?EIO=4&transport=websocket"},
	}
	for _, tt := range tests {
		got, err := NewDialer(Config{URL: tt.url}).endpoint()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := NewDialer(Config{URL: "ftp://x"}).endpoint()
	assert.Error(t, err)
}

func TestParsePacket(t *testing.T) {
	p, err := parsePacket([]byte(`2/admin,13["ping",{"a":1}]`))
	require.NoError(t, err)
	assert.Equal(t, byte(sioEvent), p.Type)
	assert.Equal(t, "/admin", p.Namespace)

	name, data, err := p.event()
	require.NoError(t, err)
	assert.Equal(t, "ping", name)
	assert.JSONEq(t, `{"a":1}`, string(data))

	p, err = parsePacket([]byte(`2["bare"]`))
	require.NoError(t, err)
	name, data, err = p.event()
	require.NoError(t, err)
	assert.Equal(t, "bare", name)
	assert.Equal(t, "null", string(data))

	p, err = parsePacket([]byte(`4{"message":"Unauthorized"}`))
	require.NoError(t, err)
	assert.Equal(t, "Unauthorized", p.connectError())

	_, err = parsePacket(nil)
	assert.Error(t, err)
}

func TestEncodeConnect(t *testing.T) {
	msg, err := encodeConnect("/", "abc")
	require.NoError(t, err)
	assert.Equal(t, `40{"token":"Bearer abc"}`, string(msg))

	msg, err = encodeConnect("/admin", "abc")
	require.NoError(t, err)
	assert.Equal(t, `40/admin,{"token":"Bearer abc"}`, string(msg))
}
