package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioNoop    = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	sioConnect      = '0'
	sioDisconnect   = '1'
	sioEvent        = '2'
	sioAck          = '3'
	sioConnectError = '4'
)

var errMalformed = errors.New("malformed packet")

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// deadline is how long the server may stay silent before the connection
// is considered dead.
func (o openPayload) deadline() time.Duration {
	interval := time.Duration(o.PingInterval) * time.Millisecond
	timeout := time.Duration(o.PingTimeout) * time.Millisecond
	if interval <= 0 {
		interval = 25 * time.Second
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return interval + timeout
}

type connectAuth struct {
	Token string `json:"token"`
}

// packet is a decoded Socket.IO packet.
type packet struct {
	Type      byte
	Namespace string
	Data      json.RawMessage
}

func parseOpen(msg []byte) (openPayload, error) {
	var o openPayload
	if len(msg) == 0 || msg[0] != eioOpen {
		return o, fmt.Errorf("expected open packet, got %q", truncate(msg))
	}
	if err := json.Unmarshal(msg[1:], &o); err != nil {
		return o, fmt.Errorf("decoding open packet: %w", err)
	}
	return o, nil
}

// parsePacket decodes the Socket.IO part of an Engine.IO message, i.e.
// everything after the leading '4'.
func parsePacket(body []byte) (packet, error) {
	if len(body) == 0 {
		return packet{}, errMalformed
	}
	p := packet{Type: body[0], Namespace: "/"}
	rest := body[1:]

	if len(rest) > 0 && rest[0] == '/' {
		end := strings.IndexByte(string(rest), ',')
		if end < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:end])
		rest = rest[end+1:]
	}

	// ack id
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:]
	}

	if len(rest) > 0 {
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// event splits an event packet's data into name and first argument.
func (p packet) event() (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil || len(args) == 0 {
		return "", nil, errMalformed
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name: %w", errMalformed)
	}
	if len(args) < 2 {
		return name, json.RawMessage("null"), nil
	}
	return name, args[1], nil
}

// connectError extracts the message of a CONNECT_ERROR packet.
func (p packet) connectError() string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(p.Data, &body) == nil && body.Message != "" {
		return body.Message
	}
	var s string
	if json.Unmarshal(p.Data, &s) == nil && s != "" {
		return s
	}
	return "connection refused"
}

func encodeConnect(namespace, token string) ([]byte, error) {
	auth, err := json.Marshal(connectAuth{Token: "Bearer " + token})
	if err != nil {
		return nil, err
	}
	prefix := string([]byte{eioMessage, sioConnect})
	if namespace != "" && namespace != "/" {
		prefix += namespace + ","
	}
	return append([]byte(prefix), auth...), nil
}

func encodeDisconnect(namespace string) []byte {
	out := string([]byte{eioMessage, sioDisconnect})
	if namespace != "" && namespace != "/" {
		out += namespace + ","
	}
	return []byte(out)
}

func truncate(b []byte) string {
	if len(b) > 64 {
		return string(b[:64]) + "..."
	}
	return string(b)
}
