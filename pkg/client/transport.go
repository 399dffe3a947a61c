package client

import (
	"context"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"chatsync/pkg/logger"
	"chatsync/pkg/wire"
)

// Conn is one live duplex channel. Read blocks until a well-formed
// envelope arrives or the channel errors out.
type Conn interface {
	Read() (wire.Envelope, error)
	Write(env wire.Envelope) error
	Close() error
}

// Dialer opens a channel bound to a session. The websocket implementation
// is the production one; tests substitute their own.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Conn, error)
}

// WSDialer dials the gateway's websocket endpoint.
type WSDialer struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080"
	BaseURL          string
	HandshakeTimeout time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	url := strings.TrimRight(d.BaseURL, "/") + "/v1/sessions/" + sessionID + "/ws"
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	if dialer.HandshakeTimeout == 0 {
		dialer.HandshakeTimeout = 10 * time.Second
	}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

// Read loops past malformed frames: a protocol error is logged and
// ignored, never fatal to the channel.
func (w *wsConn) Read() (wire.Envelope, error) {
	for {
		_, data, err := w.c.ReadMessage()
		if err != nil {
			return wire.Envelope{}, err
		}
		env, err := wire.Decode(data)
		if err != nil {
			logger.Warn("client_malformed_envelope", "error", err)
			continue
		}
		return env, nil
	}
}

func (w *wsConn) Write(env wire.Envelope) error {
	return w.c.WriteJSON(env)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}
