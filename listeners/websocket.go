// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidMessage indicates that a message payload was not valid.
	ErrInvalidMessage = errors.New("message type not binary")
)

// Websocket accepts MQTT over websocket connections on any path.
type Websocket struct { // [MQTT-4.2.0-1]
	httpd
	establish EstablishFn
	upgrader  *websocket.Upgrader
}

// NewWebsocket returns a websocket listener for an address. The mqtt subprotocol is
// offered and any origin is accepted.
func NewWebsocket(config Config) *Websocket {
	return &Websocket{
		httpd: newHTTPD(config),
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Protocol returns the protocol of the listener.
func (l *Websocket) Protocol() string {
	return l.scheme("ws", "wss")
}

// Init initializes the listener.
func (l *Websocket) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handler)
	l.mount(log, mux, 60*time.Second)
	return nil
}

// handler upgrades a request and runs the connection until it ends.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug("websocket upgrade refused", "error", err, "remote", r.RemoteAddr)
		return
	}
	defer c.Close()

	if err := l.establish(l.id, NewWebsocketConn(c)); err != nil {
		l.log.Warn("connection ended", "error", err, "remote", r.RemoteAddr)
	}
}

// Serve starts waiting for websocket connections, and calls establish for each.
func (l *Websocket) Serve(establish EstablishFn) {
	l.establish = establish
	l.serve()
}

// Close closes the listener and any client connections.
func (l *Websocket) Close(closeClients CloseFn) {
	l.close(closeClients)
}

// wsConn is a websocket connection which satisfies the net.Conn interface. MQTT frames
// may be split over or packed into binary messages in any way, so reads continue from the
// current message until it is exhausted.
type wsConn struct {
	net.Conn
	c  *websocket.Conn
	r  io.Reader // the reader of the current message
	wm sync.Mutex
}

// NewWebsocketConn wraps an established websocket connection as a byte stream.
func NewWebsocketConn(c *websocket.Conn) net.Conn {
	return &wsConn{Conn: c.UnderlyingConn(), c: c}
}

// Read continues from the current message, moving to the next one when it is exhausted.
func (ws *wsConn) Read(p []byte) (int, error) {
	for {
		if ws.r == nil {
			op, r, err := ws.c.NextReader()
			if err != nil {
				return 0, err
			}

			if op != websocket.BinaryMessage {
				return 0, ErrInvalidMessage
			}

			ws.r = r
		}

		n, err := ws.r.Read(p)
		if errors.Is(err, io.EOF) {
			ws.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}

		return n, err
	}
}

// Write writes bytes to the websocket connection as one binary message.
func (ws *wsConn) Write(p []byte) (int, error) {
	ws.wm.Lock()
	defer ws.wm.Unlock()

	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// SetDeadline sets both deadlines of the websocket.
func (ws *wsConn) SetDeadline(t time.Time) error {
	if err := ws.c.SetReadDeadline(t); err != nil {
		return err
	}
	return ws.c.SetWriteDeadline(t)
}

func (ws *wsConn) SetReadDeadline(t time.Time) error {
	return ws.c.SetReadDeadline(t)
}

func (ws *wsConn) SetWriteDeadline(t time.Time) error {
	return ws.c.SetWriteDeadline(t)
}
