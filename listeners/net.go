// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"net"
	"sync"
	"sync/atomic"

	"log/slog"
)

// stream hands the connections accepted by a bound net.Listener to the server. It is
// shared by the listeners carrying a plain byte stream.
type stream struct {
	mu     sync.Mutex
	id     string       // the internal id of the listener
	listen net.Listener // a net.Listener which will listen for new connections
	log    *slog.Logger // server logger
	end    atomic.Bool  // ensure the close methods are only called once
}

// ID returns the id of the listener.
func (l *stream) ID() string {
	return l.id
}

// serve accepts connections until the listener is closed. Each connection is
// established on its own goroutine, which lives as long as the connection.
func (l *stream) serve(establish EstablishFn) {
	for {
		conn, err := l.listen.Accept()
		if err != nil {
			if !l.end.Load() {
				l.log.Error("accept failed", "error", err, "listener", l.id)
			}
			return
		}

		if l.end.Load() {
			_ = conn.Close()
			return
		}

		go func() {
			err := establish(l.id, conn)
			if err != nil {
				l.log.Warn("connection ended", "error", err, "remote", conn.RemoteAddr().String())
			}
		}()
	}
}

// close stops accepting and closes the connections of the listener.
func (l *stream) close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.end.CompareAndSwap(false, true) {
		return
	}

	closeClients(l.id)
	if l.listen != nil {
		_ = l.listen.Close()
	}
}

// Net is a listener serving connections from an already bound net.Listener, such as
// one handed over by a service manager or opened on a random port.
type Net struct { // [MQTT-4.2.0-1]
	stream
}

// NewNet initialises and returns a listener serving incoming connections on the given net.Listener.
func NewNet(id string, listener net.Listener) *Net {
	l := new(Net)
	l.id = id
	l.listen = listener
	return l
}

// Address returns the address of the listener.
func (l *Net) Address() string {
	return l.listen.Addr().String()
}

// Protocol returns the network of the listener.
func (l *Net) Protocol() string {
	return l.listen.Addr().Network()
}

// Init initializes the listener.
func (l *Net) Init(log *slog.Logger) error {
	l.log = log
	return nil
}

// Serve starts waiting for new connections, and calls the establish connection
// callback for any received.
func (l *Net) Serve(establish EstablishFn) {
	l.serve(establish)
}

// Close closes the listener and any client connections.
func (l *Net) Close(closeClients CloseFn) {
	l.close(closeClients)
}
