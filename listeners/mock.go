// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"errors"
	"net"
	"sync"

	"log/slog"
)

// ErrMockListen is returned by Init of a mock listener set to fail.
var ErrMockListen = errors.New("listen failure")

// MockEstablisher is an EstablishFn which accepts every connection without serving it.
func MockEstablisher(id string, c net.Conn) error {
	return nil
}

// MockCloser is a CloseFn which does nothing.
func MockCloser(id string) {}

// MockListener is a listener which never binds an address. Connections can be handed
// to the server through Dial, which returns the client end of an in-memory pipe.
type MockListener struct {
	sync.RWMutex
	id        string       // the id of the listener
	address   string       // the network address the listener binds to
	done      chan bool    // indicate the listener is done
	establish EstablishFn  // the server's establish handler once serving
	log       *slog.Logger // server logger
	Serving   bool         // indicate the listener is serving
	Listening bool         // indicate the listener is listening
	ErrListen bool         // throw an error on listen
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan bool),
	}
}

// Serve serves the mock listener until it is closed.
func (l *MockListener) Serve(establish EstablishFn) {
	l.Lock()
	l.Serving = true
	l.establish = establish
	l.Unlock()

	<-l.done
}

// Dial establishes a new in-memory connection with the serving listener.
func (l *MockListener) Dial() (net.Conn, bool) {
	l.RLock()
	establish := l.establish
	serving := l.Serving
	l.RUnlock()

	if !serving || establish == nil {
		return nil, false
	}

	client, server := net.Pipe()
	go func() {
		err := establish(l.id, server)
		if err != nil && l.log != nil {
			l.log.Warn("connection ended", "error", err, "listener", l.id)
		}
	}()

	return client, true
}

// Init initializes the listener.
func (l *MockListener) Init(log *slog.Logger) error {
	if l.ErrListen {
		return ErrMockListen
	}

	l.Lock()
	defer l.Unlock()
	l.log = log
	l.Listening = true
	return nil
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *MockListener) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *MockListener) Protocol() string {
	return "mock"
}

// Close closes the mock listener.
func (l *MockListener) Close(closer CloseFn) {
	l.Lock()
	defer l.Unlock()

	closer(l.id)
	if l.Serving || l.Listening {
		l.Serving = false
		l.Listening = false
		close(l.done)
	}
}

// IsServing indicates whether the mock listener is serving.
func (l *MockListener) IsServing() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Serving
}

// IsListening indicates whether the mock listener is listening.
func (l *MockListener) IsListening() bool {
	l.RLock()
	defer l.RUnlock()
	return l.Listening
}
