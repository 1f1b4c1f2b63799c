// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package listeners provides the transports which hand inbound connections to a server.
package listeners

import (
	"crypto/tls"
	"net"
	"sync"

	"log/slog"
)

// Listener types recognised in configuration.
const (
	TypeTCP         = "tcp"
	TypeUnix        = "unix"
	TypeWS          = "ws"
	TypeHealthCheck = "healthcheck"
	TypeSysInfo     = "sysinfo"
	TypeMock        = "mock"
)

// Config contains configuration values for a listener.
type Config struct {
	TLSConfig *tls.Config `yaml:"-" json:"-"`
	Type      string      `yaml:"type" json:"type"`
	ID        string      `yaml:"id" json:"id"`
	Address   string      `yaml:"address" json:"address"`
}

// EstablishFn is a callback function for establishing new connections.
type EstablishFn func(id string, c net.Conn) error

// CloseFn is a callback function for closing all connections of a listener.
type CloseFn func(id string)

// Listener is an interface for network listeners. A network listener listens
// for incoming connections and hands them to the server.
type Listener interface {
	Init(*slog.Logger) error // open the network address
	Serve(EstablishFn)       // starting actively listening for new connections
	ID() string              // return the id of the listener
	Address() string         // the address of the listener
	Protocol() string        // the protocol in use by the listener
	Close(CloseFn)           // stop and close the listener
}

// Listeners contains the network listeners for the server.
type Listeners struct {
	ClientsWg sync.WaitGroup      // a waitgroup that waits for all clients in all listeners to finish.
	internal  map[string]Listener // a map of active listeners.
	sync.RWMutex
}

// New returns a new instance of Listeners.
func New() *Listeners {
	return &Listeners{
		internal: map[string]Listener{},
	}
}

// Add adds a new listener to the listeners map, keyed on id.
func (l *Listeners) Add(val Listener) {
	l.Lock()
	defer l.Unlock()
	l.internal[val.ID()] = val
}

// Get returns the value of a listener if it exists.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.RLock()
	defer l.RUnlock()
	val, ok := l.internal[id]
	return val, ok
}

// Len returns the length of the listeners map.
func (l *Listeners) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.internal)
}

// Delete removes a listener from the internal map.
func (l *Listeners) Delete(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.internal, id)
}

// ids returns a snapshot of the listener ids, so listeners can be started or stopped
// without holding the lock.
func (l *Listeners) ids() []string {
	l.RLock()
	defer l.RUnlock()

	out := make([]string, 0, len(l.internal))
	for id := range l.internal {
		out = append(out, id)
	}
	return out
}

// Serve starts a listener on its own goroutine.
func (l *Listeners) Serve(id string, establish EstablishFn) {
	if listener, ok := l.Get(id); ok {
		go listener.Serve(establish)
	}
}

// ServeAll starts every listener.
func (l *Listeners) ServeAll(establish EstablishFn) {
	for _, id := range l.ids() {
		l.Serve(id, establish)
	}
}

// Close stops a listener.
func (l *Listeners) Close(id string, closer CloseFn) {
	if listener, ok := l.Get(id); ok {
		listener.Close(closer)
	}
}

// CloseAll stops every listener, then waits for the connections they handed over.
func (l *Listeners) CloseAll(closer CloseFn) {
	for _, id := range l.ids() {
		l.Close(id, closer)
	}
	l.ClientsWg.Wait()
}
