// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"crypto/tls"
	"net"

	"log/slog"
)

// TCP is a listener for establishing connections on basic TCP protocol, optionally
// wrapped in TLS.
type TCP struct { // [MQTT-4.2.0-1]
	stream
	address string // the network address to bind to
	config  Config // configuration values for the listener
}

// NewTCP initialises and returns a new TCP listener, listening on an address.
func NewTCP(config Config) *TCP {
	l := &TCP{
		address: config.Address,
		config:  config,
	}
	l.id = config.ID
	return l
}

// Address returns the bound address of the listener once initialised, so a
// listener configured on port 0 reports the port it was given.
func (l *TCP) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *TCP) Protocol() string {
	if l.config.TLSConfig != nil {
		return "tls"
	}
	return "tcp"
}

// Init opens the network address.
func (l *TCP) Init(log *slog.Logger) error {
	l.log = log

	var err error
	if l.config.TLSConfig != nil {
		l.listen, err = tls.Listen("tcp", l.address, l.config.TLSConfig)
	} else {
		l.listen, err = net.Listen("tcp", l.address)
	}

	return err
}

// Serve starts waiting for new TCP connections, and calls the establish
// connection callback for any received.
func (l *TCP) Serve(establish EstablishFn) {
	l.serve(establish)
}

// Close closes the listener and any client connections.
func (l *TCP) Close(closeClients CloseFn) {
	l.close(closeClients)
}
