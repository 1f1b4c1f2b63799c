// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"net"
	"os"

	"log/slog"
)

// UnixSock is a listener for establishing connections on a unix domain socket.
type UnixSock struct {
	stream
	address string // the path of the socket file
}

// NewUnixSock initialises and returns a new UnixSock listener, listening on a socket path.
func NewUnixSock(config Config) *UnixSock {
	l := &UnixSock{
		address: config.Address,
	}
	l.id = config.ID
	return l
}

// Address returns the socket path of the listener.
func (l *UnixSock) Address() string {
	return l.address
}

// Protocol returns the protocol of the listener.
func (l *UnixSock) Protocol() string {
	return "unix"
}

// Init removes any stale socket file and binds the socket.
func (l *UnixSock) Init(log *slog.Logger) error {
	l.log = log

	var err error
	_ = os.Remove(l.address)
	l.listen, err = net.Listen("unix", l.address)
	return err
}

// Serve starts waiting for new connections, and calls the establish connection
// callback for any received.
func (l *UnixSock) Serve(establish EstablishFn) {
	l.serve(establish)
}

// Close closes the listener and any client connections.
func (l *UnixSock) Close(closeClients CloseFn) {
	l.close(closeClients)
}
