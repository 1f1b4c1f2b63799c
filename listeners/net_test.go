// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNet(t *testing.T) {
	n, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", n)
	defer l.Close(MockCloser)

	require.Equal(t, "t1", l.ID())
	require.Equal(t, n.Addr().String(), l.Address())
	require.Equal(t, "tcp", l.Protocol())
	require.NoError(t, l.Init(logger))
}

func TestNetServeAndClose(t *testing.T) {
	n, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", n)
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}

func TestNetEstablish(t *testing.T) {
	n, err := net.Listen("tcp", testAddr)
	require.NoError(t, err)

	l := NewNet("t1", n)
	require.NoError(t, l.Init(logger))

	established := make(chan string)
	go l.Serve(func(id string, c net.Conn) error {
		established <- id
		return nil
	})

	c, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "t1", <-established)
	l.Close(MockCloser)
}
