// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

// peerDialer hands the server end of every dialed pipe to the test.
type peerDialer struct {
	t     *testing.T
	v     byte
	peers chan *rawPeer
	fails atomic.Bool
}

func newPeerDialer(t *testing.T, v byte) *peerDialer {
	return &peerDialer{
		t:     t,
		v:     v,
		peers: make(chan *rawPeer, 8),
	}
}

func (d *peerDialer) dial(ctx context.Context) (net.Conn, error) {
	if d.fails.Load() {
		return nil, errors.New("refused")
	}

	a, b := net.Pipe()
	d.t.Cleanup(func() {
		_ = a.Close()
	})

	d.peers <- &rawPeer{t: d.t, c: a, r: bufio.NewReader(a), v: d.v}
	return b, nil
}

func (d *peerDialer) next() *rawPeer {
	select {
	case p := <-d.peers:
		return p
	case <-time.After(time.Second * 3):
		d.t.Fatal("no connection was dialed")
		return nil
	}
}

// accept reads the connect of a peer and answers it.
func accept(t *testing.T, p *rawPeer, present bool) *packets.ConnectPacket {
	fh, body := p.read()
	require.Equal(t, packets.Connect, fh.Type)

	pk := new(packets.ConnectPacket)
	require.NoError(t, pk.Decode(body))

	p.send(&packets.ConnackPacket{SessionPresent: present})
	return pk
}

// connectPeer connects a client to a fresh raw peer.
func connectPeer(t *testing.T, c *Client, d *peerDialer, present bool) *rawPeer {
	res := make(chan ConnectResult, 1)
	go func() {
		res <- c.Connect(waitCtx(t))
	}()

	p := d.next()
	accept(t, p, present)
	require.True(t, (<-res).OK())

	return p
}

type reconnectHook struct {
	HookBase
	attempts atomic.Int64
	gaveUp   chan error
}

func (h *reconnectHook) ID() string {
	return "reconnects"
}

func (h *reconnectHook) Provides(b byte) bool {
	return b == OnReconnectAttempt || b == OnReconnectGiveUp
}

func (h *reconnectHook) OnReconnectAttempt(cl *Client, attempt int, err error) {
	h.attempts.Add(1)
}

func (h *reconnectHook) OnReconnectGiveUp(cl *Client, err error) {
	h.gaveUp <- err
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(nil, nil, nil)
	require.NotEmpty(t, c.ID())
	require.Equal(t, StateDisconnected, c.State())
	require.Nil(t, c.Conn())
	require.Equal(t, packets.Version311, c.opts.ProtocolVersion)
	require.Nil(t, c.opts.ReconnectBackoff)
}

func TestClientStateString(t *testing.T) {
	require.Equal(t, "disconnected", StateDisconnected.String())
	require.Equal(t, "connecting", StateConnecting.String())
	require.Equal(t, "connected", StateConnected.String())
}

func TestClientConnectPacket(t *testing.T) {
	c := NewClient(nil, nil, &ClientOptions{
		Logger:                logger,
		ClientID:              "zen",
		Username:              "user",
		Password:              "pass",
		ProtocolVersion:       packets.Version5,
		Keepalive:             30,
		SessionExpiryInterval: 120,
		Will: &WillMessage{
			Topic:   "lwt",
			Payload: []byte("gone"),
			Qos:     1,
		},
	})

	pk := c.connectPacket()
	require.Equal(t, "zen", pk.ClientIdentifier)
	require.True(t, pk.UsernameFlag)
	require.Equal(t, []byte("user"), pk.Username)
	require.True(t, pk.PasswordFlag)
	require.Equal(t, []byte("pass"), pk.Password)
	require.Equal(t, uint16(30), pk.Keepalive)
	require.True(t, pk.WillFlag)
	require.Equal(t, "lwt", pk.WillTopic)
	require.Equal(t, byte(1), pk.WillQos)
	require.True(t, pk.Properties.SessionExpiryIntervalFlag)
	require.Equal(t, uint32(120), pk.Properties.SessionExpiryInterval)
}

func TestClientConnect(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger, ClientID: "zen", Keepalive: 30})

	res := make(chan ConnectResult, 1)
	go func() {
		res <- c.Connect(waitCtx(t))
	}()

	p := d.next()
	pk := accept(t, p, false)
	require.Equal(t, "zen", pk.ClientIdentifier)
	require.Equal(t, uint16(30), pk.Keepalive)
	require.False(t, pk.Clean)

	r := <-res
	require.True(t, r.OK())
	require.False(t, r.SessionPresent)
	require.Equal(t, StateConnected, c.State())
	require.NotNil(t, c.Conn())

	r = c.Connect(waitCtx(t))
	require.ErrorIs(t, r.Err, ErrAlreadyConnected)
}

func TestClientConnectTimeout(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger, ConnectTimeout: time.Millisecond * 50})

	res := make(chan ConnectResult, 1)
	go func() {
		res <- c.Connect(context.Background())
	}()

	p := d.next()
	fh, _ := p.read()
	require.Equal(t, packets.Connect, fh.Type)

	r := <-res
	require.ErrorIs(t, r.Err, ErrConnectTimeout)
	require.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectNotConnack(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger})

	res := make(chan ConnectResult, 1)
	go func() {
		res <- c.Connect(waitCtx(t))
	}()

	p := d.next()
	_, _ = p.read()
	p.send(new(packets.PingrespPacket))

	r := <-res
	require.ErrorIs(t, r.Err, packets.ErrProtocolViolationRequireFirstConnack)
	require.Equal(t, StateDisconnected, c.State())
}

func TestClientDialFailure(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	d.fails.Store(true)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger})

	r := c.Connect(waitCtx(t))
	require.Error(t, r.Err)
	require.False(t, r.OK())
	require.Equal(t, StateDisconnected, c.State())
}

func TestClientDisconnectNotConnected(t *testing.T) {
	c := NewClient(nil, nil, &ClientOptions{Logger: logger})
	require.ErrorIs(t, c.Disconnect(waitCtx(t)), ErrNotConnected)
}

func TestClientDisconnect(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger})
	p := connectPeer(t, c, d, false)

	errs := make(chan error, 1)
	go func() {
		errs <- c.Disconnect(waitCtx(t))
	}()

	fh, _ := p.read()
	require.Equal(t, packets.Disconnect, fh.Type)
	require.NoError(t, <-errs)
	require.Equal(t, StateDisconnected, c.State())
	require.Nil(t, c.Conn())
}

func TestClientReconnectRetransmits(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	h := &reconnectHook{gaveUp: make(chan error, 1)}
	c := NewClient(d.dial, nil, &ClientOptions{
		Logger: logger,
		ReconnectBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond * 10)
		},
	})
	require.NoError(t, c.AddHook(h, nil))

	p := connectPeer(t, c, d, false)

	tk, err := c.Publish(waitCtx(t), "a/b", 1, false, []byte("again"))
	require.NoError(t, err)

	first := p.readPublish()
	require.False(t, first.FixedHeader.Dup)
	_ = p.c.Close()

	p = d.next()
	accept(t, p, true)

	again := p.readPublish()
	require.True(t, again.FixedHeader.Dup)
	require.Equal(t, first.PacketID, again.PacketID)
	require.Equal(t, []byte("again"), again.Payload)

	p.send(packets.NewPuback(again.PacketID))
	require.NoError(t, tk.Wait(waitCtx(t)))

	require.Equal(t, int64(1), atomic.LoadInt64(&c.Info.Reconnects))
	require.Equal(t, int64(1), atomic.LoadInt64(&c.Info.Retransmits))
	require.Eventually(t, func() bool {
		return h.attempts.Load() == 1
	}, time.Second, time.Millisecond*5)
	require.Equal(t, StateConnected, c.State())
}

func TestClientReconnectSessionLost(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{
		Logger: logger,
		ReconnectBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond * 10)
		},
	})

	p := connectPeer(t, c, d, false)

	tk, err := c.Publish(waitCtx(t), "a/b", 1, false, []byte("lost"))
	require.NoError(t, err)
	_ = p.readPublish()
	_ = p.c.Close()

	// the server has forgotten the session, so the stored publish can never be acknowledged
	p = d.next()
	accept(t, p, false)

	require.ErrorIs(t, tk.Wait(waitCtx(t)), ErrSessionReset)
	require.Equal(t, 0, c.sess.store.Len())
}

func TestClientReconnectGivesUp(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	h := &reconnectHook{gaveUp: make(chan error, 1)}
	c := NewClient(d.dial, nil, &ClientOptions{
		Logger: logger,
		ReconnectBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond*5), 2)
		},
	})
	require.NoError(t, c.AddHook(h, nil))

	p := connectPeer(t, c, d, false)
	d.fails.Store(true)
	_ = p.c.Close()

	select {
	case err := <-h.gaveUp:
		require.Error(t, err)
	case <-time.After(time.Second * 3):
		t.Fatal("reconnection did not give up")
	}

	require.Equal(t, int64(2), h.attempts.Load())
	require.Equal(t, int64(2), atomic.LoadInt64(&c.Info.Reconnects))
	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, time.Millisecond*5)
}

func TestClientNoReconnectAfterDisconnect(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{
		Logger: logger,
		ReconnectBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond * 5)
		},
	})

	p := connectPeer(t, c, d, false)
	go func() {
		_, _ = p.read()
	}()
	require.NoError(t, c.Disconnect(waitCtx(t)))

	select {
	case <-d.peers:
		t.Fatal("client reconnected after disconnect")
	case <-time.After(time.Millisecond * 50):
	}
	require.Equal(t, StateDisconnected, c.State())
}

func TestClientDisconnectWhileConnecting(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{Logger: logger, ConnectTimeout: time.Second * 10})

	res := make(chan ConnectResult, 1)
	go func() {
		res <- c.Connect(context.Background())
	}()

	p := d.next()
	fh, _ := p.read()
	require.Equal(t, packets.Connect, fh.Type)

	require.ErrorIs(t, c.Disconnect(waitCtx(t)), ErrNotConnected)

	select {
	case r := <-res:
		require.ErrorIs(t, r.Err, ErrClientStopped)
	case <-time.After(time.Second * 3):
		t.Fatal("connect did not return after disconnect")
	}

	p.trySend(new(packets.ConnackPacket))
	require.Equal(t, StateDisconnected, c.State())
	require.Nil(t, c.Conn())
}

func TestClientDisconnectWhileReconnecting(t *testing.T) {
	d := newPeerDialer(t, packets.Version311)
	c := NewClient(d.dial, nil, &ClientOptions{
		Logger: logger,
		ReconnectBackoff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond * 5)
		},
	})

	p := connectPeer(t, c, d, false)
	_ = p.c.Close()

	p = d.next()
	fh, _ := p.read()
	require.Equal(t, packets.Connect, fh.Type)

	require.ErrorIs(t, c.Disconnect(waitCtx(t)), ErrNotConnected)
	p.trySend(new(packets.ConnackPacket))

	select {
	case <-d.peers:
		t.Fatal("client reconnected after disconnect")
	case <-time.After(time.Millisecond * 50):
	}

	require.Eventually(t, func() bool {
		return c.State() == StateDisconnected
	}, time.Second, time.Millisecond*5)
	require.Nil(t, c.Conn())
}
