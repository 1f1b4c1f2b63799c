// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/xid"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

var (
	ErrAlreadyConnected = errors.New("client is already connected or connecting")
	ErrNotConnected     = errors.New("client is not connected")
	ErrClientStopped    = errors.New("client was disconnected while connecting")
)

// ClientState is the state of the connection state machine of a client.
type ClientState int32

const (
	StateDisconnected ClientState = iota
	StateConnecting
	StateConnected
)

func (s ClientState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ConnectResult is the outcome of a connection attempt. A refusal by the server is
// reported in Code, and is not an error.
type ConnectResult struct {
	Err            error
	Code           packets.Code
	SessionPresent bool
}

// OK returns true if the connection was accepted.
func (r ConnectResult) OK() bool {
	return r.Err == nil && r.Code.Code == packets.CodeSuccess.Code
}

// Client is the client end of the engine. It keeps one session across its successive
// connections, so that unacknowledged messages are retransmitted after a reconnect.
type Client struct {
	Log      *slog.Logger
	Info     *system.Info
	hooks    *Hooks
	opts     *ClientOptions
	dial     Dialer
	handler  MessageHandler
	sess     *session
	conn     *Conn
	stopRec  context.CancelFunc
	abort    context.CancelFunc // cancels a handshake in progress
	state    atomic.Int32
	stopped  atomic.Bool // Disconnect was called, so reconnection is not attempted
	restored atomic.Bool // stored messages were loaded from the hooks
	mu       sync.Mutex
}

// NewClient returns a new client dialing with dial and handing received messages to
// handler. A nil handler drains every payload.
func NewClient(dial Dialer, handler MessageHandler, opts *ClientOptions) *Client {
	if opts == nil {
		opts = new(ClientOptions)
	}

	opts.ensureDefaults()
	if opts.ClientID == "" {
		opts.ClientID = xid.New().String()
	}

	c := &Client{
		Log: opts.Logger,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		hooks: &Hooks{
			Log: opts.Logger,
		},
		opts:    opts,
		dial:    dial,
		handler: handler,
		sess:    newSession(opts.ClientID, &opts.Session),
	}

	return c
}

// AddHook attaches a new Hook to the client.
func (c *Client) AddHook(hook Hook, config any) error {
	hook.SetOpts(c.Log, &HookOptions{})
	c.Log.Info("added hook", "hook", hook.ID())
	return c.hooks.Add(hook, config)
}

// ID returns the client identifier.
func (c *Client) ID() string {
	return c.opts.ClientID
}

// State returns the current state of the client.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Conn returns the current connection, or nil when disconnected.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials the server and performs the connect handshake. The session is reused
// unless the client is configured for clean sessions.
func (c *Client) Connect(ctx context.Context) ConnectResult {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ConnectResult{Err: ErrAlreadyConnected}
	}

	c.stopped.Store(false)
	return c.connect(ctx)
}

// connect runs one connection attempt from the connecting state.
func (c *Client) connect(ctx context.Context) ConnectResult {
	res := c.handshake(ctx)
	if !res.OK() {
		c.state.Store(int32(StateDisconnected))
	}

	return res
}

func (c *Client) handshake(ctx context.Context) ConnectResult {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		return ConnectResult{Err: ErrClientStopped}
	}
	c.abort = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.abort = nil
		c.mu.Unlock()
	}()

	if err := c.restore(); err != nil {
		return ConnectResult{Err: err}
	}

	nc, err := c.dial(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrConnectTimeout
		}
		return ConnectResult{Err: fmt.Errorf("dial: %w", err)}
	}

	// a blocked write or connack read ends when the handshake is cancelled
	stop := context.AfterFunc(ctx, func() {
		_ = nc.Close()
	})
	defer stop()

	v := c.opts.ProtocolVersion
	cl := newConn(nc, connConfig{
		hooks:   c.hooks,
		info:    c.Info,
		opts:    &c.opts.Session,
		log:     c.Log.With("client", c.opts.ClientID, "remote", nc.RemoteAddr().String()),
		handler: c.handler,
		end:     c,
		client:  true,
	})
	cl.ID = c.opts.ClientID
	cl.Version = v
	cl.Keepalive = c.opts.Keepalive
	cl.Username = []byte(c.opts.Username)
	cl.sess = c.sess

	if c.opts.Clean {
		c.sess.reset(c.hooks, c.Info)
	}

	if err := cl.writeNow(c.connectPacket()); err != nil {
		_ = nc.Close()
		if cerr := c.cancelled(ctx); cerr != nil {
			return ConnectResult{Err: cerr}
		}
		return ConnectResult{Err: fmt.Errorf("write connect: %w", err)}
	}

	wait := c.opts.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}

	fh, body, err := cl.readNow(wait)
	if err != nil {
		_ = nc.Close()
		if cerr := c.cancelled(ctx); cerr != nil {
			return ConnectResult{Err: cerr}
		}
		if isTimeout(err) {
			return ConnectResult{Err: ErrConnectTimeout}
		}
		return ConnectResult{Err: fmt.Errorf("read connack: %w", err)}
	}

	if fh.Type != packets.Connack {
		_ = nc.Close()
		return ConnectResult{Err: packets.ErrProtocolViolationRequireFirstConnack}
	}

	ack := new(packets.ConnackPacket)
	if err := ack.Decode(body, v); err != nil {
		_ = nc.Close()
		return ConnectResult{Err: err}
	}

	code := ack.Code(v)
	if code.Code != packets.CodeSuccess.Code {
		_ = nc.Close()
		c.Log.Warn("connection refused", "reason", code.Reason, "code", code.Code)
		return ConnectResult{Code: code}
	}

	if !ack.SessionPresent && !c.opts.Clean {
		// the server has no state for us, so our stored messages are orphaned
		c.sess.reset(c.hooks, c.Info)
	}

	if v == packets.Version5 {
		if ack.Properties.ServerKeepAliveFlag {
			cl.Keepalive = ack.Properties.ServerKeepAlive // [MQTT-3.2.2-22]
		}

		if ack.Properties.AssignedClientID != "" {
			cl.ID = ack.Properties.AssignedClientID
		}
	}

	c.mu.Lock()
	if c.stopped.Load() {
		c.mu.Unlock()
		_ = nc.Close()
		return ConnectResult{Err: ErrClientStopped}
	}
	stop()
	c.abort = nil
	c.conn = cl
	c.mu.Unlock()

	c.state.Store(int32(StateConnected))
	cl.Log.Info("connected", "session_present", ack.SessionPresent, "keepalive", cl.Keepalive)
	go cl.run()

	return ConnectResult{Code: code, SessionPresent: ack.SessionPresent}
}

// cancelled returns the reason a handshake context ended, or nil if it is still live.
func (c *Client) cancelled(ctx context.Context) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case c.stopped.Load():
		return ErrClientStopped
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrConnectTimeout
	default:
		return ctx.Err()
	}
}

// restore loads the messages persisted by the hooks for the session, once per client.
func (c *Client) restore() error {
	if c.opts.Clean || !c.hooks.Provides(StoredInflightMessages) || c.restored.Load() {
		return nil
	}

	msgs, err := c.hooks.StoredInflightMessages(c.sess.id)
	if err != nil {
		return fmt.Errorf("load stored messages: %w", err)
	}

	if err := c.sess.store.Restore(msgs); err != nil {
		return fmt.Errorf("restore stored messages: %w", err)
	}

	c.restored.Store(true)
	if len(msgs) > 0 {
		atomic.AddInt64(&c.Info.Inflight, int64(len(msgs)))
		c.Log.Debug("restored stored messages", "client", c.sess.id, "count", len(msgs))
	}

	return nil
}

// connectPacket builds the connect packet from the client options.
func (c *Client) connectPacket() *packets.ConnectPacket {
	pk := &packets.ConnectPacket{
		ProtocolVersion:  c.opts.ProtocolVersion,
		ClientIdentifier: c.opts.ClientID,
		Keepalive:        c.opts.Keepalive,
		Clean:            c.opts.Clean,
	}

	if c.opts.Username != "" {
		pk.UsernameFlag = true
		pk.Username = []byte(c.opts.Username)
	}

	if c.opts.Password != "" {
		pk.PasswordFlag = true
		pk.Password = []byte(c.opts.Password)
	}

	if w := c.opts.Will; w != nil {
		pk.WillFlag = true
		pk.WillTopic = w.Topic
		pk.WillPayload = w.Payload
		pk.WillQos = w.Qos
		pk.WillRetain = w.Retain
	}

	if c.opts.ProtocolVersion == packets.Version5 && c.opts.SessionExpiryInterval > 0 {
		pk.Properties.SessionExpiryInterval = c.opts.SessionExpiryInterval
		pk.Properties.SessionExpiryIntervalFlag = true
	}

	return pk
}

func (c *Client) subscribe(cl *Conn, pk *packets.SubscribePacket) (*packets.SubackPacket, error) {
	return nil, packets.ErrProtocolViolationUnexpectedPacket
}

func (c *Client) unsubscribe(cl *Conn, pk *packets.UnsubscribePacket) (*packets.UnsubackPacket, error) {
	return nil, packets.ErrProtocolViolationUnexpectedPacket
}

// closed is called when a connection of the client has ended.
func (c *Client) closed(cl *Conn, reason DisconnectReason, err error) {
	c.mu.Lock()
	if c.conn == cl {
		c.conn = nil
	}
	c.mu.Unlock()

	c.sess.failWritten(ErrConnectionClosed)
	c.state.Store(int32(StateDisconnected))

	if reason == ReasonUserDisconnected || c.stopped.Load() || c.opts.ReconnectBackoff == nil {
		return
	}

	go c.reconnect(err)
}

// reconnect drives the connecting state until an attempt succeeds or the backoff gives up.
func (c *Client) reconnect(cause error) {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.mu.Lock()
	c.stopRec = cancel
	c.mu.Unlock()

	b := backoff.WithContext(c.opts.ReconnectBackoff(), ctx)
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.state.Store(int32(StateDisconnected))
			if ctx.Err() == nil {
				c.Log.Warn("giving up reconnecting", "error", cause, "attempts", attempt-1)
				c.hooks.OnReconnectGiveUp(c, cause)
			}
			return
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			c.state.Store(int32(StateDisconnected))
			return
		case <-t.C:
		}

		atomic.AddInt64(&c.Info.Reconnects, 1)
		c.hooks.OnReconnectAttempt(c, attempt, cause)

		res := c.handshake(ctx)
		if res.OK() {
			return
		}

		cause = res.Err
		if cause == nil {
			cause = res.Code
		}
		c.Log.Debug("reconnect attempt failed", "attempt", attempt, "error", cause)
	}
}

// Disconnect sends a disconnect, flushes it and closes the connection. No reconnection
// follows.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stopped.Store(true)

	c.mu.Lock()
	if c.stopRec != nil {
		c.stopRec()
		c.stopRec = nil
	}
	if c.abort != nil {
		c.abort()
	}
	cl := c.conn
	c.mu.Unlock()

	if cl == nil {
		return ErrNotConnected
	}

	return cl.Disconnect(ctx, packets.CodeDisconnect.Code)
}

// PublishPacket queues a publish packet. The token completes on acknowledgment, or on
// write at qos 0.
func (c *Client) PublishPacket(ctx context.Context, pk *packets.PublishPacket) (*Token, error) {
	return c.sess.publish(ctx, pk, c.opts.ProtocolVersion, &c.opts.Session, c.hooks, c.Info)
}

// Publish queues a message with an in-memory payload.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) (*Token, error) {
	return c.PublishPacket(ctx, &packets.PublishPacket{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		Topic:   topic,
		Payload: payload,
	})
}

// PublishStream queues a message whose payload of length bytes is read from r as it is
// written. A qos > 0 payload is read in full before any of it is written.
func (c *Client) PublishStream(ctx context.Context, topic string, qos byte, retain bool, r io.Reader, length uint32) (*Token, error) {
	return c.PublishPacket(ctx, &packets.PublishPacket{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		Topic:  topic,
		Reader: r,
		Length: length,
	})
}

// Subscribe queues a subscribe for one or more filters. The token carries the granted
// qos of each filter.
func (c *Client) Subscribe(ctx context.Context, filters ...packets.Subscription) (*Token, error) {
	pk := &packets.SubscribePacket{Filters: filters}
	if code := pk.Validate(); code != packets.CodeSuccess {
		return nil, code
	}

	return c.sess.request(ctx, pk, func(id uint16) { pk.PacketID = id }, &c.opts.Session, c.hooks, c.Info)
}

// Unsubscribe queues an unsubscribe for one or more filters.
func (c *Client) Unsubscribe(ctx context.Context, filters ...string) (*Token, error) {
	pk := &packets.UnsubscribePacket{Filters: filters}
	if code := pk.Validate(); code != packets.CodeSuccess {
		return nil, code
	}

	return c.sess.request(ctx, pk, func(id uint16) { pk.PacketID = id }, &c.opts.Session, c.hooks, c.Info)
}
