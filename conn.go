// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signature-opensource/CK-MQTT-sub002/mempool"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

var (
	ErrConnectionClosed  = errors.New("connection closed")
	ErrQueueFull         = errors.New("outgoing queue full")
	ErrConnectTimeout    = errors.New("timed out waiting for connack")
	ErrPayloadNotDrained = errors.New("message handler returned without reading the whole payload")
	ErrKeepaliveTimeout  = errors.New("no pingresp within the keepalive interval")
	ErrSessionReset      = errors.New("session reset before acknowledgment")
)

// DisconnectReason indicates why a connection ended.
type DisconnectReason byte

const (
	ReasonNone               DisconnectReason = iota
	ReasonRemoteDisconnected                  // the remote closed the transport or sent a disconnect
	ReasonUserDisconnected                    // this end asked to disconnect
	ReasonProtocolError                       // the remote broke the protocol
	ReasonTimeout                             // the keepalive or a deadline lapsed
	ReasonUnspecifiedError                    // anything else, including message handler errors
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonRemoteDisconnected:
		return "remote disconnected"
	case ReasonUserDisconnected:
		return "user disconnected"
	case ReasonProtocolError:
		return "protocol error"
	case ReasonTimeout:
		return "timeout"
	default:
		return "unspecified error"
	}
}

// closeError carries the reason a pump stopped the connection.
type closeError struct {
	err    error
	reason DisconnectReason
}

func (e *closeError) Error() string {
	if e.err == nil {
		return e.reason.String()
	}
	return e.reason.String() + ": " + e.err.Error()
}

func (e *closeError) Unwrap() error {
	return e.err
}

func closeWith(reason DisconnectReason, err error) error {
	return &closeError{reason: reason, err: err}
}

// classify turns the first error of the pumps into a disconnect reason.
func classify(err error) *closeError {
	var ce *closeError
	if errors.As(err, &ce) {
		return ce
	}

	var code packets.Code
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return &closeError{reason: ReasonUserDisconnected}
	case errors.As(err, &code) && code.IsProtocolError():
		return &closeError{reason: ReasonProtocolError, err: code}
	default:
		return &closeError{reason: ReasonUnspecifiedError, err: err}
	}
}

// readFailure maps an error reading from the transport to a disconnect reason.
func readFailure(err error) error {
	var code packets.Code
	switch {
	case errors.As(err, &code):
		return closeWith(ReasonProtocolError, code)
	case isTimeout(err):
		return closeWith(ReasonTimeout, packets.ErrKeepAliveTimeout)
	default:
		return closeWith(ReasonRemoteDisconnected, err)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// Message is an application message received from the remote end. The payload must be
// read in full before the handler returns.
type Message struct {
	Properties packets.Properties
	Payload    io.Reader
	Topic      string
	Length     uint32
	PacketID   uint16
	Qos        byte
	Retain     bool
	Dup        bool
}

// MessageHandler is called by the reader pump for every received publish. Returning an
// error closes the connection without acknowledging the message.
type MessageHandler func(ctx context.Context, cl *Conn, msg *Message) error

// DrainHandler discards the payload of every message.
func DrainHandler(_ context.Context, _ *Conn, msg *Message) error {
	_, err := io.Copy(io.Discard, msg.Payload)
	return err
}

// endpoint is the role specific behaviour of a connection.
type endpoint interface {
	subscribe(cl *Conn, pk *packets.SubscribePacket) (*packets.SubackPacket, error)
	unsubscribe(cl *Conn, pk *packets.UnsubscribePacket) (*packets.UnsubackPacket, error)
	closed(cl *Conn, reason DisconnectReason, err error)
}

// meter counts the bytes crossing a transport and keeps the last write error, which
// separates transport failures from payload source failures.
type meter struct {
	conn net.Conn
	info *system.Info
	werr error
}

func (m *meter) Read(p []byte) (int, error) {
	n, err := m.conn.Read(p)
	atomic.AddInt64(&m.info.BytesReceived, int64(n))
	return n, err
}

func (m *meter) Write(p []byte) (int, error) {
	n, err := m.conn.Write(p)
	atomic.AddInt64(&m.info.BytesSent, int64(n))
	if err != nil {
		m.werr = err
	}
	return n, err
}

// connConfig contains everything a connection is built from.
type connConfig struct {
	hooks         *Hooks
	info          *system.Info
	opts          *SessionOptions
	log           *slog.Logger
	handler       MessageHandler
	end           endpoint
	listener      string
	client        bool
	maxPacketSize uint32
}

// Conn is one transport carrying a session, driven by a reader pump, a writer pump and
// the retransmission loop of the session store.
type Conn struct {
	ID        string       // the client identifier of the session
	Listener  string       // the id of the listener the connection arrived on, if any
	Remote    string       // the remote address
	Username  []byte       // the username sent in the connect
	Log       *slog.Logger // a logger tagged with the connection
	Version   byte         // the protocol level
	Keepalive uint16       // the negotiated keepalive in seconds

	net             net.Conn
	meter           *meter
	r               *bufio.Reader
	w               *bufio.Writer
	opts            *SessionOptions
	hooks           *Hooks
	info            *system.Info
	sess            *session
	handler         MessageHandler
	end             endpoint
	reflex          chan packets.Outgoing
	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	stop            atomic.Pointer[closeError]
	err             error
	maxPacketSize   uint32
	pingOutstanding atomic.Bool
	running         atomic.Bool
	client          bool
	reason          DisconnectReason
}

func newConn(c net.Conn, cfg connConfig) *Conn {
	m := &meter{conn: c, info: cfg.info}
	if cfg.handler == nil {
		cfg.handler = DrainHandler
	}

	cl := &Conn{
		Listener:      cfg.listener,
		Remote:        c.RemoteAddr().String(),
		Log:           cfg.log,
		net:           c,
		meter:         m,
		r:             bufio.NewReaderSize(m, cfg.opts.ReadBufferSize),
		w:             bufio.NewWriterSize(m, cfg.opts.WriteBufferSize),
		opts:          cfg.opts,
		hooks:         cfg.hooks,
		info:          cfg.info,
		handler:       cfg.handler,
		end:           cfg.end,
		reflex:        make(chan packets.Outgoing, defaultReflexPending),
		done:          make(chan struct{}),
		maxPacketSize: cfg.maxPacketSize,
		client:        cfg.client,
	}

	cl.ctx, cl.cancel = context.WithCancel(context.Background())
	return cl
}

// Session returns the client identifier of the session carried by the connection, or
// the connection id when it carries none.
func (c *Conn) Session() string {
	if c.sess == nil {
		return c.ID
	}
	return c.sess.id
}

// Done returns a channel which is closed once the connection has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Closed returns true if the connection has ended.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Reason returns why the connection ended, once it has.
func (c *Conn) Reason() (DisconnectReason, error) {
	select {
	case <-c.done:
		return c.reason, c.err
	default:
		return ReasonNone, nil
	}
}

// Close stops the pumps and waits for the connection to end. It must not be called from
// within OnDisconnect.
func (c *Conn) Close(reason DisconnectReason, err error) {
	c.stop.CompareAndSwap(nil, &closeError{reason: reason, err: err})
	c.cancel()
	if !c.running.Load() {
		_ = c.net.Close()
		return
	}

	<-c.done
}

// Disconnect queues a disconnect packet ahead of any queued message and waits for the
// connection to end. The reason code is only sent at protocol level 5.
func (c *Conn) Disconnect(ctx context.Context, code byte) error {
	select {
	case c.reflex <- &packets.DisconnectPacket{ReasonCode: code}:
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		c.Close(ReasonUserDisconnected, ctx.Err())
		return ctx.Err()
	}
}

// writeNow writes and flushes a packet outside of the pumps, during the handshake.
func (c *Conn) writeNow(pk packets.Outgoing) error {
	n, err := packets.Write(context.Background(), c.w, pk, c.Version)
	if err == nil {
		err = c.w.Flush()
	}

	if err != nil {
		return err
	}

	atomic.AddInt64(&c.info.PacketsSent, 1)
	c.hooks.OnPacketSent(c, pk, n)
	return nil
}

// readNow reads one whole packet outside of the pumps, during the handshake.
func (c *Conn) readNow(timeout time.Duration) (packets.FixedHeader, []byte, error) {
	_ = c.net.SetReadDeadline(time.Now().Add(timeout))
	defer func() {
		_ = c.net.SetReadDeadline(time.Time{})
	}()

	fh, _, err := packets.ReadFixedHeader(c.r)
	if err != nil {
		return fh, nil, err
	}

	atomic.AddInt64(&c.info.PacketsReceived, 1)
	c.hooks.OnPacketRead(c, fh)

	body, err := c.readBody(fh)
	return fh, body, err
}

// readBody reads the remainder of a non-publish frame.
func (c *Conn) readBody(fh packets.FixedHeader) ([]byte, error) {
	if c.maxPacketSize > 0 && uint32(fh.Remaining) > c.maxPacketSize {
		return nil, packets.ErrPacketTooLarge
	}

	body := make([]byte, fh.Remaining)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, packets.ErrMalformedTruncated
		}
		return nil, err
	}

	return body, nil
}

// run drives the connection until it ends. It blocks.
func (c *Conn) run() {
	c.running.Store(true)
	c.sess.conn.Store(c)
	c.info.ConnectionOpened()

	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.retryLoop(ctx) })
	g.Go(func() error {
		<-ctx.Done()
		_ = c.net.Close()
		return nil
	})

	c.finish(g.Wait())
}

// finish records why the connection ended and notifies the hooks and the endpoint.
func (c *Conn) finish(err error) {
	ce := c.stop.Load()
	if ce == nil {
		ce = classify(err)
	}

	c.reason, c.err = ce.reason, ce.err
	c.cancel()
	_ = c.net.Close()
	c.sess.conn.CompareAndSwap(c, nil)

	atomic.AddInt64(&c.info.ClientsConnected, -1)
	if ce.reason == ReasonProtocolError {
		atomic.AddInt64(&c.info.ProtocolErrors, 1)
	}

	c.Log.Debug("connection closed", "reason", ce.reason, "error", ce.err, "remote", c.Remote)
	c.hooks.OnDisconnect(c, ce.reason, ce.err)
	c.end.closed(c, ce.reason, ce.err)

	close(c.done)
}

// reply places a packet on the reflex queue, which the writer drains before the user queue.
func (c *Conn) reply(ctx context.Context, pk packets.Outgoing) error {
	select {
	case c.reflex <- pk:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fail converts an error raised while handling a packet into a close error.
func fail(err error) error {
	var ce *closeError
	if errors.As(err, &ce) {
		return err
	}

	var code packets.Code
	if errors.As(err, &code) && code.IsProtocolError() {
		return closeWith(ReasonProtocolError, code)
	}

	return closeWith(ReasonUnspecifiedError, err)
}

// readLoop is the reader pump.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		if !c.client && c.Keepalive > 0 {
			// the remote must send something within one and a half keepalives [MQTT-3.1.2-22]
			_ = c.net.SetReadDeadline(time.Now().Add(time.Duration(c.Keepalive) * time.Second * 3 / 2))
		}

		fh, _, err := packets.ReadFixedHeader(c.r)
		if err != nil {
			return readFailure(err)
		}

		atomic.AddInt64(&c.info.PacketsReceived, 1)
		c.hooks.OnPacketRead(c, fh)

		if fh.Type == packets.Publish {
			err = c.receivePublish(ctx, fh)
		} else {
			err = c.receive(ctx, fh)
		}

		if err != nil {
			return err
		}
	}
}

// fixedBody returns the body size of packets which carry nothing variable before level 5.
func fixedBody(t byte) int {
	switch t {
	case packets.Puback, packets.Pubrec, packets.Pubrel, packets.Pubcomp, packets.Unsuback:
		return 2
	case packets.Pingreq, packets.Pingresp, packets.Disconnect:
		return 0
	}
	return -1
}

// receivePublish reads a publish header and hands the payload, still on the wire, to the
// message handler.
func (c *Conn) receivePublish(ctx context.Context, fh packets.FixedHeader) error {
	if c.maxPacketSize > 0 && uint32(fh.Remaining) > c.maxPacketSize {
		return closeWith(ReasonProtocolError, packets.ErrPacketTooLarge)
	}

	pk, _, err := packets.ReadPublishHeader(c.r, fh, c.Version)
	if err != nil {
		return readFailure(err)
	}

	atomic.AddInt64(&c.info.MessagesReceived, 1)
	payload := &io.LimitedReader{R: c.r, N: int64(pk.Length)}

	if fh.Qos == 2 && !c.sess.remote.Add(pk.PacketID) {
		if !fh.Dup {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationDupQos2)
		}

		// already delivered, only the pubrec is repeated
		if _, err := io.Copy(io.Discard, payload); err != nil {
			return readFailure(err)
		}

		return c.reply(ctx, packets.NewPubrec(pk.PacketID))
	}

	// forget releases a qos 2 id whose message was not delivered, so the
	// redelivery on the next connection reaches the handler.
	forget := func() {
		if fh.Qos == 2 {
			c.sess.remote.Delete(pk.PacketID)
		}
	}

	msg := &Message{
		Properties: pk.Properties,
		Payload:    payload,
		Topic:      pk.Topic,
		Length:     pk.Length,
		PacketID:   pk.PacketID,
		Qos:        fh.Qos,
		Retain:     fh.Retain,
		Dup:        fh.Dup,
	}

	if !c.client && !c.hooks.OnACLCheck(c, pk.Topic, true) {
		if _, err := io.Copy(io.Discard, payload); err != nil {
			forget()
			return readFailure(err)
		}

		c.Log.Debug("publish refused by acl", "topic", pk.Topic, "id", pk.PacketID)
		atomic.AddInt64(&c.info.MessagesDropped, 1)
		return c.refuse(ctx, fh.Qos, pk.PacketID)
	}

	if err := c.handler(ctx, c, msg); err != nil {
		forget()
		return closeWith(ReasonUnspecifiedError, fmt.Errorf("message handler: %w", err))
	}

	if payload.N != 0 {
		forget()
		return closeWith(ReasonUnspecifiedError, ErrPayloadNotDrained)
	}

	switch fh.Qos {
	case 1:
		return c.reply(ctx, packets.NewPuback(pk.PacketID))
	case 2:
		return c.reply(ctx, packets.NewPubrec(pk.PacketID))
	}

	return nil
}

// refuse acknowledges a publish which was not delivered. At level 5 the acknowledgment
// carries not authorized, which also ends a qos 2 flow.
func (c *Conn) refuse(ctx context.Context, qos byte, id uint16) error {
	var code byte
	if c.Version == packets.Version5 {
		code = packets.ErrNotAuthorized.Code
	}

	switch qos {
	case 1:
		ack := packets.NewPuback(id)
		ack.ReasonCode = code
		return c.reply(ctx, ack)
	case 2:
		if code != 0 {
			c.sess.remote.Delete(id)
		}

		ack := packets.NewPubrec(id)
		ack.ReasonCode = code
		return c.reply(ctx, ack)
	}

	return nil
}

// unparsed reports n trailing bytes which the packet decoder did not read.
func (c *Conn) unparsed(fh packets.FixedHeader, n int) {
	if n > 0 {
		c.hooks.OnUnparsedExtraBytes(c, fh, n)
	}
}

// receive reads the whole body of a non-publish packet and processes it.
func (c *Conn) receive(ctx context.Context, fh packets.FixedHeader) error {
	body, err := c.readBody(fh)
	if err != nil {
		return readFailure(err)
	}

	if want := fixedBody(fh.Type); c.Version < packets.Version5 && want >= 0 && len(body) > want {
		c.unparsed(fh, len(body)-want)
		body = body[:want]
	}

	switch fh.Type {
	case packets.Puback, packets.Pubrec, packets.Pubcomp:
		return c.receiveAck(ctx, fh, body)
	case packets.Pubrel:
		return c.receivePubrel(ctx, fh, body)
	case packets.Subscribe:
		if c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}
		return c.receiveSubscribe(ctx, body)
	case packets.Unsubscribe:
		if c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}
		return c.receiveUnsubscribe(ctx, body)
	case packets.Suback:
		if !c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}

		pk := new(packets.SubackPacket)
		if err := pk.Decode(body, c.Version); err != nil {
			return fail(err)
		}
		return c.acknowledge(packets.Subscribe, pk.PacketID, pk.ReasonCodes)
	case packets.Unsuback:
		if !c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}

		pk := new(packets.UnsubackPacket)
		if err := pk.Decode(body, c.Version); err != nil {
			return fail(err)
		}
		return c.acknowledge(packets.Unsubscribe, pk.PacketID, pk.ReasonCodes)
	case packets.Pingreq:
		if c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}
		return c.reply(ctx, new(packets.PingrespPacket))
	case packets.Pingresp:
		if !c.client {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}
		c.pingOutstanding.Store(false)
		return nil
	case packets.Disconnect:
		pk := new(packets.DisconnectPacket)
		used, err := pk.DecodeUsed(body, c.Version)
		if err != nil {
			return fail(err)
		}
		c.unparsed(fh, len(body)-used)

		if pk.ReasonCode >= packets.ErrUnspecifiedError.Code {
			return closeWith(ReasonRemoteDisconnected, packets.Code{Code: pk.ReasonCode, Reason: "remote disconnected with reason"})
		}
		return closeWith(ReasonRemoteDisconnected, nil)
	case packets.Auth:
		if c.Version != packets.Version5 {
			return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
		}
		return c.receiveAuth(ctx, body)
	case packets.Connect:
		return closeWith(ReasonProtocolError, packets.ErrProtocolViolationSecondConnect)
	case packets.Connack:
		return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnexpectedPacket)
	default:
		return closeWith(ReasonProtocolError, packets.ErrProtocolViolationUnknownPacket)
	}
}

// receiveAck processes a puback, pubrec or pubcomp for a stored local publish.
func (c *Conn) receiveAck(ctx context.Context, fh packets.FixedHeader, body []byte) error {
	kind := fh.Type
	ack := &packets.AckPacket{Kind: kind}
	used, err := ack.DecodeUsed(body, c.Version)
	if err != nil {
		return fail(err)
	}
	c.unparsed(fh, len(body)-used)

	m, err := c.sess.store.Ack(ack.PacketID, kind)
	if errors.Is(err, packets.ErrPacketIdentifierNotFound) {
		c.Log.Warn("acknowledgment for unknown packet identifier", "type", packets.PacketNames[kind], "id", ack.PacketID)
		if kind != packets.Pubrec {
			return nil
		}

		// let the remote release its state for an identifier this end has already forgotten
		rel := packets.NewPubrel(ack.PacketID)
		if c.Version == packets.Version5 {
			rel.ReasonCode = packets.ErrPacketIdentifierNotFound.Code
		}
		return c.reply(ctx, rel)
	}

	if err != nil {
		return fail(err)
	}

	if kind == packets.Pubrec && !ack.Failed() {
		rel := packets.NewPubrel(ack.PacketID)
		var buf bytes.Buffer
		if err := rel.Encode(&buf, c.Version); err != nil {
			return fail(err)
		}

		if err := c.sess.store.Release(ack.PacketID, buf.Bytes()); err != nil {
			return fail(err)
		}

		if m, ok := c.sess.store.Get(ack.PacketID); ok {
			c.hooks.OnQosPublish(c, m)
		}

		return c.reply(ctx, rel)
	}

	if kind == packets.Pubrec {
		c.sess.store.Free(ack.PacketID)
	}

	c.completed(m, ack)
	return nil
}

// completed resolves a stored publish which has been acknowledged.
func (c *Conn) completed(m store.Message, ack *packets.AckPacket) {
	atomic.AddInt64(&c.info.Inflight, -1)
	c.hooks.OnQosComplete(c, m)

	var err error
	if ack.Failed() {
		err = packets.Code{Code: ack.ReasonCode, Reason: "publish refused by remote"}
	}

	var codes []byte
	if c.Version == packets.Version5 {
		codes = []byte{ack.ReasonCode}
	}

	c.sess.resolve(m.PacketID, codes, err)
}

// receivePubrel releases a remote qos 2 identifier.
func (c *Conn) receivePubrel(ctx context.Context, fh packets.FixedHeader, body []byte) error {
	ack := &packets.AckPacket{Kind: packets.Pubrel}
	used, err := ack.DecodeUsed(body, c.Version)
	if err != nil {
		return fail(err)
	}
	c.unparsed(fh, len(body)-used)

	comp := packets.NewPubcomp(ack.PacketID)
	if !c.sess.remote.Delete(ack.PacketID) && c.Version == packets.Version5 {
		comp.ReasonCode = packets.ErrPacketIdentifierNotFound.Code
	}

	return c.reply(ctx, comp)
}

// acknowledge resolves the token of a subscribe or unsubscribe.
func (c *Conn) acknowledge(kind byte, id uint16, codes []byte) error {
	t := c.sess.peek(id)
	if t == nil {
		c.Log.Warn("acknowledgment for unknown packet identifier", "type", packets.PacketNames[kind], "id", id)
		return nil
	}

	if t.kind != kind {
		return closeWith(ReasonProtocolError, packets.ErrProtocolViolationAckMismatch)
	}

	c.sess.untrack(id)
	if c.sess.store.Reserved(id) {
		c.sess.store.Free(id)
	}

	t.complete(codes, nil)
	return nil
}

func (c *Conn) receiveSubscribe(ctx context.Context, body []byte) error {
	pk := new(packets.SubscribePacket)
	if err := pk.Decode(body, c.Version); err != nil {
		return fail(err)
	}

	if code := pk.Validate(); code != packets.CodeSuccess {
		return fail(code)
	}

	reply, err := c.end.subscribe(c, pk)
	if err != nil {
		return fail(err)
	}

	return c.reply(ctx, reply)
}

func (c *Conn) receiveUnsubscribe(ctx context.Context, body []byte) error {
	pk := new(packets.UnsubscribePacket)
	if err := pk.Decode(body, c.Version); err != nil {
		return fail(err)
	}

	if code := pk.Validate(); code != packets.CodeSuccess {
		return fail(code)
	}

	reply, err := c.end.unsubscribe(c, pk)
	if err != nil {
		return fail(err)
	}

	return c.reply(ctx, reply)
}

func (c *Conn) receiveAuth(ctx context.Context, body []byte) error {
	pk := new(packets.AuthPacket)
	if err := pk.Decode(body, c.Version); err != nil {
		return fail(err)
	}

	reply, err := c.hooks.OnAuthPacket(c, pk)
	if err != nil {
		return fail(err)
	}

	if reply != nil {
		return c.reply(ctx, reply)
	}

	return nil
}

// retryLoop resends stored messages which have not been acknowledged in time.
func (c *Conn) retryLoop(ctx context.Context) error {
	return c.sess.store.RetryLoop(ctx, c.opts.RetryInterval, c.opts.AckTimeout,
		func(m store.Message) error {
			return c.reply(ctx, &packets.RawPacket{Bytes: m.Raw, PacketID: m.PacketID})
		},
		c.poisoned,
	)
}

// poisoned drops a stored message which exhausted its retries.
func (c *Conn) poisoned(m store.Message) {
	c.Log.Warn("dropping message after too many retries", "id", m.PacketID, "resends", m.Resends)
	atomic.AddInt64(&c.info.InflightDropped, 1)
	atomic.AddInt64(&c.info.Inflight, -1)
	c.hooks.OnQosDropped(c, m)
	c.sess.resolve(m.PacketID, nil, store.ErrPoisonous)
}

// keepaliveInterval returns how long the writer may stay idle before pinging, or 0.
func (c *Conn) keepaliveInterval() time.Duration {
	if !c.client {
		return 0
	}
	return time.Duration(c.Keepalive) * time.Second
}

// writeLoop is the writer pump. Reflex packets always go before queued ones, and the
// buffer is flushed whenever both queues are empty or a batch has been written.
func (c *Conn) writeLoop(ctx context.Context) error {
	var tick <-chan time.Time
	interval := c.keepaliveInterval()
	var timer *time.Timer
	if interval > 0 {
		timer = time.NewTimer(interval)
		defer timer.Stop()
		tick = timer.C
	}

	if err := c.resendPending(ctx); err != nil {
		return err
	}

	if q := c.sess.head.Load(); q != nil {
		if err := c.send(ctx, q.pk, q); err != nil {
			return err
		}
	}

	batch := 0
	for {
		var pk packets.Outgoing
		var q *queued

		select {
		case pk = <-c.reflex:
		default:
			select {
			case pk = <-c.reflex:
			case q = <-c.sess.queue:
			default:
				if err := c.flush(); err != nil {
					return err
				}

				batch = 0
				select {
				case pk = <-c.reflex:
				case q = <-c.sess.queue:
				case <-tick:
					if err := c.ping(ctx); err != nil {
						return err
					}
					timer.Reset(interval)
					continue
				case <-ctx.Done():
					return nil
				}
			}
		}

		if q != nil {
			c.sess.head.Store(q)
			pk = q.pk
		}

		if err := c.send(ctx, pk, q); err != nil {
			return err
		}

		if timer != nil {
			timer.Reset(interval)
		}

		batch++
		if batch >= c.opts.FlushBatch {
			if err := c.flush(); err != nil {
				return err
			}
			batch = 0
		}
	}
}

func (c *Conn) flush() error {
	if c.w.Buffered() == 0 {
		return nil
	}

	if err := c.w.Flush(); err != nil {
		return closeWith(ReasonRemoteDisconnected, err)
	}

	return nil
}

// ping sends a pingreq, or ends the connection if the previous one was never answered.
func (c *Conn) ping(ctx context.Context) error {
	if c.pingOutstanding.Load() {
		return closeWith(ReasonTimeout, ErrKeepaliveTimeout)
	}

	if err := c.send(ctx, new(packets.PingreqPacket), nil); err != nil {
		return err
	}

	return c.flush()
}

// resendPending writes every stored message again with the dup flag, oldest first. It
// runs when a connection starts so that stored messages go before anything new.
func (c *Conn) resendPending(ctx context.Context) error {
	for _, p := range c.sess.store.Pending() {
		m, err := c.sess.store.MarkForRetransmit(p.PacketID)
		if errors.Is(err, store.ErrPoisonous) {
			c.poisoned(m)
			continue
		}

		if err != nil {
			continue
		}

		if err := c.send(ctx, &packets.RawPacket{Bytes: m.Raw, PacketID: m.PacketID}, nil); err != nil {
			return err
		}
	}

	return nil
}

// drop discards a queued packet which will not be written.
func (c *Conn) drop(q *queued, err error) {
	c.sess.head.CompareAndSwap(q, nil)
	if pub, ok := q.pk.(*packets.PublishPacket); ok {
		atomic.AddInt64(&c.info.MessagesDropped, 1)
		c.hooks.OnPublishDropped(c, pub, err)
	}

	c.sess.discard(q, err)
}

// encodeStored encodes a qos > 0 publish in full and stores it before any byte reaches
// the transport, so an acknowledgment can never arrive for a message not yet stored.
func (c *Conn) encodeStored(ctx context.Context, pk *packets.PublishPacket, q *queued) (int64, error) {
	buf := mempool.GetBuffer()
	defer mempool.PutBuffer(buf)

	if _, err := packets.Write(ctx, buf, pk, c.Version); err != nil {
		return 0, err
	}

	c.sess.store.Put(pk.PacketID, bytes.Clone(buf.Bytes()), pk.FixedHeader.Qos)
	atomic.AddInt64(&c.info.Inflight, 1)
	if q != nil {
		c.sess.head.CompareAndSwap(q, nil)
	}

	n, err := c.w.Write(buf.Bytes())
	return int64(n), err
}

// send writes one packet to the buffered transport.
func (c *Conn) send(ctx context.Context, pk packets.Outgoing, q *queued) error {
	var n int64
	var err error

	pub, isPub := pk.(*packets.PublishPacket)
	if isPub && pub.FixedHeader.Qos > 0 {
		n, err = c.encodeStored(ctx, pub, q)
	} else {
		n, err = packets.Write(ctx, c.w, pk, c.Version)
	}

	if err != nil {
		// a streamed payload which was partly consumed cannot be written again
		consumed := q != nil && isPub && pub.Reader != nil && c.sess.head.Load() == q

		switch {
		case errors.Is(err, packets.ErrPacketExpired) && q != nil:
			c.Log.Debug("dropping expired message", "id", pk.Identifier())
			c.drop(q, err)
			return nil
		case c.meter.werr != nil:
			if consumed {
				c.drop(q, ErrConnectionClosed)
			}
			return closeWith(ReasonRemoteDisconnected, err)
		case ctx.Err() != nil:
			if consumed {
				c.drop(q, ErrConnectionClosed)
			}
			return ctx.Err()
		default:
			if q != nil && c.sess.head.Load() == q {
				c.drop(q, err)
			}
			return closeWith(ReasonUnspecifiedError, err)
		}
	}

	atomic.AddInt64(&c.info.PacketsSent, 1)
	c.hooks.OnPacketSent(c, pk, n)

	switch p := pk.(type) {
	case *packets.PublishPacket:
		atomic.AddInt64(&c.info.MessagesSent, 1)
		if p.FixedHeader.Qos > 0 {
			if m, ok := c.sess.store.Get(p.PacketID); ok {
				c.hooks.OnQosPublish(c, m)
			}
		}
	case *packets.RawPacket:
		atomic.AddInt64(&c.info.Retransmits, 1)
		if m, ok := c.sess.store.Get(p.PacketID); ok {
			c.hooks.OnQosPublish(c, m)
		}
	case *packets.PingreqPacket:
		c.pingOutstanding.Store(true)
	case *packets.DisconnectPacket:
		if err := c.flush(); err != nil {
			return err
		}

		var cause error
		if p.ReasonCode >= packets.ErrUnspecifiedError.Code {
			cause = packets.Code{Code: p.ReasonCode, Reason: "disconnected with reason"}
		}
		return closeWith(ReasonUserDisconnected, cause)
	}

	if q != nil {
		c.sess.head.CompareAndSwap(q, nil)
		if q.token != nil {
			q.token.written.Store(true)
			if isPub && pub.FixedHeader.Qos == 0 {
				q.token.complete(nil, nil)
			}
		}
	}

	return nil
}
