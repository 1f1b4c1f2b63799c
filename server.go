// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mqtt provides an MQTT v3.1, v3.1.1 and v5 protocol engine: the client end, with
// stored messages retransmitted across reconnects, and a server end accepting peers from
// any number of listeners.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/signature-opensource/CK-MQTT-sub002/listeners"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

const (
	Version                  = "1.2.0" // the current engine version.
	defaultDisconnectTimeout = 3 * time.Second
)

var (
	ErrListenerIDExists = errors.New("listener id already exists")
	ErrSessionNotFound  = errors.New("no session for client id")
)

// HookLoadConfig contains the hook and configuration as loaded from a configuration (usually file).
type HookLoadConfig struct {
	Hook   Hook
	Config any
}

// Server is the server end of the engine. It should be created with New in order to
// ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Info      *system.Info         // engine counters
	Log       *slog.Logger         // structured logger
	Handler   MessageHandler       // receives every publish sent by a peer, draining them if nil
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	sessions  map[string]*session  // sessions by client id
	done      chan bool            // indicate that the server is ending
	mu        sync.Mutex           // guards sessions
}

// New returns a new server. Optional parameters can be specified to override some
// default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Listeners: listeners.New(),
		Options:   opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
		sessions: map[string]*session{},
	}

	return s
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeUnix:
			l = listeners.NewUnixSock(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf, s.Info)
		case listeners.TypeSysInfo:
			l = listeners.NewHTTPStats(conf, s.Info)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loop refreshing the system counters, starts all hooks and
// begins establishing connections on all attached listeners.
func (s *Server) Serve() error {
	s.Log.Info("mqtt server starting", "version", Version)
	defer s.Log.Info("mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	go s.eventLoop()
	s.Listeners.ServeAll(s.EstablishConnection)
	s.hooks.OnStarted()

	return nil
}

// eventLoop refreshes the system counters until the server closes.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	ticker := time.NewTicker(time.Second * time.Duration(s.Options.SysInfoInterval))
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.refreshSysInfo(now)
		}
	}
}

// refreshSysInfo updates the counters which are not maintained as events happen, and
// hands a copy to the hooks.
func (s *Server) refreshSysInfo(now time.Time) {
	s.Info.Refresh(now)

	s.mu.Lock()
	total := int64(len(s.sessions))
	s.mu.Unlock()

	atomic.StoreInt64(&s.Info.ClientsTotal, total)
	atomic.StoreInt64(&s.Info.ClientsDisconnected, total-atomic.LoadInt64(&s.Info.ClientsConnected))
	s.hooks.OnSysInfoTick(s.Info.Clone())
}

// EstablishConnection establishes a new peer when a listener accepts a new connection.
// It blocks until the connection ends.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := newConn(c, connConfig{
		hooks:         s.hooks,
		info:          s.Info,
		opts:          &s.Options.Session,
		log:           s.Log.With("listener", listener, "remote", c.RemoteAddr().String()),
		handler:       s.Handler,
		end:           s,
		listener:      listener,
		maxPacketSize: s.Options.Capabilities.MaximumPacketSize,
	})

	return s.attachClient(cl, listener)
}

// attachClient validates an incoming connection and if viable, attaches it to its
// session and runs it.
func (s *Server) attachClient(cl *Conn, listener string) error {
	defer s.Listeners.ClientsWg.Done()
	s.Listeners.ClientsWg.Add(1)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		_ = cl.net.Close()
		return fmt.Errorf("read connection: %w", err)
	}

	cl.ID = pk.ClientIdentifier
	cl.Version = pk.ProtocolVersion
	cl.Keepalive = pk.Keepalive
	cl.Username = pk.Username

	code := s.validateConnect(pk) // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		err := s.SendConnack(cl, code, false, nil)
		_ = cl.net.Close()
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}
		return code // [MQTT-3.2.2-7] [MQTT-3.1.4-6]
	}

	props := new(packets.Properties)
	if cl.ID == "" {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6]
		if cl.Version == packets.Version5 {
			props.AssignedClientID = cl.ID // [MQTT-3.2.2-16]
		}
	}
	cl.Log = cl.Log.With("client", cl.ID)

	if err := s.hooks.OnConnect(cl, pk); err != nil {
		_ = cl.net.Close()
		return err
	}

	if !s.hooks.OnConnectAuthenticate(cl, pk) { // [MQTT-3.1.4-2]
		err := s.SendConnack(cl, packets.ErrBadUsernameOrPassword, false, nil)
		_ = cl.net.Close()
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return packets.ErrBadUsernameOrPassword
	}

	if cl.Version == packets.Version5 {
		caps := s.Options.Capabilities
		if caps.MaximumKeepalive > 0 && (cl.Keepalive == 0 || cl.Keepalive > caps.MaximumKeepalive) {
			cl.Keepalive = caps.MaximumKeepalive // [MQTT-3.2.2-21]
		} else if cl.Keepalive > 0 && cl.Keepalive < caps.MinimumKeepalive {
			cl.Keepalive = caps.MinimumKeepalive
		}

		if cl.Keepalive != pk.Keepalive {
			props.ServerKeepAlive = cl.Keepalive
			props.ServerKeepAliveFlag = true
		}

		if pk.Properties.SessionExpiryInterval > caps.MaximumSessionExpiryInterval {
			props.SessionExpiryInterval = caps.MaximumSessionExpiryInterval
			props.SessionExpiryIntervalFlag = true
		}
	}

	sess, present, err := s.inheritSession(cl, pk)
	if err != nil {
		_ = s.SendConnack(cl, packets.ErrUnspecifiedError, false, nil)
		_ = cl.net.Close()
		return fmt.Errorf("inherit session: %w", err)
	}
	cl.sess = sess

	err = s.SendConnack(cl, packets.CodeSuccess, present, props) // [MQTT-3.1.4-5] [MQTT-3.2.0-1] [MQTT-3.2.0-2]
	if err != nil {
		_ = cl.net.Close()
		s.closed(cl, ReasonRemoteDisconnected, err)
		return fmt.Errorf("ack connection packet: %w", err)
	}

	s.hooks.OnSessionEstablished(cl, pk)

	cl.run()

	reason, err := cl.Reason()
	s.Log.Debug("client disconnected", "reason", reason, "error", err, "client", cl.ID, "remote", cl.Remote, "listener", listener)
	if reason == ReasonRemoteDisconnected || reason == ReasonUserDisconnected {
		return nil
	}

	return err
}

// readConnectionPacket reads the first incoming packet for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Conn) (*packets.ConnectPacket, error) {
	fh, body, err := cl.readNow(s.Options.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	if fh.Type != packets.Connect {
		return nil, packets.ErrProtocolViolationRequireFirstConnect // [MQTT-3.1.0-1]
	}

	pk := new(packets.ConnectPacket)
	if err := pk.Decode(body); err != nil {
		return nil, err
	}

	return pk, nil
}

// validateConnect validates that a connect packet is compliant and acceptable to the server.
func (s *Server) validateConnect(pk *packets.ConnectPacket) packets.Code {
	code := pk.Validate() // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeSuccess {
		return code
	}

	if pk.ClientIdentifier == "" && !pk.Clean {
		return packets.ErrClientIdentifierNotValid // [MQTT-3.1.3-8]
	}

	caps := s.Options.Capabilities
	if pk.ProtocolVersion < caps.MinimumProtocolVersion {
		return packets.ErrUnsupportedProtocolVersion // [MQTT-3.1.2-2]
	} else if pk.WillFlag && pk.WillQos > caps.MaximumQos {
		return packets.ErrQosNotSupported // [MQTT-3.2.2-12]
	} else if pk.WillRetain && caps.RetainAvailable == 0x00 {
		return packets.ErrRetainNotSupported // [MQTT-3.2.2-13]
	}

	return code
}

// inheritSession takes over the session of an existing connection sharing the same client
// id. A clean connect abandons any previous session; otherwise stored messages are
// inherited, or reloaded from the storage hooks if the server has no session for the id.
func (s *Server) inheritSession(cl *Conn, pk *packets.ConnectPacket) (*session, bool, error) {
	s.mu.Lock()
	existing, ok := s.sessions[cl.ID]
	s.mu.Unlock()

	if ok {
		if old := existing.conn.Load(); old != nil {
			s.Log.Debug("session taken over", "client", cl.ID, "old_remote", old.Remote, "new_remote", cl.Remote)
			s.DisconnectClient(old, packets.ErrSessionTakenOver) // [MQTT-3.1.4-3]

			s.mu.Lock()
			existing, ok = s.sessions[cl.ID]
			s.mu.Unlock()
		}
	}

	if ok {
		if !pk.Clean {
			existing.version = cl.Version
			existing.clean = expires(pk)
			return existing, true, nil // [MQTT-3.2.2-3]
		}

		existing.reset(s.hooks, s.Info) // [MQTT-3.1.2-4]
		existing.drain(ErrSessionReset)
	}

	sess := newSession(cl.ID, &s.Options.Session)
	sess.version = cl.Version
	sess.clean = expires(pk)

	present := false
	switch {
	case !pk.Clean && s.hooks.Provides(StoredInflightMessages):
		msgs, err := s.hooks.StoredInflightMessages(cl.ID)
		if err != nil {
			return nil, false, fmt.Errorf("load stored messages: %w", err)
		}

		if len(msgs) > 0 {
			if err := sess.store.Restore(msgs); err != nil {
				return nil, false, fmt.Errorf("restore stored messages: %w", err)
			}

			atomic.AddInt64(&s.Info.Inflight, int64(len(msgs)))
			present = true
			s.Log.Debug("restored stored messages", "client", cl.ID, "count", len(msgs))
		}
	case pk.Clean && !ok:
		// a clean start discards anything a previous process persisted for the id
		s.hooks.OnSessionReset(cl.ID, nil)
	}

	s.mu.Lock()
	s.sessions[cl.ID] = sess
	s.mu.Unlock()

	return sess, present, nil // [MQTT-3.2.2-2]
}

// expires returns true if the session of a connect ends with its connection.
func expires(pk *packets.ConnectPacket) bool {
	if pk.ProtocolVersion == packets.Version5 {
		return pk.Properties.SessionExpiryInterval == 0
	}
	return pk.Clean
}

// SendConnack writes a connack to a connection, before its pumps are started.
func (s *Server) SendConnack(cl *Conn, reason packets.Code, present bool, properties *packets.Properties) error {
	if properties == nil {
		properties = new(packets.Properties)
	}

	caps := s.Options.Capabilities
	if cl.Version == packets.Version5 {
		properties.ReceiveMaximum = caps.ReceiveMaximum // 3.2.2.3.3 Receive Maximum
		properties.MaximumPacketSize = caps.MaximumPacketSize
		properties.TopicAliasMaximum = caps.TopicAliasMaximum
		if caps.MaximumQos < 2 {
			properties.MaximumQos = caps.MaximumQos // [MQTT-3.2.2-9]
			properties.MaximumQosFlag = true
		}
	}

	if reason.Code >= packets.ErrUnspecifiedError.Code {
		if cl.Version < packets.Version5 {
			reason = reason.ToV3() // v3 3.2.2.3 connack return codes
		}

		properties.ReasonString = reason.Reason
		present = false // [MQTT-3.2.2-6]
	}

	return cl.writeNow(&packets.ConnackPacket{
		SessionPresent: present,
		ReasonCode:     reason.Code, // [MQTT-3.2.2-8]
		Properties:     *properties,
	})
}

// subscribe grants the requested qos of each filter, capped by the server maximum,
// and lets the hooks amend the reason codes.
func (s *Server) subscribe(cl *Conn, pk *packets.SubscribePacket) (*packets.SubackPacket, error) {
	codes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters {
		if !s.hooks.OnACLCheck(cl, sub.Filter, false) {
			codes[i] = packets.ErrNotAuthorized.Code
			continue
		}

		codes[i] = sub.Qos // [MQTT-3.9.3-1] [MQTT-3.8.4-7]
		if codes[i] > s.Options.Capabilities.MaximumQos {
			codes[i] = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-9]
		}
	}

	codes = s.hooks.OnSubscribe(cl, pk, codes)
	for i := range codes {
		if codes[i] > packets.CodeGrantedQos2.Code && cl.Version < packets.Version5 {
			codes[i] = packets.ErrUnspecifiedError.Code
		}
	}

	return &packets.SubackPacket{ // [MQTT-3.8.4-1] [MQTT-3.8.4-5]
		PacketID:    pk.PacketID, // [MQTT-2.2.1-6] [MQTT-3.8.4-2]
		ReasonCodes: codes,       // [MQTT-3.8.4-6]
		Properties: packets.Properties{
			User: pk.Properties.User,
		},
	}, nil
}

// unsubscribe acknowledges every filter, letting the hooks amend the reason codes.
func (s *Server) unsubscribe(cl *Conn, pk *packets.UnsubscribePacket) (*packets.UnsubackPacket, error) {
	codes := s.hooks.OnUnsubscribe(cl, pk, make([]byte, len(pk.Filters)))
	ack := &packets.UnsubackPacket{
		PacketID: pk.PacketID, // [MQTT-2.2.1-6]
	}

	if cl.Version == packets.Version5 {
		ack.ReasonCodes = codes
		ack.Properties.User = pk.Properties.User
	}

	return ack, nil
}

// closed is called when a connection has ended. Sessions which end with their
// connection are discarded.
func (s *Server) closed(cl *Conn, reason DisconnectReason, err error) {
	sess := cl.sess
	if sess == nil || !sess.clean {
		return
	}

	s.mu.Lock()
	if s.sessions[sess.id] == sess && sess.conn.Load() == nil {
		delete(s.sessions, sess.id) // [MQTT-4.1.0-2]
	}
	s.mu.Unlock()

	sess.reset(s.hooks, s.Info)
	sess.drain(ErrConnectionClosed)
}

// Conn returns the current connection of a client id.
func (s *Server) Conn(id string) (*Conn, bool) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}

	cl := sess.conn.Load()
	return cl, cl != nil
}

// Publish queues a publish to the session of a client id. Messages to a persistent
// session whose client is not connected are written once it reconnects.
func (s *Server) Publish(ctx context.Context, id string, pk *packets.PublishPacket) (*Token, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos // [MQTT-3.2.2-11]
	}

	pk.FixedHeader.Type = packets.Publish
	return sess.publish(ctx, pk, sess.version, &s.Options.Session, s.hooks, s.Info)
}

// DisconnectClient sends a disconnect packet to a client at protocol level 5 and then
// closes the connection.
func (s *Server) DisconnectClient(cl *Conn, code packets.Code) {
	if cl.Version == packets.Version5 {
		ctx, cancel := context.WithTimeout(context.Background(), defaultDisconnectTimeout)
		defer cancel()
		if err := cl.Disconnect(ctx, code.Code); err == nil {
			return
		}
	}

	cl.Close(ReasonUserDisconnected, code)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("mqtt server stopped")
	return nil
}

// closeListenerClients closes all connections on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	s.mu.Lock()
	var conns []*Conn
	for _, sess := range s.sessions {
		if cl := sess.conn.Load(); cl != nil && cl.Listener == listener {
			conns = append(conns, cl)
		}
	}
	s.mu.Unlock()

	for _, cl := range conns {
		s.DisconnectClient(cl, packets.ErrServerShuttingDown)
	}
}
