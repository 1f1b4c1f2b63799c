// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, thedevop, dgduncan

package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

const (
	SetOptions byte = iota
	OnSysInfoTick
	OnStarted
	OnStopped
	OnConnectAuthenticate
	OnACLCheck
	OnConnect
	OnSessionEstablished
	OnDisconnect
	OnAuthPacket
	OnPacketRead
	OnPacketSent
	OnSubscribe
	OnUnsubscribe
	OnPublishDropped
	OnQosPublish
	OnQosComplete
	OnQosDropped
	OnSessionReset
	OnPacketIDExhausted
	OnQueueFull
	OnUnparsedExtraBytes
	OnReconnectAttempt
	OnReconnectGiveUp
	StoredInflightMessages
)

var (
	// ErrInvalidConfigType indicates a different Type of config value was expected to what was received.
	ErrInvalidConfigType = errors.New("invalid config type provided")
)

// Hook provides an interface of handlers for the events which occur during the lifecycle
// of a connection, its packet store, and the client or server driving it.
type Hook interface {
	ID() string
	Provides(b byte) bool
	Init(config any) error
	Stop() error
	SetOpts(l *slog.Logger, o *HookOptions)
	OnStarted()
	OnStopped()
	OnSysInfoTick(*system.Info)
	OnConnectAuthenticate(cl *Conn, pk *packets.ConnectPacket) bool
	OnACLCheck(cl *Conn, topic string, write bool) bool
	OnConnect(cl *Conn, pk *packets.ConnectPacket) error
	OnSessionEstablished(cl *Conn, pk *packets.ConnectPacket)
	OnDisconnect(cl *Conn, reason DisconnectReason, err error)
	OnAuthPacket(cl *Conn, pk *packets.AuthPacket) (*packets.AuthPacket, error)
	OnPacketRead(cl *Conn, fh packets.FixedHeader)                 // a fixed header was read, before the body
	OnPacketSent(cl *Conn, pk packets.Outgoing, n int64)            // a whole frame of n bytes was written
	OnSubscribe(cl *Conn, pk *packets.SubscribePacket, codes []byte) []byte
	OnUnsubscribe(cl *Conn, pk *packets.UnsubscribePacket, codes []byte) []byte
	OnPublishDropped(cl *Conn, pk *packets.PublishPacket, err error)
	OnQosPublish(cl *Conn, m store.Message)
	OnQosComplete(cl *Conn, m store.Message)
	OnQosDropped(cl *Conn, m store.Message)
	OnSessionReset(session string, dropped []store.Message)
	OnPacketIDExhausted(cl *Conn, pk packets.Outgoing)
	OnQueueFull(cl *Conn, pk packets.Outgoing)
	OnUnparsedExtraBytes(cl *Conn, fh packets.FixedHeader, n int)
	OnReconnectAttempt(cl *Client, attempt int, err error)
	OnReconnectGiveUp(cl *Client, err error)
	StoredInflightMessages(session string) ([]store.Message, error)
}

// HookOptions contains values which are inherited from the owning client or server on initialisation.
type HookOptions struct {
	Capabilities *Capabilities
}

// Hooks is a slice of Hook interfaces. Notifications are raised on every hook at once and
// joined; everything else is called in the order the hooks were added.
type Hooks struct {
	Log        *slog.Logger   // a logger for the hook (from the server)
	internal   atomic.Value   // a slice of []Hook
	wg         sync.WaitGroup // a waitgroup for syncing hook shutdown
	qty        int64          // the number of hooks in use
	sync.Mutex                // a mutex for locking when adding hooks
}

// Len returns the number of hooks added.
func (h *Hooks) Len() int64 {
	return atomic.LoadInt64(&h.qty)
}

// Provides returns true if any one hook provides any of the requested hook methods.
func (h *Hooks) Provides(b ...byte) bool {
	for _, hook := range h.GetAll() {
		for _, hb := range b {
			if hook.Provides(hb) {
				return true
			}
		}
	}

	return false
}

// Add adds and initializes a new hook.
func (h *Hooks) Add(hook Hook, config any) error {
	h.Lock()
	defer h.Unlock()

	err := hook.Init(config)
	if err != nil {
		return fmt.Errorf("failed initialising %s hook: %w", hook.ID(), err)
	}

	i, ok := h.internal.Load().([]Hook)
	if !ok {
		i = []Hook{}
	}

	i = append(i, hook)
	h.internal.Store(i)
	atomic.AddInt64(&h.qty, 1)
	h.wg.Add(1)

	return nil
}

// GetAll returns a slice of all the hooks.
func (h *Hooks) GetAll() []Hook {
	i, ok := h.internal.Load().([]Hook)
	if !ok {
		return []Hook{}
	}

	return i
}

// Stop indicates all attached hooks to gracefully end.
func (h *Hooks) Stop() {
	go func() {
		for _, hook := range h.GetAll() {
			h.log().Info("stopping hook", "hook", hook.ID())
			if err := hook.Stop(); err != nil {
				h.log().Debug("problem stopping hook", "error", err, "hook", hook.ID())
			}

			h.wg.Done()
		}
	}()

	h.wg.Wait()
}

func (h *Hooks) log() *slog.Logger {
	if h.Log == nil {
		return slog.Default()
	}
	return h.Log
}

// guard recovers a panicking hook so that it cannot take down a pump.
func (h *Hooks) guard(hook Hook, event string) {
	if r := recover(); r != nil {
		h.log().Error("hook panicked", "hook", hook.ID(), "event", event, "panic", r)
	}
}

// notify raises fn on every hook providing b concurrently, and waits for all of them.
func (h *Hooks) notify(b byte, event string, fn func(hook Hook)) {
	var g errgroup.Group
	for _, hook := range h.GetAll() {
		if !hook.Provides(b) {
			continue
		}

		hook := hook
		g.Go(func() error {
			defer h.guard(hook, event)
			fn(hook)
			return nil
		})
	}

	_ = g.Wait()
}

// each calls fn on every hook providing b, in order. fn returning false stops the walk.
func (h *Hooks) each(b byte, event string, fn func(hook Hook) bool) {
	for _, hook := range h.GetAll() {
		if !hook.Provides(b) {
			continue
		}

		if !h.call(hook, event, fn) {
			return
		}
	}
}

func (h *Hooks) call(hook Hook, event string, fn func(hook Hook) bool) (next bool) {
	next = true
	defer h.guard(hook, event)
	return fn(hook)
}

// OnSysInfoTick is called each time the system counters are refreshed.
func (h *Hooks) OnSysInfoTick(sys *system.Info) {
	h.each(OnSysInfoTick, "OnSysInfoTick", func(hook Hook) bool {
		hook.OnSysInfoTick(sys)
		return true
	})
}

// OnStarted is called when the server has successfully started.
func (h *Hooks) OnStarted() {
	h.each(OnStarted, "OnStarted", func(hook Hook) bool {
		hook.OnStarted()
		return true
	})
}

// OnStopped is called when the server has successfully stopped.
func (h *Hooks) OnStopped() {
	h.each(OnStopped, "OnStopped", func(hook Hook) bool {
		hook.OnStopped()
		return true
	})
}

// OnConnectAuthenticate is called when a peer sends a CONNECT. Every hook providing it must
// allow the connection. If no hook provides it, the connection is refused.
func (h *Hooks) OnConnectAuthenticate(cl *Conn, pk *packets.ConnectPacket) bool {
	var provided, ok bool
	h.each(OnConnectAuthenticate, "OnConnectAuthenticate", func(hook Hook) bool {
		provided = true
		ok = hook.OnConnectAuthenticate(cl, pk)
		return ok
	})

	return provided && ok
}

// OnACLCheck is called when a peer publishes to a topic (write) or subscribes to a
// filter (read). Every hook providing it must allow the access. If no hook provides it,
// access is allowed.
func (h *Hooks) OnACLCheck(cl *Conn, topic string, write bool) bool {
	ok := true
	h.each(OnACLCheck, "OnACLCheck", func(hook Hook) bool {
		ok = hook.OnACLCheck(cl, topic, write)
		return ok
	})

	return ok
}

// OnConnect is called when a new peer connects, and may return a packets.Code as an error to halt the connection.
func (h *Hooks) OnConnect(cl *Conn, pk *packets.ConnectPacket) (err error) {
	h.each(OnConnect, "OnConnect", func(hook Hook) bool {
		err = hook.OnConnect(cl, pk)
		return err == nil
	})

	return
}

// OnSessionEstablished is called when the connack has been sent and the pumps are running.
func (h *Hooks) OnSessionEstablished(cl *Conn, pk *packets.ConnectPacket) {
	h.each(OnSessionEstablished, "OnSessionEstablished", func(hook Hook) bool {
		hook.OnSessionEstablished(cl, pk)
		return true
	})
}

// OnDisconnect is called when a connection closes for any reason.
func (h *Hooks) OnDisconnect(cl *Conn, reason DisconnectReason, err error) {
	h.notify(OnDisconnect, "OnDisconnect", func(hook Hook) {
		hook.OnDisconnect(cl, reason, err)
	})
}

// OnAuthPacket is called when an AUTH packet is received. The first hook returning a packet
// provides the reply; an error closes the connection.
func (h *Hooks) OnAuthPacket(cl *Conn, pk *packets.AuthPacket) (reply *packets.AuthPacket, err error) {
	h.each(OnAuthPacket, "OnAuthPacket", func(hook Hook) bool {
		reply, err = hook.OnAuthPacket(cl, pk)
		return err == nil && reply == nil
	})

	return
}

// OnPacketRead is called when a fixed header has been read from a connection.
func (h *Hooks) OnPacketRead(cl *Conn, fh packets.FixedHeader) {
	h.each(OnPacketRead, "OnPacketRead", func(hook Hook) bool {
		hook.OnPacketRead(cl, fh)
		return true
	})
}

// OnPacketSent is called when a frame of n bytes has been written to a connection.
func (h *Hooks) OnPacketSent(cl *Conn, pk packets.Outgoing, n int64) {
	h.each(OnPacketSent, "OnPacketSent", func(hook Hook) bool {
		hook.OnPacketSent(cl, pk, n)
		return true
	})
}

// OnSubscribe is called when a peer subscribes. Each hook may amend the suback reason
// codes, which start as the requested qos of each filter.
func (h *Hooks) OnSubscribe(cl *Conn, pk *packets.SubscribePacket, codes []byte) []byte {
	h.each(OnSubscribe, "OnSubscribe", func(hook Hook) bool {
		if c := hook.OnSubscribe(cl, pk, codes); len(c) == len(codes) {
			codes = c
		}
		return true
	})

	return codes
}

// OnUnsubscribe is called when a peer unsubscribes. Each hook may amend the unsuback
// reason codes.
func (h *Hooks) OnUnsubscribe(cl *Conn, pk *packets.UnsubscribePacket, codes []byte) []byte {
	h.each(OnUnsubscribe, "OnUnsubscribe", func(hook Hook) bool {
		if c := hook.OnUnsubscribe(cl, pk, codes); len(c) == len(codes) {
			codes = c
		}
		return true
	})

	return codes
}

// OnPublishDropped is called when a queued publish is discarded without being written.
func (h *Hooks) OnPublishDropped(cl *Conn, pk *packets.PublishPacket, err error) {
	h.notify(OnPublishDropped, "OnPublishDropped", func(hook Hook) {
		hook.OnPublishDropped(cl, pk, err)
	})
}

// OnQosPublish is called when a stored message is written or rewritten, including the
// transition of a qos 2 message to its pubrel.
func (h *Hooks) OnQosPublish(cl *Conn, m store.Message) {
	h.each(OnQosPublish, "OnQosPublish", func(hook Hook) bool {
		hook.OnQosPublish(cl, m)
		return true
	})
}

// OnQosComplete is called when a stored message receives its terminal acknowledgment.
func (h *Hooks) OnQosComplete(cl *Conn, m store.Message) {
	h.each(OnQosComplete, "OnQosComplete", func(hook Hook) bool {
		hook.OnQosComplete(cl, m)
		return true
	})
}

// OnQosDropped is called when a stored message exhausted its retries and was removed.
func (h *Hooks) OnQosDropped(cl *Conn, m store.Message) {
	h.notify(OnQosDropped, "OnQosDropped", func(hook Hook) {
		hook.OnQosDropped(cl, m)
	})
}

// OnSessionReset is called when a clean session discards the stored messages of a session.
func (h *Hooks) OnSessionReset(session string, dropped []store.Message) {
	h.each(OnSessionReset, "OnSessionReset", func(hook Hook) bool {
		hook.OnSessionReset(session, dropped)
		return true
	})
}

// OnPacketIDExhausted is called when a packet needs an identifier and the store is full.
func (h *Hooks) OnPacketIDExhausted(cl *Conn, pk packets.Outgoing) {
	h.notify(OnPacketIDExhausted, "OnPacketIDExhausted", func(hook Hook) {
		hook.OnPacketIDExhausted(cl, pk)
	})
}

// OnQueueFull is called when the outgoing queue cannot accept pk.
func (h *Hooks) OnQueueFull(cl *Conn, pk packets.Outgoing) {
	h.notify(OnQueueFull, "OnQueueFull", func(hook Hook) {
		hook.OnQueueFull(cl, pk)
	})
}

// OnUnparsedExtraBytes is called when a frame carried n bytes beyond its body, which were discarded.
func (h *Hooks) OnUnparsedExtraBytes(cl *Conn, fh packets.FixedHeader, n int) {
	h.notify(OnUnparsedExtraBytes, "OnUnparsedExtraBytes", func(hook Hook) {
		hook.OnUnparsedExtraBytes(cl, fh, n)
	})
}

// OnReconnectAttempt is called before each reconnection attempt of a client.
func (h *Hooks) OnReconnectAttempt(cl *Client, attempt int, err error) {
	h.notify(OnReconnectAttempt, "OnReconnectAttempt", func(hook Hook) {
		hook.OnReconnectAttempt(cl, attempt, err)
	})
}

// OnReconnectGiveUp is called when the reconnect policy stops retrying.
func (h *Hooks) OnReconnectGiveUp(cl *Client, err error) {
	h.notify(OnReconnectGiveUp, "OnReconnectGiveUp", func(hook Hook) {
		hook.OnReconnectGiveUp(cl, err)
	})
}

// StoredInflightMessages returns the stored messages of a session from the first hook
// which has any.
func (h *Hooks) StoredInflightMessages(session string) (v []store.Message, err error) {
	h.each(StoredInflightMessages, "StoredInflightMessages", func(hook Hook) bool {
		v, err = hook.StoredInflightMessages(session)
		if err != nil {
			h.log().Error("failed to load inflight messages", "error", err, "hook", hook.ID(), "session", session)
			return false
		}

		return len(v) == 0
	})

	return
}

// HookBase provides a set of default methods for each hook. It should be embedded in
// all hooks.
type HookBase struct {
	Hook
	Log  *slog.Logger
	Opts *HookOptions
}

// ID returns the ID of the hook.
func (h *HookBase) ID() string {
	return "base"
}

// Provides indicates which methods a hook provides. The default is none - this method
// should be overridden by the embedding hook.
func (h *HookBase) Provides(b byte) bool {
	return false
}

// Init performs any pre-start initializations for the hook, such as connecting to databases
// or opening files.
func (h *HookBase) Init(config any) error {
	return nil
}

// SetOpts is called by the server to propagate internal values and generally should
// not be called manually.
func (h *HookBase) SetOpts(l *slog.Logger, opts *HookOptions) {
	h.Log = l
	h.Opts = opts
}

// Stop is called to gracefully shut down the hook.
func (h *HookBase) Stop() error {
	return nil
}

func (h *HookBase) OnStarted()                 {}
func (h *HookBase) OnStopped()                 {}
func (h *HookBase) OnSysInfoTick(*system.Info) {}

// OnConnectAuthenticate is called when a peer connects.
func (h *HookBase) OnConnectAuthenticate(cl *Conn, pk *packets.ConnectPacket) bool {
	return false
}

// OnACLCheck is called when a peer publishes or subscribes.
func (h *HookBase) OnACLCheck(cl *Conn, topic string, write bool) bool {
	return false
}

// OnConnect is called when a new peer connects.
func (h *HookBase) OnConnect(cl *Conn, pk *packets.ConnectPacket) error {
	return nil
}

func (h *HookBase) OnSessionEstablished(cl *Conn, pk *packets.ConnectPacket)    {}
func (h *HookBase) OnDisconnect(cl *Conn, reason DisconnectReason, err error) {}

// OnAuthPacket is called when an AUTH packet is received.
func (h *HookBase) OnAuthPacket(cl *Conn, pk *packets.AuthPacket) (*packets.AuthPacket, error) {
	return nil, nil
}

func (h *HookBase) OnPacketRead(cl *Conn, fh packets.FixedHeader)      {}
func (h *HookBase) OnPacketSent(cl *Conn, pk packets.Outgoing, n int64) {}

// OnSubscribe is called when a peer subscribes to one or more filters.
func (h *HookBase) OnSubscribe(cl *Conn, pk *packets.SubscribePacket, codes []byte) []byte {
	return codes
}

// OnUnsubscribe is called when a peer unsubscribes from one or more filters.
func (h *HookBase) OnUnsubscribe(cl *Conn, pk *packets.UnsubscribePacket, codes []byte) []byte {
	return codes
}

func (h *HookBase) OnPublishDropped(cl *Conn, pk *packets.PublishPacket, err error)  {}
func (h *HookBase) OnQosPublish(cl *Conn, m store.Message)                           {}
func (h *HookBase) OnQosComplete(cl *Conn, m store.Message)                          {}
func (h *HookBase) OnQosDropped(cl *Conn, m store.Message)                           {}
func (h *HookBase) OnSessionReset(session string, dropped []store.Message)           {}
func (h *HookBase) OnPacketIDExhausted(cl *Conn, pk packets.Outgoing)                {}
func (h *HookBase) OnQueueFull(cl *Conn, pk packets.Outgoing)                        {}
func (h *HookBase) OnUnparsedExtraBytes(cl *Conn, fh packets.FixedHeader, n int)     {}
func (h *HookBase) OnReconnectAttempt(cl *Client, attempt int, err error)            {}
func (h *HookBase) OnReconnectGiveUp(cl *Client, err error)                          {}

// StoredInflightMessages returns all stored messages of a session.
func (h *HookBase) StoredInflightMessages(session string) (v []store.Message, err error) {
	return
}
