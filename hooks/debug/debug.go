// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package debug

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

// Options contains configuration settings for the debug output.
type Options struct {
	ShowPacketData bool `yaml:"show_packet_data" json:"show_packet_data"` // include decoded packet data (default false)
	ShowPings      bool `yaml:"show_pings" json:"show_pings"`             // show ping requests and responses (default false)
	ShowPasswords  bool `yaml:"show_passwords" json:"show_passwords"`     // show connecting user passwords (default false)
}

// Hook is a debugging hook which logs additional low-level information from the engine.
type Hook struct {
	mqtt.HookBase
	config *Options
	Log    *slog.Logger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "debug"
}

// Provides indicates that this hook provides all methods.
func (h *Hook) Provides(b byte) bool {
	return b != mqtt.OnConnectAuthenticate && b != mqtt.OnACLCheck && b != mqtt.StoredInflightMessages
}

// Init is called when the hook is initialized.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	return nil
}

// SetOpts is called when the hook receives inheritable server parameters.
func (h *Hook) SetOpts(l *slog.Logger, opts *mqtt.HookOptions) {
	h.Log = l
	h.Log.Debug("", "method", "SetOpts", "opts", opts)
}

// Stop is called when the hook is stopped.
func (h *Hook) Stop() error {
	h.Log.Debug("", "method", "Stop")
	return nil
}

// OnStarted is called when the server starts.
func (h *Hook) OnStarted() {
	h.Log.Debug("", "method", "OnStarted")
}

// OnStopped is called when the server stops.
func (h *Hook) OnStopped() {
	h.Log.Debug("", "method", "OnStopped")
}

// OnConnect is called when a new peer connects.
func (h *Hook) OnConnect(cl *mqtt.Conn, pk *packets.ConnectPacket) error {
	h.Log.Debug(fmt.Sprintf("CONNECT << %s", cl.Remote), "m", h.connectMeta(pk))
	return nil
}

// OnSessionEstablished is called when a peer is running.
func (h *Hook) OnSessionEstablished(cl *mqtt.Conn, pk *packets.ConnectPacket) {
	h.Log.Debug("session established", "method", "OnSessionEstablished", "client", cl.ID, "version", cl.Version, "keepalive", cl.Keepalive)
}

// OnDisconnect is called when a connection ends.
func (h *Hook) OnDisconnect(cl *mqtt.Conn, reason mqtt.DisconnectReason, err error) {
	h.Log.Debug("client disconnected", "method", "OnDisconnect", "client", cl.ID, "reason", reason.String(), "error", err)
}

// OnPacketRead is called when the fixed header of a packet is read from a peer.
func (h *Hook) OnPacketRead(cl *mqtt.Conn, fh packets.FixedHeader) {
	if (fh.Type == packets.Pingresp || fh.Type == packets.Pingreq) && !h.config.ShowPings {
		return
	}

	m := map[string]any{
		"remaining": fh.Remaining,
	}
	if fh.Type == packets.Publish {
		m["qos"] = fh.Qos
		m["dup"] = fh.Dup
		m["retain"] = fh.Retain
	}

	h.Log.Debug(fmt.Sprintf("%s << %s", strings.ToUpper(packets.PacketNames[fh.Type]), cl.ID), "m", m)
}

// OnPacketSent is called when a packet is written to a peer.
func (h *Hook) OnPacketSent(cl *mqtt.Conn, pk packets.Outgoing, n int64) {
	t := pk.PacketType()
	if (t == packets.Pingresp || t == packets.Pingreq) && !h.config.ShowPings {
		return
	}

	m := h.packetMeta(pk)
	m["bytes"] = n
	h.Log.Debug(fmt.Sprintf("%s >> %s", strings.ToUpper(packets.PacketNames[t]), cl.ID), "m", m)
}

// OnSubscribe is called when a peer subscribes.
func (h *Hook) OnSubscribe(cl *mqtt.Conn, pk *packets.SubscribePacket, codes []byte) []byte {
	h.Log.Debug("subscribe", "method", "OnSubscribe", "client", cl.ID, "m", h.packetMeta(pk))
	return codes
}

// OnUnsubscribe is called when a peer unsubscribes.
func (h *Hook) OnUnsubscribe(cl *mqtt.Conn, pk *packets.UnsubscribePacket, codes []byte) []byte {
	h.Log.Debug("unsubscribe", "method", "OnUnsubscribe", "client", cl.ID, "m", h.packetMeta(pk))
	return codes
}

// OnPublishDropped is called when a queued publish is discarded.
func (h *Hook) OnPublishDropped(cl *mqtt.Conn, pk *packets.PublishPacket, err error) {
	h.Log.Debug("publish dropped", "method", "OnPublishDropped", "client", clientID(cl), "m", h.packetMeta(pk), "error", err)
}

// OnQosPublish is called when a stored message is written.
func (h *Hook) OnQosPublish(cl *mqtt.Conn, m store.Message) {
	h.Log.Debug("inflight out", "m", storedMeta(m))
}

// OnQosComplete is called when the qos flow for a message has been completed.
func (h *Hook) OnQosComplete(cl *mqtt.Conn, m store.Message) {
	h.Log.Debug("inflight complete", "m", storedMeta(m))
}

// OnQosDropped is called when a stored message exhausted its retries.
func (h *Hook) OnQosDropped(cl *mqtt.Conn, m store.Message) {
	h.Log.Debug("inflight dropped", "m", storedMeta(m))
}

// OnSessionReset is called when a session discards its stored messages.
func (h *Hook) OnSessionReset(session string, dropped []store.Message) {
	h.Log.Debug("session reset", "method", "OnSessionReset", "session", session, "dropped", len(dropped))
}

// OnPacketIDExhausted is called when no packet identifier is free.
func (h *Hook) OnPacketIDExhausted(cl *mqtt.Conn, pk packets.Outgoing) {
	h.Log.Debug("packet identifiers exhausted", "method", "OnPacketIDExhausted", "client", clientID(cl), "type", packets.PacketNames[pk.PacketType()])
}

// OnQueueFull is called when the outgoing queue is full.
func (h *Hook) OnQueueFull(cl *mqtt.Conn, pk packets.Outgoing) {
	h.Log.Debug("queue full", "method", "OnQueueFull", "client", clientID(cl), "type", packets.PacketNames[pk.PacketType()])
}

// OnUnparsedExtraBytes is called when a frame carried trailing bytes.
func (h *Hook) OnUnparsedExtraBytes(cl *mqtt.Conn, fh packets.FixedHeader, n int) {
	h.Log.Debug("unparsed extra bytes", "method", "OnUnparsedExtraBytes", "client", cl.ID, "type", packets.PacketNames[fh.Type], "bytes", n)
}

// OnReconnectAttempt is called before a client tries to reconnect.
func (h *Hook) OnReconnectAttempt(cl *mqtt.Client, attempt int, err error) {
	h.Log.Debug("reconnecting", "method", "OnReconnectAttempt", "client", cl.ID(), "attempt", attempt, "error", err)
}

// OnReconnectGiveUp is called when a client stops reconnecting.
func (h *Hook) OnReconnectGiveUp(cl *mqtt.Client, err error) {
	h.Log.Debug("gave up reconnecting", "method", "OnReconnectGiveUp", "client", cl.ID(), "error", err)
}

// clientID returns the id of a connection which may be absent for a detached session.
func clientID(cl *mqtt.Conn) string {
	if cl == nil {
		return ""
	}
	return cl.ID
}

func storedMeta(m store.Message) map[string]any {
	return map[string]any{
		"id":      m.PacketID,
		"qos":     m.Qos,
		"state":   m.State,
		"resends": m.Resends,
		"dup":     m.Dup(),
	}
}

// connectMeta adds connect specific metadata to the debug logs.
func (h *Hook) connectMeta(pk *packets.ConnectPacket) map[string]any {
	m := map[string]any{
		"id":        pk.ClientIdentifier,
		"clean":     pk.Clean,
		"keepalive": pk.Keepalive,
		"version":   pk.ProtocolVersion,
		"username":  string(pk.Username),
	}

	if h.config.ShowPasswords {
		m["password"] = string(pk.Password)
	}

	if pk.WillFlag {
		m["will_topic"] = pk.WillTopic
		m["will_payload"] = string(pk.WillPayload)
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}

// packetMeta adds additional type-specific metadata to the debug logs.
func (h *Hook) packetMeta(pk packets.Outgoing) map[string]any {
	m := map[string]any{}
	switch p := pk.(type) {
	case *packets.ConnectPacket:
		return h.connectMeta(p)
	case *packets.PublishPacket:
		m["topic"] = p.Topic
		m["qos"] = p.FixedHeader.Qos
		m["id"] = p.PacketID
		m["length"] = p.Length
		if p.Reader == nil {
			m["payload"] = string(p.Payload)
		}
	case *packets.ConnackPacket:
		m["present"] = p.SessionPresent
		m["reason"] = int(p.ReasonCode)
		if p.ReasonCode > packets.CodeSuccess.Code && p.Properties.ReasonString != "" {
			m["reason_string"] = p.Properties.ReasonString
		}
	case *packets.AckPacket:
		m["id"] = p.PacketID
		m["reason"] = int(p.ReasonCode)
	case *packets.DisconnectPacket:
		m["reason"] = int(p.ReasonCode)
	case *packets.AuthPacket:
		m["reason"] = int(p.ReasonCode)
		m["method"] = p.Properties.AuthenticationMethod
	case *packets.SubscribePacket:
		f := map[string]int{}
		for _, v := range p.Filters {
			f[v.Filter] = int(v.Qos)
		}
		m["id"] = p.PacketID
		m["filters"] = f
	case *packets.UnsubscribePacket:
		m["id"] = p.PacketID
		m["filters"] = p.Filters
	case *packets.SubackPacket:
		m["id"] = p.PacketID
		m["reasons"] = reasons(p.ReasonCodes)
	case *packets.UnsubackPacket:
		m["id"] = p.PacketID
		m["reasons"] = reasons(p.ReasonCodes)
	case *packets.RawPacket:
		m["id"] = p.PacketID
		m["resend"] = true
	}

	if h.config.ShowPacketData {
		m["packet"] = pk
	}

	return m
}

func reasons(codes []byte) []int {
	r := make([]int, 0, len(codes))
	for _, v := range codes {
		r = append(r, int(v))
	}
	return r
}
