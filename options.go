// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/signature-opensource/CK-MQTT-sub002/listeners"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

const (
	defaultConnectTimeout           = 10 * time.Second // wait for a connack or a first connect
	defaultAckTimeout               = 20 * time.Second // resend stored messages after this long
	defaultWritesPending            = 1024             // bound of the user queue
	defaultReflexPending            = 256              // bound of the reflex queue
	defaultFlushBatch               = 64               // frames written between forced flushes
	defaultNetBufferSize            = 1024 * 4         // size of the bufio reader and writer
	defaultSysInfoInterval   int64  = 10               // in seconds
	defaultMinimumKeepalive  uint16 = 5                // the shortest keepalive a server allows
	defaultReconnectInitial         = 500 * time.Millisecond
	defaultReconnectMax             = 30 * time.Second
	defaultReconnectMultiply        = 2.0
)

// Capabilities indicates the capabilities and features of a server.
type Capabilities struct {
	MaximumSessionExpiryInterval uint32 `yaml:"maximum_session_expiry_interval" json:"maximum_session_expiry_interval"`
	MaximumPacketSize            uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`
	ReceiveMaximum               uint16 `yaml:"receive_maximum" json:"receive_maximum"`
	MaximumKeepalive             uint16 `yaml:"maximum_keepalive" json:"maximum_keepalive"` // keepalives above this are overridden with it (v5) [MQTT-3.2.2-21]
	MinimumKeepalive             uint16 `yaml:"minimum_keepalive" json:"minimum_keepalive"`
	TopicAliasMaximum            uint16 `yaml:"topic_alias_maximum" json:"topic_alias_maximum"`
	MaximumQos                   byte   `yaml:"maximum_qos" json:"maximum_qos"`
	RetainAvailable              byte   `yaml:"retain_available" json:"retain_available"`
	WildcardSubAvailable         byte   `yaml:"wildcard_sub_available" json:"wildcard_sub_available"`
	SubIDAvailable               byte   `yaml:"sub_id_available" json:"sub_id_available"`
	SharedSubAvailable           byte   `yaml:"shared_sub_available" json:"shared_sub_available"`
	MinimumProtocolVersion       byte   `yaml:"minimum_protocol_version" json:"minimum_protocol_version"`
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumSessionExpiryInterval: 60 * 60 * 24, // one day
		MaximumPacketSize:            0,            // no maximum
		ReceiveMaximum:               1024,
		MaximumKeepalive:             60 * 60 * 2,
		MinimumKeepalive:             defaultMinimumKeepalive,
		TopicAliasMaximum:            0,
		MaximumQos:                   2,
		RetainAvailable:              1,
		WildcardSubAvailable:         1,
		SubIDAvailable:               1,
		SharedSubAvailable:           1,
		MinimumProtocolVersion:       packets.Version31,
	}
}

// SessionOptions contains the tunables of the pumps and packet store of one connection end.
type SessionOptions struct {
	AckTimeout      time.Duration `yaml:"ack_timeout" json:"ack_timeout"`             // unacknowledged stored messages are resent after this
	RetryInterval   time.Duration `yaml:"retry_interval" json:"retry_interval"`       // how often the store is checked for due messages
	MaxRetries      int           `yaml:"max_retries" json:"max_retries"`             // resends before a message is dropped as poisonous, 0 for unlimited
	StoreCapacity   int           `yaml:"store_capacity" json:"store_capacity"`       // concurrently outstanding packet identifiers
	WritesPending   int           `yaml:"writes_pending" json:"writes_pending"`       // the bound of the user queue
	DropOldest      bool          `yaml:"drop_oldest" json:"drop_oldest"`             // drop the oldest queued packet instead of waiting when full
	FlushBatch      int           `yaml:"flush_batch" json:"flush_batch"`             // force a flush after this many frames
	ReadBufferSize  int           `yaml:"read_buffer_size" json:"read_buffer_size"`   // size of the transport read buffer
	WriteBufferSize int           `yaml:"write_buffer_size" json:"write_buffer_size"` // size of the transport write buffer
}

func (o *SessionOptions) ensureDefaults() {
	if o.AckTimeout <= 0 {
		o.AckTimeout = defaultAckTimeout
	}

	if o.RetryInterval <= 0 {
		o.RetryInterval = o.AckTimeout / 4
	}

	if o.StoreCapacity <= 0 {
		o.StoreCapacity = 65535
	}

	if o.WritesPending <= 0 {
		o.WritesPending = defaultWritesPending
	}

	if o.FlushBatch <= 0 {
		o.FlushBatch = defaultFlushBatch
	}

	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = defaultNetBufferSize
	}

	if o.WriteBufferSize <= 0 {
		o.WriteBufferSize = defaultNetBufferSize
	}
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"hooks" json:"hooks"`

	// Capabilities defines the server features and behaviour. If you only wish to modify
	// several of these values, set them explicitly - e.g.
	// 	server.Options.Capabilities.MaximumQos = 1
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// Session contains the pump and packet store tunables of each peer.
	Session SessionOptions `yaml:"session" json:"session"`

	// ConnectTimeout is how long a new connection may take to send its CONNECT.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// SysInfoInterval is how often, in seconds, the counters are refreshed and OnSysInfoTick is raised.
	SysInfoInterval int64 `yaml:"sys_info_interval" json:"sys_info_interval"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	o.Session.ensureDefaults()

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.SysInfoInterval == 0 {
		o.SysInfoInterval = defaultSysInfoInterval
	}

	if o.Logger == nil {
		log := slog.New(slog.NewTextHandler(os.Stdout, nil))
		o.Logger = log
	}
}

// WillMessage is the last will carried by a client CONNECT.
type WillMessage struct {
	Topic   string `yaml:"topic" json:"topic"`
	Payload []byte `yaml:"payload" json:"payload"`
	Qos     byte   `yaml:"qos" json:"qos"`
	Retain  bool   `yaml:"retain" json:"retain"`
}

// ReconnectPolicy builds an exponential backoff from plain values, so that it can be
// loaded from configuration.
type ReconnectPolicy struct {
	Initial    time.Duration `yaml:"initial" json:"initial"`
	Max        time.Duration `yaml:"max" json:"max"`
	Multiplier float64       `yaml:"multiplier" json:"multiplier"`
	MaxElapsed time.Duration `yaml:"max_elapsed" json:"max_elapsed"` // give up after this long, 0 for never
}

// BackOff returns a fresh backoff following the policy.
func (p ReconnectPolicy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultReconnectInitial
	b.MaxInterval = defaultReconnectMax
	b.Multiplier = defaultReconnectMultiply
	b.MaxElapsedTime = p.MaxElapsed

	if p.Initial > 0 {
		b.InitialInterval = p.Initial
	}

	if p.Max > 0 {
		b.MaxInterval = p.Max
	}

	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}

	b.Reset()
	return b
}

// ClientOptions contains configurable options for a client.
type ClientOptions struct {
	// Session contains the pump and packet store tunables.
	Session SessionOptions `yaml:"session" json:"session"`

	// ClientID is the client identifier. A random one is generated if empty.
	ClientID string `yaml:"client_id" json:"client_id"`

	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`

	// ProtocolVersion is 3, 4 (3.1.1) or 5.
	ProtocolVersion byte `yaml:"protocol_version" json:"protocol_version"`

	// Clean starts a clean session on every connect, discarding stored messages.
	Clean bool `yaml:"clean" json:"clean"`

	// Keepalive is the keepalive interval in seconds, 0 to disable.
	Keepalive uint16 `yaml:"keepalive" json:"keepalive"`

	// SessionExpiryInterval is sent with v5 connects, in seconds.
	SessionExpiryInterval uint32 `yaml:"session_expiry_interval" json:"session_expiry_interval"`

	// ConnectTimeout bounds the dial and the wait for the connack.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	Will *WillMessage `yaml:"will" json:"will"`

	// Reconnect enables automatic reconnection after an unattended disconnect.
	Reconnect *ReconnectPolicy `yaml:"reconnect" json:"reconnect"`

	// ReconnectBackoff overrides Reconnect with any backoff. Returning backoff.Stop gives up.
	ReconnectBackoff func() backoff.BackOff `yaml:"-" json:"-"`

	Logger *slog.Logger `yaml:"-" json:"-"`
}

func (o *ClientOptions) ensureDefaults() {
	o.Session.ensureDefaults()

	if o.ProtocolVersion == 0 {
		o.ProtocolVersion = packets.Version311
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}

	if o.ReconnectBackoff == nil && o.Reconnect != nil {
		p := *o.Reconnect
		o.ReconnectBackoff = p.BackOff
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}
