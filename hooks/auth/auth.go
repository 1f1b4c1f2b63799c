// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package auth provides hooks deciding which peers may connect to a server, and which
// topics they may publish or subscribe to.
package auth

import (
	"bytes"
	"fmt"
	"os"

	"github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

// Options contains the configuration/rules data for the auth ledger. Ledger takes
// precedence over Data, which takes precedence over Path.
type Options struct {
	Data   []byte
	Path   string
	Ledger *Ledger
}

// Hook is an authentication hook which implements an auth ledger.
type Hook struct {
	mqtt.HookBase
	config *Options
	ledger *Ledger
}

// ID returns the ID of the hook.
func (h *Hook) ID() string {
	return "auth-ledger"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnConnectAuthenticate,
		mqtt.OnACLCheck,
	}, []byte{b})
}

// Init configures the hook with the auth ledger to be used for checking.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)

	data := h.config.Data
	if h.config.Ledger == nil && len(data) == 0 && h.config.Path != "" {
		b, err := os.ReadFile(h.config.Path)
		if err != nil {
			return fmt.Errorf("read auth ledger: %w", err)
		}
		data = b
	}

	switch {
	case h.config.Ledger != nil:
		h.ledger = h.config.Ledger
	case len(data) > 0:
		h.ledger = new(Ledger)
		if err := h.ledger.Unmarshal(data); err != nil {
			return err
		}
	default:
		h.ledger = &Ledger{
			Auth: AuthRules{},
			ACL:  ACLRules{},
		}
	}

	h.Log.Info("loaded auth rules",
		"authentication", len(h.ledger.Auth),
		"users", len(h.ledger.Users),
		"acl", len(h.ledger.ACL),
		"filters", len(h.ledger.Filters()))

	return nil
}

// Ledger returns the ledger in use, so its rules can be updated while serving.
func (h *Hook) Ledger() *Ledger {
	return h.ledger
}

// OnConnectAuthenticate returns true if the connecting peer has rules which provide access
// in the auth ledger.
func (h *Hook) OnConnectAuthenticate(cl *mqtt.Conn, pk *packets.ConnectPacket) bool {
	if n, ok := h.ledger.AuthOk(cl, pk); ok {
		h.Log.Debug("client authenticated", "client", cl.ID, "rule", n)
		return true
	}

	h.Log.Info("client failed authentication check",
		"client", cl.ID,
		"username", string(pk.Username),
		"remote", cl.Remote)

	return false
}

// OnACLCheck returns true if the peer has read access to subscribe to a filter, or write
// access to publish to a topic.
func (h *Hook) OnACLCheck(cl *mqtt.Conn, topic string, write bool) bool {
	if _, ok := h.ledger.ACLOk(cl, topic, write); ok {
		return true
	}

	h.Log.Debug("client failed allowed ACL check",
		"client", cl.ID,
		"username", string(cl.Username),
		"topic", topic,
		"write", write)

	return false
}
