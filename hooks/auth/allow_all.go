// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

// AllowHook accepts every CONNECT and grants every publish and subscription. A server
// without any authentication hook refuses all connections, so it is the hook to add
// when the transport is trusted.
type AllowHook struct {
	mqtt.HookBase
}

// ID returns the ID of the hook.
func (h *AllowHook) ID() string {
	return "allow-all-auth"
}

// Provides indicates which hook methods this hook provides.
func (h *AllowHook) Provides(b byte) bool {
	return b == mqtt.OnConnectAuthenticate || b == mqtt.OnACLCheck
}

// OnConnectAuthenticate allows the peer to connect.
func (h *AllowHook) OnConnectAuthenticate(cl *mqtt.Conn, pk *packets.ConnectPacket) bool {
	return true
}

// OnACLCheck allows any topic or filter.
func (h *AllowHook) OnACLCheck(cl *mqtt.Conn, topic string, write bool) bool {
	return true
}
