// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

func TestAllowHook(t *testing.T) {
	h := new(AllowHook)
	require.Equal(t, "allow-all-auth", h.ID())
	require.True(t, h.Provides(mqtt.OnACLCheck))
	require.True(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.False(t, h.Provides(mqtt.OnQosPublish))

	cl := &mqtt.Conn{ID: "zen", Remote: "203.0.113.7"}
	require.True(t, h.OnConnectAuthenticate(cl, &packets.ConnectPacket{Password: []byte("anything")}))
	require.True(t, h.OnACLCheck(cl, "$SYS/#", false))
	require.True(t, h.OnACLCheck(cl, "a/b", true))
}
