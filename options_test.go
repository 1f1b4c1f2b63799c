// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

func TestOptionsEnsureDefaults(t *testing.T) {
	o := new(Options)
	o.ensureDefaults()

	require.NotNil(t, o.Capabilities)
	require.Equal(t, NewDefaultServerCapabilities(), o.Capabilities)
	require.Equal(t, defaultConnectTimeout, o.ConnectTimeout)
	require.Equal(t, defaultSysInfoInterval, o.SysInfoInterval)
	require.NotNil(t, o.Logger)

	require.Equal(t, defaultAckTimeout, o.Session.AckTimeout)
	require.Equal(t, defaultAckTimeout/4, o.Session.RetryInterval)
	require.Equal(t, 65535, o.Session.StoreCapacity)
	require.Equal(t, defaultWritesPending, o.Session.WritesPending)
	require.Equal(t, defaultFlushBatch, o.Session.FlushBatch)
	require.Equal(t, defaultNetBufferSize, o.Session.ReadBufferSize)
	require.Equal(t, defaultNetBufferSize, o.Session.WriteBufferSize)
}

func TestOptionsEnsureDefaultsKeepsValues(t *testing.T) {
	o := &Options{
		ConnectTimeout: time.Second,
		Session: SessionOptions{
			AckTimeout:    time.Second * 2,
			RetryInterval: time.Millisecond * 100,
			StoreCapacity: 10,
		},
	}
	o.ensureDefaults()

	require.Equal(t, time.Second, o.ConnectTimeout)
	require.Equal(t, time.Second*2, o.Session.AckTimeout)
	require.Equal(t, time.Millisecond*100, o.Session.RetryInterval)
	require.Equal(t, 10, o.Session.StoreCapacity)
}

func TestClientOptionsEnsureDefaults(t *testing.T) {
	o := &ClientOptions{
		Reconnect: &ReconnectPolicy{Initial: time.Millisecond},
	}
	o.ensureDefaults()

	require.Equal(t, packets.Version311, o.ProtocolVersion)
	require.Equal(t, defaultConnectTimeout, o.ConnectTimeout)
	require.NotNil(t, o.ReconnectBackoff)
	require.NotNil(t, o.Logger)
}

func TestReconnectPolicyBackOff(t *testing.T) {
	p := ReconnectPolicy{
		Initial:    time.Millisecond * 10,
		Max:        time.Millisecond * 40,
		Multiplier: 2,
	}

	b := p.BackOff().(*backoff.ExponentialBackOff)
	require.Equal(t, time.Millisecond*10, b.InitialInterval)
	require.Equal(t, time.Millisecond*40, b.MaxInterval)
	require.Equal(t, 2.0, b.Multiplier)

	for i := 0; i < 10; i++ {
		require.LessOrEqual(t, b.NextBackOff(), time.Millisecond*40*3/2)
	}
}

func TestReconnectPolicyGivesUp(t *testing.T) {
	p := ReconnectPolicy{
		Initial:    time.Millisecond,
		MaxElapsed: time.Millisecond * 20,
	}

	b := p.BackOff()
	time.Sleep(time.Millisecond * 30)
	require.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestReconnectPolicyDefaults(t *testing.T) {
	b := ReconnectPolicy{}.BackOff().(*backoff.ExponentialBackOff)
	require.Equal(t, defaultReconnectInitial, b.InitialInterval)
	require.Equal(t, defaultReconnectMax, b.MaxInterval)
	require.Equal(t, defaultReconnectMultiply, b.Multiplier)
	require.Equal(t, time.Duration(0), b.MaxElapsedTime)
}
