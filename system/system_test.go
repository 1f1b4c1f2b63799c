// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestClone(t *testing.T) {
	o := &Info{
		Version:             "version",
		Started:             1,
		Time:                2,
		Uptime:              3,
		BytesReceived:       4,
		BytesSent:           5,
		ClientsConnected:    6,
		ClientsMaximum:      7,
		ClientsTotal:        8,
		ClientsDisconnected: 9,
		MessagesReceived:    10,
		MessagesSent:        11,
		MessagesDropped:     20,
		Inflight:            13,
		InflightDropped:     14,
		Retransmits:         21,
		QueueFull:           22,
		IDExhausted:         23,
		Reconnects:          24,
		ProtocolErrors:      25,
		PacketsReceived:     16,
		PacketsSent:         17,
		MemoryAlloc:         18,
		Threads:             19,
	}

	n := o.Clone()

	require.Equal(t, o, n)
}

func TestRefresh(t *testing.T) {
	now := time.Now()
	o := &Info{Started: now.Unix() - 10}
	o.Refresh(now)
	require.Equal(t, now.Unix(), o.Time)
	require.Equal(t, int64(10), o.Uptime)
	require.Greater(t, o.Threads, int64(0))
	require.Greater(t, o.MemoryAlloc, int64(0))
}

func TestConnectionOpened(t *testing.T) {
	o := new(Info)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.ConnectionOpened()
		}()
	}
	wg.Wait()

	require.Equal(t, int64(50), o.ClientsConnected)
	require.Equal(t, int64(50), o.ClientsMaximum)

	o.ClientsConnected = 1
	o.ConnectionOpened()
	require.Equal(t, int64(50), o.ClientsMaximum)
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	o := &Info{Version: "test", Retransmits: 3}
	reg := prometheus.NewRegistry()
	require.NoError(t, o.RegisterPrometheusMetrics(reg))

	mfs, err := reg.Gather()
	require.NoError(t, err)

	found := map[string]float64{}
	for _, mf := range mfs {
		m := mf.GetMetric()[0]
		switch {
		case m.GetCounter() != nil:
			found[mf.GetName()] = m.GetCounter().GetValue()
		case m.GetGauge() != nil:
			found[mf.GetName()] = m.GetGauge().GetValue()
		}
	}

	require.Equal(t, float64(3), found["retransmits"])
	require.Equal(t, float64(1), found["build_info"])
	require.Contains(t, found, "inflight_dropped")

	// registering twice on the same registry collides
	require.Error(t, o.RegisterPrometheusMetrics(reg))
}
