// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package system

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for the engine statistics of a client or server.
type Info struct {
	Version             string `json:"version"`              // the current version of the engine
	Started             int64  `json:"started"`              // the time the engine started in unix seconds
	Time                int64  `json:"time"`                 // current time on the engine
	Uptime              int64  `json:"uptime"`               // the number of seconds the engine has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the engine started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the engine started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently open connections
	ClientsDisconnected int64  `json:"clients_disconnected"` // number of persistent sessions without a connection
	ClientsMaximum      int64  `json:"clients_maximum"`      // maximum number of concurrently open connections
	ClientsTotal        int64  `json:"clients_total"`        // total number of sessions, connected or not
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publishes dropped before being written (expired or queue full)
	Inflight            int64  `json:"inflight"`             // the number of stored messages awaiting acknowledgment
	InflightDropped     int64  `json:"inflight_dropped"`     // the number of stored messages dropped as poisonous
	Retransmits         int64  `json:"retransmits"`          // the number of stored frames written again
	QueueFull           int64  `json:"queue_full"`           // the number of times an outgoing queue was full
	IDExhausted         int64  `json:"id_exhausted"`         // the number of times a packet store had no free identifier
	Reconnects          int64  `json:"reconnects"`           // the number of reconnection attempts
	ProtocolErrors      int64  `json:"protocol_errors"`      // the number of connections closed by a protocol error
	PacketsReceived     int64  `json:"packets_received"`     // the total number of packets received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent since the engine started
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operation
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsMaximum:      atomic.LoadInt64(&i.ClientsMaximum),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		InflightDropped:     atomic.LoadInt64(&i.InflightDropped),
		Retransmits:         atomic.LoadInt64(&i.Retransmits),
		QueueFull:           atomic.LoadInt64(&i.QueueFull),
		IDExhausted:         atomic.LoadInt64(&i.IDExhausted),
		Reconnects:          atomic.LoadInt64(&i.Reconnects),
		ProtocolErrors:      atomic.LoadInt64(&i.ProtocolErrors),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// Refresh updates the time, uptime, memory and goroutine values.
func (i *Info) Refresh(now time.Time) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	atomic.StoreInt64(&i.Time, now.Unix())
	atomic.StoreInt64(&i.Uptime, now.Unix()-atomic.LoadInt64(&i.Started))
	atomic.StoreInt64(&i.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&i.Threads, int64(runtime.NumGoroutine()))
}

// ConnectionOpened counts a new connection and raises the maximum if needed.
func (i *Info) ConnectionOpened() {
	n := atomic.AddInt64(&i.ClientsConnected, 1)
	for {
		max := atomic.LoadInt64(&i.ClientsMaximum)
		if n <= max || atomic.CompareAndSwapInt64(&i.ClientsMaximum, max, n) {
			return
		}
	}
}

// RegisterPrometheusMetrics registers every counter with the registry, or the default
// registerer if nil.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) error {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metrics struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metrics{
		{"c", "bytes_received", "A count of total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "A gauge of number of currently open connections", &i.ClientsConnected},
		{"g", "clients_disconnected", "A gauge of persistent sessions without a connection", &i.ClientsDisconnected},
		{"c", "clients_maximum", "A count of maximum number of concurrently open connections", &i.ClientsMaximum},
		{"g", "clients_total", "A gauge of total number of sessions, connected or not", &i.ClientsTotal},
		{"c", "messages_received", "A counter of total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of total number of publish messages sent", &i.MessagesSent},
		{"c", "messages_dropped", "A counter of publishes dropped before being written", &i.MessagesDropped},
		{"g", "inflight", "A gauge of the number of stored messages awaiting acknowledgment", &i.Inflight},
		{"c", "inflight_dropped", "A counter of stored messages dropped as poisonous", &i.InflightDropped},
		{"c", "retransmits", "A counter of stored frames written again", &i.Retransmits},
		{"c", "queue_full", "A counter of full outgoing queues", &i.QueueFull},
		{"c", "id_exhausted", "A counter of packet stores without a free identifier", &i.IDExhausted},
		{"c", "reconnects", "A counter of reconnection attempts", &i.Reconnects},
		{"c", "protocol_errors", "A counter of connections closed by a protocol error", &i.ProtocolErrors},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		var c prometheus.Collector
		switch m.metricType {
		case "c":
			c = prometheus.NewCounterFunc(prometheus.CounterOpts{Name: m.name, Help: m.help}, fn)
		case "g":
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: m.name, Help: m.help}, fn)
		}

		if err := registry.Register(c); err != nil {
			return err
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build Information",
		},
		[]string{"goversion", "version"},
	)
	if err := registry.Register(buildInfo); err != nil {
		return err
	}
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)

	return nil
}
