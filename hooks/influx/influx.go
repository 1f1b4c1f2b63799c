// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package influx writes engine events and counters to InfluxDB as points.
package influx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

const (
	defaultURL           = "http://localhost:8086"
	defaultBatchSize     = 100
	defaultFlushInterval = 1000 // milliseconds
	defaultPingTimeout   = 5 * time.Second

	MeasurementSystem     = "mqtt_system"
	MeasurementConnection = "mqtt_connection"
	MeasurementDrop       = "mqtt_drop"
	MeasurementReconnect  = "mqtt_reconnect"
)

var ErrNotHealthy = errors.New("influxdb server not healthy")

// Options contains configuration settings for the InfluxDB connection.
type Options struct {
	URL           string            `yaml:"url" json:"url"`
	Token         string            `yaml:"token" json:"token"`
	Org           string            `yaml:"org" json:"org"`
	Bucket        string            `yaml:"bucket" json:"bucket"`
	Tags          map[string]string `yaml:"tags" json:"tags"`                     // added to every point
	BatchSize     uint              `yaml:"batch_size" json:"batch_size"`         // points per write
	FlushInterval uint              `yaml:"flush_interval" json:"flush_interval"` // milliseconds
}

// Hook is a sink hook which records connections, drops, reconnects and the periodic
// engine counters in InfluxDB using the non-blocking write api.
type Hook struct {
	mqtt.HookBase
	config *Options
	client influxdb2.Client
	writer api.WriteAPI
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "influx-events"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSysInfoTick,
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnPublishDropped,
		mqtt.OnQosDropped,
		mqtt.OnReconnectAttempt,
		mqtt.OnReconnectGiveUp,
	}, []byte{b})
}

// Init connects to the InfluxDB server and checks that it is healthy.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.URL == "" {
		h.config.URL = defaultURL
	}

	if h.config.BatchSize == 0 {
		h.config.BatchSize = defaultBatchSize
	}

	if h.config.FlushInterval == 0 {
		h.config.FlushInterval = defaultFlushInterval
	}

	opts := influxdb2.DefaultOptions().
		SetBatchSize(h.config.BatchSize).
		SetFlushInterval(h.config.FlushInterval)
	for k, v := range h.config.Tags {
		opts.AddDefaultTag(k, v)
	}

	h.client = influxdb2.NewClientWithOptions(h.config.URL, h.config.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultPingTimeout)
	defer cancel()

	healthy, err := h.client.Ping(ctx)
	if err != nil {
		h.client.Close()
		return fmt.Errorf("failed to ping influxdb: %w", err)
	}

	if !healthy {
		h.client.Close()
		return ErrNotHealthy
	}

	h.writer = h.client.WriteAPI(h.config.Org, h.config.Bucket)
	go h.logErrors(h.writer.Errors())

	h.Log.Info("connected to influxdb", "url", h.config.URL, "bucket", h.config.Bucket)
	return nil
}

// logErrors logs the failures of asynchronous writes until the client is closed.
func (h *Hook) logErrors(errs <-chan error) {
	for err := range errs {
		h.Log.Error("failed to write points", "error", err)
	}
}

// Stop flushes the pending points and closes the client.
func (h *Hook) Stop() error {
	if h.client == nil {
		return nil
	}

	h.writer.Flush()
	h.client.Close()
	h.client = nil
	return nil
}

// Flush writes every pending point.
func (h *Hook) Flush() {
	if h.writer != nil {
		h.writer.Flush()
	}
}

func (h *Hook) write(measurement string, tags map[string]string, fields map[string]any) {
	if h.writer == nil {
		return
	}

	h.writer.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// OnSysInfoTick records a snapshot of the engine counters.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	info := sys.Clone()
	h.write(MeasurementSystem, map[string]string{"version": info.Version}, map[string]any{
		"uptime":            info.Uptime,
		"bytes_received":    info.BytesReceived,
		"bytes_sent":        info.BytesSent,
		"clients_connected": info.ClientsConnected,
		"clients_total":     info.ClientsTotal,
		"messages_received": info.MessagesReceived,
		"messages_sent":     info.MessagesSent,
		"messages_dropped":  info.MessagesDropped,
		"inflight":          info.Inflight,
		"inflight_dropped":  info.InflightDropped,
		"retransmits":       info.Retransmits,
		"queue_full":        info.QueueFull,
		"id_exhausted":      info.IDExhausted,
		"reconnects":        info.Reconnects,
		"protocol_errors":   info.ProtocolErrors,
		"memory_alloc":      info.MemoryAlloc,
		"threads":           info.Threads,
	})
}

// OnSessionEstablished records a connection.
func (h *Hook) OnSessionEstablished(cl *mqtt.Conn, pk *packets.ConnectPacket) {
	h.write(MeasurementConnection, map[string]string{"event": "connected"}, map[string]any{
		"client":   cl.ID,
		"remote":   cl.Remote,
		"version":  int(cl.Version),
		"clean":    pk.Clean,
		"username": string(cl.Username),
	})
}

// OnDisconnect records the end of a connection and its reason.
func (h *Hook) OnDisconnect(cl *mqtt.Conn, reason mqtt.DisconnectReason, err error) {
	fields := map[string]any{
		"client": cl.ID,
		"remote": cl.Remote,
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	h.write(MeasurementConnection, map[string]string{"event": "disconnected", "reason": reason.String()}, fields)
}

// OnPublishDropped records a publish which was discarded before being written.
func (h *Hook) OnPublishDropped(cl *mqtt.Conn, pk *packets.PublishPacket, err error) {
	fields := map[string]any{
		"client": clientID(cl),
		"topic":  pk.Topic,
		"qos":    int(pk.FixedHeader.Qos),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	h.write(MeasurementDrop, map[string]string{"kind": "publish"}, fields)
}

// OnQosDropped records a stored message which exhausted its retries.
func (h *Hook) OnQosDropped(cl *mqtt.Conn, m store.Message) {
	h.write(MeasurementDrop, map[string]string{"kind": "poisoned"}, map[string]any{
		"client":    clientID(cl),
		"packet_id": int(m.PacketID),
		"resends":   m.Resends,
	})
}

// OnReconnectAttempt records a reconnection attempt of a client.
func (h *Hook) OnReconnectAttempt(cl *mqtt.Client, attempt int, err error) {
	fields := map[string]any{
		"client":  cl.ID(),
		"attempt": attempt,
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	h.write(MeasurementReconnect, map[string]string{"event": "attempt"}, fields)
}

// OnReconnectGiveUp records a client abandoning reconnection.
func (h *Hook) OnReconnectGiveUp(cl *mqtt.Client, err error) {
	fields := map[string]any{
		"client": cl.ID(),
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	h.write(MeasurementReconnect, map[string]string{"event": "gave_up"}, fields)
}

func clientID(cl *mqtt.Conn) string {
	if cl == nil {
		return ""
	}
	return cl.ID
}
