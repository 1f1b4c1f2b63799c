// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package influx

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/packets"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeInflux answers pings and records the line protocol of every write.
type fakeInflux struct {
	sync.Mutex
	lines  []string
	params []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		f.Lock()
		f.params = append(f.params, r.URL.RawQuery)
		f.lines = append(f.lines, strings.Split(strings.TrimSpace(string(body)), "\n")...)
		f.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) written() []string {
	f.Lock()
	defer f.Unlock()
	return append([]string(nil), f.lines...)
}

// waitLines waits for n points to arrive, as the write api flushes asynchronously.
func waitLines(t *testing.T, f *fakeInflux, n int) []string {
	require.Eventually(t, func() bool {
		return len(f.written()) >= n
	}, time.Second*3, time.Millisecond*10)

	lines := f.written()
	require.Len(t, lines, n)
	return lines
}

func newHook(t *testing.T) (*Hook, *fakeInflux) {
	f := new(fakeInflux)
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(&Options{
		URL:    srv.URL,
		Org:    "org",
		Bucket: "mqtt",
		Tags:   map[string]string{"node": "a"},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Stop()
	})

	return h, f
}

func TestID(t *testing.T) {
	require.Equal(t, "influx-events", new(Hook).ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnSysInfoTick))
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.OnDisconnect))
	require.True(t, h.Provides(mqtt.OnPublishDropped))
	require.True(t, h.Provides(mqtt.OnQosDropped))
	require.True(t, h.Provides(mqtt.OnReconnectAttempt))
	require.True(t, h.Provides(mqtt.OnReconnectGiveUp))
	require.False(t, h.Provides(mqtt.OnQosPublish))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestInitUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := new(Hook)
	h.SetOpts(logger, nil)
	require.Error(t, h.Init(&Options{URL: url}))
}

func TestInitDefaults(t *testing.T) {
	h, _ := newHook(t)
	require.Equal(t, uint(defaultBatchSize), h.config.BatchSize)
	require.Equal(t, uint(defaultFlushInterval), h.config.FlushInterval)
}

func TestOnSysInfoTick(t *testing.T) {
	h, f := newHook(t)
	h.OnSysInfoTick(&system.Info{Version: "1.0.0", Inflight: 3, Retransmits: 2})
	h.Flush()

	lines := waitLines(t, f, 1)
	require.True(t, strings.HasPrefix(lines[0], MeasurementSystem+","))
	require.Contains(t, lines[0], "node=a")
	require.Contains(t, lines[0], "version=1.0.0")
	require.Contains(t, lines[0], "inflight=3i")
	require.Contains(t, lines[0], "retransmits=2i")
	f.Lock()
	defer f.Unlock()
	require.Contains(t, f.params[0], "bucket=mqtt")
	require.Contains(t, f.params[0], "org=org")
}

func TestConnectionEvents(t *testing.T) {
	h, f := newHook(t)
	cl := &mqtt.Conn{ID: "zen", Remote: "1.2.3.4:5", Version: packets.Version5}

	h.OnSessionEstablished(cl, &packets.ConnectPacket{Clean: true})
	h.OnDisconnect(cl, mqtt.ReasonRemoteDisconnected, errors.New("eof"))
	h.Flush()

	lines := waitLines(t, f, 2)
	require.Contains(t, lines[0], "event=connected")
	require.Contains(t, lines[0], `client="zen"`)
	require.Contains(t, lines[0], "clean=true")
	require.Contains(t, lines[1], "event=disconnected")
	require.Contains(t, lines[1], `reason=remote\ disconnected`)
	require.Contains(t, lines[1], `error="eof"`)
}

func TestDropEvents(t *testing.T) {
	h, f := newHook(t)

	h.OnPublishDropped(nil, &packets.PublishPacket{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		Topic:       "a/b",
	}, mqtt.ErrQueueFull)
	h.OnQosDropped(&mqtt.Conn{ID: "zen"}, store.Message{PacketID: 7, Resends: 5})
	h.Flush()

	lines := waitLines(t, f, 2)
	require.Contains(t, lines[0], "kind=publish")
	require.Contains(t, lines[0], `topic="a/b"`)
	require.Contains(t, lines[1], "kind=poisoned")
	require.Contains(t, lines[1], "packet_id=7i")
	require.Contains(t, lines[1], "resends=5i")
}

func TestReconnectEvents(t *testing.T) {
	h, f := newHook(t)
	c := mqtt.NewClient(nil, nil, &mqtt.ClientOptions{Logger: logger, ClientID: "zen"})

	h.OnReconnectAttempt(c, 2, errors.New("refused"))
	h.OnReconnectGiveUp(c, errors.New("refused"))
	h.Flush()

	lines := waitLines(t, f, 2)
	require.Contains(t, lines[0], "event=attempt")
	require.Contains(t, lines[0], "attempt=2i")
	require.Contains(t, lines[1], "event=gave_up")
}

func TestNotConnected(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	h.OnSysInfoTick(new(system.Info))
	h.Flush()
	require.NoError(t, h.Stop())
}
