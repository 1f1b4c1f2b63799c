// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package bolt

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

var (
	logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	client = &mqtt.Conn{ID: "zen"}
	other  = &mqtt.Conn{ID: "other"}

	msg = store.Message{
		Raw:      []byte{0x32, 0x07, 0x00, 0x01, 'a', 0x00, 0x01, 'h', 'i'},
		Sent:     100,
		Seq:      1,
		PacketID: 1,
		Qos:      1,
		State:    store.StatePublished,
	}
)

func newHook(t *testing.T) *Hook {
	h := new(Hook)
	h.SetOpts(logger, nil)

	err := h.Init(&Options{Path: filepath.Join(t.TempDir(), "test.bolt")})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = h.Stop()
	})

	return h
}

func TestID(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "bolt-db", h.ID())
}

func TestProvides(t *testing.T) {
	h := new(Hook)
	require.True(t, h.Provides(mqtt.OnQosPublish))
	require.True(t, h.Provides(mqtt.OnQosComplete))
	require.True(t, h.Provides(mqtt.OnQosDropped))
	require.True(t, h.Provides(mqtt.OnSessionReset))
	require.True(t, h.Provides(mqtt.StoredInflightMessages))
	require.False(t, h.Provides(mqtt.OnConnect))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)
	err := h.Init(map[string]any{})
	require.ErrorIs(t, err, mqtt.ErrInvalidConfigType)
}

func TestInitDefaults(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	config := &Options{Path: filepath.Join(t.TempDir(), "test.bolt")}
	require.NoError(t, h.Init(config))
	defer h.Stop()

	require.Equal(t, defaultBucket, config.Bucket)
	require.Equal(t, defaultTimeout, config.Options.Timeout)
}

func TestReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.bolt")

	h := new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path}))
	h.OnQosPublish(client, msg)
	require.NoError(t, h.Stop())

	h = new(Hook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&Options{Path: path}))
	defer h.Stop()

	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Equal(t, []store.Message{msg}, msgs)
}

func TestOnQosPublishThenStored(t *testing.T) {
	h := newHook(t)

	h.OnQosPublish(client, msg)
	update := msg
	update.Resends = 1
	update.Seq = 2
	h.OnQosPublish(client, update)

	rel := store.Message{Raw: []byte{0x62, 0x02, 0x00, 0x02}, PacketID: 2, Qos: 2, Seq: 3, State: store.StateReleased}
	h.OnQosPublish(client, rel)
	h.OnQosPublish(other, msg)

	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, update, msgs[0])
	require.Equal(t, rel, msgs[1])
}

func TestOnQosComplete(t *testing.T) {
	h := newHook(t)
	h.OnQosPublish(client, msg)
	h.OnQosComplete(client, msg)

	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOnQosDropped(t *testing.T) {
	h := newHook(t)
	h.OnQosPublish(client, msg)
	h.OnQosDropped(client, msg)

	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOnSessionReset(t *testing.T) {
	h := newHook(t)
	h.OnQosPublish(client, msg)
	h.OnQosPublish(other, msg)
	h.OnSessionReset("zen", nil)

	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Empty(t, msgs)

	msgs, err = h.StoredInflightMessages("other")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestNoDB(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, nil)

	h.OnQosPublish(client, msg)
	h.OnQosComplete(client, msg)
	h.OnSessionReset("zen", nil)
	msgs, err := h.StoredInflightMessages("zen")
	require.NoError(t, err)
	require.Empty(t, msgs)
	require.NoError(t, h.Stop())
}
