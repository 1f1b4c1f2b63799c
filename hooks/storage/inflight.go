// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

// KV is an ordered key-value backend. Scan visits values in key order.
type KV interface {
	Put(key string, value []byte) error
	Delete(key string) error
	DeletePrefix(prefix string) error
	Scan(prefix string, visit func(value []byte) error) error
}

// Inflight persists the stored messages of sessions into a KV backend. Backend hooks
// embed it and attach their KV once the database is open.
type Inflight struct {
	mqtt.HookBase
	kv KV
}

// Attach sets the backend. A nil backend detaches it.
func (h *Inflight) Attach(kv KV) {
	h.kv = kv
}

// Attached returns true if a backend is attached.
func (h *Inflight) Attached() bool {
	return h.kv != nil
}

// Provides indicates which hook methods this hook provides.
func (h *Inflight) Provides(b byte) bool {
	switch b {
	case mqtt.OnQosPublish, mqtt.OnQosComplete, mqtt.OnQosDropped, mqtt.OnSessionReset, mqtt.StoredInflightMessages:
		return true
	}
	return false
}

func (h *Inflight) ready() bool {
	if h.kv == nil {
		h.Log.Error("stored message hook called without a database", "error", ErrDBFileNotOpen)
		return false
	}
	return true
}

// OnQosPublish writes a stored message, replacing any previous state of its id.
func (h *Inflight) OnQosPublish(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	in := NewMessage(cl.Session(), m)
	data, err := in.MarshalBinary()
	if err == nil {
		err = h.kv.Put(in.ID, data)
	}
	if err != nil {
		h.Log.Error("failed to upsert stored message", "error", err, "key", in.ID)
	}
}

// OnQosComplete removes a resolved message.
func (h *Inflight) OnQosComplete(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	key := InflightID(cl.Session(), m.PacketID)
	if err := h.kv.Delete(key); err != nil {
		h.Log.Error("failed to delete stored message", "error", err, "key", key)
	}
}

// OnQosDropped removes a poisonous message.
func (h *Inflight) OnQosDropped(cl *mqtt.Conn, m store.Message) {
	h.OnQosComplete(cl, m)
}

// OnSessionReset removes every stored message of a session.
func (h *Inflight) OnSessionReset(session string, _ []store.Message) {
	if !h.ready() {
		return
	}

	if err := h.kv.DeletePrefix(InflightPrefix(session)); err != nil {
		h.Log.Error("failed to delete session data", "error", err, "session", session)
	}
}

// StoredInflightMessages returns the stored messages of a session. Entries which fail
// to decode are skipped and logged.
func (h *Inflight) StoredInflightMessages(session string) (v []store.Message, err error) {
	if !h.ready() {
		return nil, nil
	}

	prefix := InflightPrefix(session)
	err = h.kv.Scan(prefix, func(value []byte) error {
		var m Message
		if err := m.UnmarshalBinary(value); err != nil {
			h.Log.Warn("skipping undecodable stored message", "error", err, "session", session)
			return nil
		}
		v = append(v, m.ToStore())
		return nil
	})
	if err != nil {
		h.Log.Error("failed to read stored messages", "error", err, "prefix", prefix)
	}

	return v, err
}
