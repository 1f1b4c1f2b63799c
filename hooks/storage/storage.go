// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

const (
	InflightKey = "IFM" // unique key to denote stored messages in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Message is a storable representation of a message stored against a packet identifier
// of a session.
type Message struct {
	Raw      []byte      `json:"raw"`     // the frame as last written
	ID       string      `json:"id"`      // the storage key
	T        string      `json:"t"`       // the data type (inflight)
	Session  string      `json:"session"` // the client id owning the session
	Sent     int64       `json:"sent"`
	Seq      uint64      `json:"seq"`
	Resends  int         `json:"resends"`
	PacketID uint16      `json:"packetId"`
	Qos      byte        `json:"qos"`
	State    store.State `json:"state"`
}

// NewMessage returns the storable form of a stored message of a session.
func NewMessage(session string, m store.Message) Message {
	return Message{
		ID:       InflightID(session, m.PacketID),
		T:        InflightKey,
		Session:  session,
		Raw:      m.Raw,
		Sent:     m.Sent,
		Seq:      m.Seq,
		Resends:  m.Resends,
		PacketID: m.PacketID,
		Qos:      m.Qos,
		State:    m.State,
	}
}

// ToStore returns the message as it is held by a session store.
func (d Message) ToStore() store.Message {
	return store.Message{
		Raw:      d.Raw,
		Sent:     d.Sent,
		Seq:      d.Seq,
		Resends:  d.Resends,
		PacketID: d.PacketID,
		Qos:      d.Qos,
		State:    d.State,
	}
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// InflightPrefix returns the key prefix shared by all stored messages of a session.
func InflightPrefix(session string) string {
	return InflightKey + "_" + session + ":"
}

// InflightID returns the primary key of a stored message.
func InflightID(session string, id uint16) string {
	return InflightPrefix(session) + strconv.Itoa(int(id))
}
