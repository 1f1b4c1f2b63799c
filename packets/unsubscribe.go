// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// UnsubscribePacket contains the values of an MQTT UNSUBSCRIBE packet.
type UnsubscribePacket struct {
	Properties Properties `json:"properties"`
	Filters    []string   `json:"filters"`
	PacketID   uint16     `json:"packetId"`
}

func (pk *UnsubscribePacket) PacketType() byte   { return Unsubscribe }
func (pk *UnsubscribePacket) QosLevel() byte     { return 1 }
func (pk *UnsubscribePacket) Identifier() uint16 { return pk.PacketID }
func (pk *UnsubscribePacket) IDOwner() Owner     { return LocalID }

func (pk *UnsubscribePacket) remaining(v byte) int {
	n := 2
	if v == Version5 {
		n += pk.Properties.Size(Unsubscribe)
	}

	for _, f := range pk.Filters {
		n += 2 + len(f)
	}

	return n
}

// Size returns the encoded size of the packet.
func (pk *UnsubscribePacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes an unsubscribe packet.
func (pk *UnsubscribePacket) Encode(b *bytes.Buffer, v byte) error {
	fh := FixedHeader{Type: Unsubscribe, Qos: 1, Remaining: pk.remaining(v)} // [MQTT-3.10.1-1]
	fh.Encode(b)
	b.Write(encodeUint16(pk.PacketID))
	if v == Version5 {
		pk.Properties.Encode(Unsubscribe, b)
	}

	for _, f := range pk.Filters {
		b.Write(encodeString(f))
	}

	return nil
}

// Decode decodes an unsubscribe packet body.
func (pk *UnsubscribePacket) Decode(buf []byte, v byte) error {
	var err error
	var offset int
	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	if v == Version5 {
		n, err := pk.Properties.Decode(Unsubscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
		offset += n
	}

	for offset < len(buf) {
		var f string
		f, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedTopic
		}
		pk.Filters = append(pk.Filters, f)
	}

	return nil
}

// Validate ensures the unsubscribe packet is compliant.
func (pk *UnsubscribePacket) Validate() Code {
	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	for _, f := range pk.Filters {
		if ValidString(f) != nil || f == "" {
			return ErrTopicFilterInvalid
		}
	}

	return CodeSuccess
}

// UnsubackPacket contains the values of an MQTT UNSUBACK packet. Reason codes are
// only carried at protocol level 5.
type UnsubackPacket struct {
	Properties  Properties `json:"properties"`
	ReasonCodes []byte     `json:"reasonCodes"`
	PacketID    uint16     `json:"packetId"`
}

func (pk *UnsubackPacket) PacketType() byte   { return Unsuback }
func (pk *UnsubackPacket) QosLevel() byte     { return 0 }
func (pk *UnsubackPacket) Identifier() uint16 { return pk.PacketID }
func (pk *UnsubackPacket) IDOwner() Owner     { return RemoteID }

func (pk *UnsubackPacket) remaining(v byte) int {
	if v != Version5 {
		return 2
	}
	return 2 + pk.Properties.Size(Unsuback) + len(pk.ReasonCodes)
}

// Size returns the encoded size of the packet.
func (pk *UnsubackPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes an unsuback packet.
func (pk *UnsubackPacket) Encode(b *bytes.Buffer, v byte) error {
	fh := FixedHeader{Type: Unsuback, Remaining: pk.remaining(v)}
	fh.Encode(b)
	b.Write(encodeUint16(pk.PacketID))
	if v == Version5 {
		pk.Properties.Encode(Unsuback, b)
		b.Write(pk.ReasonCodes)
	}
	return nil
}

// Decode decodes an unsuback packet body.
func (pk *UnsubackPacket) Decode(buf []byte, v byte) error {
	var err error
	var offset int
	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	if v == Version5 {
		n, err := pk.Properties.Decode(Unsuback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
		offset += n
		pk.ReasonCodes = append([]byte{}, buf[offset:]...)
	}

	return nil
}
