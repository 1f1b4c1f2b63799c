// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// ConnackPacket contains the values of an MQTT CONNACK packet.
type ConnackPacket struct {
	Properties     Properties `json:"properties"`
	SessionPresent bool       `json:"sessionPresent"`
	ReasonCode     byte       `json:"reasonCode"`
}

func (pk *ConnackPacket) PacketType() byte   { return Connack }
func (pk *ConnackPacket) QosLevel() byte     { return 0 }
func (pk *ConnackPacket) Identifier() uint16 { return 0 }
func (pk *ConnackPacket) IDOwner() Owner     { return NoID }

func (pk *ConnackPacket) remaining(v byte) int {
	if v == Version5 {
		return 2 + pk.Properties.Size(Connack)
	}
	return 2
}

// Size returns the encoded size of the packet.
func (pk *ConnackPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes a connack packet.
func (pk *ConnackPacket) Encode(b *bytes.Buffer, v byte) error {
	fh := FixedHeader{Type: Connack, Remaining: pk.remaining(v)}
	fh.Encode(b)
	b.WriteByte(encodeBool(pk.SessionPresent))
	b.WriteByte(pk.ReasonCode)
	if v == Version5 {
		pk.Properties.Encode(Connack, b)
	}

	return nil
}

// Decode decodes a connack packet body.
func (pk *ConnackPacket) Decode(buf []byte, v byte) error {
	var err error
	var offset int

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return ErrMalformedSessionPresent
	}

	if buf[0]&0xfe != 0 {
		return ErrProtocolViolationReservedBit // [MQTT-3.2.2-1]
	}

	pk.ReasonCode, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedReasonCode
	}

	if v == Version5 && offset < len(buf) {
		_, err := pk.Properties.Decode(Connack, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
	}

	return nil
}

// Code returns the reason code as a Code value for the protocol level.
func (pk *ConnackPacket) Code(v byte) Code {
	if pk.ReasonCode == CodeSuccess.Code {
		return CodeSuccess
	}

	if v < Version5 {
		if c, ok := v3Returns[pk.ReasonCode]; ok {
			return c
		}
	}

	return CodeFor(pk.ReasonCode, "connection refused")
}
