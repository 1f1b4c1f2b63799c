// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// PingreqPacket is an MQTT PINGREQ packet.
type PingreqPacket struct{}

func (pk *PingreqPacket) PacketType() byte   { return Pingreq }
func (pk *PingreqPacket) QosLevel() byte     { return 0 }
func (pk *PingreqPacket) Identifier() uint16 { return 0 }
func (pk *PingreqPacket) IDOwner() Owner     { return NoID }
func (pk *PingreqPacket) Size(v byte) uint32 { return 2 }

// Encode encodes a pingreq packet.
func (pk *PingreqPacket) Encode(b *bytes.Buffer, v byte) error {
	b.Write([]byte{Pingreq << 4, 0})
	return nil
}

// PingrespPacket is an MQTT PINGRESP packet.
type PingrespPacket struct{}

func (pk *PingrespPacket) PacketType() byte   { return Pingresp }
func (pk *PingrespPacket) QosLevel() byte     { return 0 }
func (pk *PingrespPacket) Identifier() uint16 { return 0 }
func (pk *PingrespPacket) IDOwner() Owner     { return NoID }
func (pk *PingrespPacket) Size(v byte) uint32 { return 2 }

// Encode encodes a pingresp packet.
func (pk *PingrespPacket) Encode(b *bytes.Buffer, v byte) error {
	b.Write([]byte{Pingresp << 4, 0})
	return nil
}

// DisconnectPacket contains the values of an MQTT DISCONNECT packet. Reason codes and
// properties are only carried at protocol level 5.
type DisconnectPacket struct {
	Properties Properties `json:"properties"`
	ReasonCode byte       `json:"reasonCode"`
}

func (pk *DisconnectPacket) PacketType() byte   { return Disconnect }
func (pk *DisconnectPacket) QosLevel() byte     { return 0 }
func (pk *DisconnectPacket) Identifier() uint16 { return 0 }
func (pk *DisconnectPacket) IDOwner() Owner     { return NoID }

func (pk *DisconnectPacket) remaining(v byte) int {
	if v != Version5 {
		return 0
	}

	if pk.Properties.Empty(Disconnect) {
		if pk.ReasonCode == CodeDisconnect.Code {
			return 0 // [MQTT-3.14.2-1]
		}
		return 1
	}

	return 1 + pk.Properties.Size(Disconnect)
}

// Size returns the encoded size of the packet.
func (pk *DisconnectPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes a disconnect packet.
func (pk *DisconnectPacket) Encode(b *bytes.Buffer, v byte) error {
	rem := pk.remaining(v)
	fh := FixedHeader{Type: Disconnect, Remaining: rem}
	fh.Encode(b)
	if rem > 0 {
		b.WriteByte(pk.ReasonCode)
	}

	if rem > 1 {
		pk.Properties.Encode(Disconnect, b)
	}

	return nil
}

// Decode decodes a disconnect packet body.
func (pk *DisconnectPacket) Decode(buf []byte, v byte) error {
	_, err := pk.DecodeUsed(buf, v)
	return err
}

// DecodeUsed decodes a disconnect packet body and returns the number of bytes it read.
func (pk *DisconnectPacket) DecodeUsed(buf []byte, v byte) (int, error) {
	if v != Version5 || len(buf) == 0 {
		return 0, nil
	}

	var err error
	var offset int
	pk.ReasonCode, offset, err = decodeByte(buf, 0)
	if err != nil {
		return offset, ErrMalformedReasonCode
	}

	if len(buf) > offset {
		n, err := pk.Properties.Decode(Disconnect, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return offset, ErrMalformedProperties
		}
		offset += n
	}

	return offset, nil
}

// AuthPacket contains the values of an MQTT v5 AUTH packet.
type AuthPacket struct {
	Properties Properties `json:"properties"`
	ReasonCode byte       `json:"reasonCode"`
}

func (pk *AuthPacket) PacketType() byte   { return Auth }
func (pk *AuthPacket) QosLevel() byte     { return 0 }
func (pk *AuthPacket) Identifier() uint16 { return 0 }
func (pk *AuthPacket) IDOwner() Owner     { return NoID }

func (pk *AuthPacket) remaining() int {
	if pk.ReasonCode == CodeSuccess.Code && pk.Properties.Empty(Auth) {
		return 0 // [MQTT-3.15.2-1]
	}
	return 1 + pk.Properties.Size(Auth)
}

// Size returns the encoded size of the packet.
func (pk *AuthPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining())
}

// Encode encodes an auth packet.
func (pk *AuthPacket) Encode(b *bytes.Buffer, v byte) error {
	if v != Version5 {
		return ErrProtocolViolationUnexpectedPacket
	}

	rem := pk.remaining()
	fh := FixedHeader{Type: Auth, Remaining: rem}
	fh.Encode(b)
	if rem > 0 {
		b.WriteByte(pk.ReasonCode)
		pk.Properties.Encode(Auth, b)
	}

	return nil
}

// Decode decodes an auth packet body.
func (pk *AuthPacket) Decode(buf []byte, v byte) error {
	if len(buf) == 0 {
		return nil
	}

	var err error
	var offset int
	pk.ReasonCode, offset, err = decodeByte(buf, 0)
	if err != nil {
		return ErrMalformedReasonCode
	}

	if len(buf) > offset {
		_, err = pk.Properties.Decode(Auth, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
	}

	return nil
}

// RawPacket is an already-serialized frame, such as a stored message being
// retransmitted. The bytes are written unchanged.
type RawPacket struct {
	Bytes    []byte `json:"bytes"`
	PacketID uint16 `json:"packetId"`
}

func (pk *RawPacket) PacketType() byte   { return pk.Bytes[0] >> 4 }
func (pk *RawPacket) QosLevel() byte     { return (pk.Bytes[0] >> 1) & 0x03 }
func (pk *RawPacket) Identifier() uint16 { return pk.PacketID }
func (pk *RawPacket) IDOwner() Owner     { return LocalID }
func (pk *RawPacket) Size(v byte) uint32 { return uint32(len(pk.Bytes)) }

// Encode writes the stored frame.
func (pk *RawPacket) Encode(b *bytes.Buffer, v byte) error {
	b.Write(pk.Bytes)
	return nil
}
