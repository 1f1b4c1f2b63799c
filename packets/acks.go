// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// AckPacket contains the values of a PUBACK, PUBREC, PUBREL or PUBCOMP packet,
// distinguished by Kind.
type AckPacket struct {
	Properties Properties `json:"properties"`
	PacketID   uint16     `json:"packetId"`
	Kind       byte       `json:"kind"`
	ReasonCode byte       `json:"reasonCode"`
}

// NewPuback returns a puback for a remote publish.
func NewPuback(id uint16) *AckPacket { return &AckPacket{Kind: Puback, PacketID: id} }

// NewPubrec returns a pubrec for a remote publish.
func NewPubrec(id uint16) *AckPacket { return &AckPacket{Kind: Pubrec, PacketID: id} }

// NewPubrel returns a pubrel for a local publish.
func NewPubrel(id uint16) *AckPacket { return &AckPacket{Kind: Pubrel, PacketID: id} }

// NewPubcomp returns a pubcomp for a remote publish.
func NewPubcomp(id uint16) *AckPacket { return &AckPacket{Kind: Pubcomp, PacketID: id} }

func (pk *AckPacket) PacketType() byte   { return pk.Kind }
func (pk *AckPacket) Identifier() uint16 { return pk.PacketID }

// QosLevel returns 1 for pubrel, which carries the qos 1 flag bits, and 0 otherwise.
func (pk *AckPacket) QosLevel() byte {
	if pk.Kind == Pubrel {
		return 1
	}
	return 0
}

// IDOwner returns LocalID for pubrel, which continues a publish sent by this end;
// every other ack answers a remote publish.
func (pk *AckPacket) IDOwner() Owner {
	if pk.Kind == Pubrel {
		return LocalID
	}
	return RemoteID
}

func (pk *AckPacket) remaining(v byte) int {
	if v != Version5 {
		return 2
	}

	if pk.Properties.Empty(pk.Kind) {
		if pk.ReasonCode == CodeSuccess.Code {
			return 2 // [MQTT-3.4.2-1]
		}
		return 3
	}

	return 3 + pk.Properties.Size(pk.Kind)
}

// Size returns the encoded size of the packet.
func (pk *AckPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes an ack packet.
func (pk *AckPacket) Encode(b *bytes.Buffer, v byte) error {
	rem := pk.remaining(v)
	fh := FixedHeader{Type: pk.Kind, Qos: pk.QosLevel(), Remaining: rem}
	fh.Encode(b)
	b.Write(encodeUint16(pk.PacketID))
	if rem > 2 {
		b.WriteByte(pk.ReasonCode)
	}

	if rem > 3 {
		pk.Properties.Encode(pk.Kind, b)
	}

	return nil
}

// Decode decodes an ack packet body.
func (pk *AckPacket) Decode(buf []byte, v byte) error {
	_, err := pk.DecodeUsed(buf, v)
	return err
}

// DecodeUsed decodes an ack packet body and returns the number of bytes it read.
// Anything after that is trailing data the packet does not define.
func (pk *AckPacket) DecodeUsed(buf []byte, v byte) (int, error) {
	var err error
	var offset int
	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return offset, ErrMalformedPacketID
	}

	if pk.PacketID == 0 {
		return offset, ErrProtocolViolationNoPacketID
	}

	if v != Version5 {
		return offset, nil
	}

	if len(buf) > offset {
		pk.ReasonCode, offset, err = decodeByte(buf, offset)
		if err != nil {
			return offset, ErrMalformedReasonCode
		}

		if len(buf) > offset {
			n, err := pk.Properties.Decode(pk.Kind, bytes.NewBuffer(buf[offset:]))
			if err != nil {
				return offset, ErrMalformedProperties
			}
			offset += n
		}
	}

	return offset, nil
}

// Failed returns true if the ack carries a v5 failure reason code.
func (pk *AckPacket) Failed() bool {
	return pk.ReasonCode >= ErrUnspecifiedError.Code
}
