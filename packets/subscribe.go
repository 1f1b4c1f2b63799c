// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// Subscription contains details about a client subscription to a topic filter.
type Subscription struct {
	Filter            string `json:"filter"`
	Qos               byte   `json:"qos"`
	RetainHandling    byte   `json:"rh"`
	NoLocal           bool   `json:"nl"`
	RetainAsPublished bool   `json:"rap"`
}

// encodeOptions returns the subscription options byte.
func (s Subscription) encodeOptions(v byte) byte {
	if v != Version5 {
		return s.Qos
	}

	return s.Qos | encodeBool(s.NoLocal)<<2 | encodeBool(s.RetainAsPublished)<<3 | s.RetainHandling<<4
}

// decodeOptions decodes the subscription options byte.
func (s *Subscription) decodeOptions(b byte, v byte) error {
	s.Qos = b & 0x03
	if s.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange // [MQTT-3.8.3-4]
	}

	if v != Version5 {
		if b&0xfc != 0 {
			return ErrProtocolViolationReservedBit // [MQTT-3-8.3-4]
		}
		return nil
	}

	s.NoLocal = 1&(b>>2) > 0
	s.RetainAsPublished = 1&(b>>3) > 0
	s.RetainHandling = 3 & (b >> 4)
	if b&0xc0 != 0 || s.RetainHandling > 2 {
		return ErrProtocolViolationReservedBit // [MQTT-3.8.3-5]
	}

	return nil
}

// SubscribePacket contains the values of an MQTT SUBSCRIBE packet.
type SubscribePacket struct {
	Properties Properties     `json:"properties"`
	Filters    []Subscription `json:"filters"`
	PacketID   uint16         `json:"packetId"`
}

func (pk *SubscribePacket) PacketType() byte   { return Subscribe }
func (pk *SubscribePacket) QosLevel() byte     { return 1 }
func (pk *SubscribePacket) Identifier() uint16 { return pk.PacketID }
func (pk *SubscribePacket) IDOwner() Owner     { return LocalID }

func (pk *SubscribePacket) remaining(v byte) int {
	n := 2
	if v == Version5 {
		n += pk.Properties.Size(Subscribe)
	}

	for _, f := range pk.Filters {
		n += 2 + len(f.Filter) + 1
	}

	return n
}

// Size returns the encoded size of the packet.
func (pk *SubscribePacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes a subscribe packet.
func (pk *SubscribePacket) Encode(b *bytes.Buffer, v byte) error {
	fh := FixedHeader{Type: Subscribe, Qos: 1, Remaining: pk.remaining(v)} // [MQTT-3.8.1-1]
	fh.Encode(b)
	b.Write(encodeUint16(pk.PacketID))
	if v == Version5 {
		pk.Properties.Encode(Subscribe, b)
	}

	for _, f := range pk.Filters {
		b.Write(encodeString(f.Filter))
		b.WriteByte(f.encodeOptions(v))
	}

	return nil
}

// Decode decodes a subscribe packet body.
func (pk *SubscribePacket) Decode(buf []byte, v byte) error {
	var err error
	var offset int
	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return ErrMalformedPacketID
	}

	if v == Version5 {
		n, err := pk.Properties.Decode(Subscribe, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
		offset += n
	}

	for offset < len(buf) {
		var s Subscription
		s.Filter, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedTopic
		}

		var o byte
		o, offset, err = decodeByte(buf, offset)
		if err != nil {
			return ErrMalformedQos
		}

		if err := s.decodeOptions(o, v); err != nil {
			return err
		}

		pk.Filters = append(pk.Filters, s)
	}

	return nil
}

// Validate ensures the subscribe packet is compliant.
func (pk *SubscribePacket) Validate() Code {
	if len(pk.Filters) == 0 {
		return ErrProtocolViolationNoFilters // [MQTT-3.10.3-2]
	}

	for _, f := range pk.Filters {
		if ValidString(f.Filter) != nil || f.Filter == "" {
			return ErrTopicFilterInvalid
		}

		if f.Qos > 2 {
			return ErrProtocolViolationQosOutOfRange
		}
	}

	return CodeSuccess
}

// SubackPacket contains the values of an MQTT SUBACK packet.
type SubackPacket struct {
	Properties  Properties `json:"properties"`
	ReasonCodes []byte     `json:"reasonCodes"`
	PacketID    uint16     `json:"packetId"`
}

func (pk *SubackPacket) PacketType() byte   { return Suback }
func (pk *SubackPacket) QosLevel() byte     { return 0 }
func (pk *SubackPacket) Identifier() uint16 { return pk.PacketID }
func (pk *SubackPacket) IDOwner() Owner     { return RemoteID }

func (pk *SubackPacket) remaining(v byte) int {
	n := 2 + len(pk.ReasonCodes)
	if v == Version5 {
		n += pk.Properties.Size(Suback)
	}
	return n
}

// Size returns the encoded size of the packet.
func (pk *SubackPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes a suback packet.
func (pk *SubackPacket) Encode(b *bytes.Buffer, v byte) error {
	fh := FixedHeader{Type: Suback, Remaining: pk.remaining(v)}
	fh.Encode(b)
	b.Write(encodeUint16(pk.PacketID))
	if v == Version5 {
		pk.Properties.Encode(Suback, b)
	}
	b.Write(pk.ReasonCodes)
	return nil
}

// Decode decodes a suback packet body.
func (pk *SubackPacket) Decode(buf []byte, v byte) error {
	var err error
	var offset int
	pk.PacketID, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedPacketID
	}

	if v == Version5 {
		n, err := pk.Properties.Decode(Suback, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
		offset += n
	}

	pk.ReasonCodes = append([]byte{}, buf[offset:]...)
	return nil
}
