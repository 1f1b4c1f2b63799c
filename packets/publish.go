// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"time"
)

// PublishPacket contains the values of an MQTT PUBLISH packet. The payload is either
// held in Payload, or streamed from Reader, which must yield exactly Length bytes.
type PublishPacket struct {
	Properties  Properties  `json:"properties"`
	Reader      io.Reader   `json:"-"`
	Topic       string      `json:"topic"`
	Payload     []byte      `json:"payload"`
	Created     int64       `json:"created"` // unix time the packet was queued, for message expiry
	Length      uint32      `json:"length"`
	FixedHeader FixedHeader `json:"fixedHeader"`
	PacketID    uint16      `json:"packetId"`

	expiry uint32 // expiry interval left when the packet was last stamped for writing
}

func (pk *PublishPacket) PacketType() byte   { return Publish }
func (pk *PublishPacket) QosLevel() byte     { return pk.FixedHeader.Qos }
func (pk *PublishPacket) Identifier() uint16 { return pk.PacketID }

// IDOwner returns LocalID for qos > 0 publishes, which always carry an identifier
// allocated by the sending end.
func (pk *PublishPacket) IDOwner() Owner {
	if pk.FixedHeader.Qos > 0 {
		return LocalID
	}
	return NoID
}

// Expired returns true if the message expiry interval has elapsed since the packet was queued.
func (pk *PublishPacket) Expired(now time.Time) bool {
	if pk.Properties.MessageExpiryInterval == 0 || pk.Created == 0 {
		return false
	}

	return now.Unix()-pk.Created >= int64(pk.Properties.MessageExpiryInterval)
}

// stamp records the expiry interval left at now. A queued message is forwarded with
// the time it has left, not the interval it was published with [MQTT-3.3.2-6].
func (pk *PublishPacket) stamp(now time.Time) {
	pk.expiry = 0
	if pk.Properties.MessageExpiryInterval == 0 || pk.Created == 0 {
		return
	}

	elapsed := now.Unix() - pk.Created
	left := int64(pk.Properties.MessageExpiryInterval) - elapsed
	if elapsed > 0 && left > 0 {
		pk.expiry = uint32(left)
	}
}

// outgoing returns the properties to encode, with the stamped expiry interval.
func (pk *PublishPacket) outgoing() *Properties {
	if pk.expiry == 0 {
		return &pk.Properties
	}

	p := pk.Properties
	p.MessageExpiryInterval = pk.expiry
	return &p
}

// PayloadSize returns the number of payload bytes.
func (pk *PublishPacket) PayloadSize() uint32 {
	if pk.Reader != nil {
		return pk.Length
	}
	return uint32(len(pk.Payload))
}

// variableHeaderSize returns the size of the topic, packet id and properties.
func (pk *PublishPacket) variableHeaderSize(v byte) int {
	n := 2 + len(pk.Topic)
	if pk.FixedHeader.Qos > 0 {
		n += 2
	}

	if v == Version5 {
		n += pk.outgoing().Size(Publish)
	}

	return n
}

// HeaderSize returns the size of everything before the payload.
func (pk *PublishPacket) HeaderSize(v byte) uint32 {
	vh := pk.variableHeaderSize(v)
	return uint32(1 + VarIntSize(uint32(vh)+pk.PayloadSize()) + vh)
}

// Size returns the encoded size of the packet.
func (pk *PublishPacket) Size(v byte) uint32 {
	return pk.HeaderSize(v) + pk.PayloadSize()
}

// EncodeHeader encodes the fixed and variable headers of a publish packet.
func (pk *PublishPacket) EncodeHeader(b *bytes.Buffer, v byte) error {
	rem := uint32(pk.variableHeaderSize(v)) + pk.PayloadSize()
	if rem > MaxRemainingLength {
		return ErrPayloadTooLarge
	}

	fh := pk.FixedHeader
	fh.Type = Publish
	fh.Remaining = int(rem)
	fh.Encode(b)

	b.Write(encodeString(pk.Topic)) // [MQTT-3.3.2-1]
	if pk.FixedHeader.Qos > 0 {
		b.Write(encodeUint16(pk.PacketID)) // [MQTT-2.2.1-5]
	}

	if v == Version5 {
		pk.outgoing().Encode(Publish, b)
	}

	return nil
}

// WritePayload writes the payload, checking for cancellation between chunks when
// the payload is streamed.
func (pk *PublishPacket) WritePayload(ctx context.Context, w io.Writer) error {
	if pk.Reader == nil {
		_, err := w.Write(pk.Payload)
		return err
	}

	buf := make([]byte, 32*1024)
	remaining := int64(pk.Length)
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}

		n, err := io.ReadFull(pk.Reader, chunk)
		if n > 0 {
			if _, werr := w.Write(chunk[:n]); werr != nil {
				return werr
			}
			remaining -= int64(n)
		}

		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrShortPayload
			}
			return err
		}
	}

	return nil
}

// Encode encodes the whole publish packet into a buffer.
func (pk *PublishPacket) Encode(b *bytes.Buffer, v byte) error {
	if err := pk.EncodeHeader(b, v); err != nil {
		return err
	}

	return pk.WritePayload(context.Background(), b)
}

// ReadPublishHeader reads the variable header of a publish packet from r, which is
// positioned directly after the fixed header. It returns the packet without a payload
// and the number of bytes consumed; the payload length is set in Length.
func ReadPublishHeader(r io.Reader, fh FixedHeader, v byte) (*PublishPacket, int, error) {
	pk := &PublishPacket{FixedHeader: fh}
	lr := &io.LimitedReader{R: r, N: int64(fh.Remaining)}
	var n int

	// fill reads exactly len(b) bytes without reaching past the packet boundary.
	fill := func(b []byte, malformed error) error {
		if lr.N < int64(len(b)) {
			return ErrMalformedTruncated
		}
		if _, err := io.ReadFull(lr, b); err != nil {
			return malformed
		}
		n += len(b)
		return nil
	}

	var lb [2]byte
	if err := fill(lb[:], ErrMalformedTopic); err != nil {
		return nil, n, err
	}

	tb := make([]byte, binary.BigEndian.Uint16(lb[:]))
	if err := fill(tb, ErrMalformedTopic); err != nil {
		return nil, n, err
	}

	if !validUTF8(tb) {
		return nil, n, ErrMalformedInvalidUTF8
	}
	pk.Topic = string(tb)

	if fh.Qos > 0 {
		if err := fill(lb[:], ErrMalformedPacketID); err != nil {
			return nil, n, err
		}

		pk.PacketID = binary.BigEndian.Uint16(lb[:])
		if pk.PacketID == 0 {
			return nil, n, ErrProtocolViolationNoPacketID // [MQTT-2.2.1-2]
		}
	}

	if v == Version5 {
		if lr.N == 0 {
			return nil, n, ErrMalformedTruncated
		}

		br := &byteReader{r: lr}
		l, bu, err := DecodeLength(br)
		if err != nil {
			if lr.N == 0 {
				return nil, n, ErrMalformedTruncated
			}
			return nil, n, ErrMalformedProperties
		}
		n += bu

		body := make([]byte, l)
		if err := fill(body, ErrMalformedProperties); err != nil {
			return nil, n, err
		}

		var pb bytes.Buffer
		encodeLength(&pb, int64(l))
		pb.Write(body)
		if _, err := pk.Properties.Decode(Publish, &pb); err != nil {
			return nil, n, err
		}
	}

	pk.Length = uint32(fh.Remaining - n)
	return pk, n, nil
}

// Decode decodes a whole publish packet body into the packet, including the payload.
func (pk *PublishPacket) Decode(buf []byte, v byte) error {
	fh := pk.FixedHeader
	fh.Remaining = len(buf)
	r := bytes.NewReader(buf)
	p, n, err := ReadPublishHeader(r, fh, v)
	if err != nil {
		return err
	}

	*pk = *p
	pk.Payload = buf[n:]
	return nil
}

// Validate checks the publish packet is compliant before it is queued.
func (pk *PublishPacket) Validate(v byte) Code {
	if pk.FixedHeader.Qos > 2 {
		return ErrProtocolViolationQosOutOfRange
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return ErrProtocolViolationSurplusPacketID // [MQTT-2.2.1-2]
	}

	if pk.FixedHeader.Qos == 0 && pk.FixedHeader.Dup {
		return ErrProtocolViolationDupNoQos // [MQTT-3.3.1-2]
	}

	if err := ValidString(pk.Topic); err != nil {
		return ErrMalformedTopic
	}

	if pk.Topic == "" && (v != Version5 || pk.Properties.TopicAlias == 0) {
		return ErrProtocolViolationNoTopic // [MQTT-3.3.2-1]
	}

	if strings.ContainsAny(pk.Topic, "+#") {
		return ErrProtocolViolationSurplusWildcard // [MQTT-3.3.2-2]
	}

	if uint64(pk.variableHeaderSize(v))+uint64(pk.PayloadSize()) > MaxRemainingLength {
		return ErrPacketTooLarge
	}

	if pk.Reader != nil && len(pk.Payload) > 0 {
		return ErrProtocolViolation
	}

	return CodeSuccess
}

// byteReader reads single bytes from a reader without buffering ahead.
type byteReader struct {
	r io.Reader
	b [1]byte
}

func (br *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(br.r, br.b[:]); err != nil {
		return 0, err
	}
	return br.b[0], nil
}
