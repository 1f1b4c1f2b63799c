// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bufio"
	"bytes"
	"errors"
)

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload.
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte `json:"qos"`       // indicates the quality of service expected.
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time.
	Retain    bool `json:"retain"`    // whether the message should be retained.
}

// Encode encodes the FixedHeader and returns a bytes buffer.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, int64(fh.Remaining))
}

// Decode extracts the type and flag bits from the header byte.
func (fh *FixedHeader) Decode(hb byte) error {
	fh.Type = hb >> 4 // Get the message type from the first 4 bytes.

	switch fh.Type {
	case Reserved:
		return ErrProtocolViolationUnknownPacket
	case Publish:
		if (hb>>1)&0x01 > 0 && (hb>>1)&0x02 > 0 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.3.1-4]
		}

		fh.Dup = (hb>>3)&0x01 > 0 // is duplicate
		fh.Qos = (hb >> 1) & 0x03 // qos flag
		fh.Retain = hb&0x01 > 0   // is retain flag
	case Pubrel, Subscribe, Unsubscribe:
		if hb&0x0f != 0x02 {
			return ErrMalformedFlags // [MQTT-3.8.1-1] [MQTT-3.10.1-1]
		}

		fh.Qos = (hb >> 1) & 0x03
	default:
		if hb&0x0f != 0 {
			return ErrMalformedFlags // [MQTT-2.2.2-2]
		}
	}

	return nil
}

// Size returns the number of bytes the encoded header occupies.
func (fh *FixedHeader) Size() int {
	return 1 + VarIntSize(uint32(fh.Remaining))
}

// DecodeFixedHeader decodes a fixed header from the sequence. If the sequence ends
// before the remaining length is complete, ErrNeedMoreData is returned and nothing
// is consumed.
func DecodeFixedHeader(s *Sequence) (fh FixedHeader, err error) {
	m := s.Mark()
	hb, err := s.ReadByte()
	if err != nil {
		return fh, err
	}

	if err = fh.Decode(hb); err != nil {
		s.Rewind(m)
		return fh, err
	}

	rem, _, err := DecodeVarInt(s)
	if err != nil {
		s.Rewind(m)
		return fh, err
	}

	fh.Remaining = int(rem)
	return fh, nil
}

// ReadFixedHeader reads a fixed header from a buffered reader. The reader is peeked
// until the remaining length completes, so bytes are only consumed once the whole
// header is available. It returns the number of header bytes consumed.
func ReadFixedHeader(r *bufio.Reader) (FixedHeader, int, error) {
	for n := 2; ; n++ {
		b, err := r.Peek(n)
		if len(b) < n {
			if err == nil {
				err = ErrMalformedPacket
			}
			return FixedHeader{}, 0, err
		}

		s := NewSequence(b)
		fh, err := DecodeFixedHeader(s)
		if errors.Is(err, ErrNeedMoreData) {
			continue // DecodeVarInt caps the length at 5 header bytes
		}

		if err != nil {
			return fh, 0, err
		}

		_, _ = r.Discard(s.Consumed())
		return fh, s.Consumed(), nil
	}
}
