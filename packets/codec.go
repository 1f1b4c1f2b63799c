// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"unicode/utf8"
	"unsafe"
)

// bytesToString provides a zero-alloc no-copy byte to string conversion.
// via https://github.com/golang/go/issues/25484#issuecomment-391415660
func bytesToString(bs []byte) string {
	return *(*string)(unsafe.Pointer(&bs))
}

// span returns buf[offset:offset+n], or fail if buf is shorter.
func span(buf []byte, offset, n int, fail error) ([]byte, error) {
	if offset < 0 || len(buf) < offset+n {
		return nil, fail
	}
	return buf[offset : offset+n], nil
}

func decodeUint16(buf []byte, offset int) (uint16, int, error) {
	b, err := span(buf, offset, 2, ErrMalformedOffsetUintOutOfRange)
	if err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint16(b), offset + 2, nil
}

func decodeUint32(buf []byte, offset int) (uint32, int, error) {
	b, err := span(buf, offset, 4, ErrMalformedOffsetUintOutOfRange)
	if err != nil {
		return 0, 0, err
	}
	return binary.BigEndian.Uint32(b), offset + 4, nil
}

// decodeString reads a length-prefixed UTF-8 string. The string aliases buf, which is
// never reused once a packet body has been read.
func decodeString(buf []byte, offset int) (string, int, error) {
	b, n, err := decodeBytes(buf, offset)
	if err != nil {
		return "", 0, err
	}

	if !validUTF8(b) { // [MQTT-1.5.4-1] [MQTT-3.1.3-5]
		return "", 0, ErrMalformedInvalidUTF8
	}

	return bytesToString(b), n, nil
}

func validUTF8(b []byte) bool {
	return utf8.Valid(b) && bytes.IndexByte(b, 0x00) == -1 // [MQTT-1.5.4-1] [MQTT-1.5.4-2]
}

// decodeBytes reads length-prefixed binary data.
func decodeBytes(buf []byte, offset int) ([]byte, int, error) {
	length, next, err := decodeUint16(buf, offset)
	if err != nil {
		return []byte{}, 0, err
	}

	b, err := span(buf, next, int(length), ErrMalformedOffsetBytesOutOfRange)
	if err != nil {
		return []byte{}, 0, err
	}
	return b, next + int(length), nil
}

func decodeByte(buf []byte, offset int) (byte, int, error) {
	b, err := span(buf, offset, 1, ErrMalformedOffsetByteOutOfRange)
	if err != nil {
		return 0, 0, err
	}
	return b[0], offset + 1, nil
}

func decodeByteBool(buf []byte, offset int) (bool, int, error) {
	b, err := span(buf, offset, 1, ErrMalformedOffsetBoolOutOfRange)
	if err != nil {
		return false, 0, err
	}
	return b[0]&1 == 1, offset + 1, nil
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// prefixed returns val behind its two byte length. Most values are short, so the
// buffer starts with room for 30 bytes.
func prefixed[T ~string | ~[]byte](val T) []byte {
	buf := make([]byte, 0, max(32, 2+len(val)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(val)))
	return append(buf, val...)
}

func encodeBytes(val []byte) []byte { return prefixed(val) }

// encodeString must only be given strings which passed ValidString.
func encodeString(val string) []byte { return prefixed(val) }

func encodeUint16(val uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, val)
}

func encodeUint32(val uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, val)
}

// ValidString returns an error if s cannot be carried as an MQTT UTF-8 string.
func ValidString(s string) error {
	if len(s) > 65535 {
		return ErrStringTooLong
	}

	if !utf8.ValidString(s) || strings.IndexByte(s, 0x00) != -1 {
		return ErrMalformedInvalidUTF8
	}

	return nil
}

// encodeLength writes length bits for the header.
func encodeLength(b *bytes.Buffer, length int64) {
	// 1.5.5 Variable Byte Integer encode non-normative
	// https://docs.oasis-open.org/mqtt/mqtt/v5.0/os/mqtt-v5.0-os.html#_Toc3901027
	for {
		eb := byte(length % 128)
		length /= 128
		if length > 0 {
			eb |= 0x80
		}
		b.WriteByte(eb)
		if length == 0 {
			break // [MQTT-1.5.5-1]
		}
	}
}

// EncodeVarInt returns the variable byte integer encoding of x.
func EncodeVarInt(x uint32) ([]byte, error) {
	if x > MaxRemainingLength {
		return nil, ErrMalformedVariableByteInteger
	}

	var b bytes.Buffer
	encodeLength(&b, int64(x))
	return b.Bytes(), nil
}

// VarIntSize returns the number of bytes needed to encode x as a variable byte integer.
func VarIntSize(x uint32) int {
	switch {
	case x < 128:
		return 1
	case x < 16384:
		return 2
	case x < 2097152:
		return 3
	default:
		return 4
	}
}

// DecodeVarInt decodes a variable byte integer from the sequence. If the sequence ends
// before the integer is complete, ErrNeedMoreData is returned and the sequence is left
// where it was, so decoding can be retried once more data is appended.
func DecodeVarInt(s *Sequence) (value uint32, n int, err error) {
	m := s.Mark()
	var multiplier uint
	for n = 1; ; n++ {
		eb, err := s.ReadByte()
		if err != nil {
			s.Rewind(m)
			return 0, 0, err
		}

		value |= uint32(eb&127) << multiplier
		if eb&128 == 0 {
			return value, n, nil
		}

		if n == 4 {
			s.Rewind(m)
			return 0, 0, ErrMalformedVariableByteInteger // a fifth byte would be required
		}

		multiplier += 7
	}
}

// DecodeLength decodes a variable byte integer from a byte reader, returning the value
// and the number of bytes used.
func DecodeLength(b io.ByteReader) (n, bu int, err error) {
	// see 1.5.5 Variable Byte Integer decode non-normative
	// https://docs.oasis-open.org/mqtt/mqtt/v5.0/os/mqtt-v5.0-os.html#_Toc3901027
	var multiplier uint32
	var value uint32
	bu = 1
	for {
		eb, err := b.ReadByte()
		if err != nil {
			return 0, bu, err
		}

		value |= uint32(eb&127) << multiplier
		if value > MaxRemainingLength {
			return 0, bu, ErrMalformedVariableByteInteger
		}

		if (eb & 128) == 0 {
			break
		}

		if bu == 4 {
			return 0, bu, ErrMalformedVariableByteInteger
		}

		multiplier += 7
		bu++
	}

	return int(value), bu, nil
}

// DecodeUint16 reads a two byte integer from the sequence, rewinding on ErrNeedMoreData.
func DecodeUint16(s *Sequence) (uint16, error) {
	m := s.Mark()
	var b [2]byte
	if _, err := io.ReadFull(s, b[:]); err != nil {
		s.Rewind(m)
		return 0, ErrNeedMoreData
	}

	return binary.BigEndian.Uint16(b[:]), nil
}

// DecodeString reads a length-prefixed UTF-8 string from the sequence, rewinding on
// ErrNeedMoreData. Bytes which span segment boundaries are copied once.
func DecodeString(s *Sequence) (string, error) {
	m := s.Mark()
	l, err := DecodeUint16(s)
	if err != nil {
		return "", err
	}

	b := make([]byte, l)
	if _, err := io.ReadFull(s, b); err != nil {
		s.Rewind(m)
		return "", ErrNeedMoreData
	}

	if !validUTF8(b) {
		return "", ErrMalformedInvalidUTF8
	}

	return string(b), nil
}
