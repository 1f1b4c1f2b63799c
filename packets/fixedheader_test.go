// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedHeaderEncode(t *testing.T) {
	fh := FixedHeader{Type: Publish, Qos: 1, Dup: true, Retain: true, Remaining: 321}
	var buf bytes.Buffer
	fh.Encode(&buf)
	require.Equal(t, []byte{0x3b, 0xc1, 0x02}, buf.Bytes())
	require.Equal(t, 3, fh.Size())
}

func TestFixedHeaderDecode(t *testing.T) {
	tt := []struct {
		desc   string
		hb     byte
		expect FixedHeader
		err    error
	}{
		{desc: "publish flags", hb: 0x3b, expect: FixedHeader{Type: Publish, Qos: 1, Dup: true, Retain: true}},
		{desc: "publish qos 3", hb: 0x36, err: ErrProtocolViolationQosOutOfRange},
		{desc: "reserved type", hb: 0x00, err: ErrProtocolViolationUnknownPacket},
		{desc: "pubrel", hb: 0x62, expect: FixedHeader{Type: Pubrel, Qos: 1}},
		{desc: "pubrel bad flags", hb: 0x60, err: ErrMalformedFlags},
		{desc: "subscribe bad flags", hb: 0x80, err: ErrMalformedFlags},
		{desc: "unsubscribe", hb: 0xa2, expect: FixedHeader{Type: Unsubscribe, Qos: 1}},
		{desc: "puback flags set", hb: 0x41, err: ErrMalformedFlags},
		{desc: "pingreq", hb: 0xc0, expect: FixedHeader{Type: Pingreq}},
		{desc: "auth", hb: 0xf0, expect: FixedHeader{Type: Auth}},
	}

	for _, tc := range tt {
		t.Run(tc.desc, func(t *testing.T) {
			var fh FixedHeader
			err := fh.Decode(tc.hb)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tc.expect, fh)
		})
	}
}

func TestDecodeFixedHeaderSequence(t *testing.T) {
	s := NewSequence([]byte{0x30, 0xc1})
	_, err := DecodeFixedHeader(s)
	require.ErrorIs(t, err, ErrNeedMoreData)
	require.Equal(t, 0, s.Consumed())

	s.Append([]byte{0x02, 'x'})
	fh, err := DecodeFixedHeader(s)
	require.NoError(t, err)
	require.Equal(t, 321, fh.Remaining)
	require.Equal(t, Publish, fh.Type)
	require.Equal(t, 3, s.Consumed())

	s = NewSequence([]byte{0x41, 0x02})
	_, err = DecodeFixedHeader(s)
	require.ErrorIs(t, err, ErrMalformedFlags)
	require.Equal(t, 0, s.Consumed())
}

func TestReadFixedHeader(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x30, 0xc1, 0x02, 'x'}))
	fh, n, err := ReadFixedHeader(r)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, 321, fh.Remaining)

	b, err := r.ReadByte()
	require.NoError(t, err)
	require.Equal(t, byte('x'), b)
}

func TestReadFixedHeaderCorruptedLength(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x30, 0x80, 0x80, 0x80, 0x80, 0x01}))
	_, _, err := ReadFixedHeader(r)
	require.ErrorIs(t, err, ErrMalformedVariableByteInteger)
}

func TestReadFixedHeaderEOF(t *testing.T) {
	r := bufio.NewReader(bytes.NewReader([]byte{0x30, 0x80}))
	_, _, err := ReadFixedHeader(r)
	require.ErrorIs(t, err, io.EOF)

	r = bufio.NewReader(bytes.NewReader(nil))
	_, _, err = ReadFixedHeader(r)
	require.ErrorIs(t, err, io.EOF)
}
