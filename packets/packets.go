// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package packets implements the MQTT v3.1, v3.1.1 and v5 wire format: primitive
// codecs, fixed headers, properties and every control packet type.
package packets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// All of the valid packet types and their packet identifier.
const (
	Reserved       byte = iota
	Connect             // 1
	Connack             // 2
	Publish             // 3
	Puback              // 4
	Pubrec              // 5
	Pubrel              // 6
	Pubcomp             // 7
	Subscribe           // 8
	Suback              // 9
	Unsubscribe         // 10
	Unsuback            // 11
	Pingreq             // 12
	Pingresp            // 13
	Disconnect          // 14
	Auth                // 15
	WillProperties byte = 99
)

// Protocol levels, as carried in the CONNECT variable header.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// MaxRemainingLength is the largest value a variable byte integer can carry.
const MaxRemainingLength = 268435455

var (
	// PacketNames is a map of packet bytes to human-readable names, for easier debugging.
	PacketNames = map[byte]string{
		0:  "Reserved",
		1:  "Connect",
		2:  "Connack",
		3:  "Publish",
		4:  "Puback",
		5:  "Pubrec",
		6:  "Pubrel",
		7:  "Pubcomp",
		8:  "Subscribe",
		9:  "Suback",
		10: "Unsubscribe",
		11: "Unsuback",
		12: "Pingreq",
		13: "Pingresp",
		14: "Disconnect",
		15: "Auth",
	}

	ErrPacketExpired   = errors.New("packet expired before write")
	ErrShortPayload    = errors.New("payload source ended before declared length")
	ErrUnknownShape    = errors.New("outgoing packet is neither simple nor complex")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum remaining length")
)

// Owner indicates which end of the connection allocated a packet identifier.
type Owner byte

const (
	NoID     Owner = iota // the packet carries no identifier
	LocalID               // the identifier was allocated by this end
	RemoteID              // the identifier was allocated by the remote end
)

// Outgoing is a packet which can be written to a connection.
type Outgoing interface {
	// PacketType returns the control packet type.
	PacketType() byte

	// QosLevel returns the quality of service of the packet.
	QosLevel() byte

	// Identifier returns the packet identifier, or 0 if the packet has none.
	Identifier() uint16

	// IDOwner indicates which end owns the packet identifier.
	IDOwner() Owner

	// Size returns the exact number of bytes written for the protocol level.
	Size(v byte) uint32
}

// Simple is an outgoing packet encoded synchronously as a whole frame.
type Simple interface {
	Outgoing
	Encode(b *bytes.Buffer, v byte) error
}

// Complex is an outgoing packet with a synchronous header followed by a payload
// which may be written from a slow or streaming source.
type Complex interface {
	Outgoing
	HeaderSize(v byte) uint32
	PayloadSize() uint32
	EncodeHeader(b *bytes.Buffer, v byte) error
	WritePayload(ctx context.Context, w io.Writer) error
}

// Expirer is implemented by packets which may lapse before being written.
type Expirer interface {
	Expired(now time.Time) bool
}

// Write writes a whole outgoing packet to w. Expired packets are refused before any
// byte is written. A header which disagrees with the declared size is a programming
// error and panics.
func Write(ctx context.Context, w io.Writer, pk Outgoing, v byte) (int64, error) {
	now := time.Now()
	if e, ok := pk.(Expirer); ok && e.Expired(now) {
		return 0, ErrPacketExpired
	}

	if p, ok := pk.(*PublishPacket); ok {
		p.stamp(now)
	}

	var buf bytes.Buffer
	switch p := pk.(type) {
	case Complex:
		if err := p.EncodeHeader(&buf, v); err != nil {
			return 0, err
		}

		if uint32(buf.Len()) != p.HeaderSize(v) {
			panic(fmt.Sprintf("%s header wrote %d bytes, declared %d", PacketNames[p.PacketType()], buf.Len(), p.HeaderSize(v)))
		}

		n, err := buf.WriteTo(w)
		if err != nil {
			return n, err
		}

		cw := &countWriter{w: w}
		err = p.WritePayload(ctx, cw)
		n += cw.n
		if err == nil && uint32(cw.n) != p.PayloadSize() {
			err = ErrShortPayload
		}

		return n, err

	case Simple:
		if err := p.Encode(&buf, v); err != nil {
			return 0, err
		}

		if uint32(buf.Len()) != p.Size(v) {
			panic(fmt.Sprintf("%s wrote %d bytes, declared %d", PacketNames[p.PacketType()], buf.Len(), p.Size(v)))
		}

		return buf.WriteTo(w)
	}

	return 0, ErrUnknownShape
}

// countWriter counts bytes passing through to an underlying writer.
type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// frameSize returns the size of a whole frame carrying rem bytes after the fixed header.
func frameSize(rem int) uint32 {
	return uint32(1 + VarIntSize(uint32(rem)) + rem)
}
