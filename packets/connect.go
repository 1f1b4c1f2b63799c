// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
)

// ConnectPacket contains the values of an MQTT CONNECT packet.
type ConnectPacket struct {
	Properties       Properties `json:"properties"`
	WillProperties   Properties `json:"willProperties"`
	Username         []byte     `json:"username"`
	Password         []byte     `json:"password"`
	WillPayload      []byte     `json:"willPayload"`
	ClientIdentifier string     `json:"clientId"`
	WillTopic        string     `json:"willTopic"`
	Keepalive        uint16     `json:"keepalive"`
	ProtocolVersion  byte       `json:"protocolVersion"`
	WillQos          byte       `json:"willQos"`
	Clean            bool       `json:"clean"`
	WillFlag         bool       `json:"willFlag"`
	WillRetain       bool       `json:"willRetain"`
	UsernameFlag     bool       `json:"usernameFlag"`
	PasswordFlag     bool       `json:"passwordFlag"`
}

func (pk *ConnectPacket) PacketType() byte   { return Connect }
func (pk *ConnectPacket) QosLevel() byte     { return 0 }
func (pk *ConnectPacket) Identifier() uint16 { return 0 }
func (pk *ConnectPacket) IDOwner() Owner     { return NoID }

// version returns the protocol level the packet is encoded at.
func (pk *ConnectPacket) version(v byte) byte {
	if pk.ProtocolVersion != 0 {
		return pk.ProtocolVersion
	}
	return v
}

// protocolName returns the protocol name for a protocol level.
func protocolName(v byte) string {
	if v == Version31 {
		return "MQIsdp"
	}
	return "MQTT"
}

func (pk *ConnectPacket) remaining(v byte) int {
	v = pk.version(v)
	n := 2 + len(protocolName(v)) + 1 + 1 + 2 // name, level, flags, keepalive
	if v == Version5 {
		n += pk.Properties.Size(Connect)
	}

	n += 2 + len(pk.ClientIdentifier)
	if pk.WillFlag {
		if v == Version5 {
			n += pk.WillProperties.Size(WillProperties)
		}
		n += 2 + len(pk.WillTopic) + 2 + len(pk.WillPayload)
	}

	if pk.UsernameFlag {
		n += 2 + len(pk.Username)
	}

	if pk.PasswordFlag {
		n += 2 + len(pk.Password)
	}

	return n
}

// Size returns the encoded size of the packet.
func (pk *ConnectPacket) Size(v byte) uint32 {
	return frameSize(pk.remaining(v))
}

// Encode encodes a connect packet.
func (pk *ConnectPacket) Encode(b *bytes.Buffer, v byte) error {
	v = pk.version(v)
	fh := FixedHeader{Type: Connect, Remaining: pk.remaining(v)}
	fh.Encode(b)

	b.Write(encodeString(protocolName(v)))
	b.WriteByte(v)
	b.WriteByte(
		encodeBool(pk.UsernameFlag)<<7 |
			encodeBool(pk.PasswordFlag)<<6 |
			encodeBool(pk.WillRetain)<<5 |
			pk.WillQos<<3 |
			encodeBool(pk.WillFlag)<<2 |
			encodeBool(pk.Clean)<<1,
	)
	b.Write(encodeUint16(pk.Keepalive))

	if v == Version5 {
		pk.Properties.Encode(Connect, b)
	}

	b.Write(encodeString(pk.ClientIdentifier)) // [MQTT-3.1.3-1]
	if pk.WillFlag {
		if v == Version5 {
			pk.WillProperties.Encode(WillProperties, b)
		}
		b.Write(encodeString(pk.WillTopic))
		b.Write(encodeBytes(pk.WillPayload))
	}

	if pk.UsernameFlag {
		b.Write(encodeBytes(pk.Username))
	}

	if pk.PasswordFlag {
		b.Write(encodeBytes(pk.Password))
	}

	return nil
}

// Decode decodes a connect packet body. The protocol level is read from the packet.
func (pk *ConnectPacket) Decode(buf []byte) error {
	var err error
	var offset int
	var name string

	name, offset, err = decodeString(buf, 0)
	if err != nil {
		return ErrMalformedProtocolName
	}

	pk.ProtocolVersion, offset, err = decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedProtocolVersion
	}

	switch {
	case name == "MQIsdp" && pk.ProtocolVersion == Version31:
	case name == "MQTT" && (pk.ProtocolVersion == Version311 || pk.ProtocolVersion == Version5):
	case name != "MQTT" && name != "MQIsdp":
		return ErrProtocolViolationProtocolName // [MQTT-3.1.2-1]
	default:
		return ErrProtocolViolationProtocolVersion // [MQTT-3.1.2-2]
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return ErrMalformedFlags
	}

	if flags&0x01 != 0 {
		return ErrProtocolViolationReservedBit // [MQTT-3.1.2-3]
	}

	pk.Clean = 1&(flags>>1) > 0
	pk.WillFlag = 1&(flags>>2) > 0
	pk.WillQos = 3 & (flags >> 3)
	pk.WillRetain = 1&(flags>>5) > 0
	pk.PasswordFlag = 1&(flags>>6) > 0
	pk.UsernameFlag = 1&(flags>>7) > 0

	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return ErrMalformedKeepalive
	}

	if pk.ProtocolVersion == Version5 {
		n, err := pk.Properties.Decode(Connect, bytes.NewBuffer(buf[offset:]))
		if err != nil {
			return ErrMalformedProperties
		}
		offset += n
	}

	pk.ClientIdentifier, offset, err = decodeString(buf, offset) // [MQTT-3.1.3-1] [MQTT-3.1.3-2] [MQTT-3.1.3-3] [MQTT-3.1.3-4]
	if err != nil {
		return ErrClientIdentifierNotValid // [MQTT-3.1.3-8]
	}

	if pk.WillFlag { // [MQTT-3.1.2-7]
		if pk.ProtocolVersion == Version5 {
			n, err := pk.WillProperties.Decode(WillProperties, bytes.NewBuffer(buf[offset:]))
			if err != nil {
				return ErrMalformedWillProperties
			}
			offset += n
		}

		pk.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return ErrMalformedWillTopic
		}

		pk.WillPayload, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedWillPayload
		}
	}

	if pk.UsernameFlag { // [MQTT-3.1.3-12]
		pk.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedUsername
		}
	}

	if pk.PasswordFlag {
		pk.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return ErrMalformedPassword
		}
	}

	return nil
}

// Validate ensures the connect packet is compliant.
func (pk *ConnectPacket) Validate() Code {
	if err := ValidString(pk.ClientIdentifier); err != nil {
		return ErrClientIdentifierNotValid
	}

	if pk.WillFlag {
		if err := ValidString(pk.WillTopic); err != nil || pk.WillTopic == "" {
			return ErrMalformedWillTopic
		}

		if pk.WillQos > 2 {
			return ErrProtocolViolationQosOutOfRange // [MQTT-3.1.2-14]
		}
	} else if pk.WillQos > 0 || pk.WillRetain {
		return ErrProtocolViolationWillFlagSurplusRetain // [MQTT-3.1.2-13] [MQTT-3.1.2-15]
	}

	if pk.UsernameFlag && len(pk.Username) > 65535 {
		return ErrProtocolViolationUsernameTooLong
	}

	if pk.PasswordFlag && len(pk.Password) > 65535 {
		return ErrProtocolViolationPasswordTooLong
	}

	if !pk.UsernameFlag && len(pk.Username) > 0 {
		return ErrProtocolViolationUsernameNoFlag // [MQTT-3.1.2-16]
	}

	if !pk.PasswordFlag && len(pk.Password) > 0 {
		return ErrProtocolViolationPasswordNoFlag // [MQTT-3.1.2-18]
	}

	if len(pk.ClientIdentifier) == 0 && !pk.Clean && pk.ProtocolVersion != Version5 {
		return ErrClientIdentifierNotValid // [MQTT-3.1.3-7]
	}

	return CodeSuccess
}
