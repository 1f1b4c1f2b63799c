// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"fmt"
	"strings"
)

// Property identifiers, v5 2.2.2.2.
const (
	PropPayloadFormat          byte = 1
	PropMessageExpiryInterval  byte = 2
	PropContentType            byte = 3
	PropResponseTopic          byte = 8
	PropCorrelationData        byte = 9
	PropSubscriptionIdentifier byte = 11
	PropSessionExpiryInterval  byte = 17
	PropAssignedClientID       byte = 18
	PropServerKeepAlive        byte = 19
	PropAuthenticationMethod   byte = 21
	PropAuthenticationData     byte = 22
	PropRequestProblemInfo     byte = 23
	PropWillDelayInterval      byte = 24
	PropRequestResponseInfo    byte = 25
	PropResponseInfo           byte = 26
	PropServerReference        byte = 28
	PropReasonString           byte = 31
	PropReceiveMaximum         byte = 33
	PropTopicAliasMaximum      byte = 34
	PropTopicAlias             byte = 35
	PropMaximumQos             byte = 36
	PropRetainAvailable        byte = 37
	PropUser                   byte = 38
	PropMaximumPacketSize      byte = 39
	PropWildcardSubAvailable   byte = 40
	PropSubIDAvailable         byte = 41
	PropSharedSubAvailable     byte = 42
)

// propKind is the wire type of a property value.
type propKind byte

const (
	kindByte propKind = iota + 1
	kindUint16
	kindUint32
	kindVarInt
	kindString
	kindBinary
	kindPair
)

// packetSet is a bitmask of the packet types a property may appear in. Will
// properties occupy the bit after Auth.
type packetSet uint32

const willBit = Auth + 1

func packetsOf(types ...byte) packetSet {
	var s packetSet
	for _, t := range types {
		if t == WillProperties {
			t = willBit
		}
		s |= 1 << t
	}
	return s
}

func (s packetSet) has(pkt byte) bool {
	if pkt == WillProperties {
		pkt = willBit
	}
	return pkt <= willBit && s&(1<<pkt) != 0
}

type propDef struct {
	kind    propKind
	packets packetSet
}

var (
	publishLike = packetsOf(Publish, WillProperties)
	ackLike     = packetsOf(Connack, Puback, Pubrec, Pubrel, Pubcomp, Suback, Unsuback, Disconnect, Auth)
	userLike    = ackLike | publishLike | packetsOf(Connect, Subscribe, Unsubscribe)
)

// propDefs is indexed by property identifier. Identifiers without a kind are unknown.
var propDefs = [PropSharedSubAvailable + 1]propDef{
	PropPayloadFormat:          {kindByte, publishLike},
	PropMessageExpiryInterval:  {kindUint32, publishLike},
	PropContentType:            {kindString, publishLike},
	PropResponseTopic:          {kindString, publishLike},
	PropCorrelationData:        {kindBinary, publishLike},
	PropSubscriptionIdentifier: {kindVarInt, packetsOf(Publish, Subscribe)},
	PropSessionExpiryInterval:  {kindUint32, packetsOf(Connect, Connack, Disconnect)},
	PropAssignedClientID:       {kindString, packetsOf(Connack)},
	PropServerKeepAlive:        {kindUint16, packetsOf(Connack)},
	PropAuthenticationMethod:   {kindString, packetsOf(Connect, Connack, Auth)},
	PropAuthenticationData:     {kindBinary, packetsOf(Connect, Connack, Auth)},
	PropRequestProblemInfo:     {kindByte, packetsOf(Connect)},
	PropWillDelayInterval:      {kindUint32, packetsOf(WillProperties)},
	PropRequestResponseInfo:    {kindByte, packetsOf(Connect)},
	PropResponseInfo:           {kindString, packetsOf(Connack)},
	PropServerReference:        {kindString, packetsOf(Connack, Disconnect)},
	PropReasonString:           {kindString, ackLike},
	PropReceiveMaximum:         {kindUint16, packetsOf(Connect, Connack)},
	PropTopicAliasMaximum:      {kindUint16, packetsOf(Connect, Connack)},
	PropTopicAlias:             {kindUint16, packetsOf(Publish)},
	PropMaximumQos:             {kindByte, packetsOf(Connack)},
	PropRetainAvailable:        {kindByte, packetsOf(Connack)},
	PropUser:                   {kindPair, userLike},
	PropMaximumPacketSize:      {kindUint32, packetsOf(Connect, Connack)},
	PropWildcardSubAvailable:   {kindByte, packetsOf(Connack)},
	PropSubIDAvailable:         {kindByte, packetsOf(Connack)},
	PropSharedSubAvailable:     {kindByte, packetsOf(Connack)},
}

// allowed returns true if the property identifier may appear in the packet type.
func allowed(id, pkt byte) bool {
	return int(id) < len(propDefs) && propDefs[id].kind != 0 && propDefs[id].packets.has(pkt)
}

// UserProperty is an arbitrary key-value pair for a packet user properties array.
type UserProperty struct { // [MQTT-1.5.7-1]
	Key string `json:"k"`
	Val string `json:"v"`
}

// Properties holds the v5 properties of a packet. Where zero is a meaningful value,
// a Flag field marks the property as present.
type Properties struct {
	// publish and will
	PayloadFormat         byte   `json:"pf"`
	PayloadFormatFlag     bool   `json:"fpf"`
	MessageExpiryInterval uint32 `json:"me"`
	ContentType           string `json:"ct"`
	ResponseTopic         string `json:"rt"`
	CorrelationData       []byte `json:"cd"`
	TopicAlias            uint16 `json:"ta"`
	TopicAliasFlag        bool   `json:"fta"`
	WillDelayInterval     uint32 `json:"wdi"`

	SubscriptionIdentifier []int `json:"si"`

	// session and connection negotiation
	SessionExpiryInterval     uint32 `json:"sei"`
	SessionExpiryIntervalFlag bool   `json:"fsei"`
	AssignedClientID          string `json:"aci"`
	ServerKeepAlive           uint16 `json:"ska"`
	ServerKeepAliveFlag       bool   `json:"fska"`
	AuthenticationMethod      string `json:"am"`
	AuthenticationData        []byte `json:"ad"`
	RequestProblemInfo        byte   `json:"rpi"`
	RequestProblemInfoFlag    bool   `json:"frpi"`
	RequestResponseInfo       byte   `json:"rri"`
	ResponseInfo              string `json:"ri"`
	ServerReference           string `json:"sr"`
	ReceiveMaximum            uint16 `json:"rm"`
	TopicAliasMaximum         uint16 `json:"tam"`
	MaximumPacketSize         uint32 `json:"mps"`

	// server capabilities
	MaximumQos               byte `json:"mqos"`
	MaximumQosFlag           bool `json:"fmqos"`
	RetainAvailable          byte `json:"ra"`
	RetainAvailableFlag      bool `json:"fra"`
	WildcardSubAvailable     byte `json:"wsa"`
	WildcardSubAvailableFlag bool `json:"fwsa"`
	SubIDAvailable           byte `json:"sida"`
	SubIDAvailableFlag       bool `json:"fsida"`
	SharedSubAvailable       byte `json:"ssa"`
	SharedSubAvailableFlag   bool `json:"fssa"`

	ReasonString string         `json:"rs"`
	User         []UserProperty `json:"user"`
}

// propValue carries a single decoded or to-be-encoded property value.
type propValue struct {
	num uint32
	str string
	bin []byte
	val string // second string of a user property pair
}

// get returns the value of a single-valued property and whether it should be written.
func (p *Properties) get(id byte) (propValue, bool) {
	switch id {
	case PropPayloadFormat:
		return propValue{num: uint32(p.PayloadFormat)}, p.PayloadFormatFlag
	case PropMessageExpiryInterval:
		return propValue{num: p.MessageExpiryInterval}, p.MessageExpiryInterval > 0
	case PropContentType:
		return propValue{str: p.ContentType}, p.ContentType != "" // [MQTT-3.3.2-19]
	case PropResponseTopic:
		return propValue{str: p.ResponseTopic}, p.ResponseTopic != "" && !strings.ContainsAny(p.ResponseTopic, "+#") // [MQTT-3.3.2-14]
	case PropCorrelationData:
		return propValue{bin: p.CorrelationData}, len(p.CorrelationData) > 0
	case PropSessionExpiryInterval:
		return propValue{num: p.SessionExpiryInterval}, p.SessionExpiryIntervalFlag // [MQTT-3.14.2-2]
	case PropAssignedClientID:
		return propValue{str: p.AssignedClientID}, p.AssignedClientID != ""
	case PropServerKeepAlive:
		return propValue{num: uint32(p.ServerKeepAlive)}, p.ServerKeepAliveFlag
	case PropAuthenticationMethod:
		return propValue{str: p.AuthenticationMethod}, p.AuthenticationMethod != ""
	case PropAuthenticationData:
		return propValue{bin: p.AuthenticationData}, len(p.AuthenticationData) > 0
	case PropRequestProblemInfo:
		return propValue{num: uint32(p.RequestProblemInfo)}, p.RequestProblemInfoFlag
	case PropWillDelayInterval:
		return propValue{num: p.WillDelayInterval}, p.WillDelayInterval > 0
	case PropRequestResponseInfo:
		return propValue{num: uint32(p.RequestResponseInfo)}, p.RequestResponseInfo > 0
	case PropResponseInfo:
		return propValue{str: p.ResponseInfo}, p.ResponseInfo != ""
	case PropServerReference:
		return propValue{str: p.ServerReference}, p.ServerReference != ""
	case PropReasonString:
		return propValue{str: p.ReasonString}, p.ReasonString != ""
	case PropReceiveMaximum:
		return propValue{num: uint32(p.ReceiveMaximum)}, p.ReceiveMaximum > 0
	case PropTopicAliasMaximum:
		return propValue{num: uint32(p.TopicAliasMaximum)}, p.TopicAliasMaximum > 0
	case PropTopicAlias:
		return propValue{num: uint32(p.TopicAlias)}, p.TopicAliasFlag && p.TopicAlias > 0 // [MQTT-3.3.2-8]
	case PropMaximumQos:
		return propValue{num: uint32(p.MaximumQos)}, p.MaximumQosFlag && p.MaximumQos < 2
	case PropRetainAvailable:
		return propValue{num: uint32(p.RetainAvailable)}, p.RetainAvailableFlag
	case PropMaximumPacketSize:
		return propValue{num: p.MaximumPacketSize}, p.MaximumPacketSize > 0
	case PropWildcardSubAvailable:
		return propValue{num: uint32(p.WildcardSubAvailable)}, p.WildcardSubAvailableFlag
	case PropSubIDAvailable:
		return propValue{num: uint32(p.SubIDAvailable)}, p.SubIDAvailableFlag
	case PropSharedSubAvailable:
		return propValue{num: uint32(p.SharedSubAvailable)}, p.SharedSubAvailableFlag
	}

	return propValue{}, false
}

// set stores a decoded property value.
func (p *Properties) set(id byte, v propValue) {
	switch id {
	case PropPayloadFormat:
		p.PayloadFormat, p.PayloadFormatFlag = byte(v.num), true
	case PropMessageExpiryInterval:
		p.MessageExpiryInterval = v.num
	case PropContentType:
		p.ContentType = v.str
	case PropResponseTopic:
		p.ResponseTopic = v.str
	case PropCorrelationData:
		p.CorrelationData = v.bin
	case PropSubscriptionIdentifier:
		p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, int(v.num))
	case PropSessionExpiryInterval:
		p.SessionExpiryInterval, p.SessionExpiryIntervalFlag = v.num, true
	case PropAssignedClientID:
		p.AssignedClientID = v.str
	case PropServerKeepAlive:
		p.ServerKeepAlive, p.ServerKeepAliveFlag = uint16(v.num), true
	case PropAuthenticationMethod:
		p.AuthenticationMethod = v.str
	case PropAuthenticationData:
		p.AuthenticationData = v.bin
	case PropRequestProblemInfo:
		p.RequestProblemInfo, p.RequestProblemInfoFlag = byte(v.num), true
	case PropWillDelayInterval:
		p.WillDelayInterval = v.num
	case PropRequestResponseInfo:
		p.RequestResponseInfo = byte(v.num)
	case PropResponseInfo:
		p.ResponseInfo = v.str
	case PropServerReference:
		p.ServerReference = v.str
	case PropReasonString:
		p.ReasonString = v.str
	case PropReceiveMaximum:
		p.ReceiveMaximum = uint16(v.num)
	case PropTopicAliasMaximum:
		p.TopicAliasMaximum = uint16(v.num)
	case PropTopicAlias:
		p.TopicAlias, p.TopicAliasFlag = uint16(v.num), true
	case PropMaximumQos:
		p.MaximumQos, p.MaximumQosFlag = byte(v.num), true
	case PropRetainAvailable:
		p.RetainAvailable, p.RetainAvailableFlag = byte(v.num), true
	case PropUser:
		p.User = append(p.User, UserProperty{Key: v.str, Val: v.val})
	case PropMaximumPacketSize:
		p.MaximumPacketSize = v.num
	case PropWildcardSubAvailable:
		p.WildcardSubAvailable, p.WildcardSubAvailableFlag = byte(v.num), true
	case PropSubIDAvailable:
		p.SubIDAvailable, p.SubIDAvailableFlag = byte(v.num), true
	case PropSharedSubAvailable:
		p.SharedSubAvailable, p.SharedSubAvailableFlag = byte(v.num), true
	}
}

// write appends a single property in the wire form of its kind.
func (k propKind) write(buf *bytes.Buffer, id byte, v propValue) {
	buf.WriteByte(id)
	switch k {
	case kindByte:
		buf.WriteByte(byte(v.num))
	case kindUint16:
		buf.Write(encodeUint16(uint16(v.num)))
	case kindUint32:
		buf.Write(encodeUint32(v.num))
	case kindVarInt:
		encodeLength(buf, int64(v.num))
	case kindString:
		buf.Write(encodeString(v.str))
	case kindBinary:
		buf.Write(encodeBytes(v.bin))
	case kindPair:
		buf.Write(encodeString(v.str))
		buf.Write(encodeString(v.val))
	}
}

// read decodes a single value of the kind from buf at offset.
func (k propKind) read(buf []byte, offset int) (v propValue, next int, err error) {
	var b byte
	var u16 uint16
	switch k {
	case kindByte:
		b, next, err = decodeByte(buf, offset)
		v.num = uint32(b)
	case kindUint16:
		u16, next, err = decodeUint16(buf, offset)
		v.num = uint32(u16)
	case kindUint32:
		v.num, next, err = decodeUint32(buf, offset)
	case kindVarInt:
		var x, used int
		x, used, err = DecodeLength(bytes.NewReader(buf[offset:]))
		v.num, next = uint32(x), offset+used
	case kindString:
		v.str, next, err = decodeString(buf, offset)
	case kindBinary:
		v.bin, next, err = decodeBytes(buf, offset)
	case kindPair:
		v.str, next, err = decodeString(buf, offset)
		if err == nil {
			v.val, next, err = decodeString(buf, next)
		}
	}

	return v, next, err
}

// Encode encodes the properties section, including its length prefix, into a bytes buffer.
func (p *Properties) Encode(pkt byte, b *bytes.Buffer) {
	var buf bytes.Buffer
	p.encodeBody(pkt, &buf)
	encodeLength(b, int64(buf.Len()))
	_, _ = buf.WriteTo(b) // [MQTT-3.1.3-10]
}

// Size returns the number of bytes Encode writes for the packet type.
func (p *Properties) Size(pkt byte) int {
	var buf bytes.Buffer
	p.encodeBody(pkt, &buf)
	return VarIntSize(uint32(buf.Len())) + buf.Len()
}

// Empty returns true if no property would be encoded for the packet type.
func (p *Properties) Empty(pkt byte) bool {
	return p.Size(pkt) == 1
}

// encodeBody writes every present property allowed in the packet type, in identifier order.
func (p *Properties) encodeBody(pkt byte, buf *bytes.Buffer) {
	if p == nil {
		return
	}

	for i, def := range propDefs {
		id := byte(i)
		if !allowed(id, pkt) {
			continue
		}

		switch id {
		case PropSubscriptionIdentifier:
			for _, si := range p.SubscriptionIdentifier {
				if si > 0 {
					def.kind.write(buf, id, propValue{num: uint32(si)})
				}
			}
		case PropUser:
			for _, u := range p.User {
				def.kind.write(buf, id, propValue{str: u.Key, val: u.Val})
			}
		default:
			if v, ok := p.get(id); ok {
				def.kind.write(buf, id, v)
			}
		}
	}
}

// Decode decodes a properties section, including its length prefix, returning the
// number of bytes consumed.
func (p *Properties) Decode(pkt byte, b *bytes.Buffer) (int, error) {
	if p == nil {
		return 0, nil
	}

	size, used, err := DecodeLength(b)
	if err != nil {
		return used, err
	}

	consumed := size + used
	if size == 0 {
		return consumed, nil
	}

	if size > b.Len() {
		return consumed, ErrMalformedProperties
	}

	section := b.Next(size)
	for offset := 0; offset < size; {
		var id byte
		id, offset, err = decodeByte(section, offset)
		if err != nil {
			return consumed, err
		}

		if !allowed(id, pkt) {
			return consumed, fmt.Errorf("property %d in %s: %w", id, PacketNames[pkt], ErrProtocolViolationUnsupportedProperty)
		}

		var v propValue
		v, offset, err = propDefs[id].kind.read(section, offset)
		if err != nil {
			return consumed, err
		}

		if id == PropSubscriptionIdentifier && v.num == 0 {
			return consumed, ErrProtocolViolationZeroSubID
		}

		p.set(id, v)
	}

	return consumed, nil
}
