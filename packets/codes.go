// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code is a reason code byte paired with a readable reason. Codes of 0x80 and above
// indicate failure, and a Code may be returned directly as an error.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

// Failed returns true if the code reports a failure.
func (c Code) Failed() bool {
	return c.Code >= 0x80
}

// IsProtocolError returns true if the code is a malformed packet or protocol violation.
func (c Code) IsProtocolError() bool {
	return c.Code == 0x81 || c.Code == 0x82
}

// ToV3 returns the v3 connack return code closest to a v5 connack reason.
func (c Code) ToV3() Code {
	switch c.Code {
	case 0x00:
		return c
	case 0x84:
		return Err3UnsupportedProtocolVersion
	case 0x85:
		return Err3ClientIdentifierNotValid
	case 0x86, 0x87, 0x8A:
		return Err3NotAuthorized
	}

	if c == ErrMalformedUsername || c == ErrMalformedPassword {
		return Err3BadUsernameOrPassword
	}

	return Err3ServerUnavailable
}

// reasons names each v5 reason code byte at or above 0x80.
var reasons = map[byte]string{
	0x80: "unspecified error",
	0x81: "malformed packet",
	0x82: "protocol violation",
	0x83: "implementation specific error",
	0x84: "unsupported protocol version",
	0x85: "client identifier not valid",
	0x86: "bad username or password",
	0x87: "not authorized",
	0x88: "server unavailable",
	0x89: "server busy",
	0x8A: "banned",
	0x8B: "server shutting down",
	0x8C: "bad authentication method",
	0x8D: "keep alive timeout",
	0x8E: "session takeover",
	0x8F: "topic filter invalid",
	0x90: "topic name invalid",
	0x91: "packet identifier in use",
	0x92: "packet identifier not found",
	0x93: "receive maximum exceeded",
	0x94: "topic alias invalid",
	0x95: "packet too large",
	0x96: "message rate too high",
	0x97: "quota exceeded",
	0x98: "administrative action",
	0x99: "payload format invalid",
	0x9A: "retain not supported",
	0x9B: "qos not supported",
	0x9C: "use another server",
	0x9D: "server moved",
	0x9E: "shared subscriptions not supported",
	0x9F: "connection rate exceeded",
	0xA0: "maximum connect time",
	0xA1: "subscription identifiers not supported",
	0xA2: "wildcard subscriptions not supported",
}

// v3Returns maps v3 connack return bytes to their codes.
var v3Returns = map[byte]Code{
	0x01: Err3UnsupportedProtocolVersion,
	0x02: Err3ClientIdentifierNotValid,
	0x03: Err3ServerUnavailable,
	0x04: Err3BadUsernameOrPassword,
	0x05: Err3NotAuthorized,
}

// CodeFor returns the code for a v5 reason byte. Unknown failure bytes are named
// by the fallback reason.
func CodeFor(b byte, fallback string) Code {
	if r, ok := reasons[b]; ok {
		return Code{Code: b, Reason: r}
	}

	return Code{Code: b, Reason: fallback}
}

func reason(b byte) Code {
	return Code{Code: b, Reason: reasons[b]}
}

func malformed(detail string) Code {
	return Code{Code: 0x81, Reason: reasons[0x81] + ": " + detail}
}

func violation(detail string) Code {
	return Code{Code: 0x82, Reason: reasons[0x82] + ": " + detail}
}

// Success and informational codes.
var (
	CodeSuccess                = Code{Code: 0x00, Reason: "success"}
	CodeDisconnect             = Code{Code: 0x00, Reason: "disconnected"}
	CodeGrantedQos2            = Code{Code: 0x02, Reason: "granted qos 2"}
	CodeDisconnectWillMessage  = Code{Code: 0x04, Reason: "disconnect with will message"}
	CodeNoMatchingSubscribers  = Code{Code: 0x10, Reason: "no matching subscribers"}
	CodeNoSubscriptionExisted  = Code{Code: 0x11, Reason: "no subscription existed"}
	CodeContinueAuthentication = Code{Code: 0x18, Reason: "continue authentication"}
)

// Malformed packet codes, all carried on the wire as 0x81.
var (
	ErrMalformedPacket                = reason(0x81)
	ErrMalformedProtocolName          = malformed("protocol name")
	ErrMalformedProtocolVersion       = malformed("protocol version")
	ErrMalformedFlags                 = malformed("flags")
	ErrMalformedKeepalive             = malformed("keepalive")
	ErrMalformedPacketID              = malformed("packet identifier")
	ErrMalformedTopic                 = malformed("topic")
	ErrMalformedWillTopic             = malformed("will topic")
	ErrMalformedWillPayload           = malformed("will message")
	ErrMalformedUsername              = malformed("username")
	ErrMalformedPassword              = malformed("password")
	ErrMalformedQos                   = malformed("qos")
	ErrMalformedOffsetUintOutOfRange  = malformed("offset uint out of range")
	ErrMalformedOffsetBytesOutOfRange = malformed("offset bytes out of range")
	ErrMalformedOffsetByteOutOfRange  = malformed("offset byte out of range")
	ErrMalformedOffsetBoolOutOfRange  = malformed("offset boolean out of range")
	ErrMalformedInvalidUTF8           = malformed("invalid utf-8 string")
	ErrMalformedVariableByteInteger   = malformed("variable byte integer out of range")
	ErrMalformedProperties            = malformed("properties")
	ErrMalformedWillProperties        = malformed("will properties")
	ErrMalformedSessionPresent        = malformed("session present")
	ErrMalformedReasonCode            = malformed("reason code")
	ErrMalformedTruncated             = malformed("frame shorter than remaining length")

	// ErrStringTooLong is returned when a string is rejected at construction time.
	ErrStringTooLong = malformed("string longer than 65535 bytes")
)

// Protocol violation codes, all carried on the wire as 0x82.
var (
	ErrProtocolViolation                      = reason(0x82)
	ErrProtocolViolationProtocolName          = violation("protocol name")
	ErrProtocolViolationProtocolVersion       = violation("protocol version")
	ErrProtocolViolationReservedBit           = violation("reserved bit not 0")
	ErrProtocolViolationUsernameNoFlag        = violation("username set but no flag")
	ErrProtocolViolationPasswordNoFlag        = violation("password set but no flag")
	ErrProtocolViolationUsernameTooLong       = violation("username too long")
	ErrProtocolViolationPasswordTooLong       = violation("password too long")
	ErrProtocolViolationNoPacketID            = violation("missing packet id")
	ErrProtocolViolationSurplusPacketID       = violation("surplus packet id")
	ErrProtocolViolationQosOutOfRange         = violation("qos out of range")
	ErrProtocolViolationSecondConnect         = violation("second connect packet")
	ErrProtocolViolationRequireFirstConnect   = violation("first packet must be connect")
	ErrProtocolViolationRequireFirstConnack   = violation("first packet must be connack")
	ErrProtocolViolationWillFlagSurplusRetain = violation("will flag surplus retain")
	ErrProtocolViolationSurplusWildcard       = violation("topic contains wildcards")
	ErrProtocolViolationNoFilters             = violation("must contain at least one filter")
	ErrProtocolViolationDupNoQos              = violation("dup true with no qos")
	ErrProtocolViolationDupQos2               = violation("qos 2 packet identifier reused without dup")
	ErrProtocolViolationUnsupportedProperty   = violation("unsupported property")
	ErrProtocolViolationZeroSubID             = violation("subscription identifier of 0")
	ErrProtocolViolationNoTopic               = violation("no topic or alias")
	ErrProtocolViolationUnknownPacket         = violation("unknown packet type")
	ErrProtocolViolationUnexpectedPacket      = violation("packet type not expected here")
	ErrProtocolViolationAckMismatch           = violation("acknowledgement does not match packet state")
)

// Remaining v5 failure codes.
var (
	ErrUnspecifiedError            = reason(0x80)
	ErrImplementationSpecificError = reason(0x83)
	ErrUnsupportedProtocolVersion  = reason(0x84)
	ErrClientIdentifierNotValid    = reason(0x85)
	ErrBadUsernameOrPassword       = reason(0x86)
	ErrNotAuthorized               = reason(0x87)
	ErrServerUnavailable           = reason(0x88)
	ErrServerBusy                  = reason(0x89)
	ErrBanned                      = reason(0x8A)
	ErrServerShuttingDown          = reason(0x8B)
	ErrBadAuthenticationMethod     = reason(0x8C)
	ErrKeepAliveTimeout            = reason(0x8D)
	ErrSessionTakenOver            = reason(0x8E)
	ErrTopicFilterInvalid          = reason(0x8F)
	ErrTopicNameInvalid            = reason(0x90)
	ErrPacketIdentifierNotFound    = reason(0x92)
	ErrPacketTooLarge              = reason(0x95)
	ErrQuotaExceeded               = reason(0x97)
	ErrPayloadFormatInvalid        = reason(0x99)
	ErrRetainNotSupported          = reason(0x9A)
	ErrQosNotSupported             = reason(0x9B)
	ErrUseAnotherServer            = reason(0x9C)
	ErrServerMoved                 = reason(0x9D)
	ErrConnectionRateExceeded      = reason(0x9F)
)

// v3 connack return codes.
var (
	Err3UnsupportedProtocolVersion = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	Err3ClientIdentifierNotValid   = Code{Code: 0x02, Reason: "identifier rejected"}
	Err3ServerUnavailable          = Code{Code: 0x03, Reason: "server unavailable"}
	Err3BadUsernameOrPassword      = Code{Code: 0x04, Reason: "bad user name or password"}
	Err3NotAuthorized              = Code{Code: 0x05, Reason: "not authorized"}
)
