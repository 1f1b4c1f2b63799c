// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	publishProps = Properties{
		PayloadFormat:          1,
		PayloadFormatFlag:      true,
		MessageExpiryInterval:  2,
		ContentType:            "text/plain",
		ResponseTopic:          "a/b/c",
		CorrelationData:        []byte("data"),
		SubscriptionIdentifier: []int{322122},
		TopicAlias:             3,
		TopicAliasFlag:         true,
		User:                   []UserProperty{{Key: "hello", Val: "世界"}},
	}

	publishPropsBytes = []byte{
		58,
		1, 1,
		2, 0, 0, 0, 2,
		3, 0, 10, 't', 'e', 'x', 't', '/', 'p', 'l', 'a', 'i', 'n',
		8, 0, 5, 'a', '/', 'b', '/', 'c',
		9, 0, 4, 'd', 'a', 't', 'a',
		11, 202, 212, 19,
		35, 0, 3,
		38, 0, 5, 'h', 'e', 'l', 'l', 'o', 0, 6, 228, 184, 150, 231, 149, 140,
	}

	connackProps = Properties{
		SessionExpiryInterval:     120,
		SessionExpiryIntervalFlag: true,
		AssignedClientID:          "engine-1",
		ServerKeepAlive:           20,
		ServerKeepAliveFlag:       true,
		AuthenticationMethod:      "SHA-1",
		AuthenticationData:        []byte("auth-data"),
		ResponseInfo:              "response",
		ServerReference:           "mochi-2",
		ReasonString:              "reason",
		ReceiveMaximum:            500,
		TopicAliasMaximum:         999,
		MaximumQos:                1,
		MaximumQosFlag:            true,
		RetainAvailable:           1,
		RetainAvailableFlag:       true,
		MaximumPacketSize:         32000,
		WildcardSubAvailable:      1,
		WildcardSubAvailableFlag:  true,
		SubIDAvailable:            1,
		SubIDAvailableFlag:        true,
		SharedSubAvailable:        1,
		SharedSubAvailableFlag:    true,
	}

	connackPropsBytes = []byte{
		90,
		17, 0, 0, 0, 120,
		18, 0, 8, 'e', 'n', 'g', 'i', 'n', 'e', '-', '1',
		19, 0, 20,
		21, 0, 5, 'S', 'H', 'A', '-', '1',
		22, 0, 9, 'a', 'u', 't', 'h', '-', 'd', 'a', 't', 'a',
		26, 0, 8, 'r', 'e', 's', 'p', 'o', 'n', 's', 'e',
		28, 0, 7, 'm', 'o', 'c', 'h', 'i', '-', '2',
		31, 0, 6, 'r', 'e', 'a', 's', 'o', 'n',
		33, 1, 244,
		34, 3, 231,
		36, 1,
		37, 1,
		39, 0, 0, 125, 0,
		40, 1,
		41, 1,
		42, 1,
	}
)

func TestPropertyAllowed(t *testing.T) {
	require.True(t, allowed(PropWillDelayInterval, WillProperties))
	require.False(t, allowed(PropWillDelayInterval, Publish))
	require.True(t, allowed(PropUser, Auth))
	require.False(t, allowed(PropUser, Reserved))
	require.False(t, allowed(PropUser, Pingreq))
	require.False(t, allowed(4, Publish))
	require.False(t, allowed(99, Publish))
}

func TestEncodePublishProperties(t *testing.T) {
	var b bytes.Buffer
	publishProps.Encode(Publish, &b)
	require.Equal(t, publishPropsBytes, b.Bytes())
	require.Equal(t, len(publishPropsBytes), publishProps.Size(Publish))
}

func TestEncodeConnackProperties(t *testing.T) {
	var b bytes.Buffer
	connackProps.Encode(Connack, &b)
	require.Equal(t, connackPropsBytes, b.Bytes())
	require.Equal(t, len(connackPropsBytes), connackProps.Size(Connack))
}

func TestEncodePropertiesFiltersByPacketType(t *testing.T) {
	var b bytes.Buffer
	connackProps.Encode(Puback, &b)
	require.Equal(t, []byte{9, 31, 0, 6, 'r', 'e', 'a', 's', 'o', 'n'}, b.Bytes())

	b.Reset()
	publishProps.Encode(Subscribe, &b)
	require.Equal(t, []byte{
		20,
		11, 202, 212, 19,
		38, 0, 5, 'h', 'e', 'l', 'l', 'o', 0, 6, 228, 184, 150, 231, 149, 140,
	}, b.Bytes())

	require.True(t, connackProps.Empty(Publish))
	require.False(t, publishProps.Empty(Unsubscribe))
}

func TestEncodeWillProperties(t *testing.T) {
	props := Properties{WillDelayInterval: 600}

	var b bytes.Buffer
	props.Encode(WillProperties, &b)
	require.Equal(t, []byte{5, 24, 0, 0, 2, 88}, b.Bytes())
	require.True(t, props.Empty(Publish))
}

func TestEncodePropertiesSkipsInvalidValues(t *testing.T) {
	props := Properties{
		ResponseTopic:          "a/#",
		SubscriptionIdentifier: []int{0},
		MaximumQos:             2,
		MaximumQosFlag:         true,
		TopicAliasFlag:         true,
	}

	require.True(t, props.Empty(Publish))
	require.True(t, props.Empty(Connack))
}

func TestEncodePropertiesNil(t *testing.T) {
	var p *Properties

	var b bytes.Buffer
	p.Encode(Connack, &b)
	require.Equal(t, []byte{0x00}, b.Bytes())
}

func TestEncodeZeroProperties(t *testing.T) {
	// [MQTT-2.2.2-1] no properties is a property length of zero
	props := new(Properties)

	var b bytes.Buffer
	props.Encode(Connack, &b)
	require.Equal(t, []byte{0x00}, b.Bytes())
	require.True(t, props.Empty(Connack))
}

func TestDecodePublishProperties(t *testing.T) {
	props := new(Properties)
	n, err := props.Decode(Publish, bytes.NewBuffer(publishPropsBytes))
	require.NoError(t, err)
	require.Equal(t, len(publishPropsBytes), n)
	require.Equal(t, publishProps, *props)
}

func TestDecodeConnackProperties(t *testing.T) {
	props := new(Properties)
	n, err := props.Decode(Connack, bytes.NewBuffer(connackPropsBytes))
	require.NoError(t, err)
	require.Equal(t, len(connackPropsBytes), n)
	require.Equal(t, connackProps, *props)
}

func TestDecodePropertiesRepeatedSubscriptionIDs(t *testing.T) {
	props := new(Properties)
	_, err := props.Decode(Publish, bytes.NewBuffer([]byte{4, 11, 1, 11, 2}))
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, props.SubscriptionIdentifier)
}

func TestDecodePropertiesNil(t *testing.T) {
	var p *Properties
	n, err := p.Decode(Connack, bytes.NewBuffer(connackPropsBytes))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestDecodePropertiesZeroLength(t *testing.T) {
	props := new(Properties)
	n, err := props.Decode(Connack, bytes.NewBuffer([]byte{0}))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, new(Properties), props)
}

func TestDecodePropertiesLeavesTrailingBytes(t *testing.T) {
	b := bytes.NewBuffer([]byte{3, 31, 0, 0, 0xAA, 0xBB})
	props := new(Properties)
	n, err := props.Decode(Puback, b)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{0xAA, 0xBB}, b.Bytes())
}

func TestDecodePropertiesErrors(t *testing.T) {
	tt := []struct {
		desc string
		pkt  byte
		in   []byte
		err  error
	}{
		{desc: "bad length", pkt: Connack, in: []byte{255, 255, 255, 255, 255}, err: ErrMalformedVariableByteInteger},
		{desc: "length overrun", pkt: Connack, in: []byte{64, 1}, err: ErrMalformedProperties},
		{desc: "not valid for packet", pkt: Publish, in: connackPropsBytes, err: ErrProtocolViolationUnsupportedProperty},
		{desc: "unknown identifier", pkt: Publish, in: []byte{2, 99, 0}, err: ErrProtocolViolationUnsupportedProperty},
		{desc: "identifier gap", pkt: Publish, in: []byte{2, 4, 0}, err: ErrProtocolViolationUnsupportedProperty},
		{desc: "zero subscription id", pkt: Subscribe, in: []byte{2, 11, 0}, err: ErrProtocolViolationZeroSubID},
		{desc: "bad subscription id", pkt: Publish, in: []byte{5, 11, 255, 255, 255, 255}, err: ErrMalformedVariableByteInteger},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			props := new(Properties)
			_, err := props.Decode(tx.pkt, bytes.NewBuffer(tx.in))
			require.ErrorIs(t, err, tx.err)
		})
	}
}

func TestDecodePropertiesTruncatedValues(t *testing.T) {
	for desc, in := range map[string][]byte{
		"uint16": {2, 33, 1},
		"uint32": {3, 39, 0, 0},
		"user":   {3, 38, 0, 5},
		"pair":   {6, 38, 0, 1, 'k', 0, 3},
	} {
		t.Run(desc, func(t *testing.T) {
			props := new(Properties)
			_, err := props.Decode(Connack, bytes.NewBuffer(in))
			require.Error(t, err)
		})
	}
}
