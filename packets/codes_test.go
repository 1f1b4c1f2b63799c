// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodeReason(t *testing.T) {
	c := Code{Code: 0x1, Reason: "test"}
	require.Equal(t, "test", c.String())
	require.Equal(t, "test", error(c).Error())
}

func TestCodeFailed(t *testing.T) {
	require.False(t, CodeSuccess.Failed())
	require.False(t, CodeNoMatchingSubscribers.Failed())
	require.True(t, ErrUnspecifiedError.Failed())
	require.True(t, ErrConnectionRateExceeded.Failed())
}

func TestCodeIsProtocolError(t *testing.T) {
	require.True(t, ErrMalformedPacket.IsProtocolError())
	require.True(t, ErrMalformedTopic.IsProtocolError())
	require.True(t, ErrProtocolViolationNoPacketID.IsProtocolError())
	require.False(t, ErrUnspecifiedError.IsProtocolError())
	require.False(t, CodeSuccess.IsProtocolError())
}

func TestCodeDetailedReasons(t *testing.T) {
	require.Equal(t, Code{Code: 0x81, Reason: "malformed packet: topic"}, ErrMalformedTopic)
	require.Equal(t, Code{Code: 0x82, Reason: "protocol violation: missing packet id"}, ErrProtocolViolationNoPacketID)
	require.Equal(t, Code{Code: 0x87, Reason: "not authorized"}, ErrNotAuthorized)
}

func TestCodeWrapped(t *testing.T) {
	err := fmt.Errorf("decode: %w", ErrMalformedProperties)

	var code Code
	require.True(t, errors.As(err, &code))
	require.Equal(t, byte(0x81), code.Code)
	require.ErrorIs(t, err, ErrMalformedProperties)
	require.NotErrorIs(t, err, ErrMalformedPacket)
}

func TestCodeFor(t *testing.T) {
	require.Equal(t, ErrBanned, CodeFor(0x8A, "refused"))
	require.Equal(t, Code{Code: 0xfe, Reason: "refused"}, CodeFor(0xfe, "refused"))
}

func TestCodeToV3(t *testing.T) {
	tt := []struct {
		in   Code
		want Code
	}{
		{in: CodeSuccess, want: CodeSuccess},
		{in: ErrUnsupportedProtocolVersion, want: Err3UnsupportedProtocolVersion},
		{in: ErrClientIdentifierNotValid, want: Err3ClientIdentifierNotValid},
		{in: ErrBadUsernameOrPassword, want: Err3NotAuthorized},
		{in: ErrNotAuthorized, want: Err3NotAuthorized},
		{in: ErrBanned, want: Err3NotAuthorized},
		{in: ErrMalformedUsername, want: Err3BadUsernameOrPassword},
		{in: ErrMalformedPassword, want: Err3BadUsernameOrPassword},
		{in: ErrServerBusy, want: Err3ServerUnavailable},
		{in: ErrProtocolViolation, want: Err3ServerUnavailable},
	}

	for _, tx := range tt {
		t.Run(tx.in.Reason, func(t *testing.T) {
			require.Equal(t, tx.want, tx.in.ToV3())
		})
	}
}
