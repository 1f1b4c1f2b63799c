// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002/packets"
)

func TestTokenComplete(t *testing.T) {
	tk := newToken(packets.Subscribe)
	require.Nil(t, tk.Error())
	require.Nil(t, tk.ReasonCodes())

	select {
	case <-tk.Done():
		t.Fatal("token resolved early")
	default:
	}

	tk.complete([]byte{1}, nil)
	tk.complete([]byte{2}, ErrConnectionClosed)

	<-tk.Done()
	require.NoError(t, tk.Wait(context.Background()))
	require.Equal(t, []byte{1}, tk.ReasonCodes())
	require.Nil(t, tk.Error())
}

func TestTokenCompleteError(t *testing.T) {
	tk := newToken(packets.Publish)
	tk.complete(nil, ErrSessionReset)
	require.ErrorIs(t, tk.Wait(context.Background()), ErrSessionReset)
	require.ErrorIs(t, tk.Error(), ErrSessionReset)
}

func TestTokenWaitContext(t *testing.T) {
	tk := newToken(packets.Publish)
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*10)
	defer cancel()

	require.ErrorIs(t, tk.Wait(ctx), context.DeadlineExceeded)
}
