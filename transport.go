// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/signature-opensource/CK-MQTT-sub002/listeners"
)

// Dialer opens a new transport to a server. The engine never opens sockets itself; a
// client is given a Dialer and calls it for every connection attempt.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer returns a Dialer for a TCP address, using TLS if tlsConfig is not nil.
func TCPDialer(address string, tlsConfig *tls.Config) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		if tlsConfig != nil {
			d := &tls.Dialer{Config: tlsConfig}
			return d.DialContext(ctx, "tcp", address)
		}

		var d net.Dialer
		return d.DialContext(ctx, "tcp", address)
	}
}

// WebsocketDialer returns a Dialer for a ws:// or wss:// url, negotiating the mqtt
// subprotocol.
func WebsocketDialer(url string, header http.Header, tlsConfig *tls.Config) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		d := websocket.Dialer{
			Subprotocols:    []string{"mqtt"},
			TLSClientConfig: tlsConfig,
		}

		c, resp, err := d.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		if err != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", url, err)
		}

		return listeners.NewWebsocketConn(c), nil
	}
}
