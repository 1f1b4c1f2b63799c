// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

func TestNewHTTPStats(t *testing.T) {
	l := NewHTTPStats(basicConfig, nil)
	require.Equal(t, "t1", l.ID())
	require.Equal(t, testAddr, l.Address())
	require.Equal(t, "http", l.Protocol())
}

func TestHTTPStatsTLSProtocol(t *testing.T) {
	l := NewHTTPStats(tlsConfig, nil)
	require.NoError(t, l.Init(logger))
	require.Equal(t, "https", l.Protocol())
}

func TestHTTPStatsJSON(t *testing.T) {
	info := &system.Info{Version: "test", ClientsConnected: 3, Inflight: 9}
	l := NewHTTPStats(basicConfig, info)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, w.Code)

	got := new(system.Info)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), got))
	require.Equal(t, "test", got.Version)
	require.Equal(t, int64(3), got.ClientsConnected)
	require.Equal(t, int64(9), got.Inflight)
}

func TestHTTPStatsPrometheus(t *testing.T) {
	info := &system.Info{Version: "test", Retransmits: 4}
	l := NewHTTPStats(basicConfig, info)
	require.NoError(t, l.Init(logger))

	w := httptest.NewRecorder()
	l.listen.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "retransmits 4")
	require.Contains(t, w.Body.String(), `build_info{goversion=`)
}

func TestHTTPStatsServeAndClose(t *testing.T) {
	l := NewHTTPStats(basicConfig, new(system.Info))
	require.NoError(t, l.Init(logger))

	o := make(chan bool)
	go func() {
		l.Serve(MockEstablisher)
		o <- true
	}()

	var closed bool
	l.Close(func(id string) {
		closed = true
	})
	require.True(t, closed)
	<-o
}
