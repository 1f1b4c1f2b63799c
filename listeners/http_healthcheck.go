// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

// Health is the body of a healthcheck response.
type Health struct {
	Status           string `json:"status"`
	Uptime           int64  `json:"uptime"`
	ClientsConnected int64  `json:"clients_connected"`
}

// HTTPHealthCheck answers GET /healthcheck with 200 while serving and 503 once closing.
type HTTPHealthCheck struct {
	httpd
	sysInfo *system.Info // may be nil
}

// NewHTTPHealthCheck returns a healthcheck listener for an address.
func NewHTTPHealthCheck(config Config, sysInfo *system.Info) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		httpd:   newHTTPD(config),
		sysInfo: sysInfo,
	}
}

// Protocol returns the protocol of the listener.
func (l *HTTPHealthCheck) Protocol() string {
	return l.scheme("http", "https")
}

// Init initializes the listener.
func (l *HTTPHealthCheck) Init(log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", l.handler)
	l.mount(log, mux, 5*time.Second)
	return nil
}

func (l *HTTPHealthCheck) handler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	h := Health{Status: "ok"}
	if l.sysInfo != nil {
		h.Uptime = atomic.LoadInt64(&l.sysInfo.Uptime)
		h.ClientsConnected = atomic.LoadInt64(&l.sysInfo.ClientsConnected)
	}

	code := http.StatusOK
	if l.closing() {
		h.Status, code = "closing", http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(h)
}

// Serve serves until the listener is closed.
func (l *HTTPHealthCheck) Serve(EstablishFn) {
	l.serve()
}

// Close stops the listener.
func (l *HTTPHealthCheck) Close(closeClients CloseFn) {
	l.close(closeClients)
}
