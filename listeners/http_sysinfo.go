// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signature-opensource/CK-MQTT-sub002/system"
)

// HTTPStats serves the engine counters as JSON on / and in the prometheus exposition
// format on /metrics.
type HTTPStats struct {
	httpd
	sysInfo  *system.Info
	registry *prometheus.Registry
}

// NewHTTPStats returns a stats listener for an address.
func NewHTTPStats(config Config, sysInfo *system.Info) *HTTPStats {
	return &HTTPStats{
		httpd:   newHTTPD(config),
		sysInfo: sysInfo,
	}
}

// Protocol returns the protocol of the listener.
func (l *HTTPStats) Protocol() string {
	return l.scheme("http", "https")
}

// Init registers the counters and prepares the routes.
func (l *HTTPStats) Init(log *slog.Logger) error {
	l.registry = prometheus.NewRegistry()
	if l.sysInfo != nil {
		if err := l.sysInfo.RegisterPrometheusMetrics(l.registry); err != nil {
			return err
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.jsonHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(l.registry, promhttp.HandlerOpts{}))
	l.mount(log, mux, 5*time.Second)
	return nil
}

// Serve serves until the listener is closed.
func (l *HTTPStats) Serve(EstablishFn) {
	l.serve()
}

// Close stops the listener.
func (l *HTTPStats) Close(closeClients CloseFn) {
	l.close(closeClients)
}

func (l *HTTPStats) jsonHandler(w http.ResponseWriter, _ *http.Request) {
	info := new(system.Info)
	if l.sysInfo != nil {
		info = l.sysInfo.Clone()
	}

	out, err := json.MarshalIndent(info, "", "\t")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}
