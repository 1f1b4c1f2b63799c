// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package listeners

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"
)

const shutdownTimeout = 5 * time.Second

// httpd runs an http.Server for the listeners which speak HTTP. It mirrors stream for
// the byte stream listeners.
type httpd struct {
	mu      sync.Mutex
	id      string       // the internal id of the listener
	address string       // the network address to bind to
	config  Config       // configuration values for the listener
	listen  *http.Server // nil until Init
	log     *slog.Logger // server logger
	end     atomic.Bool  // set once the listener is closing
}

func newHTTPD(config Config) httpd {
	return httpd{
		id:      config.ID,
		address: config.Address,
		config:  config,
	}
}

// ID returns the id of the listener.
func (l *httpd) ID() string {
	return l.id
}

// Address returns the address of the listener.
func (l *httpd) Address() string {
	return l.address
}

func (l *httpd) scheme(plain, secure string) string {
	if l.config.TLSConfig != nil {
		return secure
	}
	return plain
}

// mount prepares the server for h. A zero timeout leaves reads and writes unbounded.
func (l *httpd) mount(log *slog.Logger, h http.Handler, timeout time.Duration) {
	l.log = log
	l.listen = &http.Server{
		Addr:         l.address,
		Handler:      h,
		TLSConfig:    l.config.TLSConfig,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
}

// closing returns true once Close has been called.
func (l *httpd) closing() bool {
	return l.end.Load()
}

// serve blocks until the server is shut down.
func (l *httpd) serve() {
	var err error
	if l.listen.TLSConfig != nil {
		err = l.listen.ListenAndServeTLS("", "")
	} else {
		err = l.listen.ListenAndServe()
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.log.Error("http listener stopped", "error", err, "listener", l.id)
	}
}

// close shuts the server down, then closes the connections of the listener.
func (l *httpd) close(closeClients CloseFn) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.end.CompareAndSwap(false, true) && l.listen != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = l.listen.Shutdown(ctx)
	}

	closeClients(l.id)
}
