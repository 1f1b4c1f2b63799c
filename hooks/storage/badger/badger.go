// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger persists stored messages in a BadgerDB database.
package badger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage"
)

const (
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`

	// GcDiscardRatio is the value log discard ratio passed to RunValueLogGC, in (0, 1).
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"` // seconds
}

// Hook is a persistent storage hook using a BadgerDB file store as a backend.
type Hook struct {
	storage.Inflight
	config *Options
	db     *badgerdb.DB
	stopGc chan struct{}
	gcDone sync.WaitGroup
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
}

// Init opens the database and starts value log garbage collection.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}

	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.GcInterval == 0 {
		h.config.GcInterval = defaultGcInterval
	}

	if h.config.GcDiscardRatio <= 0 || h.config.GcDiscardRatio >= 1 {
		h.config.GcDiscardRatio = defaultGcDiscardRatio
	}

	if h.config.Options == nil {
		o := badgerdb.DefaultOptions(h.config.Path)
		h.config.Options = &o
	}
	h.config.Options.Logger = h

	db, err := badgerdb.Open(*h.config.Options)
	if err != nil {
		return err
	}

	h.db = db
	h.Attach(kv{db})
	h.stopGc = make(chan struct{})
	h.gcDone.Add(1)
	go h.gc(time.Duration(h.config.GcInterval)*time.Second, h.stopGc)

	return nil
}

// gc reclaims value log space until stopped.
// See https://dgraph.io/docs/badger/get-started/#garbage-collection
func (h *Hook) gc(every time.Duration, stop <-chan struct{}) {
	defer h.gcDone.Done()
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-t.C:
			for h.db.RunValueLogGC(h.config.GcDiscardRatio) == nil {
			}
		}
	}
}

// Stop closes the database.
func (h *Hook) Stop() error {
	if h.stopGc != nil {
		close(h.stopGc)
		h.gcDone.Wait()
		h.stopGc = nil
	}

	if h.db == nil {
		return nil
	}

	h.Attach(nil)
	err := h.db.Close()
	h.db = nil
	return err
}

func badgerLine(m string, v ...any) string {
	return fmt.Sprintf(strings.ToLower(strings.TrimSpace(m)), v...)
}

// Errorf satisfies the badger logger interface.
func (h *Hook) Errorf(m string, v ...any) { h.Log.Error(badgerLine(m, v...)) }

// Warningf satisfies the badger logger interface.
func (h *Hook) Warningf(m string, v ...any) { h.Log.Warn(badgerLine(m, v...)) }

// Infof satisfies the badger logger interface.
func (h *Hook) Infof(m string, v ...any) { h.Log.Info(badgerLine(m, v...)) }

// Debugf satisfies the badger logger interface.
func (h *Hook) Debugf(m string, v ...any) { h.Log.Debug(badgerLine(m, v...)) }

// kv adapts a badger database to storage.KV.
type kv struct {
	db *badgerdb.DB
}

func (s kv) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s kv) Delete(key string) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s kv) DeletePrefix(prefix string) error {
	return s.db.DropPrefix([]byte(prefix))
}

func (s kv) Scan(prefix string, visit func([]byte) error) error {
	return s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := it.Item().Value(visit); err != nil {
				return err
			}
		}
		return nil
	})
}
