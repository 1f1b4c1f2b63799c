// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble persists stored messages in a pebble database.
package pebble

import (
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage"
)

const defaultDbFile = ".pebble"

// Write modes.
const (
	NoSync = "NoSync" // writes are not synced to disk
	Sync   = "Sync"   // every write is synced to disk
)

// keyUpperBound returns the smallest key greater than every key with prefix b, or nil
// if there is none.
func keyUpperBound(b []byte) []byte {
	end := append([]byte(nil), b...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a pebble DB file store as a backend.
type Hook struct {
	storage.Inflight
	config *Options
	db     *pebbledb.DB
	mode   *pebbledb.WriteOptions
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init opens the pebble database.
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

	if h.config.Options == nil {
		h.config.Options = new(pebbledb.Options)
	}

	h.mode = pebbledb.NoSync
	if strings.EqualFold(h.config.Mode, Sync) {
		h.mode = pebbledb.Sync
	}

	db, err := pebbledb.Open(h.config.Path, h.config.Options)
	if err != nil {
		return err
	}

	h.db = db
	h.Attach(kv{db: db, mode: h.mode})
	return nil
}

// Stop closes the pebble database.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Attach(nil)
	err := h.db.Close()
	h.db = nil
	return err
}

// kv adapts a pebble database to storage.KV.
type kv struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions
}

func (s kv) Put(key string, value []byte) error {
	return s.db.Set([]byte(key), value, s.mode)
}

func (s kv) Delete(key string) error {
	return s.db.Delete([]byte(key), s.mode)
}

func (s kv) DeletePrefix(prefix string) error {
	p := []byte(prefix)
	return s.db.DeleteRange(p, keyUpperBound(p), s.mode)
}

func (s kv) Scan(prefix string, visit func([]byte) error) error {
	p := []byte(prefix)
	it, err := s.db.NewIter(&pebbledb.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}

	for it.First(); it.Valid(); it.Next() {
		if err := visit(it.Value()); err != nil {
			_ = it.Close()
			return err
		}
	}

	return it.Close()
}
