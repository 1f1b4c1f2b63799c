// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, werbenhu

// Package bolt persists stored messages to a boltdb file.
package bolt

import (
	"bytes"
	"time"

	"go.etcd.io/bbolt"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage"
)

const (
	defaultDbFile  = ".bolt"
	defaultTimeout = 250 * time.Millisecond // wait for the file lock
	defaultBucket  = "mqtt"
)

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options `yaml:"-" json:"-"`
	Bucket  string         `yaml:"bucket" json:"bucket"`
	Path    string         `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a boltdb file store as a backend.
type Hook struct {
	storage.Inflight
	config *Options
	db     *bbolt.DB
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
}

// Init opens the bolt file and creates the bucket.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.config, _ = config.(*Options)
	if h.config == nil {
		h.config = new(Options)
	}

	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{Timeout: defaultTimeout}
	}

	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.Bucket == "" {
		h.config.Bucket = defaultBucket
	}

	db, err := bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	bucket := []byte(h.config.Bucket)
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return err
	}

	h.db = db
	h.Attach(kv{db: db, bucket: bucket})
	return nil
}

// Stop closes the bolt file.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Attach(nil)
	err := h.db.Close()
	h.db = nil
	return err
}

// kv adapts one bolt bucket to storage.KV.
type kv struct {
	db     *bbolt.DB
	bucket []byte
}

func (s kv) Put(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
}

func (s kv) Delete(key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// DeletePrefix collects the matching keys first, since deleting under a live cursor
// skips entries.
func (s kv) DeletePrefix(prefix string) error {
	p := []byte(prefix)
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)

		var keys [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, bytes.Clone(k))
		}

		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s kv) Scan(prefix string, visit func([]byte) error) error {
	p := []byte(prefix)
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
}
