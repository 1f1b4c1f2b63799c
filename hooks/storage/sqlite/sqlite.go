// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package sqlite persists stored messages to a sqlite database, one row per message.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

const (
	// defaultDbFile is the default file path for the sqlite db file.
	defaultDbFile = ".sqlite"

	// defaultBusyTimeout is the default time in milliseconds to wait for a database lock.
	defaultBusyTimeout = 5000

	// defaultTimeout bounds every statement.
	defaultTimeout = 5 * time.Second
)

const schema = `CREATE TABLE IF NOT EXISTS stored_messages (
	session   TEXT    NOT NULL,
	packet_id INTEGER NOT NULL,
	seq       INTEGER NOT NULL,
	data      BLOB    NOT NULL,
	PRIMARY KEY (session, packet_id)
)`

// Options contains configuration settings for the sqlite database.
type Options struct {
	Path        string `yaml:"path" json:"path"`
	BusyTimeout int    `yaml:"busy_timeout" json:"busy_timeout"` // milliseconds
	WAL         bool   `yaml:"wal" json:"wal"`
}

// Hook is a persistent storage hook using a sqlite database as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options // options for configuring the database.
	db     *sql.DB  // the sqlite connection pool.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "sqlite-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	switch b {
	case mqtt.OnQosPublish, mqtt.OnQosComplete, mqtt.OnQosDropped, mqtt.OnSessionReset, mqtt.StoredInflightMessages:
		return true
	}
	return false
}

func (h *Hook) ready() bool {
	if h.db == nil {
		h.Log.Error("stored message hook called without a sqlite connection", "error", storage.ErrDBFileNotOpen)
		return false
	}
	return true
}

// Init opens the database and creates the message table.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Path == "" {
		h.config.Path = defaultDbFile
	}

	if h.config.BusyTimeout <= 0 {
		h.config.BusyTimeout = defaultBusyTimeout
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d", h.config.Path, h.config.BusyTimeout)
	if h.config.WAL {
		dsn += "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // one writer

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	h.db = db
	return nil
}

// Stop closes the database.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	err := h.db.Close()
	h.db = nil
	return err
}

// OnQosPublish adds or updates a stored message in the store.
func (h *Hook) OnQosPublish(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	in := storage.NewMessage(cl.Session(), m)
	data, _ := in.MarshalBinary()
	err := h.exec(`INSERT INTO stored_messages (session, packet_id, seq, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (session, packet_id) DO UPDATE SET seq = excluded.seq, data = excluded.data`,
		in.Session, int64(in.PacketID), int64(in.Seq), data)
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", in.ID)
	}
}

// OnQosComplete removes a resolved message from the store.
func (h *Hook) OnQosComplete(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	err := h.exec(`DELETE FROM stored_messages WHERE session = ? AND packet_id = ?`, cl.Session(), int64(m.PacketID))
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", storage.InflightID(cl.Session(), m.PacketID))
	}
}

// OnQosDropped removes a dropped message from the store.
func (h *Hook) OnQosDropped(cl *mqtt.Conn, m store.Message) {
	h.OnQosComplete(cl, m)
}

// OnSessionReset removes every stored message of a session.
func (h *Hook) OnSessionReset(session string, _ []store.Message) {
	if !h.ready() {
		return
	}

	if err := h.exec(`DELETE FROM stored_messages WHERE session = ?`, session); err != nil {
		h.Log.Error("failed to delete session data", "error", err, "session", session)
	}
}

// StoredInflightMessages returns the stored messages of a session in send order.
func (h *Hook) StoredInflightMessages(session string) (v []store.Message, err error) {
	if !h.ready() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	rows, err := h.db.QueryContext(ctx, `SELECT data FROM stored_messages WHERE session = ? ORDER BY seq`, session)
	if err != nil {
		h.Log.Error("failed to find data", "error", err, "session", session)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		obj := storage.Message{}
		if err := obj.UnmarshalBinary(data); err != nil {
			return nil, err
		}
		v = append(v, obj.ToStore())
	}

	return v, rows.Err()
}

// exec runs a statement bounded by the default timeout.
func (h *Hook) exec(query string, args ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	_, err := h.db.ExecContext(ctx, query, args...)
	return err
}
