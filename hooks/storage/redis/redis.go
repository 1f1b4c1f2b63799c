// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage"
	"github.com/signature-opensource/CK-MQTT-sub002/store"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the engine.
const defaultHPrefix = "mqtt-"

// Options contains configuration settings for the redis instance.
type Options struct {
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Options  *redis.Options `yaml:"-" json:"-"` // overrides the connection fields when set
}

// Hook is a persistent storage hook using Redis as a backend. The stored messages of
// each session are kept in one hash set, keyed by packet identifier.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to the Redis instance.
	db     *redis.Client   // the Redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
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
		h.Log.Error("stored message hook called without a redis connection", "error", storage.ErrDBFileNotOpen)
		return false
	}
	return true
}

// hKey returns the hash set key holding the stored messages of a session.
func (h *Hook) hKey(session string) string {
	return h.config.HPrefix + storage.InflightKey + ":" + session
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	h.ctx = context.Background()

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		if h.config.Address == "" {
			h.config.Address = defaultAddr
		}

		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	h.db = redis.NewClient(h.config.Options)
	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service")

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	if h.db == nil {
		return nil
	}

	h.Log.Info("disconnecting from redis service")
	return h.db.Close()
}

// OnQosPublish adds or updates a stored message in the store.
func (h *Hook) OnQosPublish(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	in := storage.NewMessage(cl.Session(), m)
	err := h.db.HSet(h.ctx, h.hKey(in.Session), strconv.Itoa(int(m.PacketID)), in).Err()
	if err != nil {
		h.Log.Error("failed to hset stored message data", "error", err, "data", in.ID)
	}
}

// OnQosComplete removes a resolved message from the store.
func (h *Hook) OnQosComplete(cl *mqtt.Conn, m store.Message) {
	if !h.ready() {
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(cl.Session()), strconv.Itoa(int(m.PacketID))).Err()
	if err != nil {
		h.Log.Error("failed to delete stored message data", "error", err, "id", cl.Session())
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

	err := h.db.Del(h.ctx, h.hKey(session)).Err()
	if err != nil {
		h.Log.Error("failed to delete session data", "error", err, "session", session)
	}
}

// StoredInflightMessages returns the stored messages of a session.
func (h *Hook) StoredInflightMessages(session string) (v []store.Message, err error) {
	if !h.ready() {
		return
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(session)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		h.Log.Error("failed to HGetAll stored message data", "error", err)
		return
	}

	for _, row := range rows {
		var d storage.Message
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal stored message data", "error", err, "data", row)
			return nil, err
		}

		v = append(v, d.ToStore())
	}

	return v, nil
}
