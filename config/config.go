// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package config loads engine options, listeners and hooks from a YAML or JSON document.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/auth"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/debug"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/influx"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage/badger"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage/bolt"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage/pebble"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage/redis"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/storage/sqlite"
	"github.com/signature-opensource/CK-MQTT-sub002/listeners"
)

// document is the layout of a configuration file.
type document struct {
	Options   mqtt.Options       `yaml:"options" json:"options"`
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`
	Hooks     HookConfigs        `yaml:"hooks" json:"hooks"`
}

// HookConfigs selects the hooks to load. A nil section leaves its hook out.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
	Influx  *influx.Options    `yaml:"influx" json:"influx"`
}

// HookAuthConfig configures authentication. AllowAll takes precedence over the ledger.
type HookAuthConfig struct {
	Ledger   auth.Ledger `yaml:"ledger" json:"ledger"`
	AllowAll bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig configures the persistence backends. More than one may be enabled.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
	Sqlite *sqlite.Options `yaml:"sqlite" json:"sqlite"`
}

// hookEntry is one candidate hook. Only enabled entries are loaded.
type hookEntry struct {
	enabled bool
	hook    func() mqtt.Hook
	config  any
}

func collect(entries ...hookEntry) []mqtt.HookLoadConfig {
	var out []mqtt.HookLoadConfig
	for _, e := range entries {
		if e.enabled {
			out = append(out, mqtt.HookLoadConfig{Hook: e.hook(), Config: e.config})
		}
	}
	return out
}

// ToHooks returns the hooks to load, in the order they should be added to the engine:
// auth first, then storage, then the observers.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	out := hc.toHooksAuth()
	out = append(out, hc.toHooksStorage()...)
	return append(out, collect(
		hookEntry{hc.Debug != nil, func() mqtt.Hook { return new(debug.Hook) }, hc.Debug},
		hookEntry{hc.Influx != nil, func() mqtt.Hook { return new(influx.Hook) }, hc.Influx},
	)...)
}

func (hc HookConfigs) toHooksAuth() []mqtt.HookLoadConfig {
	if hc.Auth == nil {
		return nil
	}

	if hc.Auth.AllowAll {
		return collect(hookEntry{true, func() mqtt.Hook { return new(auth.AllowHook) }, nil})
	}

	// the ledger carries a lock, so hand over a fresh one holding the parsed rules
	ledger := &auth.Ledger{
		Users: hc.Auth.Ledger.Users,
		Auth:  hc.Auth.Ledger.Auth,
		ACL:   hc.Auth.Ledger.ACL,
	}
	return collect(hookEntry{true, func() mqtt.Hook { return new(auth.Hook) }, &auth.Options{Ledger: ledger}})
}

func (hc HookConfigs) toHooksStorage() []mqtt.HookLoadConfig {
	s := hc.Storage
	if s == nil {
		return nil
	}

	return collect(
		hookEntry{s.Badger != nil, func() mqtt.Hook { return new(badger.Hook) }, s.Badger},
		hookEntry{s.Bolt != nil, func() mqtt.Hook { return new(bolt.Hook) }, s.Bolt},
		hookEntry{s.Redis != nil, func() mqtt.Hook { return new(redis.Hook) }, s.Redis},
		hookEntry{s.Pebble != nil, func() mqtt.Hook { return new(pebble.Hook) }, s.Pebble},
		hookEntry{s.Sqlite != nil, func() mqtt.Hook { return new(sqlite.Hook) }, s.Sqlite},
	)
}

// FromBytes parses a YAML or JSON document into engine options. A document whose first
// non-space byte is '{' is read as JSON. An empty document yields nil options.
func FromBytes(b []byte) (*mqtt.Options, error) {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var doc document
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	} else if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml config: %w", err)
	}

	o := doc.Options
	o.Listeners = doc.Listeners
	o.Hooks = doc.Hooks.ToHooks()
	return &o, nil
}

// FromFile reads a YAML or JSON config file into engine options.
func FromFile(path string) (*mqtt.Options, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return FromBytes(b)
}
