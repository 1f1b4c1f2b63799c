// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

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

var (
	yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "file-tcp1"
    address: ":1883"
hooks:
  auth:
    allow_all: true
options:
  sys_info_interval: 5
  session:
    max_retries: 3
    writes_pending: 64
  capabilities:
    minimum_protocol_version: 4
    maximum_qos: 1
`)

	jsonBytes = []byte(`{
   "listeners": [
      {
         "type": "tcp",
         "id": "file-tcp1",
         "address": ":1883"
      }
   ],
   "hooks": {
      "auth": {
         "allow_all": true
      }
   },
   "options": {
      "sys_info_interval": 5,
      "session": {
         "max_retries": 3,
         "writes_pending": 64
      },
      "capabilities": {
         "minimum_protocol_version": 4,
         "maximum_qos": 1
      }
   }
}
`)

	parsedOptions = mqtt.Options{
		Listeners: []listeners.Config{
			{
				Type:    listeners.TypeTCP,
				ID:      "file-tcp1",
				Address: ":1883",
			},
		},
		Hooks: []mqtt.HookLoadConfig{
			{
				Hook: new(auth.AllowHook),
			},
		},
		SysInfoInterval: 5,
		Session: mqtt.SessionOptions{
			MaxRetries:    3,
			WritesPending: 64,
		},
		Capabilities: &mqtt.Capabilities{
			MinimumProtocolVersion: 4,
			MaximumQos:             1,
		},
	}

	storageBytes = []byte(`
hooks:
  storage:
    sqlite:
      path: "mqtt.db"
      wal: true
    redis:
      address: "localhost:6380"
      h_prefix: "test-"
    pebble:
      path: ".pebble"
      mode: "Sync"
  debug:
    show_pings: true
  influx:
    url: "http://localhost:8086"
    bucket: "mqtt"
    batch_size: 10
`)
)

func TestFromBytesEmptyL(t *testing.T) {
	_, err := FromBytes([]byte{})
	require.NoError(t, err)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesHooks(t *testing.T) {
	o, err := FromBytes(storageBytes)
	require.NoError(t, err)
	require.Len(t, o.Hooks, 5)

	require.IsType(t, new(redis.Hook), o.Hooks[0].Hook)
	require.Equal(t, &redis.Options{Address: "localhost:6380", HPrefix: "test-"}, o.Hooks[0].Config)

	require.IsType(t, new(pebble.Hook), o.Hooks[1].Hook)
	require.Equal(t, &pebble.Options{Path: ".pebble", Mode: pebble.Sync}, o.Hooks[1].Config)

	require.IsType(t, new(sqlite.Hook), o.Hooks[2].Hook)
	require.Equal(t, &sqlite.Options{Path: "mqtt.db", WAL: true}, o.Hooks[2].Config)

	require.IsType(t, new(debug.Hook), o.Hooks[3].Hook)
	require.Equal(t, &debug.Options{ShowPings: true}, o.Hooks[3].Config)

	require.IsType(t, new(influx.Hook), o.Hooks[4].Hook)
	require.Equal(t, &influx.Options{URL: "http://localhost:8086", Bucket: "mqtt", BatchSize: 10}, o.Hooks[4].Config)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, yamlBytes, 0600))

	o, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestToHooksAuthAllowAll(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			AllowAll: true,
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(auth.AllowHook)},
	}
	require.Equal(t, expect, th)
}

func TestToHooksAuthAllowLedger(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "peach", Password: "password1", Allow: true},
				},
			},
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Auth: auth.AuthRules{
						{Username: "peach", Password: "password1", Allow: true},
					},
				},
			},
		},
	}
	require.Equal(t, expect, th)
}

func TestToHooksStorageBadger(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Badger: &badger.Options{
				Path: "badger",
			},
		},
	}

	th := hc.toHooksStorage()
	expect := []mqtt.HookLoadConfig{
		{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		},
	}

	require.Equal(t, expect, th)
}

func TestToHooksStorageBolt(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Bolt: &bolt.Options{
				Path: "bolt",
			},
		},
	}

	th := hc.toHooksStorage()
	expect := []mqtt.HookLoadConfig{
		{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		},
	}

	require.Equal(t, expect, th)
}

func TestToHooksInflux(t *testing.T) {
	hc := HookConfigs{
		Influx: &influx.Options{Bucket: "mqtt"},
	}

	th := hc.ToHooks()
	require.Equal(t, []mqtt.HookLoadConfig{
		{
			Hook:   new(influx.Hook),
			Config: hc.Influx,
		},
	}, th)
}

func TestFromBytesJSONLeadingSpace(t *testing.T) {
	o, err := FromBytes(append([]byte("\n  "), jsonBytes...))
	require.NoError(t, err)
	require.Equal(t, parsedOptions, *o)
}

func TestFromBytesLedger(t *testing.T) {
	o, err := FromBytes([]byte(`
hooks:
  auth:
    ledger:
      auth:
        - username: peach
          password: password1
          allow: true
      acl:
        - remote: 127.0.0.1:*
        - filters:
            melon/#: 3
`))
	require.NoError(t, err)
	require.Len(t, o.Hooks, 1)
	require.IsType(t, new(auth.Hook), o.Hooks[0].Hook)

	opts, ok := o.Hooks[0].Config.(*auth.Options)
	require.True(t, ok)
	require.Equal(t, auth.AuthRules{{Username: "peach", Password: "password1", Allow: true}}, opts.Ledger.Auth)
	require.Len(t, opts.Ledger.ACL, 2)
	require.Equal(t, auth.Access(3), opts.Ledger.ACL[1].Filters["melon/#"])
}

func TestToHooksNone(t *testing.T) {
	require.Empty(t, HookConfigs{}.ToHooks())
}
