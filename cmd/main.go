// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mqtt "github.com/signature-opensource/CK-MQTT-sub002"
	"github.com/signature-opensource/CK-MQTT-sub002/config"
	"github.com/signature-opensource/CK-MQTT-sub002/hooks/auth"
	"github.com/signature-opensource/CK-MQTT-sub002/listeners"
)

func main() {
	tcpAddr := flag.String("tcp", ":1883", "network address for TCP listener")
	wsAddr := flag.String("ws", ":1882", "network address for Websocket listener")
	infoAddr := flag.String("info", ":8080", "network address for web info dashboard listener")
	configFile := flag.String("config", "", "path to a yaml or json config file, replacing the other flags")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := new(mqtt.Options)
	if *configFile != "" {
		o, err := config.FromFile(*configFile)
		if err != nil {
			log.Fatal(err)
		}
		if o != nil {
			opts = o
		}
	} else {
		opts.Listeners = []listeners.Config{
			{Type: listeners.TypeTCP, ID: "t1", Address: *tcpAddr},
			{Type: listeners.TypeWS, ID: "ws1", Address: *wsAddr},
			{Type: listeners.TypeSysInfo, ID: "stats", Address: *infoAddr},
		}
		opts.Hooks = []mqtt.HookLoadConfig{
			{Hook: new(auth.AllowHook)},
		}
	}
	opts.Logger = logger

	server := mqtt.New(opts)
	server.Handler = func(ctx context.Context, cl *mqtt.Conn, msg *mqtt.Message) error {
		n, err := io.Copy(io.Discard, msg.Payload)
		server.Log.Info("received", "client", cl.ID, "topic", msg.Topic, "qos", msg.Qos, "bytes", n)
		return err
	}

	if err := server.Serve(); err != nil {
		log.Fatal(err)
	}

	<-ctx.Done()
	server.Log.Warn("caught signal, stopping...")
	_ = server.Close()
}
