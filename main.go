// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	_ "github.com/mattn/go-sqlite3" // driver for registry type "sql"
	"github.com/spf13/pflag"

	"github.com/ffutop/zbm-bridge/internal/config"
	"github.com/ffutop/zbm-bridge/internal/registry"
	"github.com/ffutop/zbm-bridge/internal/vebus"
	"github.com/ffutop/zbm-bridge/transport/rtu"
)

func main() {
	configFile := pflag.StringP("config", "c", "", "Path to config file")
	device := pflag.StringP("device", "p", "", "Serial port device name (overrides config)")
	pflag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *device != "" {
		cfg.Serial.Device = *device
	}

	setupLogger(cfg.Log)

	slog.Info("Starting ZBM bridge...",
		"device", cfg.Serial.Device, "baudRate", cfg.Serial.BaudRate)

	client := rtu.NewClient(cfg.Serial.Device, cfg.Serial.BaudRate)
	if cfg.Serial.Timeout > 0 {
		client.Timeout = cfg.Serial.Timeout
	}

	store, err := registry.Open(cfg.Registry.Type, cfg.Registry.Path, cfg.Registry.Driver, cfg.Registry.DSN)
	if err != nil {
		slog.Error("Failed to open device registry", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	var busConn vebus.Conn
	if !cfg.Bus.Disabled {
		conn, err := connectBus(cfg.Bus)
		if err != nil {
			slog.Error("Failed to connect to bus", "err", err)
			os.Exit(1)
		}
		defer conn.Close()
		busConn = conn
	}

	daemon := NewDaemon(cfg, client, store, busConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- daemon.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigChan:
		slog.Info("Shutting down...")
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			slog.Error("Daemon stopped with error", "err", err)
			os.Exit(1)
		}
	}
	slog.Info("Goodbye.")
}

func connectBus(cfg config.BusConfig) (*dbus.Conn, error) {
	if cfg.System {
		return dbus.ConnectSystemBus()
	}
	return dbus.ConnectSessionBus()
}

func setupLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
