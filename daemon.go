// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/zbm-bridge/internal/arbiter"
	"github.com/ffutop/zbm-bridge/internal/config"
	"github.com/ffutop/zbm-bridge/internal/poller"
	"github.com/ffutop/zbm-bridge/internal/registry"
	"github.com/ffutop/zbm-bridge/internal/scanner"
	"github.com/ffutop/zbm-bridge/internal/summary"
	"github.com/ffutop/zbm-bridge/internal/tree"
	"github.com/ffutop/zbm-bridge/internal/vebus"
	"github.com/ffutop/zbm-bridge/transport"
)

const settingsService = "settings"

// BusClient is the transport surface the daemon owns: request execution
// plus the fatal channel for unrecoverable port errors.
type BusClient interface {
	transport.Requester
	Fatal() <-chan error
}

// Daemon wires scanner, pollers, aggregate and bridge together around the
// one serial transport.
type Daemon struct {
	cfg    *config.Config
	client BusClient
	store  registry.Storage

	tr     *tree.Tree
	arb    *arbiter.Arbiter
	scan   *scanner.Scanner
	sum    *summary.Summary
	bridge *vebus.Bridge

	ctx context.Context

	mu        sync.Mutex
	pollers   map[int]*poller.Poller
	published map[string]bool
}

// NewDaemon assembles the component graph. busConn may be nil when the
// external bus is disabled (useful on the bench).
func NewDaemon(cfg *config.Config, client BusClient, store registry.Storage, busConn vebus.Conn) *Daemon {
	d := &Daemon{
		cfg:       cfg,
		client:    client,
		store:     store,
		tr:        tree.New(),
		pollers:   make(map[int]*poller.Poller),
		published: make(map[string]bool),
	}
	d.arb = arbiter.New(client)
	d.sum = summary.New(d.tr)
	if busConn != nil {
		d.bridge = vebus.New(busConn, d.tr, cfg.Bus.Prefix)
	}
	return d
}

// Run blocks until the context ends or the serial line fails fatally.
func (d *Daemon) Run(ctx context.Context) error {
	d.ctx = ctx

	seed := d.loadSeed()
	d.scan = scanner.New(d.arb, seed, d.onDeviceFound)
	d.scan.SetScanInterval(d.cfg.Scan.Interval)
	d.scan.SetAutoScan(d.cfg.Scan.Auto)

	d.setupSettings()
	d.publishService(summary.ServiceName)
	d.publishService(settingsService)

	go d.arb.Run(ctx)
	go d.scan.Run(ctx)

	refresh := time.NewTicker(time.Second)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-refresh.C:
			d.sum.UpdateValues()
		case err := <-d.client.Fatal():
			// The only link is gone; nothing left to bridge.
			return fmt.Errorf("serial line failed: %w", err)
		}
	}
}

// loadSeed pulls the remembered addresses so known devices are probed
// before the random scan starts.
func (d *Daemon) loadSeed() []int {
	records, err := d.store.Load()
	if err != nil {
		slog.Warn("could not load device registry", "err", err)
		return nil
	}
	var seed []int
	for _, r := range records {
		seed = append(seed, r.Address)
	}
	if len(seed) > 0 {
		slog.Info("probing remembered devices first", "addresses", seed)
	}
	return seed
}

// setupSettings mounts /Settings/Redflow/AutoScan and couples it to the
// scanner.
func (d *Daemon) setupSettings() {
	id := d.tr.GetOrCreate(settingsService + "/Settings/Redflow/AutoScan")
	d.tr.SetMeta(id, tree.Meta{
		Min: floatPtr(0), Max: floatPtr(1),
		Description: "Enable background device scan",
	})
	d.tr.SetDefault(id, tree.Int(1))
	d.tr.Subscribe(id, func(_ tree.NodeID, v tree.Value) {
		enabled := v.IsValid() && v.Int() != 0
		slog.Info("auto scan setting changed", "enabled", enabled)
		d.scan.SetAutoScan(enabled)
	})
	d.tr.SetValue(id, boolValue(d.cfg.Scan.Auto))
}

// onDeviceFound builds a poller for a confirmed address.
func (d *Daemon) onDeviceFound(address int) {
	d.mu.Lock()
	if _, ok := d.pollers[address]; ok {
		d.mu.Unlock()
		return
	}
	dev := poller.NewDevice(address)
	p := poller.New(d.arb, d.tr, dev, poller.Config{
		MinCycle:        d.cfg.Poll.MinCycle,
		ReconnectDelay:  d.cfg.Poll.ReconnectDelay,
		MaxTimeoutCount: d.cfg.Poll.MaxTimeouts,
	}, d.onAddressChanged)
	d.pollers[address] = p
	d.mu.Unlock()

	dev.OnConnectionChanged(func(_ *poller.Device, s poller.ConnectionState) {
		d.onConnectionChanged(p, s)
	})

	// With a device confirmed, back the scanner off the bus.
	d.scan.SetScanInterval(d.cfg.Scan.RelaxedInterval)

	slog.Info("device found", "address", address)
	go p.Run(d.ctx)
}

func (d *Daemon) onConnectionChanged(p *poller.Poller, s poller.ConnectionState) {
	switch s {
	case poller.Detected:
		slog.Info("device initialized",
			"address", p.Device().Address(), "serial", p.Device().Serial())
		d.publishService(p.ServiceName())
		d.saveRegistry()
	case poller.Connected:
		d.sum.AddBattery(p.Device(), p.ServiceName())
	case poller.Disconnected:
		d.sum.UpdateValues()
	}
}

// onAddressChanged follows a device that was moved by a write to its
// address register.
func (d *Daemon) onAddressChanged(old, new int) {
	d.mu.Lock()
	if p, ok := d.pollers[old]; ok {
		delete(d.pollers, old)
		d.pollers[new] = p
	}
	d.mu.Unlock()
	d.scan.OnAddressChanged(old, new)
	d.saveRegistry()
}

func (d *Daemon) publishService(service string) {
	if d.bridge == nil {
		return
	}
	d.mu.Lock()
	done := d.published[service]
	d.published[service] = true
	d.mu.Unlock()
	if done {
		return
	}
	if err := d.bridge.PublishService(service); err != nil {
		slog.Error("failed to publish service", "service", service, "err", err)
	}
}

// saveRegistry snapshots the identified devices.
func (d *Daemon) saveRegistry() {
	d.mu.Lock()
	var records []registry.Record
	for address, p := range d.pollers {
		if serial := p.Device().Serial(); serial != "" {
			records = append(records, registry.Record{Address: address, Serial: serial})
		}
	}
	d.mu.Unlock()

	if err := d.store.Save(records); err != nil {
		slog.Warn("could not save device registry", "err", err)
	}
}

func floatPtr(v float64) *float64 { return &v }

func boolValue(b bool) tree.Value {
	if b {
		return tree.Int(1)
	}
	return tree.Int(0)
}
