// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package poller drives one ZBM through its identification and acquisition
// cycle and mirrors the results into the object tree.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ffutop/zbm-bridge/internal/arbiter"
	"github.com/ffutop/zbm-bridge/internal/tree"
	"github.com/ffutop/zbm-bridge/modbus"
	"github.com/ffutop/zbm-bridge/transport"
)

const (
	// MaxTimeoutCount is the consecutive-timeout threshold that escalates
	// to connection-lost.
	MaxTimeoutCount = 5

	// DefaultMinCycle pads the acquisition cycle so a fast bus does not
	// hammer the battery's controller.
	DefaultMinCycle = 250 * time.Millisecond

	// DefaultReconnectDelay is the back-off after connection loss.
	DefaultReconnectDelay = 60 * time.Second

	productName = "Redflow ZBM"
	productID   = 0xB012
)

type state int

const (
	stateDeviceID state = iota
	stateSerial
	stateFirmwareVersion
	stateWaitForStart
	stateAcquisition
	stateWait
	stateConnectionLost
)

// Submitter is the arbiter surface the poller needs.
type Submitter interface {
	Submit(id arbiter.ClientID, req transport.Request) <-chan transport.Response
}

// Config bundles the poller's timing policy.
type Config struct {
	MinCycle        time.Duration
	ReconnectDelay  time.Duration
	MaxTimeoutCount int
}

func (c Config) withDefaults() Config {
	if c.MinCycle == 0 {
		c.MinCycle = DefaultMinCycle
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxTimeoutCount == 0 {
		c.MaxTimeoutCount = MaxTimeoutCount
	}
	return c
}

type writeIntent struct {
	leaf  string
	reg   uint16
	value uint16
}

type outcome int

const (
	outcomeOK outcome = iota
	outcomeRetry
	outcomeLost
	outcomeUnavailable
)

// Poller owns one Device. Run drives the state machine until the context
// ends; external writes arrive through the tree's write handlers and are
// slotted between composite reads.
type Poller struct {
	sub Submitter
	tr  *tree.Tree
	dev *Device
	cfg Config

	// onAddressChanged is invoked after a successful device-address write
	// so the scanner's bookkeeping can follow the move.
	onAddressChanged func(old, new int)

	mu      sync.Mutex
	pending []writeIntent

	state        state
	timeoutCount int
	cmdIndex     int
	cycleStart   time.Time

	mounted     bool
	serviceName string
	leaves      map[string]tree.NodeID
	unavailable map[uint16]bool
}

// New creates a poller for a freshly announced device.
func New(sub Submitter, tr *tree.Tree, dev *Device, cfg Config, onAddressChanged func(old, new int)) *Poller {
	return &Poller{
		sub:              sub,
		tr:               tr,
		dev:              dev,
		cfg:              cfg.withDefaults(),
		onAddressChanged: onAddressChanged,
		leaves:           make(map[string]tree.NodeID),
		unavailable:      make(map[uint16]bool),
	}
}

// Device returns the record this poller owns.
func (p *Poller) Device() *Device { return p.dev }

// ServiceName returns the mounted subtree name, empty before mount.
func (p *Poller) ServiceName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.serviceName
}

func (p *Poller) clientID() arbiter.ClientID {
	return arbiter.ClientID(fmt.Sprintf("poller-%d", p.dev.Address()))
}

// Run executes the state machine. It returns when ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.state = stateDeviceID
	for ctx.Err() == nil {
		switch p.state {
		case stateDeviceID:
			p.dev.setConnection(Searched)
			resp, oc := p.execute(ctx, transport.NewReadRequest(byte(p.dev.Address()), RegDeviceID, 1))
			if oc == outcomeOK {
				p.dev.setDeviceType(int(resp.Registers[0]))
				p.state = stateSerial
			}

		case stateSerial:
			resp, oc := p.execute(ctx, transport.NewReadRequest(byte(p.dev.Address()), RegSerial, 2))
			if oc == outcomeOK {
				serial := uint32(resp.Registers[0])<<16 | uint32(resp.Registers[1])
				p.dev.setSerial(strconv.FormatUint(uint64(serial), 10))
				p.state = stateFirmwareVersion
			}

		case stateFirmwareVersion:
			resp, oc := p.execute(ctx, transport.NewReadRequest(byte(p.dev.Address()), RegFirmware, 2))
			if oc == outcomeOK {
				p.dev.setFirmware(uint32(resp.Registers[0])<<16 | uint32(resp.Registers[1]))
				p.state = stateWaitForStart
			}

		case stateWaitForStart:
			p.mount()
			p.dev.setConnection(Detected)
			slog.Info("device identified",
				"address", p.dev.Address(), "serial", p.dev.Serial(),
				"type", p.dev.DeviceType(), "firmware", p.dev.Firmware())
			p.cmdIndex = 0
			p.cycleStart = time.Now()
			p.state = stateAcquisition

		case stateAcquisition:
			p.acquireNext(ctx)

		case stateWait:
			if sleep := p.cfg.MinCycle - time.Since(p.cycleStart); sleep > 0 {
				sleepCtx(ctx, sleep)
			}
			p.cmdIndex = 0
			p.cycleStart = time.Now()
			p.state = stateAcquisition

		case stateConnectionLost:
			sleepCtx(ctx, p.cfg.ReconnectDelay)
			p.state = stateDeviceID
		}
	}
}

func (p *Poller) acquireNext(ctx context.Context) {
	// Queued writes slot in between composite reads; the composite resumes
	// at the point of interruption afterwards.
	if w, ok := p.popWrite(); ok {
		p.performWrite(ctx, w)
		return
	}

	if p.cmdIndex >= len(zbmCommands) {
		// A full measurement cycle is complete.
		p.dev.setConnection(Connected)
		p.state = stateWait
		return
	}

	cmd := &zbmCommands[p.cmdIndex]
	if p.unavailable[cmd.Reg] {
		p.cmdIndex++
		return
	}

	resp, oc := p.execute(ctx, transport.NewReadRequest(byte(p.dev.Address()), cmd.Reg, cmd.Count))
	switch oc {
	case outcomeOK:
		p.publishCommand(cmd, resp.Registers)
		p.cmdIndex++
	case outcomeUnavailable:
		// The firmware does not know this block. Not an error, and not a
		// timeout: the fields stay invalid and the block is skipped from
		// now on.
		slog.Info("register block unavailable", "address", p.dev.Address(), "register", cmd.Reg)
		p.unavailable[cmd.Reg] = true
		p.cmdIndex++
	case outcomeRetry, outcomeLost:
	}
}

// execute runs one request through the arbiter and folds its result into
// the timeout accounting. outcomeRetry means the state machine should stay
// put and reissue; outcomeLost means it already switched to the
// connection-lost wait.
func (p *Poller) execute(ctx context.Context, req transport.Request) (transport.Response, outcome) {
	select {
	case <-ctx.Done():
		return transport.Response{Err: ctx.Err()}, outcomeRetry
	case resp := <-p.sub.Submit(p.clientID(), req):
		if resp.Err == nil {
			p.timeoutCount = 0
			return resp, outcomeOK
		}
		var exc *modbus.ExceptionError
		if errors.As(resp.Err, &exc) {
			return resp, outcomeUnavailable
		}
		p.timeoutCount++
		if p.timeoutCount >= p.cfg.MaxTimeoutCount {
			p.connectionLost()
			return resp, outcomeLost
		}
		return resp, outcomeRetry
	}
}

func (p *Poller) connectionLost() {
	if p.dev.Serial() != "" {
		slog.Error("lost connection to battery", "address", p.dev.Address(), "serial", p.dev.Serial())
	}
	// One further timeout during rediscovery re-escalates immediately.
	p.timeoutCount = p.cfg.MaxTimeoutCount - 1
	p.dropPending()
	p.invalidateMeasurements()
	p.dev.setConnection(Disconnected)
	p.setLeaf("Connected", tree.Int(0))
	p.state = stateConnectionLost
}

// QueueWrite registers an external write intent. At most one write per
// command leaf is outstanding; a newer value replaces the queued one.
func (p *Poller) QueueWrite(leaf string, reg uint16, value uint16) error {
	if p.dev.Connection() == Disconnected {
		return fmt.Errorf("device %d disconnected", p.dev.Address())
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pending {
		if p.pending[i].leaf == leaf {
			p.pending[i].value = value
			return nil
		}
	}
	p.pending = append(p.pending, writeIntent{leaf: leaf, reg: reg, value: value})
	return nil
}

func (p *Poller) popWrite() (writeIntent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pending) == 0 {
		return writeIntent{}, false
	}
	w := p.pending[0]
	p.pending = p.pending[1:]
	return w, true
}

func (p *Poller) pushFront(w writeIntent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append([]writeIntent{w}, p.pending...)
}

func (p *Poller) dropPending() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
}

func (p *Poller) performWrite(ctx context.Context, w writeIntent) {
	resp, oc := p.execute(ctx, transport.NewWriteRequest(byte(p.dev.Address()), w.reg, w.value))
	switch oc {
	case outcomeOK:
		if resp.Register != w.reg {
			slog.Warn("write echo register mismatch", "want", w.reg, "got", resp.Register)
		}
		if w.reg == RegDeviceAddress {
			old := p.dev.Address()
			p.dev.setAddress(int(w.value))
			p.setLeaf("DeviceAddress", tree.Int(int64(w.value)))
			// The old queue belonged to the old identity.
			p.dropPending()
			slog.Warn("slave address changed", "old", old, "new", w.value)
			if p.onAddressChanged != nil {
				p.onAddressChanged(old, int(w.value))
			}
			// Re-identify under the new address; the arbiter tag follows it.
			p.state = stateDeviceID
			return
		}
		p.setLeaf(w.leaf, tree.Int(int64(w.value)))
	case outcomeRetry:
		p.pushFront(w)
	case outcomeUnavailable:
		slog.Warn("write rejected by device",
			"address", p.dev.Address(), "register", w.reg, "err", resp.Err)
	case outcomeLost:
		// connectionLost already discarded the queue, this intent included.
	}
}

// mount publishes the device subtree. Safe to call repeatedly; after a
// reconnect or address change it refreshes the identification leaves.
func (p *Poller) mount() {
	p.mu.Lock()
	p.serviceName = "zbmnode.modbus" + p.dev.Serial()
	p.mu.Unlock()

	if !p.mounted {
		p.mounted = true

		p.addLeaf("Mgmt/Connection", tree.Meta{Description: "Bus connection"})
		p.addLeaf("ProductName", tree.Meta{Description: "Product name"})
		p.addLeaf("ProductId", tree.Meta{Description: "Product id"})
		p.addLeaf("FirmwareVersion", tree.Meta{Description: "Firmware version"})
		p.addLeaf("Serial", tree.Meta{Description: "Serial number"})
		p.addLeaf("DeviceInstance", tree.Meta{})
		p.addLeaf("DeviceType", tree.Meta{})
		p.addLeaf("Connected", tree.Meta{})

		for _, cmd := range zbmCommands {
			if cmd.Alarms {
				continue
			}
			for _, f := range cmd.Fields {
				p.addLeaf(f.Path, tree.Meta{Unit: f.Unit, Precision: f.Precision})
			}
		}
		p.addLeaf("Dc/0/Power", tree.Meta{Unit: "W", Precision: 1})
		for _, name := range alarmNames {
			p.addLeaf("Alarms/"+name, tree.Meta{})
		}

		p.addWritableLeaf("OperationalMode", RegOperationalMode, tree.Meta{
			Min: f64(0), Max: f64(2), Description: "Operational mode"})
		p.addWritableLeaf("ClearStatusRegisterFlags", RegClearStatus, tree.Meta{
			Description: "Clear status register flags"})
		p.addWritableLeaf("RequestDelayedSelfMaintenance", RegDelayedMaintenance, tree.Meta{
			Description: "Request delayed self maintenance"})
		p.addWritableLeaf("RequestImmediateSelfMaintenance", RegImmediateMaintenance, tree.Meta{
			Description: "Request immediate self maintenance"})

		addrLeaf := p.addLeaf("DeviceAddress", tree.Meta{
			Min: f64(2), Max: f64(254), Description: "Modbus slave address"})
		p.tr.SetWriteHandler(addrLeaf, func(v tree.Value) error {
			a := v.Int()
			if a < 2 || a > 254 || a == 99 {
				return fmt.Errorf("address %d out of assignable range", a)
			}
			return p.QueueWrite("DeviceAddress", RegDeviceAddress, uint16(a))
		})
	}

	p.setLeaf("Mgmt/Connection", tree.Text("Modbus"))
	p.setLeaf("ProductName", tree.Text(productName))
	p.setLeaf("ProductId", tree.Int(productID))
	p.setLeaf("FirmwareVersion", tree.Int(int64(p.dev.Firmware())))
	p.setLeaf("Serial", tree.Text(p.dev.Serial()))
	p.setLeaf("DeviceInstance", tree.Int(int64(p.dev.Address())))
	p.setLeaf("DeviceType", tree.Int(int64(p.dev.DeviceType())))
	p.setLeaf("DeviceAddress", tree.Int(int64(p.dev.Address())))
	p.setLeaf("Connected", tree.Int(1))
}

func (p *Poller) addLeaf(rel string, meta tree.Meta) tree.NodeID {
	id := p.tr.GetOrCreate(p.serviceName + "/" + rel)
	p.tr.SetMeta(id, meta)
	p.leaves[rel] = id
	return id
}

func (p *Poller) addWritableLeaf(rel string, reg uint16, meta tree.Meta) tree.NodeID {
	id := p.addLeaf(rel, meta)
	p.tr.SetWriteHandler(id, func(v tree.Value) error {
		return p.QueueWrite(rel, reg, uint16(v.Int()))
	})
	return id
}

func (p *Poller) setLeaf(rel string, v tree.Value) {
	if id, ok := p.leaves[rel]; ok {
		p.tr.SetValue(id, v)
	}
}

func (p *Poller) publishCommand(cmd *Command, regs []uint16) {
	if cmd.Alarms {
		for name, level := range decodeAlarms(regs) {
			p.setLeaf("Alarms/"+name, tree.Int(int64(level)))
		}
		return
	}

	var voltage, current float64
	var haveV, haveI bool
	for _, fv := range decodeFields(cmd, regs) {
		v := fv.Value
		if fv.Field.Percent {
			v *= 100
		}
		if fv.Field.Integer {
			p.setLeaf(fv.Field.Path, tree.Int(int64(v)))
		} else {
			p.setLeaf(fv.Field.Path, tree.Real(v))
		}
		switch fv.Field.Path {
		case "Dc/0/Voltage":
			voltage, haveV = fv.Value, true
		case "Dc/0/Current":
			current, haveI = fv.Value, true
		}
	}
	if haveV && haveI {
		p.setLeaf("Dc/0/Power", tree.Real(voltage*current))
	}
}

// invalidateMeasurements nulls every measurement and alarm leaf. The
// leaves themselves stay; identification leaves keep their values.
func (p *Poller) invalidateMeasurements() {
	for _, cmd := range zbmCommands {
		for _, f := range cmd.Fields {
			if id, ok := p.leaves[f.Path]; ok {
				p.tr.Invalidate(id)
			}
		}
	}
	for _, rel := range []string{"Dc/0/Power"} {
		if id, ok := p.leaves[rel]; ok {
			p.tr.Invalidate(id)
		}
	}
	for _, name := range alarmNames {
		if id, ok := p.leaves["Alarms/"+name]; ok {
			p.tr.Invalidate(id)
		}
	}
}

func f64(v float64) *float64 { return &v }

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
