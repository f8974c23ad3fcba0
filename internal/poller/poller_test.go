// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/zbm-bridge/internal/arbiter"
	"github.com/ffutop/zbm-bridge/internal/tree"
	"github.com/ffutop/zbm-bridge/modbus"
	"github.com/ffutop/zbm-bridge/transport"
)

// simBus simulates one ZBM reachable through the arbiter. Registers not in
// the map, or requests for another slave address, time out.
type simBus struct {
	mu      sync.Mutex
	address byte
	regs    map[uint16][]uint16
	silent  bool
	log     []transport.Request
}

func newSimBus(address byte) *simBus {
	return &simBus{
		address: address,
		regs: map[uint16][]uint16{
			RegDeviceID:        {0x2001},
			RegSerial:          {0x0001, 0x86A0}, // 100000
			RegFirmware:        {0x0001, 0x0002},
			RegMeasurements:    {0x0050, 0x0258, 0x00C8, 0xFF9C, 0x00F5, 0x00E1},
			RegState:           {2},
			RegOperationalMode: {1, 0x0060},
			RegAlarms:          {0x0009, 0x0000},
		},
	}
}

func (b *simBus) Submit(id arbiter.ClientID, req transport.Request) <-chan transport.Response {
	ch := make(chan transport.Response, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.log = append(b.log, req)

	resp := transport.Response{Function: req.Function, Slave: req.Slave}
	switch {
	case b.silent || req.Slave != b.address:
		resp.Err = transport.ErrTimeout
	case req.Function == modbus.FuncCodeReadHoldingRegisters:
		regs, ok := b.regs[req.Start]
		if !ok || int(req.Count) > len(regs) {
			resp.Err = &modbus.ExceptionError{
				FunctionCode:  req.Function,
				ExceptionCode: modbus.ExceptionIllegalDataAddress,
			}
		} else {
			resp.Registers = append([]uint16(nil), regs[:req.Count]...)
		}
	case req.Function == modbus.FuncCodeWriteSingleRegister:
		if req.Start == RegDeviceAddress {
			b.address = byte(req.Value)
		}
		if regs, ok := b.regs[req.Start]; ok {
			regs[0] = req.Value
		}
		resp.Register = req.Start
		resp.Value = req.Value
	}
	ch <- resp
	return ch
}

func (b *simBus) setSilent(v bool) {
	b.mu.Lock()
	b.silent = v
	b.mu.Unlock()
}

func (b *simBus) requests() []transport.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Request(nil), b.log...)
}

func (b *simBus) countWrites(reg uint16) int {
	n := 0
	for _, req := range b.requests() {
		if req.Function == modbus.FuncCodeWriteSingleRegister && req.Start == reg {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func startPoller(t *testing.T, bus *simBus, address int) (*Poller, *tree.Tree, context.CancelFunc) {
	t.Helper()
	tr := tree.New()
	dev := NewDevice(address)
	p := New(bus, tr, dev, Config{
		MinCycle:       5 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	return p, tr, cancel
}

func leafValue(tr *tree.Tree, p *Poller, rel string) tree.Value {
	id := tr.Lookup(p.ServiceName() + "/" + rel)
	if id == tree.InvalidID {
		return tree.Invalid()
	}
	return tr.Value(id)
}

func TestIdentificationAndFirstCycle(t *testing.T) {
	bus := newSimBus(7)
	p, tr, cancel := startPoller(t, bus, 7)
	defer cancel()

	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })

	if p.Device().Serial() != "100000" {
		t.Errorf("serial = %q, want 100000", p.Device().Serial())
	}
	if p.ServiceName() != "zbmnode.modbus100000" {
		t.Errorf("service = %q", p.ServiceName())
	}
	if got := leafValue(tr, p, "Soc"); got.Real() != 80 {
		t.Errorf("/Soc = %v, want 80", got)
	}
	if got := leafValue(tr, p, "ConsumedAmphours"); got.Int() != 600 {
		t.Errorf("/ConsumedAmphours = %v, want 600", got)
	}
	if got := leafValue(tr, p, "Dc/0/Voltage"); got.Real() != 20 {
		t.Errorf("/Dc/0/Voltage = %v, want 20", got)
	}
	if got := leafValue(tr, p, "Dc/0/Current"); got.Real() != -10 {
		t.Errorf("/Dc/0/Current = %v, want -10", got)
	}
	if got := leafValue(tr, p, "Dc/0/Power"); got.Real() != -200 {
		t.Errorf("/Dc/0/Power = %v, want -200", got)
	}
	if got := leafValue(tr, p, "Alarms/MaintenanceActive"); got.Int() != 2 {
		t.Errorf("/Alarms/MaintenanceActive = %v, want 2", got)
	}
	if got := leafValue(tr, p, "Connected"); got.Int() != 1 {
		t.Errorf("/Connected = %v, want 1", got)
	}
}

func TestConnectionLossAndRecovery(t *testing.T) {
	bus := newSimBus(7)
	p, tr, cancel := startPoller(t, bus, 7)
	defer cancel()

	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })

	bus.setSilent(true)
	waitFor(t, "disconnected", func() bool { return p.Device().Connection() == Disconnected })

	if got := leafValue(tr, p, "Soc"); got.IsValid() {
		t.Errorf("/Soc still valid after disconnect: %v", got)
	}
	if got := leafValue(tr, p, "Connected"); got.Int() != 0 {
		t.Errorf("/Connected = %v, want 0", got)
	}
	// Identification survives the loss.
	if got := leafValue(tr, p, "Serial"); got.Text() != "100000" {
		t.Errorf("/Serial = %v, want 100000", got)
	}

	// During the back-off no requests may leave the poller.
	before := len(bus.requests())
	time.Sleep(20 * time.Millisecond)
	if after := len(bus.requests()); after != before {
		t.Errorf("%d requests issued during connection-lost wait", after-before)
	}

	// After the back-off the poller re-identifies at the same address.
	bus.setSilent(false)
	waitFor(t, "reconnect", func() bool { return p.Device().Connection() == Connected })
	if got := leafValue(tr, p, "Soc"); got.Real() != 80 {
		t.Errorf("/Soc after reconnect = %v, want 80", got)
	}
}

func TestOperationalModeWrite(t *testing.T) {
	bus := newSimBus(7)
	p, tr, cancel := startPoller(t, bus, 7)
	defer cancel()

	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })

	var notified []tree.Value
	var mu sync.Mutex
	id := tr.Lookup(p.ServiceName() + "/OperationalMode")
	tr.Subscribe(id, func(_ tree.NodeID, v tree.Value) {
		mu.Lock()
		notified = append(notified, v)
		mu.Unlock()
	})

	if err := tr.WriteValue(id, tree.Int(2)); err != nil {
		t.Fatalf("WriteValue() error = %v", err)
	}
	waitFor(t, "mode write", func() bool { return bus.countWrites(RegOperationalMode) == 1 })
	waitFor(t, "mode notification", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, v := range notified {
			if v.Int() == 2 {
				return true
			}
		}
		return false
	})

	// A second write of the same value is one more device-side write.
	if err := tr.WriteValue(id, tree.Int(2)); err != nil {
		t.Fatalf("WriteValue() error = %v", err)
	}
	waitFor(t, "second mode write", func() bool { return bus.countWrites(RegOperationalMode) == 2 })
}

func TestAddressChangeReidentifies(t *testing.T) {
	bus := newSimBus(7)

	tr := tree.New()
	dev := NewDevice(7)
	var moved [][2]int
	var mu sync.Mutex
	p := New(bus, tr, dev, Config{
		MinCycle:       5 * time.Millisecond,
		ReconnectDelay: 50 * time.Millisecond,
	}, func(old, new int) {
		mu.Lock()
		moved = append(moved, [2]int{old, new})
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })

	id := tr.Lookup(p.ServiceName() + "/DeviceAddress")
	if err := tr.WriteValue(id, tree.Int(11)); err != nil {
		t.Fatalf("WriteValue() error = %v", err)
	}

	waitFor(t, "address write", func() bool { return bus.countWrites(RegDeviceAddress) == 1 })
	waitFor(t, "address change callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(moved) == 1
	})
	mu.Lock()
	if moved[0] != [2]int{7, 11} {
		t.Errorf("moved = %v, want [7 11]", moved[0])
	}
	mu.Unlock()

	if got := p.Device().Address(); got != 11 {
		t.Errorf("address = %d, want 11", got)
	}
	if got := tr.Value(id); got.Int() != 11 {
		t.Errorf("/DeviceAddress = %v, want 11", got)
	}

	// Re-identification runs against the new address.
	waitFor(t, "re-identification", func() bool {
		for _, req := range bus.requests() {
			if req.Slave == 11 && req.Function == modbus.FuncCodeReadHoldingRegisters && req.Start == RegDeviceID {
				return true
			}
		}
		return false
	})
	waitFor(t, "reconnected", func() bool { return p.Device().Connection() == Connected })
}

func TestAddressWriteRejectsFactoryDefaults(t *testing.T) {
	bus := newSimBus(7)
	p, tr, cancel := startPoller(t, bus, 7)
	defer cancel()

	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })

	id := tr.Lookup(p.ServiceName() + "/DeviceAddress")
	for _, addr := range []int64{1, 99, 0, 255} {
		if err := tr.WriteValue(id, tree.Int(addr)); err == nil {
			t.Errorf("WriteValue(%d) accepted", addr)
		}
	}
}

func TestUnsupportedRegisterIsNotATimeout(t *testing.T) {
	bus := newSimBus(7)
	bus.mu.Lock()
	delete(bus.regs, RegAlarms) // firmware without the alarm block
	bus.mu.Unlock()

	p, tr, cancel := startPoller(t, bus, 7)
	defer cancel()

	// The poller must still reach Connected; the alarm fields just stay
	// invalid.
	waitFor(t, "connected", func() bool { return p.Device().Connection() == Connected })
	if got := leafValue(tr, p, "Alarms/Maintenance"); got.IsValid() {
		t.Errorf("/Alarms/Maintenance = %v, want invalid", got)
	}
	if got := leafValue(tr, p, "Soc"); got.Real() != 80 {
		t.Errorf("/Soc = %v, want 80", got)
	}
}
