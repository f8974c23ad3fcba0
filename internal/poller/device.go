// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package poller

import "sync"

// ConnectionState tracks how far a device has come since discovery.
type ConnectionState int

const (
	// Disconnected: the device stopped answering, or was never reached.
	Disconnected ConnectionState = iota
	// Searched: identification reads are being attempted.
	Searched
	// Detected: identification completed and the subtree is mounted.
	Detected
	// Connected: at least one full measurement cycle has completed since
	// the last Disconnected transition.
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Searched:
		return "Searched"
	case Detected:
		return "Detected"
	case Connected:
		return "Connected"
	}
	return "unknown"
}

// Device is the per-device record. It is created when the scanner
// announces an address and lives until daemon shutdown; a transient
// disconnect only resets its connection state.
type Device struct {
	mu sync.Mutex

	address    int
	serial     string
	deviceType int
	firmware   uint32
	connection ConnectionState

	onConnectionChanged func(d *Device, s ConnectionState)
}

// NewDevice creates a record for a freshly announced address.
func NewDevice(address int) *Device {
	return &Device{address: address}
}

// OnConnectionChanged installs the observer for connection transitions.
func (d *Device) OnConnectionChanged(fn func(d *Device, s ConnectionState)) {
	d.mu.Lock()
	d.onConnectionChanged = fn
	d.mu.Unlock()
}

func (d *Device) Address() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

func (d *Device) setAddress(a int) {
	d.mu.Lock()
	d.address = a
	d.mu.Unlock()
}

func (d *Device) Serial() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.serial
}

func (d *Device) setSerial(s string) {
	d.mu.Lock()
	d.serial = s
	d.mu.Unlock()
}

func (d *Device) DeviceType() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

func (d *Device) setDeviceType(t int) {
	d.mu.Lock()
	d.deviceType = t
	d.mu.Unlock()
}

func (d *Device) Firmware() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.firmware
}

func (d *Device) setFirmware(v uint32) {
	d.mu.Lock()
	d.firmware = v
	d.mu.Unlock()
}

func (d *Device) Connection() ConnectionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connection
}

func (d *Device) setConnection(s ConnectionState) {
	d.mu.Lock()
	if d.connection == s {
		d.mu.Unlock()
		return
	}
	d.connection = s
	fn := d.onConnectionChanged
	d.mu.Unlock()
	if fn != nil {
		fn(d, s)
	}
}
