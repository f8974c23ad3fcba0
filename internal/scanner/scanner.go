// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package scanner discovers ZBM devices across the Modbus address space
// and moves factory-fresh units off their default address before they are
// announced.
package scanner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/zbm-bridge/internal/arbiter"
	"github.com/ffutop/zbm-bridge/internal/poller"
	"github.com/ffutop/zbm-bridge/transport"
)

const (
	// DefaultScanInterval paces probes while the bus is still empty.
	DefaultScanInterval = 250 * time.Millisecond

	// RelaxedScanInterval takes over once a device is confirmed, to keep
	// scan traffic from competing with measurement polls.
	RelaxedScanInterval = 2 * time.Second

	// maxRenumberAttempts bounds one renumber handshake. The candidate
	// slot is given up after this many failures so a wedged device cannot
	// stall discovery forever.
	maxRenumberAttempts = 5

	clientID arbiter.ClientID = "scanner"
)

// Factory-default addresses. Devices found here are renumbered before
// being announced; the addresses themselves are never permanent.
func isFactoryDefault(a int) bool { return a == 1 || a == 99 }

// Submitter is the arbiter surface the scanner needs.
type Submitter interface {
	Submit(id arbiter.ClientID, req transport.Request) <-chan transport.Response
}

// Scanner probes one address at a time. Confirmed devices are announced
// through the onFound callback; the caller owns poller construction.
type Scanner struct {
	sub     Submitter
	onFound func(address int)

	mu               sync.Mutex
	interval         time.Duration
	enabled          bool
	probed           int
	autoScanAddress  int
	maxAddress       int
	newDeviceAddress int
	renumberAttempts int
	known            map[int]bool
	seed             []int // addresses to probe first, from the registry
}

// New creates a scanner. seed lists addresses remembered from an earlier
// run; they are probed before random scanning starts so existing devices
// come back quickly.
func New(sub Submitter, seed []int, onFound func(address int)) *Scanner {
	s := &Scanner{
		sub:             sub,
		onFound:         onFound,
		interval:        DefaultScanInterval,
		enabled:         true,
		autoScanAddress: 1,
		maxAddress:      1,
		known:           make(map[int]bool),
	}
	for _, a := range seed {
		if a > 1 && a <= 254 && a != 99 {
			s.seed = append(s.seed, a)
		}
	}
	return s
}

// SetAutoScan enables or disables background scanning. Seeded addresses
// are probed either way.
func (s *Scanner) SetAutoScan(enabled bool) {
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// SetScanInterval adjusts the pause between probes.
func (s *Scanner) SetScanInterval(d time.Duration) {
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

// KnownAddresses returns the confirmed device addresses.
func (s *Scanner) KnownAddresses() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int, 0, len(s.known))
	for a := range s.known {
		out = append(out, a)
	}
	return out
}

// OnAddressChanged keeps the bookkeeping in step when a poller moves its
// device to a different address.
func (s *Scanner) OnAddressChanged(old, new int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.known, old)
	s.known[new] = true
	if new > s.maxAddress {
		s.maxAddress = new
	}
}

// Run probes until the context ends.
func (s *Scanner) Run(ctx context.Context) {
	s.mu.Lock()
	s.probed = s.nextScanAddress(s.autoScanAddress - 1)
	s.autoScanAddress = s.probed
	s.mu.Unlock()

	for ctx.Err() == nil {
		s.mu.Lock()
		interval := s.interval
		enabled := s.enabled
		var target int
		haveSeed := len(s.seed) > 0
		if haveSeed {
			target = s.seed[0]
		} else {
			target = s.probed
		}
		s.mu.Unlock()

		if !enabled && !haveSeed {
			sleepCtx(ctx, interval)
			continue
		}

		sleepCtx(ctx, interval)
		if ctx.Err() != nil {
			return
		}

		if haveSeed {
			s.probeSeed(ctx, target)
			continue
		}
		s.probe(ctx, target)
	}
}

// probeSeed revisits an address remembered from a previous run.
func (s *Scanner) probeSeed(ctx context.Context, address int) {
	resp := s.read(ctx, address)
	s.mu.Lock()
	if len(s.seed) > 0 && s.seed[0] == address {
		s.seed = s.seed[1:]
	}
	s.mu.Unlock()
	if resp.Err == nil {
		s.addNewDevice(address)
	} else {
		slog.Info("remembered device not answering", "address", address)
	}
}

func (s *Scanner) probe(ctx context.Context, address int) {
	resp := s.read(ctx, address)
	if resp.Err == nil {
		s.onProbeAnswered(ctx, address)
		return
	}
	if errors.Is(resp.Err, transport.ErrTimeout) {
		s.onProbeSilent(ctx, address)
		return
	}
	// CRC noise, framing trouble or an exception: probe the same address
	// again on the next tick.
	slog.Warn("probe error", "address", address, "err", resp.Err)
}

// onProbeAnswered handles a successful identity read at the probed
// address. Three cases: a factory-fresh device that must be renumbered, a
// candidate address that turned out to be occupied, or a plain discovery.
func (s *Scanner) onProbeAnswered(ctx context.Context, address int) {
	slog.Warn("found device", "address", address)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case isFactoryDefault(address):
		// Never announce a factory default; move the device first.
		s.newDeviceAddress = address
		s.renumberAttempts = 0
		s.probed = s.nextCandidateAddress()

	case s.newDeviceAddress > 0:
		// Someone already answers at the intended new address. Pick
		// another candidate and retry.
		s.addNewDeviceLocked(address)
		s.renumberAttempts++
		if s.renumberAttempts >= maxRenumberAttempts {
			s.abandonRenumberLocked()
			return
		}
		s.probed = s.nextCandidateAddress()

	default:
		s.addNewDeviceLocked(address)
		s.autoScanAddress = s.nextScanAddress(s.autoScanAddress)
		s.probed = s.autoScanAddress
	}
}

// onProbeSilent handles a probe timeout. During a renumber handshake a
// silent candidate is exactly what we want: the slot is free and the
// device is moved there.
func (s *Scanner) onProbeSilent(ctx context.Context, address int) {
	s.mu.Lock()
	renumbering := s.newDeviceAddress
	s.mu.Unlock()

	if renumbering > 0 {
		slog.Warn("changing modbus address", "from", renumbering, "to", address)
		resp := s.write(ctx, renumbering, poller.RegDeviceAddress, uint16(address))

		s.mu.Lock()
		defer s.mu.Unlock()
		if resp.Err != nil {
			s.renumberAttempts++
			if s.renumberAttempts >= maxRenumberAttempts {
				s.abandonRenumberLocked()
				return
			}
			// Keep probing the same candidate; the write may have been
			// lost on the wire while the device still moved.
			s.probed = address
			return
		}
		// The candidate is confirmed by probing it as a normal address.
		if address > s.maxAddress {
			s.maxAddress = address
		}
		s.newDeviceAddress = 0
		s.probed = address
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoScanAddress = s.nextScanAddress(address)
	s.probed = s.autoScanAddress
}

// abandonRenumberLocked gives up on the current handshake and resumes the
// auto scan. The device stays at its factory address and will be found
// again on a later wrap.
func (s *Scanner) abandonRenumberLocked() {
	slog.Error("giving up renumbering device", "address", s.newDeviceAddress)
	s.newDeviceAddress = 0
	s.renumberAttempts = 0
	s.autoScanAddress = s.nextScanAddress(s.autoScanAddress)
	s.probed = s.autoScanAddress
}

func (s *Scanner) addNewDevice(address int) {
	s.mu.Lock()
	s.addNewDeviceLocked(address)
	s.mu.Unlock()
}

func (s *Scanner) addNewDeviceLocked(address int) {
	if s.known[address] || isFactoryDefault(address) {
		return
	}
	slog.Warn("new device", "address", address)
	s.known[address] = true
	if address > s.maxAddress {
		s.maxAddress = address
	}
	if s.onFound != nil {
		// Announce outside the lock; the callback builds pollers and may
		// call back into the scanner.
		go s.onFound(address)
	}
}

// nextCandidateAddress picks the slot a renumbered device will move to:
// the next free address after the highest confirmed one, never a factory
// default, wrapping from 254 back to 2.
func (s *Scanner) nextCandidateAddress() int {
	for a := s.maxAddress + 1; ; a++ {
		if a > 254 {
			a = 2
		}
		if !isFactoryDefault(a) && !s.known[a] {
			return a
		}
	}
}

// nextScanAddress advances the discovery cursor past known devices. The
// factory defaults stay in the rotation; probing them is how fresh units
// are found at all.
func (s *Scanner) nextScanAddress(address int) int {
	for a := address + 1; ; a++ {
		if a > 254 {
			a = 1
		}
		if !s.known[a] {
			return a
		}
	}
}

func (s *Scanner) read(ctx context.Context, address int) transport.Response {
	select {
	case <-ctx.Done():
		return transport.Response{Err: ctx.Err()}
	case resp := <-s.sub.Submit(clientID, transport.NewReadRequest(byte(address), poller.RegDeviceID, 1)):
		return resp
	}
}

func (s *Scanner) write(ctx context.Context, address int, reg, value uint16) transport.Response {
	select {
	case <-ctx.Done():
		return transport.Response{Err: ctx.Err()}
	case resp := <-s.sub.Submit(clientID, transport.NewWriteRequest(byte(address), reg, value)):
		return resp
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
