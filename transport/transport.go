// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transport

import (
	"context"
	"errors"

	"github.com/ffutop/zbm-bridge/modbus"
)

// Per-request errors surfaced to the logical clients. Port-level failures
// are not in this set; they travel on the fatal channel instead.
var (
	// ErrTimeout means no valid frame arrived within the request window.
	ErrTimeout = errors.New("modbus: request timed out")

	// ErrCRCMismatch means the request window was spent on frames that
	// repeatedly failed checksum verification.
	ErrCRCMismatch = errors.New("modbus: response crc mismatch")

	// ErrFraming means the response stream could not be parsed as a frame.
	ErrFraming = errors.New("modbus: response framing error")
)

// Request describes one Modbus interaction. For reads Count is the number
// of holding registers; for writes Value is the register value.
type Request struct {
	Function byte
	Slave    byte
	Start    uint16
	Count    uint16
	Value    uint16
}

// NewReadRequest builds a ReadHoldingRegisters request.
func NewReadRequest(slave byte, start, count uint16) Request {
	return Request{
		Function: modbus.FuncCodeReadHoldingRegisters,
		Slave:    slave,
		Start:    start,
		Count:    count,
	}
}

// NewWriteRequest builds a WriteSingleRegister request.
func NewWriteRequest(slave byte, register, value uint16) Request {
	return Request{
		Function: modbus.FuncCodeWriteSingleRegister,
		Slave:    slave,
		Start:    register,
		Value:    value,
	}
}

// Response is the completion of a Request. Exactly one of the payload
// fields is meaningful, selected by Function; Err is nil on success.
type Response struct {
	Function byte
	Slave    byte

	// Read payload, one entry per register.
	Registers []uint16

	// Write echo.
	Register uint16
	Value    uint16

	Err error
}

// Requester executes one request at a time against the bus. Execute blocks
// until the request completes, errors out, or times out; the returned
// Response always carries the request's function and slave so callers can
// route it.
type Requester interface {
	Execute(ctx context.Context, req Request) Response
}
