// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/zbm-bridge/modbus"
	mbrtu "github.com/ffutop/zbm-bridge/modbus/rtu"
	"github.com/ffutop/zbm-bridge/transport"
)

const (
	// DefaultTimeout is the per-request window. The ZBM answers well within
	// it at 19200 baud; anything slower is treated as absence.
	DefaultTimeout = time.Second

	// crcRetryBudget is how many checksum-invalid frames we tolerate within
	// one request window before surfacing ErrCRCMismatch instead of waiting
	// for the timer.
	crcRetryBudget = 3
)

// Client is a Modbus RTU master over a single serial line. It accepts one
// request at a time; Execute blocks until completion, an exception, or the
// request window elapses. Port-level failures are fatal and delivered on
// the Fatal channel, since losing the only link ends the daemon's work.
type Client struct {
	serialPort

	Timeout time.Duration

	reqMu sync.Mutex
	fatal chan error
}

// NewClient allocates a Client for the named serial device.
func NewClient(device string, baudRate int) *Client {
	c := &Client{
		Timeout: DefaultTimeout,
		fatal:   make(chan error, 1),
	}
	c.serialPort.Config = serial.Config{
		Address:  device,
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   "N",
		StopBits: 1,
		Timeout:  DefaultTimeout,
	}
	return c
}

// Fatal delivers unrecoverable port errors. At most one is held at a time;
// further reports are dropped while it is unread.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

func (c *Client) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Execute performs one Modbus transaction. It is safe for concurrent use;
// callers are serialized so at most one request is on the wire.
func (c *Client) Execute(ctx context.Context, req transport.Request) transport.Response {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	resp := transport.Response{Function: req.Function, Slave: req.Slave}

	raw, err := encodeRequest(req)
	if err != nil {
		resp.Err = err
		return resp
	}

	if err := c.Connect(ctx); err != nil {
		c.reportFatal(err)
		resp.Err = fmt.Errorf("%w: %v", transport.ErrTimeout, err)
		return resp
	}

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(raw))
	if _, err := c.port.Write(raw); err != nil {
		c.reportFatal(fmt.Errorf("serial write: %w", err))
		resp.Err = transport.ErrTimeout
		return resp
	}

	deadline := time.Now().Add(c.Timeout)
	crcFailures := 0

	for {
		frame, err := mbrtu.ReadResponse(req.Slave, req.Function, c.port, deadline)
		if err != nil {
			resp.Err = c.classifyReadError(err, deadline)
			return resp
		}
		slog.Debug("recv from modbus slave", "response", hex.EncodeToString(frame))

		adu, err := mbrtu.Decode(frame)
		if err != nil {
			var crcErr *mbrtu.ErrCRCMismatch
			if errors.As(err, &crcErr) {
				// A corrupted frame counts as if nothing was received;
				// the request window keeps running.
				slog.Warn("discarding frame with bad checksum",
					"slave", req.Slave, "received", crcErr.Received, "computed", crcErr.Computed)
				crcFailures++
				if crcFailures >= crcRetryBudget {
					resp.Err = transport.ErrCRCMismatch
					return resp
				}
				continue
			}
			resp.Err = fmt.Errorf("%w: %v", transport.ErrFraming, err)
			return resp
		}

		if adu.IsException() {
			resp.Err = adu.ExceptionError()
			return resp
		}

		if err := decodeResponse(req, adu.Pdu, &resp); err != nil {
			resp.Err = fmt.Errorf("%w: %v", transport.ErrFraming, err)
		}
		return resp
	}
}

// classifyReadError maps framer errors onto the client-facing taxonomy.
// Read errors from the port itself are fatal unless the request window has
// already elapsed, in which case the driver's own read timeout fired.
func (c *Client) classifyReadError(err error, deadline time.Time) error {
	timedOut := errors.Is(err, mbrtu.ErrRequestTimedOut) || !time.Now().Before(deadline)
	if timedOut {
		return transport.ErrTimeout
	}
	var invalid *mbrtu.InvalidLengthError
	if errors.As(err, &invalid) {
		return fmt.Errorf("%w: %v", transport.ErrFraming, invalid)
	}
	c.reportFatal(fmt.Errorf("serial read: %w", err))
	return transport.ErrTimeout
}

func encodeRequest(req transport.Request) ([]byte, error) {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:], req.Start)
	switch req.Function {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		binary.BigEndian.PutUint16(body[2:], req.Count)
	case modbus.FuncCodeWriteSingleRegister:
		binary.BigEndian.PutUint16(body[2:], req.Value)
	default:
		return nil, fmt.Errorf("modbus: function %#02x not supported", req.Function)
	}
	adu := &mbrtu.ApplicationDataUnit{
		SlaveID: req.Slave,
		Pdu:     modbus.ProtocolDataUnit{FunctionCode: req.Function, Data: body},
	}
	return adu.Encode()
}

func decodeResponse(req transport.Request, pdu modbus.ProtocolDataUnit, resp *transport.Response) error {
	switch req.Function {
	case modbus.FuncCodeReadHoldingRegisters, modbus.FuncCodeReadInputRegisters:
		if len(pdu.Data) < 1 {
			return fmt.Errorf("empty read response")
		}
		byteCount := int(pdu.Data[0])
		payload := pdu.Data[1:]
		if byteCount != len(payload) || byteCount != int(req.Count)*2 {
			return fmt.Errorf("byte count %d does not match %d registers", byteCount, req.Count)
		}
		regs := make([]uint16, req.Count)
		for i := range regs {
			regs[i] = binary.BigEndian.Uint16(payload[2*i:])
		}
		resp.Registers = regs
	case modbus.FuncCodeWriteSingleRegister:
		if len(pdu.Data) != 4 {
			return fmt.Errorf("write echo length %d", len(pdu.Data))
		}
		resp.Register = binary.BigEndian.Uint16(pdu.Data[0:])
		resp.Value = binary.BigEndian.Uint16(pdu.Data[2:])
	}
	return nil
}

var _ transport.Requester = (*Client)(nil)
