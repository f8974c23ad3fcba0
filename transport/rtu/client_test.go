// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/ffutop/zbm-bridge/modbus"
	"github.com/ffutop/zbm-bridge/transport"
)

// fakePort scripts the slave side of the serial line. When the receive
// buffer runs dry it idles briefly and reports EOF, which the client maps
// onto the request window.
type fakePort struct {
	written bytes.Buffer
	rx      bytes.Buffer
	idle    time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.rx.Len() == 0 {
		time.Sleep(p.idle)
		return 0, io.EOF
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	return p.written.Write(b)
}

func (p *fakePort) Close() error { return nil }

func newTestClient(port *fakePort) *Client {
	c := NewClient("fake", 19200)
	c.Timeout = 50 * time.Millisecond
	c.serialPort.port = port
	return c
}

func TestExecuteRead(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	port.rx.Write([]byte{0x01, 0x03, 0x02, 0x40, 0x01, 0x48, 0x44})
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewReadRequest(1, 0x9010, 1))
	if resp.Err != nil {
		t.Fatalf("Execute() error = %v", resp.Err)
	}

	wantReq := []byte{0x01, 0x03, 0x90, 0x10, 0x00, 0x01, 0xA8, 0xCF}
	if !bytes.Equal(port.written.Bytes(), wantReq) {
		t.Errorf("request = % x, want % x", port.written.Bytes(), wantReq)
	}
	if len(resp.Registers) != 1 || resp.Registers[0] != 0x4001 {
		t.Errorf("registers = %v, want [0x4001]", resp.Registers)
	}
}

func TestExecuteWrite(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	port.rx.Write([]byte{0x01, 0x06, 0x90, 0x30, 0x00, 0x05, 0x64, 0xC6})
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewWriteRequest(1, 0x9030, 5))
	if resp.Err != nil {
		t.Fatalf("Execute() error = %v", resp.Err)
	}
	if resp.Register != 0x9030 || resp.Value != 5 {
		t.Errorf("echo = %#04x/%d, want 0x9030/5", resp.Register, resp.Value)
	}
}

func TestExecuteException(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	port.rx.Write([]byte{0x01, 0x83, 0x02, 0xC0, 0xF1})
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewReadRequest(1, 0xFFFF, 1))
	var exc *modbus.ExceptionError
	if !errors.As(resp.Err, &exc) {
		t.Fatalf("Execute() error = %v, want ExceptionError", resp.Err)
	}
	if exc.ExceptionCode != modbus.ExceptionIllegalDataAddress {
		t.Errorf("exception code = %d, want %d", exc.ExceptionCode, modbus.ExceptionIllegalDataAddress)
	}
	if exc.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
		t.Errorf("function = %#02x, want 0x03", exc.FunctionCode)
	}
}

func TestExecuteTimeout(t *testing.T) {
	port := &fakePort{idle: 100 * time.Millisecond}
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewReadRequest(9, 0x9010, 1))
	if !errors.Is(resp.Err, transport.ErrTimeout) {
		t.Errorf("Execute() error = %v, want ErrTimeout", resp.Err)
	}
	select {
	case err := <-c.Fatal():
		t.Errorf("unexpected fatal error: %v", err)
	default:
	}
}

func TestExecuteDiscardsCorruptFrame(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	// A frame with a broken checksum followed by the real answer. The
	// corrupted one must be treated as if nothing was received.
	port.rx.Write([]byte{0x01, 0x03, 0x02, 0x40, 0x01, 0xDE, 0xAD})
	port.rx.Write([]byte{0x01, 0x03, 0x02, 0x40, 0x01, 0x48, 0x44})
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewReadRequest(1, 0x9010, 1))
	if resp.Err != nil {
		t.Fatalf("Execute() error = %v", resp.Err)
	}
	if len(resp.Registers) != 1 || resp.Registers[0] != 0x4001 {
		t.Errorf("registers = %v, want [0x4001]", resp.Registers)
	}
}

func TestExecuteCRCBudget(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	for i := 0; i < crcRetryBudget; i++ {
		port.rx.Write([]byte{0x01, 0x03, 0x02, 0x40, 0x01, 0xDE, 0xAD})
	}
	c := newTestClient(port)

	resp := c.Execute(context.Background(), transport.NewReadRequest(1, 0x9010, 1))
	if !errors.Is(resp.Err, transport.ErrCRCMismatch) {
		t.Errorf("Execute() error = %v, want ErrCRCMismatch", resp.Err)
	}
}

func TestExecuteFatalOnPortError(t *testing.T) {
	port := &fakePort{idle: time.Millisecond}
	c := newTestClient(port)
	c.Timeout = time.Second

	resp := c.Execute(context.Background(), transport.NewReadRequest(1, 0x9010, 1))
	if resp.Err == nil {
		t.Fatal("Execute() expected error on dead port")
	}
	select {
	case err := <-c.Fatal():
		if err == nil {
			t.Error("nil fatal error")
		}
	case <-time.After(time.Second):
		t.Error("no fatal error reported")
	}
}
