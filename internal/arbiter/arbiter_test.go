// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ffutop/zbm-bridge/transport"
)

// countingRequester fails the test if two requests ever overlap.
type countingRequester struct {
	t        *testing.T
	inFlight atomic.Int32
	mu       sync.Mutex
	order    []uint16
}

func (c *countingRequester) Execute(ctx context.Context, req transport.Request) transport.Response {
	if c.inFlight.Add(1) > 1 {
		c.t.Error("more than one request in flight")
	}
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	c.order = append(c.order, req.Start)
	c.mu.Unlock()
	c.inFlight.Add(-1)
	return transport.Response{Function: req.Function, Slave: req.Slave}
}

func TestSingleRequestInFlight(t *testing.T) {
	req := &countingRequester{t: t}
	a := New(req)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-a.Submit(ClientID("poller"), transport.NewReadRequest(byte(n+2), uint16(n), 1))
		}(i)
	}
	wg.Wait()

	if len(req.order) != 20 {
		t.Errorf("executed %d requests, want 20", len(req.order))
	}
}

func TestSubmissionOrderPreserved(t *testing.T) {
	req := &countingRequester{t: t}
	a := New(req)

	// Queue before the dispatcher runs so arrival order is unambiguous.
	var responses []<-chan transport.Response
	for i := 0; i < 10; i++ {
		responses = append(responses, a.Submit("scanner", transport.NewReadRequest(1, uint16(i), 1)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	for _, ch := range responses {
		<-ch
	}
	for i, reg := range req.order {
		if reg != uint16(i) {
			t.Fatalf("order[%d] = %d, want %d", i, reg, i)
		}
	}
}

// taggedRequester answers every request, regardless of slave address, and
// echoes the request's start register so each response is recognizable.
type taggedRequester struct{}

func (taggedRequester) Execute(ctx context.Context, req transport.Request) transport.Response {
	return transport.Response{Function: req.Function, Slave: req.Slave, Registers: []uint16{req.Start}}
}

func TestResponsesRoutedToOriginator(t *testing.T) {
	a := New(taggedRequester{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	// Scanner and a poller probe the same slave address concurrently; each
	// must get its own response on its own channel.
	scanner := a.Submit("scanner", transport.NewReadRequest(7, 0x9010, 1))
	poller := a.Submit("poller-7", transport.NewReadRequest(7, 0x9011, 6))

	sResp := <-scanner
	pResp := <-poller
	if sResp.Slave != 7 || pResp.Slave != 7 {
		t.Errorf("slave = %d/%d, want 7/7", sResp.Slave, pResp.Slave)
	}
	if len(sResp.Registers) != 1 || sResp.Registers[0] != 0x9010 ||
		len(pResp.Registers) != 1 || pResp.Registers[0] != 0x9011 {
		t.Errorf("scanner got %v, poller got %v; want [0x9010] and [0x9011]", sResp.Registers, pResp.Registers)
	}
}
