// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package arbiter

import (
	"context"
	"log/slog"

	"github.com/ffutop/zbm-bridge/transport"
)

// ClientID tags a request with its logical originator ("scanner",
// "poller-7", ...). Responses are routed back by this tag, never by the
// slave address: the scanner deliberately probes addresses that may belong
// to a polled device and must not receive that poller's traffic.
type ClientID string

type queuedRequest struct {
	id       ClientID
	request  transport.Request
	response chan transport.Response
}

// Arbiter owns the single transport and serializes requests from all
// logical clients onto it, strictly in submission order.
type Arbiter struct {
	requester transport.Requester
	queue     chan *queuedRequest
}

// New creates an Arbiter over the given transport. Run must be started
// before submitted requests make progress.
func New(requester transport.Requester) *Arbiter {
	return &Arbiter{
		requester: requester,
		// init queue, set a reasonable buffer size
		queue: make(chan *queuedRequest, 64),
	}
}

// Submit enqueues one request for the named client and returns the channel
// its Response will be delivered on. The channel is buffered; the caller
// may abandon it without blocking the dispatch loop.
func (a *Arbiter) Submit(id ClientID, req transport.Request) <-chan transport.Response {
	qr := &queuedRequest{
		id:       id,
		request:  req,
		response: make(chan transport.Response, 1),
	}
	a.queue <- qr
	return qr.response
}

// Run dispatches queued requests one at a time until the context ends.
func (a *Arbiter) Run(ctx context.Context) {
	slog.Debug("arbiter started")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("arbiter stopped")
			return
		case qr := <-a.queue:
			slog.Debug("dispatch request",
				"client", qr.id, "function", qr.request.Function,
				"slave", qr.request.Slave, "register", qr.request.Start)
			resp := a.requester.Execute(ctx, qr.request)
			qr.response <- resp
		}
	}
}
