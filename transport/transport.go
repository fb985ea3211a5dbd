// Package transport connects the registrar core to the network.
//
// The core only sees the Transport interface: it answers requests, forwards
// them, and relays them while waiting for the upstream's final answer. How
// messages are parsed, which transactions exist and how responses travel back
// is the transport's business.
//
//	inbound ──► Requests() ──► server.Handle ──► Respond / Forward / Relay
//	                                                     │
//	upstream final response ──► pending[id] ──► Result ◄─┘
package transport

import (
	"context"
	"errors"

	"mini-sip/message"
)

var (
	ErrClosed        = errors.New("transport: closed")
	ErrNoTransaction = errors.New("transport: request did not come from this transport")
	ErrTerminated    = errors.New("transport: transaction ended without a final response")
)

// Result is the single completion of a relayed request.
type Result struct {
	Response *message.Response
	Err      error
}

type Transport interface {
	// Respond sends res back to the origin of res.Request. Responses with
	// Relayed set are upstream responses and are passed on after hop removal.
	Respond(ctx context.Context, res *message.Response) error

	// Forward sends req to req.URI. Responses flow back to the original
	// sender without involving the caller.
	Forward(ctx context.Context, req *message.Request) error

	// Relay sends req to req.URI and delivers exactly one Result: the first
	// final response, or the error that ended the attempt. Cancelling ctx
	// completes the Result with ctx.Err().
	Relay(ctx context.Context, req *message.Request) <-chan Result
}
