// Package middleware wraps the dispatcher with cross-cutting behaviour.
//
// A handler returns the final response to send back to the request's origin,
// or nil when nothing is owed: the request was forwarded and the transport
// relays the answer, or it was dropped.
package middleware

import (
	"context"

	"mini-sip/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件，第一个在最外层
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func method(req *message.Request) string {
	if req.IsResponse() {
		return "RESPONSE"
	}
	return req.Method
}
