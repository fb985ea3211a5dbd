package middleware

import (
	"context"
	"time"

	"mini-sip/message"
	"mini-sip/metrics"
)

// Metrics counts requests by method and final status. Requests answered by
// the transport on our behalf are recorded with status 0.
func Metrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			res := next(ctx, req)
			status := 0
			if res != nil {
				status = res.Status
			}
			m.RequestHandled(method(req), status, time.Since(start))
			return res
		}
	}
}
