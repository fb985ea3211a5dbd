package middleware

import (
	"context"
	"time"

	"mini-sip/message"
)

// Timeout answers 408 when next has not produced a response within timeout.
// next keeps running with a cancelled ctx and must not change state after
// noticing it; its late response is discarded.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Response, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case res := <-done:
				return res
			case <-ctx.Done():
				return message.NewResponse(req, message.StatusRequestTimeout, "Request Timeout")
			}
		}
	}
}
