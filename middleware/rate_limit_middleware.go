package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-sip/message"
)

// RateLimit 基于令牌桶限流，超出时直接回 503
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			// stray responses are dropped downstream and cost nothing
			if !req.IsResponse() && !limiter.Allow() {
				return message.NewResponse(req, message.StatusServiceUnavailable, "Service Unavailable")
			}
			return next(ctx, req)
		}
	}
}
