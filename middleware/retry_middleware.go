package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-sip/message"
)

type attemptKey struct{}

// Attempt returns how many times Retry has already re-run the request, 0 on
// the first run.
func Attempt(ctx context.Context) int {
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

// Retry re-runs next when it synthesized a 503 itself, which is how the
// dispatcher reports that the upstream could not be reached. Upstream 503s
// (Relayed) are final and passed through. Waits double from baseDelay.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			res := next(ctx, req)
			for i := 0; i < maxRetries && retryable(res); i++ {
				logger.Info("retrying relay",
					zap.Int("attempt", i+1),
					zap.String("method", req.Method),
					zap.String("request_id", RequestID(ctx)))

				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-ctx.Done():
					return res
				}
				res = next(context.WithValue(ctx, attemptKey{}, i+1), req)
			}
			return res
		}
	}
}

func retryable(res *message.Response) bool {
	return res != nil && !res.Relayed && res.Status == message.StatusServiceUnavailable
}
