package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mini-sip/message"
)

type requestIDKey struct{}

// RequestID returns the id the logging middleware attached to ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Logging tags every request with an id and logs it on the way in (debug)
// and out. Failures (5xx) log at warn.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			id := uuid.NewString()
			ctx = context.WithValue(ctx, requestIDKey{}, id)
			log := logger.With(
				zap.String("request_id", id),
				zap.String("method", method(req)),
				zap.String("uri", req.URI),
				zap.Stringer("source", req.Source))

			log.Debug("RECV")
			start := time.Now()
			res := next(ctx, req)
			duration := time.Since(start)

			if res == nil {
				log.Debug("handled without local response", zap.Duration("duration", duration))
				return nil
			}
			fields := []zap.Field{
				zap.Int("status", res.Status),
				zap.String("reason", res.Reason),
				zap.Bool("relayed", res.Relayed),
				zap.Duration("duration", duration),
			}
			if res.Status >= 500 {
				log.Warn("SEND", fields...)
			} else {
				log.Debug("SEND", fields...)
			}
			return res
		}
	}
}
