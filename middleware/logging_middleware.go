package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every reply with the time it took. Replies that
// carry an error text are logged as such.
func LoggingMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) {
			start := time.Now()
			reply := call.Reply
			wrapped := *call
			wrapped.Reply = func(v any) {
				fields := []zap.Field{
					zap.String("path", call.Path),
					zap.Duration("duration", time.Since(start)),
				}
				switch r := v.(type) {
				case string:
					log.Debug("error reply", append(fields, zap.String("error", r))...)
				case error:
					log.Debug("error reply", append(fields, zap.Error(r))...)
				default:
					log.Debug("reply", fields...)
				}
				reply(v)
			}
			log.Debug("request", zap.String("path", call.Path), zap.Int("size", len(call.Payload)))
			next(ctx, &wrapped)
		}
	}
}
