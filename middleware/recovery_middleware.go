package middleware

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"
)

// RecoveryMiddleware turns a panicking handler into an error reply carrying
// the panic value.
func RecoveryMiddleware(log *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *Call) {
			defer func() {
				if x := recover(); x != nil {
					log.Error("handler panic",
						zap.String("path", call.Path),
						zap.Any("panic", x),
						zap.ByteString("stack", debug.Stack()))
					call.Reply(fmt.Sprint(x))
				}
			}()
			next(ctx, call)
		}
	}
}
