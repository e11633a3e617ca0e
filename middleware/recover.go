package middleware

import (
	"context"
	"fmt"

	"mini-discovery/message"

	"go.uber.org/zap"
)

// RecoverMiddleware turns a panicking handler into an error response so the
// connection and its other in-flight calls survive.
func RecoverMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (resp *message.RPCMessage) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("rpc handler panicked",
						zap.String("method", req.ServiceMethod),
						zap.Any("panic", p),
						zap.Stack("stack"))
					resp = failure(req, fmt.Sprintf("%s: %v", ErrTextPanic, p))
				}
			}()
			return next(ctx, req)
		}
	}
}
