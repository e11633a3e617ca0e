package middleware

import (
	"context"
	"time"

	"mini-discovery/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call at debug level and failed calls at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("rpc failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("rpc", fields...)
			}
			return resp
		}
	}
}
