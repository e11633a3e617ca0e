package middleware

import (
	"context"
	"time"

	"mini-discovery/message"
	"mini-discovery/metrics"
)

// MetricsMiddleware records the latency and outcome of every call.
func MetricsMiddleware(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			m.RPC(req.ServiceMethod, resp.Error != "", time.Since(start))
			return resp
		}
	}
}
