package middleware

import (
	"context"
	"strings"
	"time"

	"mini-discovery/message"

	"go.uber.org/zap"
)

var retryable = []string{ErrTextTimeout, "timeout", "connection refused", "connection reset", "broken pipe", "transport closed"}

func isRetryable(text string) bool {
	for _, s := range retryable {
		if strings.Contains(text, s) {
			return true
		}
	}
	return false
}

// RetryMiddleware repeats calls that failed for transport reasons, backing off
// exponentially from baseDelay. Handler errors are returned at once.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			resp := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if resp.Error == "" || !isRetryable(resp.Error) {
					return resp
				}
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying rpc",
					zap.String("method", req.ServiceMethod),
					zap.Int("attempt", i+1),
					zap.Duration("delay", delay),
					zap.String("error", resp.Error))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return resp
				case <-timer.C:
				}
				resp = next(ctx, req)
			}
			return resp
		}
	}
}
