package middleware

import (
	"context"

	"mini-discovery/message"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware admits r calls per second with the given burst (token bucket).
// A non-positive r disables the limit.
func RateLimitMiddleware(r float64, burst int) Middleware {
	if r <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return failure(req, ErrTextRateLimited)
			}
			return next(ctx, req)
		}
	}
}
