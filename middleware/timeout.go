package middleware

import (
	"context"
	"time"

	"mini-discovery/message"
)

// TimeOutMiddleware answers with ErrTextTimeout when next does not return within
// timeout. The handler keeps running with a cancelled context.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return failure(req, ErrTextTimeout)
			}
		}
	}
}
