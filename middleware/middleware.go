// Package middleware wraps RPC handlers, server or client side, in onion layers.
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//
// A layer never returns a nil message; failures are reported in RPCMessage.Error.
package middleware

import (
	"context"

	"mini-discovery/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Error texts produced by the layers in this package. Retry matches on them.
const (
	ErrTextTimeout     = "request timed out"
	ErrTextRateLimited = "rate limit exceeded"
	ErrTextPanic       = "internal error"
)

// Chain combines middlewares; the first one is the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func failure(req *message.RPCMessage, text string) *message.RPCMessage {
	return &message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: text}
}
