// Package middleware wraps method handlers with cross-cutting behavior.
//
// Chain builds the onion once at daemon startup:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"hen/transport"
)

// HandlerFunc serves one inbound request. It must answer req with exactly one
// Reply, or call req.Detach and reply later.
type HandlerFunc func(ctx context.Context, req *transport.Request)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
