package middleware

import (
	"context"
	"time"

	"hen/transport"
)

// Timeout bounds the context handed to handlers. Nested calls to other daemons
// inherit the deadline, so a request cannot hold its worker longer than d
// waiting on a peer. A handler that detaches keeps its context until the
// deadline, for the goroutine that replies later.
func Timeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer func() {
				if !req.Detached() {
					cancel()
				}
			}()
			next(ctx, req)
		}
	}
}
