package middleware

import (
	"context"
	"time"

	"hen/metrics"
	"hen/transport"
)

// Metrics records the status and latency of every answered request.
func Metrics(m *metrics.Server) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) {
			start := time.Now()
			next(ctx, req)
			if status := req.Status(); status != 0 {
				m.ObserveRequest(req.Method, uint16(status), time.Since(start).Seconds())
			}
		}
	}
}
