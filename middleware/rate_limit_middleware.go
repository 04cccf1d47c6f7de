package middleware

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"hen/protocol"
	"hen/transport"
)

// RateLimit gives every connection its own token bucket and answers requests
// beyond it with StatusRateLimited instead of running the handler. Methods
// listed in exempt (stopDaemon, typically) always pass.
func RateLimit(r float64, burst int, exempt ...string) Middleware {
	skip := make(map[string]bool, len(exempt))
	for _, m := range exempt {
		skip[m] = true
	}
	var (
		mu       sync.Mutex
		limiters = make(map[*transport.Endpoint]*rate.Limiter)
	)
	limiterFor := func(ep *transport.Endpoint) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		l, ok := limiters[ep]
		if !ok {
			l = rate.NewLimiter(rate.Limit(r), burst)
			limiters[ep] = l
			go func() {
				<-ep.Done()
				mu.Lock()
				delete(limiters, ep)
				mu.Unlock()
			}()
		}
		return l
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) {
			if !skip[req.Method] && !limiterFor(req.Endpoint()).Allow() {
				req.ReplyError(protocol.StatusRateLimited, "rate limit exceeded")
				return
			}
			next(ctx, req)
		}
	}
}
