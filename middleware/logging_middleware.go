package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"hen/log"
	"hen/transport"
)

// Logging attaches method, seq and remote fields to the handler's context
// logger and logs every request once it has been answered.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *transport.Request) {
			start := time.Now()
			ctx, l := log.WithFields(log.CtxWith(ctx, logger),
				zap.String("method", req.Method),
				zap.Uint32("seq", req.Seq),
				zap.Stringer("remote", req.Endpoint().RemoteAddr()),
			)
			next(ctx, req)

			fields := []zap.Field{zap.Duration("duration", time.Since(start))}
			switch status := req.Status(); {
			case status == 0:
				l.Debug("Request detached", fields...)
			case status.OK():
				l.Debug("Request served", append(fields, zap.Stringer("status", status))...)
			default:
				l.Info("Request failed", append(fields, zap.Stringer("status", status))...)
			}
		}
	}
}
