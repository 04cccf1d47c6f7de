package server

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/log"
	"hen/middleware"
	"hen/protocol"
	"hen/transport"
)

// Register binds handler to method. Registering a name twice replaces the
// earlier handler. Methods can only be registered before Serve.
func (svr *Server) Register(method string, handler middleware.HandlerFunc) error {
	if svr.State() != StateStarting {
		return errors.Annotatef(ErrNotStarting, "registering %q", method)
	}
	if method == "" || len(method) > protocol.MaxNameLen {
		return errors.NotValidf("method name %q", method)
	}
	if _, ok := svr.methods[method]; ok {
		svr.logger.Warn("Replacing registered method", zap.String("method", method))
	}
	svr.methods[method] = handler
	return nil
}

// Methods lists the registered method names.
func (svr *Server) Methods() []string {
	names := make([]string, 0, len(svr.methods))
	for name := range svr.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch implements transport.Dispatcher. It runs the middleware chain for
// req and makes sure the peer always gets exactly one reply.
func (svr *Server) Dispatch(ctx context.Context, req *transport.Request) {
	ctx = log.CtxWith(ctx, svr.logger)
	defer func() {
		if r := recover(); r != nil {
			svr.logger.Error("Handler panicked",
				zap.String("method", req.Method), zap.Uint32("seq", req.Seq),
				zap.Any("panic", r), zap.StackSkip("stack", 1))
			if !req.Replied() {
				req.ReplyError(protocol.StatusInternal, "internal error")
			}
			return
		}
		if !req.Replied() && !req.Detached() {
			svr.logger.Error("Handler returned without replying", zap.String("method", req.Method))
			req.ReplyError(protocol.StatusInternal, "no reply from handler")
		}
	}()

	h := svr.handler
	if h == nil {
		// Dispatched outside Serve, e.g. from tests.
		h = middleware.Chain(svr.middlewares...)(svr.route)
	}
	h(ctx, req)
}

// route is the innermost handler: the method registry lookup.
func (svr *Server) route(ctx context.Context, req *transport.Request) {
	handler, ok := svr.methods[req.Method]
	if !ok {
		log.FromCtx(ctx).Info("Unknown method", zap.String("method", req.Method))
		req.ReplyError(protocol.StatusUnknownMethod, "unknown method "+req.Method)
		return
	}
	handler(ctx, req)
}
