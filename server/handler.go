package server

import (
	"context"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/log"
	"hen/message"
	"hen/middleware"
	"hen/protocol"
	"hen/registry"
	"hen/transport"
)

type requestKey struct{}

// RequestFromCtx returns the request being handled, for handlers written with
// Typed that need the caller's connection.
func RequestFromCtx(ctx context.Context) *transport.Request {
	req, _ := ctx.Value(requestKey{}).(*transport.Request)
	return req
}

// Unary adapts a function over raw envelope payloads. A nil result replies
// with an empty envelope.
func Unary(fn func(ctx context.Context, payload []byte) (any, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *transport.Request) {
		ctx = context.WithValue(ctx, requestKey{}, req)
		result, err := fn(ctx, req.Payload)
		reply(ctx, req, result, err)
	}
}

// Typed adapts fn to a handler: the request's envelope data is decoded into
// a fresh Args, and the returned Result or error becomes the reply.
func Typed[Args, Result any](fn func(ctx context.Context, args *Args) (*Result, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *transport.Request) {
		ctx = context.WithValue(ctx, requestKey{}, req)
		args := new(Args)
		msg, err := message.Decode(req.Payload, args)
		if err != nil {
			req.ReplyError(protocol.StatusBadRequest, err.Error())
			return
		}
		if msg != "" {
			req.ReplyError(protocol.StatusBadRequest, "request carries an error: "+msg)
			return
		}
		result, err := fn(ctx, args)
		if err != nil {
			reply(ctx, req, nil, err)
			return
		}
		reply(ctx, req, result, nil)
	}
}

func reply(ctx context.Context, req *transport.Request, result any, err error) {
	if err != nil {
		status := StatusFromError(err)
		if status == protocol.StatusInternal {
			log.FromCtx(ctx).Error("Handler failed", zap.String("method", req.Method), zap.Error(err))
		}
		req.ReplyError(status, err.Error())
		return
	}
	payload, err := message.Encode(result)
	if err != nil {
		log.FromCtx(ctx).Error("Encoding reply", zap.String("method", req.Method), zap.Error(err))
		req.ReplyError(protocol.StatusInternal, "unencodable result")
		return
	}
	req.Reply(protocol.StatusOK, payload)
}

// StatusFromError classifies a handler error. A *transport.StatusError from a
// nested call keeps its remote status, except that a peer's unknown method or
// shutdown, like a peer that cannot be reached, becomes StatusUpstream: those
// statuses describe the peer, not this daemon.
func StatusFromError(err error) protocol.Status {
	var se *transport.StatusError
	switch {
	case err == nil:
		return protocol.StatusOK
	case errors.As(err, &se):
		if se.Status == protocol.StatusUnknownMethod || se.Status == protocol.StatusShuttingDown {
			return protocol.StatusUpstream
		}
		return se.Status
	case errors.Is(err, errors.NotValid), errors.Is(err, errors.BadRequest),
		errors.Is(err, errors.NotSupported):
		return protocol.StatusBadRequest
	case errors.Is(err, errors.Unauthorized):
		return protocol.StatusUnauthorized
	case errors.Is(err, errors.Forbidden):
		return protocol.StatusForbidden
	case errors.Is(err, errors.NotFound):
		return protocol.StatusNotFound
	case errors.Is(err, errors.AlreadyExists):
		return protocol.StatusConflict
	case errors.Is(err, errors.QuotaLimitExceeded):
		return protocol.StatusRateLimited
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, errors.Timeout),
		errors.Is(err, context.DeadlineExceeded):
		return protocol.StatusTimeout
	case errors.Is(err, transport.ErrShuttingDown):
		return protocol.StatusShuttingDown
	case errors.Is(err, transport.ErrConnection), errors.Is(err, protocol.ErrConnectionClosed),
		errors.Is(err, registry.ErrNoInstances):
		return protocol.StatusUpstream
	}
	return protocol.StatusInternal
}

func (svr *Server) registerBuiltins() {
	svr.methods["stopDaemon"] = svr.stopDaemon
	svr.methods["ping"] = Typed(func(ctx context.Context, _ *struct{}) (*PingResult, error) {
		return &PingResult{Daemon: svr.name, State: svr.State().String(), Workers: svr.ActiveWorkers()}, nil
	})
}

// PingResult is the reply of the built-in ping method.
type PingResult struct {
	Daemon  string `json:"daemon"`
	State   string `json:"state"`
	Workers int    `json:"workers"`
}

// stopDaemon acknowledges first so the caller gets its reply before this
// connection is drained.
func (svr *Server) stopDaemon(ctx context.Context, req *transport.Request) {
	log.FromCtx(ctx).Info("Stop requested", zap.Stringer("remote", req.Endpoint().RemoteAddr()))
	payload, _ := message.Encode(nil)
	req.Reply(protocol.StatusOK, payload)
	go svr.Shutdown(context.Background())
}
