package transport

import (
	"context"
	"sync/atomic"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/message"
	"hen/protocol"
)

// Request is an inbound call read from an Endpoint. A handler must answer it
// with exactly one Reply, either before returning or, after Detach, later from
// another goroutine.
type Request struct {
	Method  string
	Seq     uint32
	Payload []byte

	ep       *Endpoint
	replied  atomic.Bool
	detached atomic.Bool
	status   atomic.Uint32
}

func newRequest(ep *Endpoint, f *protocol.Frame) *Request {
	return &Request{Method: f.Method, Seq: f.Seq, Payload: f.Payload, ep: ep}
}

// NewRequest builds a request bound to ep, for dispatching frames that did not
// come off the endpoint's own read loop (tests, in-process forwarding).
func NewRequest(ep *Endpoint, method string, seq uint32, payload []byte) *Request {
	return &Request{Method: method, Seq: seq, Payload: payload, ep: ep}
}

// Length is the payload length of the request.
func (r *Request) Length() int {
	return len(r.Payload)
}

// Endpoint is the connection the request arrived on.
func (r *Request) Endpoint() *Endpoint {
	return r.ep
}

// Reply answers the request. Only the first call has any effect.
func (r *Request) Reply(status protocol.Status, payload []byte) {
	if !r.replied.CompareAndSwap(false, true) {
		r.ep.logger.Warn("Ignoring second reply",
			zap.String("method", r.Method), zap.Uint32("seq", r.Seq), zap.Stringer("status", status))
		return
	}
	r.status.Store(uint32(status))
	r.ep.SendReply(status, r.Seq, payload)
}

// ReplyError answers the request with a non-2xx status and a readable message.
func (r *Request) ReplyError(status protocol.Status, msg string) {
	r.Reply(status, message.EncodeError(msg))
}

// Replied reports whether Reply has been called.
func (r *Request) Replied() bool {
	return r.replied.Load()
}

// Status is the status the request was answered with, or 0 before Reply.
func (r *Request) Status() protocol.Status {
	return protocol.Status(r.status.Load())
}

// Detach tells the dispatcher that the handler will reply later, from another
// goroutine, so returning without a reply is not an error.
func (r *Request) Detach() {
	r.detached.Store(true)
}

// Detached reports whether Detach has been called.
func (r *Request) Detached() bool {
	return r.detached.Load()
}

func unknownMethodPayload(method string) []byte {
	return message.EncodeError("unknown method " + method)
}

// DispatcherFunc adapts a plain function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req *Request)

func (f DispatcherFunc) Dispatch(ctx context.Context, req *Request) {
	f(ctx, req)
}

// StatusError is a non-2xx reply turned into a Go error.
type StatusError struct {
	Status  protocol.Status
	Message string
}

// Is lets errors.Is match a status error against ErrUnknownMethod,
// ErrShuttingDown, ErrTimeout and errors.NotFound.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnknownMethod:
		return e.Status == protocol.StatusUnknownMethod
	case errors.NotFound:
		return e.Status == protocol.StatusNotFound
	case ErrShuttingDown:
		return e.Status == protocol.StatusShuttingDown
	case ErrTimeout:
		return e.Status == protocol.StatusTimeout
	}
	return false
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return e.Status.String()
	}
	return e.Status.String() + ": " + e.Message
}

// Err returns nil for a 2xx reply and a *StatusError otherwise, carrying the
// message from the reply's envelope.
func (r *Reply) Err() error {
	if r.Status.OK() {
		return nil
	}
	msg, err := message.Decode(r.Payload, nil)
	if err != nil {
		msg = "unreadable error payload"
	}
	return &StatusError{Status: r.Status, Message: msg}
}
