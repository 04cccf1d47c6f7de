// Package transport implements the Endpoint: one live connection plus the
// request/reply correlation layered on top of it.
//
// Every outgoing request gets a sequence number. Callers that want the answer
// leave a continuation in the pending table; whichever goroutine currently holds
// the reader role decodes the reply and hands it to that continuation.
//
//	goroutine-1 ──SendRequest(seq=1, cb1)──┐
//	goroutine-2 ──Call(seq=2)──────────────┼──→ one socket ──→ peer daemon
//	worker      ──ReadAndProcess───────────┘
//
//	reader: ←── reply(seq=2) → pending[2] → goroutine-2 wakes up
//	        ←── request("login") → Dispatcher → handler → SendReply
//
// Only one goroutine reads at a time; the role is a token passed through a
// channel, so a synchronous caller can either wait for another reader to deliver
// its reply or take the role itself. Bytes received before a read times out stay
// buffered in the decoder, so a timeout never desynchronizes the stream.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/protocol"
)

const (
	// ErrConnection reports that an outbound connection could not be established.
	ErrConnection = errors.ConstError("connection error")
	// ErrTimeout reports that a synchronous call got no reply within its bound.
	ErrTimeout = errors.ConstError("call timed out")
	// ErrUnknownMethod matches a 404 reply.
	ErrUnknownMethod = errors.ConstError("unknown method")
	// ErrShuttingDown matches a 503 reply.
	ErrShuttingDown = errors.ConstError("daemon shutting down")
)

const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	readChunk           = 32 * 1024
)

// aLongTimeAgo is a non-zero time in the past, used to wake a blocked Read.
var aLongTimeAgo = time.Unix(1, 0)

// State is the lifecycle of an Endpoint.
type State int

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Reply is a decoded reply frame handed to the caller that issued the request.
type Reply struct {
	Status  protocol.Status
	Seq     uint32
	Payload []byte
}

// Length is the payload length of the reply.
func (r *Reply) Length() int {
	return len(r.Payload)
}

// ReplyFunc is an asynchronous continuation. It runs exactly once per request:
// on the goroutine that reads the reply, or with an error on the goroutine that
// closes the endpoint first. No endpoint lock is held while it runs.
type ReplyFunc func(reply *Reply, err error)

// Dispatcher handles inbound requests read from an endpoint.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *Request)
}

// Endpoint owns one socket.
type Endpoint struct {
	conn         net.Conn
	logger       *zap.Logger
	dispatcher   Dispatcher
	callTimeout  time.Duration
	writeTimeout time.Duration

	// ctx lives as long as the endpoint; handlers run under it.
	ctx    context.Context
	cancel context.CancelFunc

	// sending serializes writes so frames never interleave on the wire.
	sending sync.Mutex

	// mu guards the fields below.
	mu      sync.Mutex
	seq     uint32
	pending map[uint32]ReplyFunc
	closed  bool

	// reader is the read-role token; dec and readBuf belong to its holder.
	reader  chan struct{}
	dec     protocol.Decoder
	readBuf []byte

	closeOnce sync.Once
	done      chan struct{}
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger used for connection-level events.
func WithLogger(l *zap.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithDispatcher makes the endpoint serve inbound requests.
// Without one, inbound requests are answered with StatusUnknownMethod.
func WithDispatcher(d Dispatcher) Option {
	return func(e *Endpoint) { e.dispatcher = d }
}

// WithCallTimeout bounds Call when the caller's context carries no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.callTimeout = d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(e *Endpoint) {
		if d > 0 {
			e.writeTimeout = d
		}
	}
}

// NewEndpoint wraps an established connection. The endpoint is Open on return.
func NewEndpoint(conn net.Conn, opts ...Option) *Endpoint {
	e := &Endpoint{
		conn:         conn,
		logger:       zap.NewNop(),
		callTimeout:  DefaultCallTimeout,
		writeTimeout: DefaultWriteTimeout,
		pending:      make(map[uint32]ReplyFunc),
		reader:       make(chan struct{}, 1),
		readBuf:      make([]byte, readChunk),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.Stringer("remote", conn.RemoteAddr()))
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Dial opens a connection to addr, wrapped in TLS when tlsConfig is non-nil.
// It does not retry; a refused, unreachable or failed handshake yields ErrConnection.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, opts ...Option) (*Endpoint, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(ErrConnection, "dialing %s: %v", addr, err)
	}
	if tlsConfig != nil {
		tconn := tls.Client(conn, tlsConfig)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Annotatef(ErrConnection, "tls handshake with %s: %v", addr, err)
		}
		conn = tconn
	}
	return NewEndpoint(conn, opts...), nil
}

// Conn returns the underlying connection.
func (e *Endpoint) Conn() net.Conn {
	return e.conn
}

// RemoteAddr is the peer's address.
func (e *Endpoint) RemoteAddr() net.Addr {
	return e.conn.RemoteAddr()
}

// Logger returns the endpoint's logger, annotated with the peer address.
func (e *Endpoint) Logger() *zap.Logger {
	return e.logger
}

// State reports whether the endpoint is still usable.
func (e *Endpoint) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return StateClosed
	}
	return StateOpen
}

// Done is closed once the endpoint is closed.
func (e *Endpoint) Done() <-chan struct{} {
	return e.done
}

// Pending is the number of requests still waiting for a reply.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// nextSeqLocked allocates a sequence number not used by any outstanding request.
// Zero is never issued.
func (e *Endpoint) nextSeqLocked() uint32 {
	for {
		e.seq++
		if e.seq == 0 {
			continue
		}
		if _, busy := e.pending[e.seq]; !busy {
			return e.seq
		}
	}
}

// SendRequest writes a request frame and returns its sequence number without
// waiting. If onReply is non-nil it is recorded before the frame is written, so
// even an immediate reply finds it; it later runs inside whichever
// ReadAndProcess cycle consumes the reply.
func (e *Endpoint) SendRequest(method string, payload []byte, onReply ReplyFunc) (uint32, error) {
	e.sending.Lock()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.sending.Unlock()
		return 0, errors.Annotatef(protocol.ErrConnectionClosed, "sending %q", method)
	}
	seq := e.nextSeqLocked()
	if onReply != nil {
		e.pending[seq] = onReply
	}
	e.mu.Unlock()

	raw, err := protocol.EncodeRequest(method, seq, payload)
	if err == nil {
		err = e.write(raw)
	}
	e.sending.Unlock()
	if err != nil {
		e.forget(seq)
		e.closeIfBroken(err)
		return 0, errors.Trace(err)
	}
	return seq, nil
}

// SendReply writes a reply frame for seq. A peer that disconnected before the
// handler finished is expected under load, so failures are logged and dropped.
func (e *Endpoint) SendReply(status protocol.Status, seq uint32, payload []byte) {
	if e.State() == StateClosed {
		e.logger.Debug("Dropping reply on closed endpoint", zap.Uint32("seq", seq), zap.Stringer("status", status))
		return
	}
	raw, err := protocol.EncodeReply(status, seq, payload)
	if err != nil {
		e.logger.Error("Failed to encode reply", zap.Uint32("seq", seq), zap.Error(err))
		return
	}
	e.sending.Lock()
	err = e.write(raw)
	e.sending.Unlock()
	if err != nil {
		e.logger.Info("Failed to write reply", zap.Uint32("seq", seq), zap.Error(err))
		e.closeIfBroken(err)
	}
}

// write sends one encoded frame. Callers hold e.sending.
func (e *Endpoint) write(raw []byte) error {
	if err := e.conn.SetWriteDeadline(time.Now().Add(e.writeTimeout)); err != nil {
		return errors.Annotate(protocol.ErrConnectionClosed, err.Error())
	}
	if _, err := e.conn.Write(raw); err != nil {
		if isTimeout(err) {
			return errors.Annotatef(ErrTimeout, "writing frame: %v", err)
		}
		return errors.Annotate(protocol.ErrConnectionClosed, err.Error())
	}
	return nil
}

// closeIfBroken closes the endpoint after a write timed out: a partially
// written frame leaves the stream unusable. Callers must not hold e.sending,
// since Close runs the pending continuations.
func (e *Endpoint) closeIfBroken(err error) {
	if errors.Is(err, ErrTimeout) {
		e.Close()
	}
}

// forget drops a pending entry and reports whether it was still there.
func (e *Endpoint) forget(seq uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[seq]
	delete(e.pending, seq)
	return ok
}

type callResult struct {
	reply *Reply
	err   error
}

// Call sends a request and blocks until its reply arrives. While waiting it
// either lets the current reader deliver the reply or reads itself, dispatching
// any unrelated replies and inbound requests it meets along the way.
//
// The wait is always bounded: by ctx's deadline, or by the endpoint's call
// timeout when ctx has none. On expiry the pending entry is discarded and the
// error satisfies errors.Is(err, ErrTimeout); a late reply is dropped.
func (e *Endpoint) Call(ctx context.Context, method string, payload []byte) (*Reply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.callTimeout)
		defer cancel()
	}

	// Inside a handler the dispatching goroutine already holds the reader
	// role; the lease lets a nested call read on its behalf.
	var lease chan struct{}
	if l, ok := ctx.Value(leaseKey{}).(*readLease); ok && l.ep == e {
		lease = l.ch
	}

	ch := make(chan callResult, 1)
	seq, err := e.SendRequest(method, payload, func(r *Reply, err error) {
		ch <- callResult{reply: r, err: err}
	})
	if err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-ch:
			return res.reply, res.err
		default:
		}

		select {
		case res := <-ch:
			return res.reply, res.err
		case <-ctx.Done():
			return e.abandon(ctx, ch, method, seq)
		case e.reader <- struct{}{}:
			err := e.readOnce(ctx)
			<-e.reader
			if res, done := e.afterRead(ctx, ch, err); done {
				return res.reply, res.err
			}
		case lease <- struct{}{}:
			err := e.readOnce(ctx)
			<-lease
			if res, done := e.afterRead(ctx, ch, err); done {
				return res.reply, res.err
			}
		}
	}
}

// afterRead decides whether a failed read cycle ends the call.
func (e *Endpoint) afterRead(ctx context.Context, ch chan callResult, err error) (callResult, bool) {
	if err == nil || ctx.Err() != nil {
		return callResult{}, false
	}
	// The connection failed; Close already completed the pending entry.
	select {
	case res := <-ch:
		return res, true
	default:
		return callResult{err: err}, true
	}
}

type leaseKey struct{}

// readLease lends the reader role of ep to calls made by the handler that
// ep is currently dispatching. ch is revoked, by filling it for good, once
// the handler returns.
type readLease struct {
	ep *Endpoint
	ch chan struct{}
}

func (e *Endpoint) abandon(ctx context.Context, ch chan callResult, method string, seq uint32) (*Reply, error) {
	if !e.forget(seq) {
		// The continuation already ran or is about to; its result wins.
		res := <-ch
		return res.reply, res.err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, errors.Annotatef(ErrTimeout, "%s (seq %d)", method, seq)
	}
	return nil, errors.Annotatef(ctx.Err(), "%s (seq %d)", method, seq)
}

// ReadAndProcess performs one read-decode-dispatch cycle: it blocks until a
// whole frame is available, then either completes the matching pending call or
// dispatches the inbound request. It returns ctx's error if ctx ends first,
// protocol.ErrConnectionClosed once the peer is gone and protocol.ErrProtocol on
// a malformed frame; both of the latter close the endpoint.
func (e *Endpoint) ReadAndProcess(ctx context.Context) error {
	select {
	case e.reader <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errors.Trace(protocol.ErrConnectionClosed)
	}
	defer func() { <-e.reader }()
	return e.readOnce(ctx)
}

// HasPartialFrame reports whether some bytes of a not yet complete frame are
// buffered. It waits for the reader role to be free.
func (e *Endpoint) HasPartialFrame() bool {
	select {
	case e.reader <- struct{}{}:
	case <-e.done:
		return false
	}
	defer func() { <-e.reader }()
	return e.dec.Buffered() > 0
}

// Run loops ReadAndProcess until the connection closes or ctx ends. It is the
// background reader for endpoints used only for asynchronous client calls.
func (e *Endpoint) Run(ctx context.Context) error {
	for {
		err := e.ReadAndProcess(ctx)
		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrConnectionClosed):
			return nil
		default:
			return err
		}
	}
}

// readOnce is ReadAndProcess for a caller already holding the reader token.
func (e *Endpoint) readOnce(ctx context.Context) error {
	for {
		f, err := e.dec.Next()
		if err == nil {
			e.dispatch(f)
			return nil
		}
		if !errors.Is(err, protocol.ErrNeedMoreData) {
			e.logger.Info("Closing connection on malformed frame", zap.Error(err))
			e.Close()
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		deadline, _ := ctx.Deadline()
		if err := e.conn.SetReadDeadline(deadline); err != nil {
			e.Close()
			return errors.Annotate(protocol.ErrConnectionClosed, err.Error())
		}
		stop := context.AfterFunc(ctx, func() {
			e.conn.SetReadDeadline(aLongTimeAgo)
		})
		n, err := e.conn.Read(e.readBuf)
		stop()
		if n > 0 {
			e.dec.Feed(e.readBuf[:n])
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			// Either ctx ended, checked at the top of the loop, or a stale wakeup
			// meant for an earlier reader; both leave the buffer intact.
			continue
		}
		if n > 0 {
			if f, derr := e.dec.Next(); derr == nil {
				e.dispatch(f)
				return nil
			}
		}
		e.Close()
		return errors.Annotate(protocol.ErrConnectionClosed, err.Error())
	}
}

func (e *Endpoint) dispatch(f *protocol.Frame) {
	if !f.IsRequest() {
		e.mu.Lock()
		onReply, ok := e.pending[f.Seq]
		delete(e.pending, f.Seq)
		e.mu.Unlock()
		if !ok {
			e.logger.Debug("Dropping reply without pending call", zap.Uint32("seq", f.Seq), zap.Stringer("status", f.Status))
			return
		}
		onReply(&Reply{Status: f.Status, Seq: f.Seq, Payload: f.Payload}, nil)
		return
	}

	req := newRequest(e, f)
	if e.dispatcher == nil {
		req.Reply(protocol.StatusUnknownMethod, unknownMethodPayload(f.Method))
		return
	}
	lease := &readLease{ep: e, ch: make(chan struct{}, 1)}
	e.dispatcher.Dispatch(context.WithValue(e.ctx, leaseKey{}, lease), req)
	// Waits for a nested read still in progress, e.g. from a detached goroutine.
	lease.ch <- struct{}{}
}

// Close releases the socket and fails every pending call. It is idempotent.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		pending := e.pending
		e.pending = make(map[uint32]ReplyFunc)
		e.mu.Unlock()

		e.cancel()
		err = e.conn.Close()
		for seq, onReply := range pending {
			onReply(nil, errors.Annotatef(protocol.ErrConnectionClosed, "seq %d", seq))
		}
		close(e.done)
	})
	return err
}

func isTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}
