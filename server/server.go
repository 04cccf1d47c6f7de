// Package server implements the daemon side of the substrate: the method
// registry, the per-connection workers and the supervisor that owns the
// listening socket.
//
// Request processing pipeline:
//
//	accept loop (1s deadline) → one worker goroutine per connection
//	  → Endpoint.ReadAndProcess → Server.Dispatch
//	    → middleware chain → route (method registry lookup) → handler → Request.Reply
//
// Lifecycle:
//
//	Starting ──Serve──→ Accepting ──Shutdown/stopDaemon──→ Draining ──workers gone──→ Stopped
package server

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/metrics"
	"hen/middleware"
	"hen/registry"
	"hen/transport"
)

const (
	DefaultAcceptTimeout = time.Second
	DefaultDrainTimeout  = 30 * time.Second
	drainLogInterval     = 2 * time.Second
	registrationTTL      = 10
)

// ErrNotStarting is returned when the method registry is changed after the
// supervisor has started accepting.
const ErrNotStarting = errors.ConstError("server already started")

// State is the supervisor lifecycle.
type State int32

const (
	StateStarting State = iota
	StateAccepting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Server is one daemon process's supervisor and dispatcher.
type Server struct {
	name          string
	logger        *zap.Logger
	metrics       *metrics.Server
	tlsConfig     *tls.Config
	acceptTimeout time.Duration
	drainTimeout  time.Duration
	callTimeout   time.Duration

	methods     map[string]middleware.HandlerFunc // read-only once accepting
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(...(route))

	registry      registry.Registry // nil when not using discovery
	advertiseAddr string

	state    atomic.Int32
	listener net.Listener

	mu        sync.Mutex
	workers   map[uint64]*worker
	nextID    uint64
	announced string         // address registered with discovery, if any
	wg        sync.WaitGroup // one per running worker

	// drainCtx ends when draining starts; forceCtx when the drain timeout expires.
	drainCtx    context.Context
	drainCancel context.CancelFunc
	forceCtx    context.Context
	forceCancel context.CancelFunc

	shutdownOnce sync.Once
	acceptDone   chan struct{}
	stopped      chan struct{}
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithTLS makes the server wrap every accepted connection in TLS.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) { s.tlsConfig = cfg }
}

func WithMetrics(m *metrics.Server) Option {
	return func(s *Server) { s.metrics = m }
}

// WithRegistry announces the daemon under its name at advertiseAddr while it
// is accepting.
func WithRegistry(reg registry.Registry, advertiseAddr string) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
	}
}

// WithAcceptTimeout sets how long a single accept may block before the loop
// re-checks for a shutdown request.
func WithAcceptTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.acceptTimeout = d
		}
	}
}

// WithDrainTimeout bounds how long Shutdown waits for workers before closing
// their connections.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithCallTimeout sets the default bound of synchronous calls made over the
// server's own connections.
func WithCallTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.callTimeout = d
		}
	}
}

// NewServer creates a daemon named name with the built-in stopDaemon and ping
// methods registered.
func NewServer(name string, opts ...Option) *Server {
	svr := &Server{
		name:          name,
		logger:        zap.NewNop(),
		acceptTimeout: DefaultAcceptTimeout,
		drainTimeout:  DefaultDrainTimeout,
		callTimeout:   transport.DefaultCallTimeout,
		methods:       make(map[string]middleware.HandlerFunc),
		workers:       make(map[uint64]*worker),
		acceptDone:    make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(svr)
	}
	svr.logger = svr.logger.With(zap.String("daemon", name))
	svr.drainCtx, svr.drainCancel = context.WithCancel(context.Background())
	svr.forceCtx, svr.forceCancel = context.WithCancel(context.Background())
	svr.registerBuiltins()
	return svr
}

// Name is the daemon's name.
func (svr *Server) Name() string {
	return svr.name
}

// State returns the current lifecycle state.
func (svr *Server) State() State {
	return State(svr.state.Load())
}

// noteState reports a transition that has already been stored.
func (svr *Server) noteState(s State) {
	if svr.metrics != nil {
		svr.metrics.State.Set(float64(s))
	}
	svr.logger.Info("State changed", zap.Stringer("state", s))
}

// Stopped is closed once the supervisor reaches StateStopped.
func (svr *Server) Stopped() <-chan struct{} {
	return svr.stopped
}

// Use appends a middleware. Middlewares apply in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) error {
	if svr.State() != StateStarting {
		return errors.Trace(ErrNotStarting)
	}
	svr.middlewares = append(svr.middlewares, mw)
	return nil
}

// Listen binds the listening socket. The server stays in StateStarting until
// Serve is called.
func (svr *Server) Listen(network, address string) error {
	if svr.State() != StateStarting || svr.listener != nil {
		return errors.Trace(ErrNotStarting)
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return errors.Annotatef(err, "listening on %s", address)
	}
	svr.listener = ln
	return nil
}

// Addr is the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve builds the dispatch chain, announces the daemon and runs the accept
// loop. It returns nil once the server has been shut down and reached
// StateStopped, or an error if accepting fails for any other reason.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	if !svr.state.CompareAndSwap(int32(StateStarting), int32(StateAccepting)) {
		return errors.Trace(ErrNotStarting)
	}
	// Build the middleware chain once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.route)
	svr.noteState(StateAccepting)
	svr.announce()

	err := svr.acceptLoop()
	close(svr.acceptDone)
	if err != nil {
		svr.logger.Error("Accept loop failed", zap.Error(err))
		svr.Shutdown(context.Background())
		return err
	}
	<-svr.stopped
	return nil
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(network, address string) error {
	if err := svr.Listen(network, address); err != nil {
		return err
	}
	return svr.Serve()
}

type deadliner interface {
	SetDeadline(time.Time) error
}

func (svr *Server) acceptLoop() error {
	dl, canTimeout := svr.listener.(deadliner)
	for svr.State() == StateAccepting {
		if canTimeout {
			dl.SetDeadline(time.Now().Add(svr.acceptTimeout))
		}
		conn, err := svr.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if svr.State() != StateAccepting {
				return nil
			}
			return errors.Annotate(err, "accept")
		}
		if svr.State() != StateAccepting {
			// Lost the race with a shutdown request.
			conn.Close()
			return nil
		}
		svr.startWorker(conn)
	}
	return nil
}

// Shutdown drains the server: it stops accepting, lets busy workers finish the
// request in hand, closes connections still open after the drain timeout and
// finally closes the listener. It blocks until StateStopped or ctx ends; the
// drain itself continues in the background if ctx ends first. Calling it
// more than once is safe.
func (svr *Server) Shutdown(ctx context.Context) error {
	svr.shutdownOnce.Do(func() {
		go svr.drain()
	})
	select {
	case <-svr.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (svr *Server) drain() {
	served := svr.state.CompareAndSwap(int32(StateAccepting), int32(StateDraining))
	if !served {
		svr.state.CompareAndSwap(int32(StateStarting), int32(StateDraining))
	}
	svr.noteState(StateDraining)
	svr.withdraw()

	// Wake idle workers and a blocked Accept.
	svr.drainCancel()
	if dl, ok := svr.listener.(deadliner); ok {
		dl.SetDeadline(time.Unix(1, 0))
	}
	if served {
		<-svr.acceptDone
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	ticker := time.NewTicker(drainLogInterval)
	defer ticker.Stop()
	timer := time.NewTimer(svr.drainTimeout)
	defer timer.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			svr.logger.Info("Waiting for connection workers", zap.Int("active", svr.ActiveWorkers()))
		case <-timer.C:
			svr.logger.Warn("Drain timeout expired, closing remaining connections",
				zap.Int("active", svr.ActiveWorkers()), zap.Duration("timeout", svr.drainTimeout))
			svr.forceCancel()
			svr.closeWorkers()
			<-done
			break wait
		}
	}

	if svr.listener != nil {
		if err := svr.listener.Close(); err != nil {
			svr.logger.Debug("Closing listener", zap.Error(err))
		}
	}
	svr.forceCancel()
	svr.state.Store(int32(StateStopped))
	svr.noteState(StateStopped)
	close(svr.stopped)
}

// announce registers the daemon with the discovery registry, if any.
func (svr *Server) announce() {
	if svr.registry == nil {
		return
	}
	addr := svr.advertiseAddr
	if addr == "" {
		addr = svr.listener.Addr().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := svr.registry.Register(ctx, svr.name, registry.ServiceInstance{
		Addr: addr,
		TLS:  svr.tlsConfig != nil,
	}, registrationTTL)
	if err != nil {
		// Peers configured with static addresses can still reach us.
		svr.logger.Warn("Failed to register with discovery", zap.Error(err))
		return
	}
	svr.mu.Lock()
	draining := svr.State() != StateAccepting
	if !draining {
		svr.announced = addr
	}
	svr.mu.Unlock()
	if draining {
		// Shutdown began while registering and has already withdrawn.
		svr.deregister(addr)
	}
}

// withdraw removes the registration first, so peers stop dialing a daemon
// that is about to go away.
func (svr *Server) withdraw() {
	svr.mu.Lock()
	addr := svr.announced
	svr.announced = ""
	svr.mu.Unlock()
	if svr.registry == nil || addr == "" {
		return
	}
	svr.deregister(addr)
}

func (svr *Server) deregister(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svr.registry.Deregister(ctx, svr.name, addr); err != nil {
		svr.logger.Warn("Failed to deregister from discovery", zap.Error(err))
	}
}
