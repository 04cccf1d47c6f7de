package transport

import (
	"context"
	"slices"
	"sync"

	"github.com/juju/errors"
)

// ErrPoolClosed is returned by Get after Close.
const ErrPoolClosed = errors.ConstError("endpoint pool closed")

// EndpointPool lends endpoints to one address for exclusive use: a borrower
// runs its synchronous call, including the reading, then returns the endpoint.
//
// A semaphore bounds how many endpoints exist at once. Endpoints are dialed
// lazily. While idle, each endpoint has a watcher reading from it, so a peer
// that closes the connection (a restart, or a drain of idle workers) is
// noticed and the endpoint dropped before anyone borrows it.
type EndpointPool struct {
	addr string
	dial func(ctx context.Context) (*Endpoint, error)
	sem  chan struct{} // one token per endpoint in use or idle

	mu     sync.Mutex
	idle   []*idleEndpoint
	closed bool
}

type idleEndpoint struct {
	ep     *Endpoint
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEndpointPool creates an empty pool of at most size endpoints to addr.
func NewEndpointPool(addr string, size int, dial func(ctx context.Context) (*Endpoint, error)) *EndpointPool {
	if size < 1 {
		size = 1
	}
	return &EndpointPool{
		addr: addr,
		dial: dial,
		sem:  make(chan struct{}, size),
	}
}

// Addr is the address the pool dials.
func (p *EndpointPool) Addr() string {
	return p.addr
}

// Get borrows an idle endpoint or dials a new one, blocking while all slots
// are taken. The endpoint must be handed back with Put.
func (p *EndpointPool) Get(ctx context.Context) (*Endpoint, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for an endpoint to %s", p.addr)
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			<-p.sem
			return nil, errors.Trace(ErrPoolClosed)
		}
		var in *idleEndpoint
		if n := len(p.idle); n > 0 {
			in = p.idle[n-1]
			p.idle = p.idle[:n-1]
		}
		p.mu.Unlock()

		if in == nil {
			ep, err := p.dial(ctx)
			if err != nil {
				<-p.sem
				return nil, err
			}
			return ep, nil
		}
		in.cancel()
		<-in.done
		if in.ep.State() == StateClosed {
			continue
		}
		return in.ep, nil
	}
}

// Put returns a borrowed endpoint. Closed endpoints are discarded.
func (p *EndpointPool) Put(ep *Endpoint) {
	defer func() { <-p.sem }()
	if ep.State() == StateClosed {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ep.Close()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	in := &idleEndpoint{ep: ep, cancel: cancel, done: make(chan struct{})}
	p.idle = append(p.idle, in)
	go p.watch(ctx, in)
}

// watch reads from an idle endpoint until it is borrowed. Late replies to
// timed-out calls are dropped on the way.
func (p *EndpointPool) watch(ctx context.Context, in *idleEndpoint) {
	defer close(in.done)
	in.ep.Run(ctx)
	if in.ep.State() != StateClosed {
		return
	}
	p.mu.Lock()
	p.idle = slices.DeleteFunc(p.idle, func(x *idleEndpoint) bool { return x == in })
	p.mu.Unlock()
}

// Idle is the number of endpoints waiting to be borrowed.
func (p *EndpointPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close closes idle endpoints and those returned later.
func (p *EndpointPool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	for _, in := range idle {
		in.cancel()
		in.ep.Close()
		<-in.done
	}
	return nil
}
