// Package client is how one daemon (or the CLI) calls another by name.
//
// A call resolves the daemon through the registry, lets the balancer choose an
// instance, borrows an endpoint to it from a per-address pool and runs one
// bounded synchronous call. Endpoints are dialed with a bounded retry, so a
// daemon started before its peers waits a little for them instead of failing.
package client

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"go.uber.org/zap"

	"hen/loadbalance"
	"hen/message"
	"hen/metrics"
	"hen/registry"
	"hen/transport"
)

const (
	DefaultPoolSize     = 4
	DefaultDialAttempts = 3
	DefaultDialDelay    = 10 * time.Second
	DefaultDialTimeout  = 5 * time.Second
)

// Config assembles a Client. Registry is required.
type Config struct {
	Registry registry.Registry
	Balancer loadbalance.Balancer // round robin when nil
	TLS      *tls.Config          // used for instances that announce TLS
	PoolSize int                  // endpoints per instance

	CallTimeout  time.Duration // bound of calls whose ctx has no deadline
	DialTimeout  time.Duration // per dial attempt
	DialAttempts int
	DialDelay    time.Duration // between dial attempts

	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Client
}

func (c *Config) initDefaults() {
	if c.Balancer == nil {
		c.Balancer = &loadbalance.RoundRobinBalancer{}
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = transport.DefaultCallTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.DialAttempts <= 0 {
		c.DialAttempts = DefaultDialAttempts
	}
	if c.DialDelay <= 0 {
		c.DialDelay = DefaultDialDelay
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client calls daemons by name. It is safe for concurrent use.
type Client struct {
	cfg  Config
	dial func(ctx context.Context, addr string, tlsConfig *tls.Config, opts ...transport.Option) (*transport.Endpoint, error)

	mu     sync.Mutex
	pools  map[string]*transport.EndpointPool // by instance address
	owners map[string]string                  // instance address -> daemon
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Registry == nil {
		return nil, errors.NotValidf("client without registry")
	}
	cfg.initDefaults()
	return &Client{
		cfg:    cfg,
		dial:   transport.Dial,
		pools:  make(map[string]*transport.EndpointPool),
		owners: make(map[string]string),
	}, nil
}

// CallOption tunes a single call.
type CallOption func(*callOptions)

type callOptions struct {
	key string
}

// WithKey sets what the call is about, for balancers with affinity.
func WithKey(key string) CallOption {
	return func(o *callOptions) { o.key = key }
}

// Call invokes method on daemon with args and decodes the reply's data into
// result, which may be nil. A non-2xx reply is returned as a
// *transport.StatusError.
func (c *Client) Call(ctx context.Context, daemon, method string, args, result any, opts ...CallOption) error {
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	payload, err := message.Encode(args)
	if err != nil {
		return errors.Trace(err)
	}
	pool, err := c.pick(ctx, daemon, o.key)
	if err != nil {
		return err
	}
	ep, err := pool.Get(ctx)
	if err != nil {
		c.cfg.Metrics.ObserveCall(daemon, method, metrics.ResultNetwork, 0)
		return errors.Annotatef(err, "calling %s.%s", daemon, method)
	}

	begin := time.Now()
	reply, err := ep.Call(ctx, method, payload)
	elapsed := time.Since(begin).Seconds()
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			// The reply may still arrive; don't hand this endpoint to the next caller.
			ep.Close()
			c.cfg.Metrics.ObserveCall(daemon, method, metrics.ResultTimeout, elapsed)
		} else {
			c.cfg.Metrics.ObserveCall(daemon, method, metrics.ResultNetwork, elapsed)
		}
		pool.Put(ep)
		return errors.Annotatef(err, "calling %s.%s at %s", daemon, method, pool.Addr())
	}
	pool.Put(ep)

	if err := reply.Err(); err != nil {
		c.cfg.Metrics.ObserveCall(daemon, method, metrics.ResultStatus, elapsed)
		return err
	}
	c.cfg.Metrics.ObserveCall(daemon, method, metrics.ResultOK, elapsed)
	if result == nil {
		return nil
	}
	if _, err := message.Decode(reply.Payload, result); err != nil {
		return errors.Annotatef(err, "decoding %s.%s reply", daemon, method)
	}
	return nil
}

// Ping checks that daemon answers.
func (c *Client) Ping(ctx context.Context, daemon string) error {
	return c.Call(ctx, daemon, "ping", nil, nil)
}

// Stop asks daemon to shut down. The daemon acknowledges before draining.
func (c *Client) Stop(ctx context.Context, daemon string) error {
	return c.Call(ctx, daemon, "stopDaemon", nil, nil)
}

// Connect makes sure an endpoint to daemon can be established, dialing with
// the configured retry. Daemons call it at startup for the peers they depend on.
func (c *Client) Connect(ctx context.Context, daemon string) error {
	pool, err := c.pick(ctx, daemon, "")
	if err != nil {
		return err
	}
	ep, err := pool.Get(ctx)
	if err != nil {
		return errors.Annotatef(err, "connecting to %s", daemon)
	}
	pool.Put(ep)
	return nil
}

func (c *Client) pick(ctx context.Context, daemon, key string) (*transport.EndpointPool, error) {
	instances, err := c.cfg.Registry.Discover(ctx, daemon)
	if err != nil {
		return nil, errors.Annotatef(err, "resolving %s", daemon)
	}
	inst, err := c.cfg.Balancer.Pick(key, instances)
	if err != nil {
		return nil, errors.Annotatef(err, "choosing an instance of %s", daemon)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	pool, ok := c.pools[inst.Addr]
	if !ok {
		in := *inst
		pool = transport.NewEndpointPool(in.Addr, c.cfg.PoolSize, func(ctx context.Context) (*transport.Endpoint, error) {
			return c.dialRetry(ctx, daemon, in)
		})
		c.pools[in.Addr] = pool
		c.owners[in.Addr] = daemon
	}
	return pool, nil
}

// Follow watches the registry for the given daemons until ctx ends, closing
// the endpoints of instances that deregister. A draining daemon withdraws its
// registration first, so pooled connections to it are not reused.
func (c *Client) Follow(ctx context.Context, daemons ...string) {
	var wg sync.WaitGroup
	for _, daemon := range daemons {
		daemon := daemon
		updates := c.cfg.Registry.Watch(ctx, daemon)
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Catch up with anything that left before the watch started.
			instances, err := c.cfg.Registry.Discover(ctx, daemon)
			if err == nil || errors.Is(err, registry.ErrNoInstances) {
				c.prune(daemon, instances)
			}
			for instances := range updates {
				c.prune(daemon, instances)
			}
		}()
	}
	wg.Wait()
}

func (c *Client) prune(daemon string, instances []registry.ServiceInstance) {
	live := make(map[string]bool, len(instances))
	for _, in := range instances {
		live[in.Addr] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, owner := range c.owners {
		if owner != daemon || live[addr] {
			continue
		}
		c.cfg.Logger.Info("Instance left the registry", zap.String("daemon", daemon), zap.String("addr", addr))
		c.pools[addr].Close()
		delete(c.pools, addr)
		delete(c.owners, addr)
	}
}

// dialRetry dials inst up to DialAttempts times, DialDelay apart. Only
// connection errors are retried.
func (c *Client) dialRetry(ctx context.Context, daemon string, inst registry.ServiceInstance) (*transport.Endpoint, error) {
	var tlsConfig *tls.Config
	if inst.TLS {
		if c.cfg.TLS == nil {
			return nil, errors.NotValidf("%s at %s requires TLS but no TLS config", daemon, inst.Addr)
		}
		tlsConfig = c.cfg.TLS
	}
	logger := c.cfg.Logger.With(zap.String("daemon", daemon), zap.String("addr", inst.Addr))

	var ep *transport.Endpoint
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
			defer cancel()
			var err error
			ep, err = c.dial(dctx, inst.Addr, tlsConfig,
				transport.WithLogger(logger),
				transport.WithCallTimeout(c.cfg.CallTimeout))
			return err
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, transport.ErrConnection)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Info("Dial failed, will retry", zap.Int("attempt", attempt), zap.Error(err))
		},
		Attempts: c.cfg.DialAttempts,
		Delay:    c.cfg.DialDelay,
		Clock:    c.cfg.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ep, nil
}

// Close closes every pooled endpoint.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr, pool := range c.pools {
		pool.Close()
		delete(c.pools, addr)
		delete(c.owners, addr)
	}
	return nil
}
