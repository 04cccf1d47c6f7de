package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"hen/message"
	"hen/metrics"
	"hen/protocol"
	"hen/registry"
	"hen/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type addArgs struct {
	A, B int
}

type addResult struct {
	Sum int
}

func echo(ctx context.Context, req *transport.Request) {
	req.Reply(protocol.StatusOK, req.Payload)
}

// start serves svr on a loopback port and shuts it down when the test ends.
func start(t *testing.T, svr *Server) string {
	t.Helper()
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()
	require.Eventually(t, func() bool { return svr.State() == StateAccepting }, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svr.Shutdown(ctx))
		require.NoError(t, <-served)
	})
	return svr.Addr().String()
}

func dial(t *testing.T, addr string) *transport.Endpoint {
	t.Helper()
	ep, err := transport.Dial(context.Background(), addr, nil, transport.WithCallTimeout(2*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep
}

func call(t *testing.T, ep *transport.Endpoint, method string, args any) *transport.Reply {
	t.Helper()
	payload, err := message.Encode(args)
	require.NoError(t, err)
	reply, err := ep.Call(context.Background(), method, payload)
	require.NoError(t, err)
	return reply
}

func newTestServer(opts ...Option) *Server {
	opts = append([]Option{WithAcceptTimeout(50 * time.Millisecond), WithDrainTimeout(2 * time.Second)}, opts...)
	return NewServer("test", opts...)
}

func TestUnknownMethodKeepsConnection(t *testing.T) {
	svr := newTestServer()
	ep := dial(t, start(t, svr))

	reply := call(t, ep, "noSuchMethod", nil)
	assert.Equal(t, protocol.StatusUnknownMethod, reply.Status)
	assert.True(t, errors.Is(reply.Err(), transport.ErrUnknownMethod))

	reply = call(t, ep, "ping", nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	var pong PingResult
	_, err := message.Decode(reply.Payload, &pong)
	require.NoError(t, err)
	assert.Equal(t, PingResult{Daemon: "test", State: "accepting", Workers: 1}, pong)
}

func TestHandlerPanicIsContained(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("boom", func(ctx context.Context, req *transport.Request) {
		panic("handler bug")
	}))
	require.NoError(t, svr.Register("echo", echo))
	ep := dial(t, start(t, svr))

	assert.Equal(t, protocol.StatusInternal, call(t, ep, "boom", nil).Status)
	// Same connection, same worker.
	assert.Equal(t, protocol.StatusOK, call(t, ep, "echo", nil).Status)
	assert.Equal(t, 1, svr.ActiveWorkers())
}

func TestHandlerWithoutReply(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("forgetful", func(ctx context.Context, req *transport.Request) {}))
	ep := dial(t, start(t, svr))

	reply := call(t, ep, "forgetful", nil)
	assert.Equal(t, protocol.StatusInternal, reply.Status)
}

func TestDetachedReply(t *testing.T) {
	svr := newTestServer()
	done := make(chan struct{})
	require.NoError(t, svr.Register("later", func(ctx context.Context, req *transport.Request) {
		req.Detach()
		go func() {
			defer close(done)
			time.Sleep(50 * time.Millisecond)
			req.Reply(protocol.StatusOK, req.Payload)
		}()
	}))
	ep := dial(t, start(t, svr))

	assert.Equal(t, protocol.StatusOK, call(t, ep, "later", nil).Status)
	<-done
}

func TestTypedHandlers(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("add", Typed(func(ctx context.Context, args *addArgs) (*addResult, error) {
		if args.A < 0 || args.B < 0 {
			return nil, errors.NotValidf("negative operand")
		}
		return &addResult{Sum: args.A + args.B}, nil
	})))
	require.NoError(t, svr.Register("lookup", Unary(func(ctx context.Context, payload []byte) (any, error) {
		return nil, errors.NotFoundf("node n17")
	})))
	ep := dial(t, start(t, svr))

	reply := call(t, ep, "add", &addArgs{A: 1, B: 2})
	require.NoError(t, reply.Err())
	var res addResult
	_, err := message.Decode(reply.Payload, &res)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sum)

	reply = call(t, ep, "add", &addArgs{A: -1})
	assert.Equal(t, protocol.StatusBadRequest, reply.Status)
	var se *transport.StatusError
	require.True(t, errors.As(reply.Err(), &se))
	assert.Contains(t, se.Message, "negative operand")

	bad, err := ep.Call(context.Background(), "add", []byte("{not json"))
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusBadRequest, bad.Status)

	lookup := call(t, ep, "lookup", nil)
	assert.Equal(t, protocol.StatusNotFound, lookup.Status)
	assert.True(t, errors.Is(lookup.Err(), errors.NotFound))
	assert.False(t, errors.Is(lookup.Err(), transport.ErrUnknownMethod))
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want protocol.Status
	}{
		{nil, protocol.StatusOK},
		{errors.NotValidf("x"), protocol.StatusBadRequest},
		{errors.Unauthorizedf("x"), protocol.StatusUnauthorized},
		{errors.Forbiddenf("x"), protocol.StatusForbidden},
		{errors.NotFoundf("x"), protocol.StatusNotFound},
		{errors.AlreadyExistsf("x"), protocol.StatusConflict},
		{errors.Annotate(transport.ErrTimeout, "calling auth"), protocol.StatusTimeout},
		{errors.Annotate(transport.ErrConnection, "dialing power"), protocol.StatusUpstream},
		{errors.Annotate(registry.ErrNoInstances, "power"), protocol.StatusUpstream},
		{transport.ErrShuttingDown, protocol.StatusShuttingDown},
		{errors.Annotate(&transport.StatusError{Status: protocol.StatusUnknownMethod}, "powerOn"), protocol.StatusUpstream},
		{errors.Annotate(&transport.StatusError{Status: protocol.StatusShuttingDown}, "powerOn"), protocol.StatusUpstream},
		{errors.Annotate(&transport.StatusError{Status: protocol.StatusNotFound}, "check"), protocol.StatusNotFound},
		{errors.Annotate(&transport.StatusError{Status: protocol.StatusUnauthorized}, "checkSession"), protocol.StatusUnauthorized},
		{errors.New("boom"), protocol.StatusInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFromError(tt.err), "%v", tt.err)
	}
}

func TestRegisterRules(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	svr := newTestServer(WithLogger(zap.New(core)))

	require.NoError(t, svr.Register("dup", func(ctx context.Context, req *transport.Request) {
		req.Reply(protocol.StatusConflict, nil)
	}))
	require.NoError(t, svr.Register("dup", echo))
	require.Equal(t, 1, logs.FilterMessage("Replacing registered method").Len())
	assert.True(t, errors.Is(svr.Register("", echo), errors.NotValid))

	ep := dial(t, start(t, svr))
	assert.Equal(t, protocol.StatusOK, call(t, ep, "dup", nil).Status, "last registration wins")

	assert.True(t, errors.Is(svr.Register("late", echo), ErrNotStarting))
	assert.True(t, errors.Is(svr.Use(nil), ErrNotStarting))
}

func TestGracefulShutdown(t *testing.T) {
	m := metrics.NewServer(nil, "test")
	svr := newTestServer(WithMetrics(m))
	started := make(chan struct{})
	require.NoError(t, svr.Register("slow", func(ctx context.Context, req *transport.Request) {
		close(started)
		time.Sleep(300 * time.Millisecond)
		req.Reply(protocol.StatusOK, nil)
	}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	addr := svr.Addr().String()
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()
	require.Eventually(t, func() bool { return svr.State() == StateAccepting }, time.Second, 5*time.Millisecond)

	busy := dial(t, addr)
	idle := dial(t, addr)
	assert.Equal(t, protocol.StatusOK, call(t, idle, "ping", nil).Status)

	replies := make(chan *transport.Reply, 1)
	_, err := busy.SendRequest("slow", nil, func(r *transport.Reply, err error) {
		assert.NoError(t, err)
		replies <- r
	})
	require.NoError(t, err)
	go busy.Run(context.Background())
	<-started

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return svr.State() == StateDraining }, time.Second, time.Millisecond)

	// The idle connection is closed without waiting for the slow request.
	require.Eventually(t, func() bool { return svr.ActiveWorkers() == 1 }, time.Second, 5*time.Millisecond)
	_, err = idle.Call(context.Background(), "ping", nil)
	assert.True(t, errors.Is(err, protocol.ErrConnectionClosed), "got %v", err)
	assert.Equal(t, StateDraining, svr.State(), "stopped before the busy worker finished")

	reply := <-replies
	assert.Equal(t, protocol.StatusOK, reply.Status)
	require.NoError(t, <-shutdown)
	require.NoError(t, <-served)
	assert.Equal(t, StateStopped, svr.State())
	assert.Equal(t, 0, svr.ActiveWorkers())
	assert.Equal(t, float64(StateStopped), testutil.ToFloat64(m.State))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Accepted))

	// Nothing is served after the listener closed.
	late, err := transport.Dial(context.Background(), addr, nil)
	if err == nil {
		defer late.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, err = late.Call(ctx, "ping", nil)
	}
	assert.Error(t, err)
	busy.Close()
}

func TestDrainFinishesPartialFrame(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("echo", echo))
	addr := start(t, svr)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw, err := protocol.EncodeRequest("echo", 7, []byte("payload"))
	require.NoError(t, err)
	_, err = conn.Write(raw[:protocol.HeaderSize+2])
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	go svr.Shutdown(context.Background())
	require.Eventually(t, func() bool { return svr.State() == StateDraining }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, svr.ActiveWorkers())

	_, err = conn.Write(raw[protocol.HeaderSize+2:])
	require.NoError(t, err)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	f, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), f.Seq)
	assert.Equal(t, protocol.StatusOK, f.Status)
	assert.Equal(t, []byte("payload"), f.Payload)

	// Then the worker leaves and the connection closes.
	_, err = protocol.Decode(conn)
	assert.True(t, errors.Is(err, protocol.ErrConnectionClosed))
}

func TestDrainTimeoutForcesClose(t *testing.T) {
	svr := NewServer("test", WithAcceptTimeout(50*time.Millisecond), WithDrainTimeout(200*time.Millisecond))
	started := make(chan struct{})
	require.NoError(t, svr.Register("stuck", func(ctx context.Context, req *transport.Request) {
		close(started)
		<-ctx.Done()
	}))
	addr := start(t, svr)
	ep := dial(t, addr)

	result := make(chan error, 1)
	go func() {
		_, err := ep.Call(context.Background(), "stuck", nil)
		result <- err
	}()
	<-started

	begin := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svr.Shutdown(ctx))
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, StateStopped, svr.State())

	err := <-result
	assert.True(t, errors.Is(err, protocol.ErrConnectionClosed), "got %v", err)
}

func TestStopDaemon(t *testing.T) {
	svr := newTestServer()
	ep := dial(t, start(t, svr))

	reply := call(t, ep, "stopDaemon", nil)
	assert.Equal(t, protocol.StatusOK, reply.Status)
	select {
	case <-svr.Stopped():
	case <-time.After(3 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestShutdownBeforeServe(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	require.NoError(t, svr.Shutdown(context.Background()))
	assert.Equal(t, StateStopped, svr.State())
	assert.True(t, errors.Is(svr.Serve(), ErrNotStarting))
}

func TestAnnouncesToRegistry(t *testing.T) {
	reg := registry.NewStaticRegistry(nil)
	svr := NewServer("power", WithAcceptTimeout(50*time.Millisecond), WithRegistry(reg, ""))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()

	require.Eventually(t, func() bool {
		instances, err := reg.Discover(context.Background(), "power")
		return err == nil && instances[0].Addr == svr.Addr().String()
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svr.Shutdown(context.Background()))
	require.NoError(t, <-served)
	_, err := reg.Discover(context.Background(), "power")
	assert.True(t, errors.Is(err, registry.ErrNoInstances))
}

func TestConcurrentClients(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("add", Typed(func(ctx context.Context, args *addArgs) (*addResult, error) {
		return &addResult{Sum: args.A + args.B}, nil
	})))
	addr := start(t, svr)

	errs := make(chan error, 8)
	for c := 0; c < 8; c++ {
		ep := dial(t, addr)
		go func(c int) {
			for i := 0; i < 20; i++ {
				payload, _ := message.Encode(&addArgs{A: c, B: i})
				reply, err := ep.Call(context.Background(), "add", payload)
				if err != nil {
					errs <- err
					return
				}
				var res addResult
				if _, err := message.Decode(reply.Payload, &res); err != nil {
					errs <- err
					return
				}
				if res.Sum != c+i {
					errs <- errors.Errorf("client %d call %d: got %d", c, i, res.Sum)
					return
				}
			}
			errs <- nil
		}(c)
	}
	for c := 0; c < 8; c++ {
		assert.NoError(t, <-errs)
	}
}

func selfSignedTLS(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "hen-test"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	server := &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}
	client := &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"}
	return server, client
}

func TestTLS(t *testing.T) {
	serverTLS, clientTLS := selfSignedTLS(t)
	svr := newTestServer(WithTLS(serverTLS))
	addr := start(t, svr)

	ep, err := transport.Dial(context.Background(), addr, clientTLS)
	require.NoError(t, err)
	defer ep.Close()
	reply, err := ep.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)

	// A plaintext peer fails the handshake and does not take the daemon down.
	plain, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	raw, err := protocol.EncodeRequest("ping", 1, nil)
	require.NoError(t, err)
	plain.Write(raw)
	plain.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = protocol.Decode(plain)
	assert.Error(t, err)
	plain.Close()

	reply, err = ep.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOK, reply.Status)
}

// blockingRegistry holds Register until release is closed.
type blockingRegistry struct {
	registry.Registry
	entered chan struct{}
	release chan struct{}
}

func (r *blockingRegistry) Register(ctx context.Context, name string, inst registry.ServiceInstance, ttl int64) error {
	close(r.entered)
	<-r.release
	return r.Registry.Register(ctx, name, inst, ttl)
}

func TestShutdownDuringAnnounceLeavesNoRegistration(t *testing.T) {
	reg := &blockingRegistry{
		Registry: registry.NewStaticRegistry(nil),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svr := NewServer("power", WithAcceptTimeout(50*time.Millisecond), WithRegistry(reg, ""))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()
	<-reg.entered

	shutdown := make(chan error, 1)
	go func() { shutdown <- svr.Shutdown(context.Background()) }()
	require.Eventually(t, func() bool { return svr.State() == StateDraining }, time.Second, 5*time.Millisecond)
	close(reg.release)

	require.NoError(t, <-shutdown)
	require.NoError(t, <-served)
	_, err := reg.Discover(context.Background(), "power")
	assert.True(t, errors.Is(err, registry.ErrNoInstances), "got %v", err)
}

func TestHandlerCallsBackToClient(t *testing.T) {
	svr := newTestServer()
	require.NoError(t, svr.Register("greet", func(ctx context.Context, req *transport.Request) {
		reply, err := req.Endpoint().Call(ctx, "whoami", nil)
		if err != nil {
			req.ReplyError(protocol.StatusInternal, err.Error())
			return
		}
		req.Reply(protocol.StatusOK, append([]byte("hello "), reply.Payload...))
	}))
	addr := start(t, svr)

	ep, err := transport.Dial(context.Background(), addr, nil,
		transport.WithCallTimeout(2*time.Second),
		transport.WithDispatcher(transport.DispatcherFunc(func(ctx context.Context, req *transport.Request) {
			req.Reply(protocol.StatusOK, []byte("alice"))
		})))
	require.NoError(t, err)
	defer ep.Close()

	began := time.Now()
	reply, err := ep.Call(context.Background(), "greet", nil)
	require.NoError(t, err)
	require.Equal(t, protocol.StatusOK, reply.Status, "%s", reply.Payload)
	assert.Equal(t, []byte("hello alice"), reply.Payload)
	assert.Less(t, time.Since(began), time.Second)
}
