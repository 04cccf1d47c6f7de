package control

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"hen/client"
	"hen/protocol"
	"hen/registry"
	"hen/server"
	"hen/service/auth"
	"hen/service/power"
	"hen/service/reservation"
	"hen/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testbed struct {
	reg    *registry.StaticRegistry
	user   *client.Client
	power  *power.Service
	daemon map[string]*server.Server
}

func startDaemon(t *testing.T, tb *testbed, name string, register func(*server.Server) error) {
	t.Helper()
	svr := server.NewServer(name,
		server.WithAcceptTimeout(50*time.Millisecond),
		server.WithDrainTimeout(time.Second),
		server.WithRegistry(tb.reg, ""))
	require.NoError(t, register(svr))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	served := make(chan error, 1)
	go func() { served <- svr.Serve() }()
	require.Eventually(t, func() bool {
		_, err := tb.reg.Discover(context.Background(), name)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(func() {
		svr.Shutdown(context.Background())
		<-served
	})
	tb.daemon[name] = svr
}

// newTestbed runs auth, reservation, power and control daemons in process.
func newTestbed(t *testing.T) *testbed {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)
	tb := &testbed{
		reg:    registry.NewStaticRegistry(nil),
		power:  power.New(power.Config{Outlets: map[string]int{"n1": 1, "n2": 2}}),
		daemon: make(map[string]*server.Server),
	}

	authSvc := auth.New(auth.Config{Users: map[string]string{"alice": string(hash), "bob": string(hash)}})
	startDaemon(t, tb, "auth", authSvc.Register)
	resSvc := reservation.New(reservation.Config{Nodes: []string{"n1", "n2"}})
	startDaemon(t, tb, "reservation", resSvc.Register)
	startDaemon(t, tb, "power", tb.power.Register)

	peers, err := client.New(client.Config{Registry: tb.reg, DialAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { peers.Close() })
	startDaemon(t, tb, "control", New(Config{Client: peers}).Register)

	tb.user, err = client.New(client.Config{Registry: tb.reg, DialAttempts: 1})
	require.NoError(t, err)
	t.Cleanup(func() { tb.user.Close() })
	return tb
}

func (tb *testbed) login(t *testing.T, user string) string {
	t.Helper()
	var res auth.LoginResult
	require.NoError(t, tb.user.Call(context.Background(), "auth", auth.MethodLogin,
		&auth.LoginArgs{User: user, Password: "pw"}, &res))
	return res.Session
}

func (tb *testbed) reserve(t *testing.T, user, node string) {
	t.Helper()
	require.NoError(t, tb.user.Call(context.Background(), "reservation", reservation.MethodReserve,
		&reservation.ReserveArgs{User: user, Nodes: []string{node}, Hours: 1}, nil))
}

func status(err error) protocol.Status {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func TestAcquireAndRelease(t *testing.T) {
	tb := newTestbed(t)
	session := tb.login(t, "alice")
	tb.reserve(t, "alice", "n1")
	ctx := context.Background()

	var st NodeStatus
	require.NoError(t, tb.user.Call(ctx, "control", MethodAcquire, &NodeArgs{Session: session, Node: "n1"}, &st))
	assert.Equal(t, NodeStatus{Node: "n1", On: true, Outlet: 1, ReservedBy: "alice"}, st)

	ps, err := tb.power.PowerStatus(ctx, &power.NodeArgs{Node: "n1"})
	require.NoError(t, err)
	assert.True(t, ps.On)

	require.NoError(t, tb.user.Call(ctx, "control", MethodRelease, &NodeArgs{Session: session, Node: "n1"}, &st))
	assert.False(t, st.On)
}

func TestAcquireRefusals(t *testing.T) {
	tb := newTestbed(t)
	ctx := context.Background()
	tb.reserve(t, "alice", "n1")

	err := tb.user.Call(ctx, "control", MethodAcquire, &NodeArgs{Session: "00000000-0000-0000-0000-000000000000", Node: "n1"}, nil)
	assert.Equal(t, protocol.StatusUnauthorized, status(err), "got %v", err)

	bob := tb.login(t, "bob")
	err = tb.user.Call(ctx, "control", MethodAcquire, &NodeArgs{Session: bob, Node: "n1"}, nil)
	assert.Equal(t, protocol.StatusForbidden, status(err), "got %v", err)

	err = tb.user.Call(ctx, "control", MethodAcquire, &NodeArgs{Session: bob}, nil)
	assert.Equal(t, protocol.StatusBadRequest, status(err), "got %v", err)
}

func TestNodeStatus(t *testing.T) {
	tb := newTestbed(t)
	tb.reserve(t, "bob", "n2")

	var st NodeStatus
	require.NoError(t, tb.user.Call(context.Background(), "control", MethodNodeStatus, &NodeArgs{Node: "n2"}, &st))
	assert.Equal(t, "n2", st.Node)
	assert.Equal(t, 2, st.Outlet)
	assert.False(t, st.On)
	assert.Equal(t, "bob", st.ReservedBy)
	assert.False(t, st.Until.IsZero())
}

func TestPowerDaemonGone(t *testing.T) {
	tb := newTestbed(t)
	session := tb.login(t, "alice")
	tb.reserve(t, "alice", "n1")

	require.NoError(t, tb.daemon["power"].Shutdown(context.Background()))
	err := tb.user.Call(context.Background(), "control", MethodAcquire, &NodeArgs{Session: session, Node: "n1"}, nil)
	assert.Equal(t, protocol.StatusUpstream, status(err), "got %v", err)
}
