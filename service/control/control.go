// Package control is the control daemon: the front door users act through. It
// owns no state of its own; every operation is a short chain of calls to the
// auth, reservation and power daemons.
package control

import (
	"context"
	"time"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hen/client"
	"hen/log"
	"hen/server"
	"hen/service/auth"
	"hen/service/power"
	"hen/service/reservation"
)

// Method names.
const (
	MethodAcquire    = "acquire"
	MethodRelease    = "release"
	MethodNodeStatus = "nodeStatus"
)

type NodeArgs struct {
	Session string `json:"session,omitempty"`
	Node    string `json:"node"`
}

type NodeStatus struct {
	Node       string    `json:"node"`
	On         bool      `json:"on"`
	Outlet     int       `json:"outlet"`
	ReservedBy string    `json:"reserved_by,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// Caller is the part of client.Client control uses.
type Caller interface {
	Call(ctx context.Context, daemon, method string, args, result any, opts ...client.CallOption) error
}

type Config struct {
	Client            Caller
	AuthDaemon        string
	ReservationDaemon string
	PowerDaemon       string
}

type Service struct {
	cfg Config
}

func New(cfg Config) *Service {
	if cfg.AuthDaemon == "" {
		cfg.AuthDaemon = "auth"
	}
	if cfg.ReservationDaemon == "" {
		cfg.ReservationDaemon = "reservation"
	}
	if cfg.PowerDaemon == "" {
		cfg.PowerDaemon = "power"
	}
	return &Service{cfg: cfg}
}

// Register binds the control methods to svr.
func (s *Service) Register(svr *server.Server) error {
	if err := svr.Register(MethodAcquire, server.Typed(s.Acquire)); err != nil {
		return err
	}
	if err := svr.Register(MethodRelease, server.Typed(s.Release)); err != nil {
		return err
	}
	return svr.Register(MethodNodeStatus, server.Typed(s.NodeStatus))
}

// authorize resolves the session's user and checks that the user holds node.
func (s *Service) authorize(ctx context.Context, args *NodeArgs) (string, error) {
	if args.Node == "" {
		return "", errors.NotValidf("request without node")
	}
	var who auth.SessionResult
	err := s.cfg.Client.Call(ctx, s.cfg.AuthDaemon, auth.MethodCheckSession,
		&auth.SessionArgs{Session: args.Session}, &who)
	if err != nil {
		return "", errors.Annotate(err, "checking session")
	}
	var held reservation.CheckResult
	err = s.cfg.Client.Call(ctx, s.cfg.ReservationDaemon, reservation.MethodCheck,
		&reservation.CheckArgs{User: who.User, Node: args.Node}, &held)
	if err != nil {
		return "", errors.Annotate(err, "checking reservation")
	}
	if !held.Reserved {
		return "", errors.Forbiddenf("%s does not hold %s", who.User, args.Node)
	}
	return who.User, nil
}

func (s *Service) switchPower(ctx context.Context, args *NodeArgs, method string) (*NodeStatus, error) {
	user, err := s.authorize(ctx, args)
	if err != nil {
		return nil, err
	}
	var st power.Status
	err = s.cfg.Client.Call(ctx, s.cfg.PowerDaemon, method,
		&power.NodeArgs{Node: args.Node}, &st, client.WithKey(args.Node))
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", method, args.Node)
	}
	log.FromCtx(ctx).Info("Node switched", zap.String("user", user), zap.String("node", args.Node), zap.Bool("on", st.On))
	return &NodeStatus{Node: st.Node, On: st.On, Outlet: st.Outlet, ReservedBy: user}, nil
}

// Acquire powers on a node the session's user has reserved.
func (s *Service) Acquire(ctx context.Context, args *NodeArgs) (*NodeStatus, error) {
	return s.switchPower(ctx, args, power.MethodPowerOn)
}

// Release powers off a node the session's user has reserved.
func (s *Service) Release(ctx context.Context, args *NodeArgs) (*NodeStatus, error) {
	return s.switchPower(ctx, args, power.MethodPowerOff)
}

// NodeStatus combines the node's power state with its current reservation,
// asking both daemons concurrently.
func (s *Service) NodeStatus(ctx context.Context, args *NodeArgs) (*NodeStatus, error) {
	if args.Node == "" {
		return nil, errors.NotValidf("request without node")
	}
	var (
		st   power.Status
		list reservation.ListResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.cfg.Client.Call(gctx, s.cfg.PowerDaemon, power.MethodPowerStatus,
			&power.NodeArgs{Node: args.Node}, &st, client.WithKey(args.Node))
	})
	g.Go(func() error {
		return s.cfg.Client.Call(gctx, s.cfg.ReservationDaemon, reservation.MethodList,
			&reservation.ListArgs{}, &list)
	})
	if err := g.Wait(); err != nil {
		return nil, errors.Annotatef(err, "status of %s", args.Node)
	}

	res := &NodeStatus{Node: args.Node, On: st.On, Outlet: st.Outlet}
	for _, r := range list.Reservations {
		for _, n := range r.Nodes {
			if n == args.Node {
				res.ReservedBy = r.User
				res.Until = r.End
			}
		}
	}
	return res, nil
}
