// Package power is the power daemon: it switches the outlets testbed nodes are
// plugged into.
package power

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/log"
	"hen/server"
)

// Method names.
const (
	MethodPowerOn     = "powerOn"
	MethodPowerOff    = "powerOff"
	MethodPowerStatus = "powerStatus"
	MethodPowerCycle  = "powerCycle"
)

type NodeArgs struct {
	Node string `json:"node"`
}

type Status struct {
	Node    string    `json:"node"`
	Outlet  int       `json:"outlet"`
	On      bool      `json:"on"`
	Changed time.Time `json:"changed,omitempty"`
}

type Config struct {
	// Outlets maps node names to outlet numbers.
	Outlets    map[string]int
	CycleDelay time.Duration
	Clock      clock.Clock
}

type outlet struct {
	number  int
	on      bool
	changed time.Time
	// cycling is set while a power cycle owns the outlet.
	cycling bool
}

// Service tracks the state of every outlet.
type Service struct {
	cycleDelay time.Duration
	clock      clock.Clock

	mu      sync.Mutex
	outlets map[string]*outlet
}

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.CycleDelay <= 0 {
		cfg.CycleDelay = 2 * time.Second
	}
	outlets := make(map[string]*outlet, len(cfg.Outlets))
	for node, n := range cfg.Outlets {
		outlets[node] = &outlet{number: n}
	}
	return &Service{cycleDelay: cfg.CycleDelay, clock: cfg.Clock, outlets: outlets}
}

// Register binds the power methods to svr.
func (s *Service) Register(svr *server.Server) error {
	if err := svr.Register(MethodPowerOn, server.Typed(s.PowerOn)); err != nil {
		return err
	}
	if err := svr.Register(MethodPowerOff, server.Typed(s.PowerOff)); err != nil {
		return err
	}
	if err := svr.Register(MethodPowerStatus, server.Typed(s.PowerStatus)); err != nil {
		return err
	}
	return svr.Register(MethodPowerCycle, server.Typed(s.PowerCycle))
}

func (s *Service) PowerOn(ctx context.Context, args *NodeArgs) (*Status, error) {
	return s.set(ctx, args.Node, true)
}

func (s *Service) PowerOff(ctx context.Context, args *NodeArgs) (*Status, error) {
	return s.set(ctx, args.Node, false)
}

func (s *Service) PowerStatus(ctx context.Context, args *NodeArgs) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outlets[args.Node]
	if !ok {
		return nil, errors.NotValidf("node %q", args.Node)
	}
	return o.status(args.Node), nil
}

// PowerCycle switches the node off, waits the cycle delay and switches it on
// again. Other requests for the node fail with a conflict meanwhile.
func (s *Service) PowerCycle(ctx context.Context, args *NodeArgs) (*Status, error) {
	s.mu.Lock()
	o, ok := s.outlets[args.Node]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NotValidf("node %q", args.Node)
	}
	if o.cycling {
		s.mu.Unlock()
		return nil, errors.AlreadyExistsf("power cycle of %s", args.Node)
	}
	o.cycling = true
	o.switchTo(false, s.clock.Now())
	s.mu.Unlock()
	log.FromCtx(ctx).Info("Power cycling", zap.String("node", args.Node), zap.Int("outlet", o.number))

	var err error
	select {
	case <-s.clock.After(s.cycleDelay):
	case <-ctx.Done():
		err = errors.Annotatef(ctx.Err(), "power cycle of %s", args.Node)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	o.cycling = false
	if err != nil {
		// The node stays off.
		return nil, err
	}
	o.switchTo(true, s.clock.Now())
	return o.status(args.Node), nil
}

func (s *Service) set(ctx context.Context, node string, on bool) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outlets[node]
	if !ok {
		return nil, errors.NotValidf("node %q", node)
	}
	if o.cycling {
		return nil, errors.AlreadyExistsf("power cycle of %s", node)
	}
	if o.on != on {
		o.switchTo(on, s.clock.Now())
		log.FromCtx(ctx).Info("Outlet switched", zap.String("node", node), zap.Int("outlet", o.number), zap.Bool("on", on))
	}
	return o.status(node), nil
}

func (o *outlet) switchTo(on bool, now time.Time) {
	o.on = on
	o.changed = now
}

func (o *outlet) status(node string) *Status {
	return &Status{Node: node, Outlet: o.number, On: o.on, Changed: o.changed}
}
