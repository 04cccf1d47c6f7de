// Package reservation is the reservation daemon: users book testbed nodes for
// a number of hours, and other daemons ask whether a user holds a node.
package reservation

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"hen/log"
	"hen/server"
)

// Method names.
const (
	MethodReserve = "reserve"
	MethodRelease = "release"
	MethodList    = "list"
	MethodCheck   = "check"
)

// Reservation books Nodes for User from Start until End.
type Reservation struct {
	ID    string    `json:"id"`
	User  string    `json:"user"`
	Nodes []string  `json:"nodes"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ReserveArgs struct {
	User  string   `json:"user"`
	Nodes []string `json:"nodes"`
	Hours int      `json:"hours"`
}

type ReleaseArgs struct {
	User string `json:"user"`
	ID   string `json:"id"`
}

type ListArgs struct {
	// User restricts the list; all reservations when empty.
	User string `json:"user,omitempty"`
}

type ListResult struct {
	Reservations []Reservation `json:"reservations"`
}

type CheckArgs struct {
	User string `json:"user"`
	Node string `json:"node"`
}

type CheckResult struct {
	Reserved bool      `json:"reserved"`
	ID       string    `json:"id,omitempty"`
	Until    time.Time `json:"until,omitempty"`
}

type Config struct {
	Nodes         []string
	MaxHours      int
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Service owns the reservation table. Every check-then-mutate runs under mu.
type Service struct {
	maxHours      int
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *zap.Logger

	mu           sync.Mutex
	nodes        map[string]bool
	reservations map[string]*Reservation
	byNode       map[string]string // node → reservation id
}

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = 168
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	nodes := make(map[string]bool, len(cfg.Nodes))
	for _, n := range cfg.Nodes {
		nodes[n] = true
	}
	return &Service{
		maxHours:      cfg.MaxHours,
		sweepInterval: cfg.SweepInterval,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		nodes:         nodes,
		reservations:  make(map[string]*Reservation),
		byNode:        make(map[string]string),
	}
}

// Register binds the reservation methods to svr.
func (s *Service) Register(svr *server.Server) error {
	if err := svr.Register(MethodReserve, server.Typed(s.Reserve)); err != nil {
		return err
	}
	if err := svr.Register(MethodRelease, server.Typed(s.Release)); err != nil {
		return err
	}
	if err := svr.Register(MethodList, server.Typed(s.List)); err != nil {
		return err
	}
	return svr.Register(MethodCheck, server.Typed(s.Check))
}

// Reserve books every requested node or none of them.
func (s *Service) Reserve(ctx context.Context, args *ReserveArgs) (*Reservation, error) {
	if args.User == "" || len(args.Nodes) == 0 {
		return nil, errors.NotValidf("reservation without user or nodes")
	}
	if args.Hours < 1 || args.Hours > s.maxHours {
		return nil, errors.NotValidf("duration of %d hours (max %d)", args.Hours, s.maxHours)
	}
	nodes := slices.Clone(args.Nodes)
	slices.Sort(nodes)
	nodes = slices.Compact(nodes)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	s.expireLocked(now)
	for _, n := range nodes {
		if !s.nodes[n] {
			return nil, errors.NotValidf("node %q", n)
		}
		if id, taken := s.byNode[n]; taken {
			return nil, errors.AlreadyExistsf("reservation of %s by %s", n, s.reservations[id].User)
		}
	}
	r := &Reservation{
		ID:    uuid.NewString(),
		User:  args.User,
		Nodes: nodes,
		Start: now,
		End:   now.Add(time.Duration(args.Hours) * time.Hour),
	}
	s.reservations[r.ID] = r
	for _, n := range nodes {
		s.byNode[n] = r.ID
	}
	log.FromCtx(ctx).Info("Nodes reserved", zap.String("user", r.User), zap.Strings("nodes", nodes), zap.Time("until", r.End))
	res := *r
	return &res, nil
}

// Release ends a reservation early. Only its owner may release it.
func (s *Service) Release(ctx context.Context, args *ReleaseArgs) (*struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[args.ID]
	if !ok {
		return nil, errors.NotValidf("reservation %q", args.ID)
	}
	if r.User != args.User {
		return nil, errors.Forbiddenf("reservation %s belongs to %s", r.ID, r.User)
	}
	s.removeLocked(r)
	log.FromCtx(ctx).Info("Reservation released", zap.String("user", r.User), zap.String("id", r.ID))
	return &struct{}{}, nil
}

// List returns live reservations ordered by start.
func (s *Service) List(ctx context.Context, args *ListArgs) (*ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.clock.Now())
	res := &ListResult{Reservations: make([]Reservation, 0, len(s.reservations))}
	for _, r := range s.reservations {
		if args.User == "" || r.User == args.User {
			res.Reservations = append(res.Reservations, *r)
		}
	}
	sort.Slice(res.Reservations, func(i, j int) bool {
		a, b := res.Reservations[i], res.Reservations[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		return a.ID < b.ID
	})
	return res, nil
}

// Check reports whether user currently holds node.
func (s *Service) Check(ctx context.Context, args *CheckArgs) (*CheckResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.nodes[args.Node] {
		return nil, errors.NotValidf("node %q", args.Node)
	}
	s.expireLocked(s.clock.Now())
	id, ok := s.byNode[args.Node]
	if !ok || s.reservations[id].User != args.User {
		return &CheckResult{}, nil
	}
	return &CheckResult{Reserved: true, ID: id, Until: s.reservations[id].End}, nil
}

// Run sweeps expired reservations every sweep interval until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.sweepInterval):
		}
		s.mu.Lock()
		n := s.expireLocked(s.clock.Now())
		s.mu.Unlock()
		if n > 0 {
			s.logger.Info("Expired reservations removed", zap.Int("count", n))
		}
	}
}

func (s *Service) expireLocked(now time.Time) int {
	n := 0
	for _, r := range s.reservations {
		if !now.Before(r.End) {
			s.removeLocked(r)
			n++
		}
	}
	return n
}

func (s *Service) removeLocked(r *Reservation) {
	delete(s.reservations, r.ID)
	for _, n := range r.Nodes {
		if s.byNode[n] == r.ID {
			delete(s.byNode, n)
		}
	}
}
