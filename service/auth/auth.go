// Package auth is the authentication daemon: it checks user passwords and
// hands out session ids the other daemons verify with checkSession.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"hen/log"
	"hen/server"
)

// Method names.
const (
	MethodLogin        = "login"
	MethodLogout       = "logout"
	MethodCheckSession = "checkSession"
)

type LoginArgs struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

type LoginResult struct {
	Session string    `json:"session"`
	Expires time.Time `json:"expires"`
}

type SessionArgs struct {
	Session string `json:"session"`
}

type SessionResult struct {
	User    string    `json:"user"`
	Expires time.Time `json:"expires"`
}

type Config struct {
	// Users maps user names to bcrypt password hashes.
	Users      map[string]string
	SessionTTL time.Duration
	Clock      clock.Clock
}

type session struct {
	user    string
	expires time.Time
}

// Service holds the user table and the live sessions.
type Service struct {
	ttl   time.Duration
	clock clock.Clock

	mu       sync.Mutex
	users    map[string][]byte
	sessions map[string]session
}

func New(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	users := make(map[string][]byte, len(cfg.Users))
	for name, hash := range cfg.Users {
		users[name] = []byte(hash)
	}
	return &Service{
		ttl:      cfg.SessionTTL,
		clock:    cfg.Clock,
		users:    users,
		sessions: make(map[string]session),
	}
}

// Register binds the auth methods to svr.
func (s *Service) Register(svr *server.Server) error {
	if err := svr.Register(MethodLogin, server.Typed(s.Login)); err != nil {
		return err
	}
	if err := svr.Register(MethodLogout, server.Typed(s.Logout)); err != nil {
		return err
	}
	return svr.Register(MethodCheckSession, server.Typed(s.CheckSession))
}

// HashPassword returns the bcrypt hash stored in the [[auth.users]] table.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(hash), nil
}

// Login starts a session for a user with a matching password.
func (s *Service) Login(ctx context.Context, args *LoginArgs) (*LoginResult, error) {
	if args.User == "" {
		return nil, errors.NotValidf("login without user")
	}
	s.mu.Lock()
	hash, ok := s.users[args.User]
	s.mu.Unlock()
	// bcrypt is slow on purpose; keep it outside the lock.
	if !ok || bcrypt.CompareHashAndPassword(hash, []byte(args.Password)) != nil {
		log.FromCtx(ctx).Info("Login refused", zap.String("user", args.User))
		return nil, errors.Unauthorizedf("invalid credentials for %q", args.User)
	}

	id := uuid.NewString()
	expires := s.clock.Now().Add(s.ttl)
	s.mu.Lock()
	s.sessions[id] = session{user: args.User, expires: expires}
	s.mu.Unlock()
	log.FromCtx(ctx).Info("Session started", zap.String("user", args.User))
	return &LoginResult{Session: id, Expires: expires}, nil
}

// Logout ends a session. Ending an unknown session is not an error.
func (s *Service) Logout(ctx context.Context, args *SessionArgs) (*struct{}, error) {
	s.mu.Lock()
	delete(s.sessions, args.Session)
	s.mu.Unlock()
	return &struct{}{}, nil
}

// CheckSession returns the user owning a live session.
func (s *Service) CheckSession(ctx context.Context, args *SessionArgs) (*SessionResult, error) {
	if _, err := uuid.Parse(args.Session); err != nil {
		return nil, errors.Unauthorizedf("malformed session")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[args.Session]
	if !ok {
		return nil, errors.Unauthorizedf("unknown session")
	}
	if !s.clock.Now().Before(sess.expires) {
		delete(s.sessions, args.Session)
		return nil, errors.Unauthorizedf("session expired")
	}
	return &SessionResult{User: sess.user, Expires: sess.expires}, nil
}

// Sessions is the number of sessions held, expired ones included.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
