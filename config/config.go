// Package config is the TOML configuration of one hen daemon process.
//
// Every section follows the same pattern: InitDefaults fills unset fields,
// Validate checks the result. Load does both, and Sample writes a commented
// file that loads back into the defaults.
package config

import (
	"bytes"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/pelletier/go-toml/v2"

	"hen/log"
	"hen/registry"
)

// Daemon kinds.
const (
	KindAuth        = "auth"
	KindReservation = "reservation"
	KindPower       = "power"
	KindControl     = "control"
)

// Config is a whole daemon configuration file.
type Config struct {
	Daemon      Daemon      `toml:"daemon"`
	TLS         TLS         `toml:"tls,omitempty"`
	Log         log.Config  `toml:"log,omitempty"`
	Metrics     Metrics     `toml:"metrics,omitempty"`
	Registry    Registry    `toml:"registry,omitempty"`
	RateLimit   RateLimit   `toml:"ratelimit,omitempty"`
	Client      Client      `toml:"client,omitempty"`
	Auth        Auth        `toml:"auth,omitempty"`
	Reservation Reservation `toml:"reservation,omitempty"`
	Power       Power       `toml:"power,omitempty"`
	Control     Control     `toml:"control,omitempty"`
}

func (c *Config) InitDefaults() {
	c.Daemon.InitDefaults()
	c.Log.InitDefaults()
	c.Registry.InitDefaults()
	c.Client.InitDefaults()
	c.Auth.InitDefaults()
	c.Reservation.InitDefaults()
	c.Power.InitDefaults()
	c.Control.InitDefaults()
}

// Validate checks the common sections and the section of the configured kind.
func (c *Config) Validate() error {
	validators := []interface{ Validate() error }{
		&c.Daemon, &c.TLS, &c.Log, &c.Registry, &c.RateLimit, &c.Client,
	}
	switch c.Daemon.Kind {
	case KindAuth:
		validators = append(validators, &c.Auth)
	case KindReservation:
		validators = append(validators, &c.Reservation)
	case KindPower:
		validators = append(validators, &c.Power)
	case KindControl:
		validators = append(validators, &c.Control)
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses raw TOML into a fresh Config, rejecting unknown keys, then
// applies defaults and validates.
func Decode(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := toml.NewDecoder(bytes.NewReader(raw)).DisallowUnknownFields().Decode(cfg); err != nil {
		return nil, errors.NewNotValid(err, "parsing config")
	}
	cfg.InitDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// Load reads and decodes the file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "loading %s", path)
	}
	return cfg, nil
}

// Daemon is the [daemon] section.
type Daemon struct {
	// Name is the name peers look the daemon up by. Defaults to Kind.
	Name string `toml:"name,omitempty"`
	Kind string `toml:"kind"`
	// Listen is the TCP address to bind.
	Listen string `toml:"listen,omitempty"`
	// Advertise is the address announced to the registry; the bound address
	// when empty.
	Advertise     string   `toml:"advertise,omitempty"`
	AcceptTimeout Duration `toml:"accept_timeout,omitempty"`
	DrainTimeout  Duration `toml:"drain_timeout,omitempty"`
	CallTimeout   Duration `toml:"call_timeout,omitempty"`
}

func (d *Daemon) InitDefaults() {
	if d.Name == "" {
		d.Name = d.Kind
	}
	if d.Listen == "" {
		d.Listen = "127.0.0.1:0"
	}
	if d.AcceptTimeout.Duration == 0 {
		d.AcceptTimeout.Duration = time.Second
	}
	if d.DrainTimeout.Duration == 0 {
		d.DrainTimeout.Duration = 30 * time.Second
	}
	if d.CallTimeout.Duration == 0 {
		d.CallTimeout.Duration = 30 * time.Second
	}
}

func (d *Daemon) Validate() error {
	switch d.Kind {
	case KindAuth, KindReservation, KindPower, KindControl:
	case "":
		return errors.NotValidf("daemon without kind")
	default:
		return errors.NotValidf("daemon kind %q", d.Kind)
	}
	if d.AcceptTimeout.Duration <= 0 || d.DrainTimeout.Duration <= 0 || d.CallTimeout.Duration <= 0 {
		return errors.NotValidf("non-positive daemon timeout")
	}
	return nil
}

// Metrics is the [metrics] section.
type Metrics struct {
	// Listen is the address of the prometheus HTTP endpoint; empty disables it.
	Listen string `toml:"listen,omitempty"`
}

// Registry is the [registry] section.
type Registry struct {
	// Kind is static or etcd.
	Kind        string   `toml:"kind,omitempty"`
	Endpoints   []string `toml:"endpoints,omitempty"`
	DialTimeout Duration `toml:"dial_timeout,omitempty"`
	// Peers seeds the static registry.
	Peers []Peer `toml:"peers,omitempty"`
}

// Peer is one [[registry.peers]] entry.
type Peer struct {
	Name   string `toml:"name"`
	Addr   string `toml:"addr"`
	Weight int    `toml:"weight,omitempty"`
	TLS    bool   `toml:"tls,omitempty"`
}

func (r *Registry) InitDefaults() {
	if r.Kind == "" {
		r.Kind = "static"
	}
	if r.DialTimeout.Duration == 0 {
		r.DialTimeout.Duration = 5 * time.Second
	}
}

func (r *Registry) Validate() error {
	switch r.Kind {
	case "static":
	case "etcd":
		if len(r.Endpoints) == 0 {
			return errors.NotValidf("etcd registry without endpoints")
		}
	default:
		return errors.NotValidf("registry kind %q", r.Kind)
	}
	for _, p := range r.Peers {
		if p.Name == "" || p.Addr == "" {
			return errors.NotValidf("peer %q at %q", p.Name, p.Addr)
		}
	}
	return nil
}

// Seed groups the static peers by daemon name.
func (r *Registry) Seed() map[string][]registry.ServiceInstance {
	seed := make(map[string][]registry.ServiceInstance)
	for _, p := range r.Peers {
		seed[p.Name] = append(seed[p.Name], registry.ServiceInstance{Addr: p.Addr, Weight: p.Weight, TLS: p.TLS})
	}
	return seed
}

// RateLimit is the [ratelimit] section. A zero rate disables limiting.
type RateLimit struct {
	Rate  float64 `toml:"rate,omitempty"`
	Burst int     `toml:"burst,omitempty"`
}

func (r *RateLimit) Validate() error {
	if r.Rate < 0 || r.Burst < 0 || (r.Rate > 0 && r.Burst == 0) {
		return errors.NotValidf("rate limit %v/s burst %d", r.Rate, r.Burst)
	}
	return nil
}

// Client is the [client] section, used for calls to peer daemons.
type Client struct {
	// Balancer is round_robin, weighted_random or consistent_hash.
	Balancer     string   `toml:"balancer,omitempty"`
	PoolSize     int      `toml:"pool_size,omitempty"`
	DialAttempts int      `toml:"dial_attempts,omitempty"`
	DialDelay    Duration `toml:"dial_delay,omitempty"`
	CallTimeout  Duration `toml:"call_timeout,omitempty"`
}

func (c *Client) InitDefaults() {
	if c.Balancer == "" {
		c.Balancer = "round_robin"
	}
	if c.PoolSize == 0 {
		c.PoolSize = 4
	}
	if c.DialAttempts == 0 {
		c.DialAttempts = 3
	}
	if c.DialDelay.Duration == 0 {
		c.DialDelay.Duration = 10 * time.Second
	}
	if c.CallTimeout.Duration == 0 {
		c.CallTimeout.Duration = 10 * time.Second
	}
}

func (c *Client) Validate() error {
	switch c.Balancer {
	case "round_robin", "weighted_random", "consistent_hash":
	default:
		return errors.NotValidf("balancer %q", c.Balancer)
	}
	if c.PoolSize < 1 || c.DialAttempts < 1 {
		return errors.NotValidf("pool size %d, dial attempts %d", c.PoolSize, c.DialAttempts)
	}
	return nil
}

// Auth is the [auth] section.
type Auth struct {
	SessionTTL Duration `toml:"session_ttl,omitempty"`
	Users      []User   `toml:"users,omitempty"`
}

// User is one [[auth.users]] entry. PasswordHash is a bcrypt hash.
type User struct {
	Name         string `toml:"name"`
	PasswordHash string `toml:"password_hash"`
}

func (a *Auth) InitDefaults() {
	if a.SessionTTL.Duration == 0 {
		a.SessionTTL.Duration = 12 * time.Hour
	}
}

func (a *Auth) Validate() error {
	seen := make(map[string]bool, len(a.Users))
	for _, u := range a.Users {
		if u.Name == "" || u.PasswordHash == "" {
			return errors.NotValidf("user %q", u.Name)
		}
		if seen[u.Name] {
			return errors.NotValidf("duplicate user %q", u.Name)
		}
		seen[u.Name] = true
	}
	return nil
}

// Reservation is the [reservation] section.
type Reservation struct {
	// Nodes are the reservable testbed nodes.
	Nodes         []string `toml:"nodes,omitempty"`
	MaxHours      int      `toml:"max_hours,omitempty"`
	SweepInterval Duration `toml:"sweep_interval,omitempty"`
}

func (r *Reservation) InitDefaults() {
	if r.MaxHours == 0 {
		r.MaxHours = 168
	}
	if r.SweepInterval.Duration == 0 {
		r.SweepInterval.Duration = time.Minute
	}
}

func (r *Reservation) Validate() error {
	if len(r.Nodes) == 0 {
		return errors.NotValidf("reservation without nodes")
	}
	if r.MaxHours < 1 {
		return errors.NotValidf("max_hours %d", r.MaxHours)
	}
	return nil
}

// Power is the [power] section.
type Power struct {
	// Outlets maps node names to outlet numbers on the power switch.
	Outlets map[string]int `toml:"outlets,omitempty"`
	// CycleDelay is the off time of a power cycle.
	CycleDelay Duration `toml:"cycle_delay,omitempty"`
}

func (p *Power) InitDefaults() {
	if p.CycleDelay.Duration == 0 {
		p.CycleDelay.Duration = 2 * time.Second
	}
}

func (p *Power) Validate() error {
	if len(p.Outlets) == 0 {
		return errors.NotValidf("power without outlets")
	}
	used := make(map[int]string, len(p.Outlets))
	for node, outlet := range p.Outlets {
		if other, ok := used[outlet]; ok {
			return errors.NotValidf("outlet %d shared by %s and %s", outlet, other, node)
		}
		used[outlet] = node
	}
	return nil
}

// Control is the [control] section: the names of the daemons it drives.
type Control struct {
	AuthDaemon        string `toml:"auth_daemon,omitempty"`
	ReservationDaemon string `toml:"reservation_daemon,omitempty"`
	PowerDaemon       string `toml:"power_daemon,omitempty"`
}

func (c *Control) InitDefaults() {
	if c.AuthDaemon == "" {
		c.AuthDaemon = KindAuth
	}
	if c.ReservationDaemon == "" {
		c.ReservationDaemon = KindReservation
	}
	if c.PowerDaemon == "" {
		c.PowerDaemon = KindPower
	}
}

func (c *Control) Validate() error {
	return nil
}
