// Package registry maps daemon names to the addresses they listen on.
//
// Daemons announce themselves when they start accepting and withdraw when they
// begin draining. Peers look a daemon up by name before dialing it, so the
// control daemon never needs a hard-coded address for auth, power or
// reservation.
package registry

import (
	"context"

	"github.com/juju/errors"
)

// ErrNoInstances is returned by Discover when nothing is registered under a name.
const ErrNoInstances = errors.ConstError("no registered instances")

// ServiceInstance is one listening daemon.
type ServiceInstance struct {
	Addr    string `json:"addr" toml:"addr"`
	Weight  int    `json:"weight,omitempty" toml:"weight,omitempty"` // for weighted balancing
	Version string `json:"version,omitempty" toml:"version,omitempty"`
	TLS     bool   `json:"tls,omitempty" toml:"tls,omitempty"`
}

type Registry interface {
	// Register announces instance under serviceName. ttl is in seconds; a
	// registry that cannot expire entries ignores it.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
