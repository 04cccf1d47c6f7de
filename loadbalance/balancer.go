// Package loadbalance picks one daemon instance out of those registered under
// a name.
//
// Three strategies are implemented:
//   - RoundRobin:      interchangeable instances (auth replicas sharing a session store)
//   - WeightedRandom:  instances of different capacity
//   - ConsistentHash:  stateful instances; a key (e.g. a node name) keeps
//     landing on the same daemon while the instance set is unchanged
package loadbalance

import (
	"github.com/juju/errors"

	"hen/registry"
)

// ErrNoInstances is returned by Pick on an empty instance list.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer chooses the target of one call. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one of instances. key identifies what the call is about;
	// strategies without affinity ignore it.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

// New returns the balancer configured by name: "round_robin" (the default
// for an empty name), "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
