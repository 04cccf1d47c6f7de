package loadbalance

import (
	"math/rand"

	"github.com/juju/errors"

	"hen/registry"
)

// WeightedRandomBalancer picks an instance with probability proportional to its
// weight. Instances without a weight count as weight 1.
type WeightedRandomBalancer struct{}

func weight(in registry.ServiceInstance) int {
	if in.Weight <= 0 {
		return 1
	}
	return in.Weight
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errors.Trace(ErrNoInstances)
	}
	total := 0
	for _, in := range instances {
		total += weight(in)
	}
	r := rand.Intn(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "weighted_random"
}
