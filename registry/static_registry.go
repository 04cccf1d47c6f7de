package registry

import (
	"context"
	"slices"
	"sync"

	"github.com/juju/errors"
)

// StaticRegistry is an in-process registry seeded from configuration. It is
// what a testbed without etcd runs on: every daemon's peers are listed in its
// config file.
type StaticRegistry struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

// NewStaticRegistry copies seed, keyed by daemon name.
func NewStaticRegistry(seed map[string][]ServiceInstance) *StaticRegistry {
	r := &StaticRegistry{
		services: make(map[string][]ServiceInstance, len(seed)),
		watchers: make(map[string][]chan []ServiceInstance),
	}
	for name, instances := range seed {
		r.services[name] = slices.Clone(instances)
	}
	return r
}

func (r *StaticRegistry) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	if serviceName == "" || instance.Addr == "" {
		return errors.NotValidf("instance %q of %q", instance.Addr, serviceName)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := slices.DeleteFunc(r.services[serviceName], func(in ServiceInstance) bool {
		return in.Addr == instance.Addr
	})
	r.services[serviceName] = append(instances, instance)
	r.notifyLocked(serviceName)
	return nil
}

func (r *StaticRegistry) Deregister(_ context.Context, serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := len(r.services[serviceName])
	r.services[serviceName] = slices.DeleteFunc(r.services[serviceName], func(in ServiceInstance) bool {
		return in.Addr == addr
	})
	if len(r.services[serviceName]) != before {
		r.notifyLocked(serviceName)
	}
	return nil
}

func (r *StaticRegistry) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	instances := r.services[serviceName]
	if len(instances) == 0 {
		return nil, errors.Annotate(ErrNoInstances, serviceName)
	}
	return slices.Clone(instances), nil
}

func (r *StaticRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	r.mu.Lock()
	r.watchers[serviceName] = append(r.watchers[serviceName], ch)
	r.mu.Unlock()

	context.AfterFunc(ctx, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.watchers[serviceName] = slices.DeleteFunc(r.watchers[serviceName], func(c chan []ServiceInstance) bool {
			return c == ch
		})
		close(ch)
	})
	return ch
}

// notifyLocked hands each watcher the latest list, replacing one it has not
// read yet.
func (r *StaticRegistry) notifyLocked(serviceName string) {
	for _, ch := range r.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(r.services[serviceName])
	}
}
