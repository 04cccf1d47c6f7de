package registry

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix is where daemons are announced:
//
//	Key:   /hen/daemons/{name}/{addr}
//	Value: JSON-encoded ServiceInstance
//
// Every key is bound to a lease kept alive by the registering process, so a
// daemon that dies without deregistering disappears once its TTL runs out.
const KeyPrefix = "/hen/daemons/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // by key, for the instances this process registered
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, errors.Annotatef(err, "connecting to etcd %v", endpoints)
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func key(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

// Register stores instance under a fresh lease of ttl seconds and keeps the
// lease alive until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Annotate(err, "granting lease")
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Trace(err)
	}
	k := key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, k, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Annotatef(err, "putting %s", k)
	}

	// The keepalive must outlive ctx, which only bounds registration.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Annotate(err, "keeping lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("Lease keepalive ended", zap.String("key", k))
	}()

	r.mu.Lock()
	old, had := r.leases[k]
	r.leases[k] = lease.ID
	r.mu.Unlock()
	if had {
		r.client.Revoke(ctx, old)
	}
	return nil
}

// Deregister deletes the key and, if this process registered it, revokes the
// lease so its keepalive stops.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	k := key(serviceName, addr)
	r.mu.Lock()
	lease, ok := r.leases[k]
	delete(r.leases, k)
	r.mu.Unlock()
	if ok {
		if _, err := r.client.Revoke(ctx, lease); err != nil {
			return errors.Annotatef(err, "revoking lease of %s", k)
		}
		return nil
	}
	if _, err := r.client.Delete(ctx, k); err != nil {
		return errors.Annotatef(err, "deleting %s", k)
	}
	return nil
}

// Discover lists every instance under the daemon's prefix.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", serviceName)
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("Skipping malformed registry entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	if len(instances) == 0 {
		return nil, errors.Annotate(ErrNoInstances, serviceName)
	}
	return instances, nil
}

// Watch re-lists the daemon's instances after every change under its prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, serviceName)
			if err != nil && !errors.Is(err, ErrNoInstances) {
				r.logger.Info("Re-listing after watch event", zap.String("daemon", serviceName), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// Close revokes every lease this process holds and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, lease := range leases {
		r.client.Revoke(ctx, lease)
	}
	return r.client.Close()
}
