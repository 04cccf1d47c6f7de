package loadbalance

import (
	"hash/crc32"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"

	"hen/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps keys to instances on a hash ring. Each instance
// occupies replicas virtual points, hashed from "{addr}#{i}".
//
//	    0
//	B ●   ● A
//	  │ key ◆──► A   (clockwise to the nearest point)
//	C ●   ● A'
//
// The ring is rebuilt only when the set of instance addresses changes.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string
	ring  []uint32
	nodes map[uint32]registry.ServiceInstance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

func signature(instances []registry.ServiceInstance) string {
	addrs := make([]string, len(instances))
	for i, in := range instances {
		addrs[i] = in.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) rebuildLocked(instances []registry.ServiceInstance) {
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, in := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(in.Addr + "#" + strconv.Itoa(i)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = in
		}
	}
	slices.Sort(b.ring)
}

// Pick returns the instance owning key: the first ring point at or after the
// key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, errors.Trace(ErrNoInstances)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.sig {
		b.rebuildLocked(instances)
		b.sig = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	in := b.nodes[b.ring[idx]]
	return &in, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
