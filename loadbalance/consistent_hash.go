package loadbalance

import (
	"slices"
	"strings"
	"sync"

	"stathat.com/c/consistent"

	"duplex-rpc/registry"
)

// DefaultReplicas is the number of virtual nodes per instance.
const DefaultReplicas = 100

// ConsistentHashBalancer maps affinity keys to instances on a hash ring.
// The same key maps to the same instance until the instance set changes,
// and a change only moves the keys of the instances involved. The ring is
// rebuilt when Pick sees a different set of addresses. Calls without a key
// fall back to round robin.
type ConsistentHashBalancer struct {
	mu       sync.Mutex
	ring     *consistent.Consistent
	members  string // sorted addresses the ring was built from
	fallback RoundRobinBalancer
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return NewConsistentHashBalancerReplicas(DefaultReplicas)
}

func NewConsistentHashBalancerReplicas(replicas int) *ConsistentHashBalancer {
	ring := consistent.New()
	ring.NumberOfReplicas = replicas
	return &ConsistentHashBalancer{ring: ring}
}

func (b *ConsistentHashBalancer) Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}
	if key == "" {
		return b.fallback.Pick(key, instances)
	}

	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	members := strings.Join(addrs, ",")

	b.mu.Lock()
	if members != b.members {
		b.ring.Set(addrs)
		b.members = members
	}
	addr, err := b.ring.Get(key)
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for i := range instances {
		if instances[i].Addr == addr {
			return &instances[i], nil
		}
	}
	return nil, ErrNoInstances
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
