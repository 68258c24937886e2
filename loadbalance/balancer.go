// Package loadbalance picks the instance a client session is opened to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity instances
//   - WeightedRandom:  heterogeneous instances, by ServiceInstance.Weight
//   - ConsistentHash:  affinity of a key (for example a user id) to one instance
package loadbalance

import (
	"context"
	"errors"

	"duplex-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies. key is the
// affinity key of the call, empty when there is none. Pick is called for
// every call and must be goroutine-safe.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)
	Name() string
}

type hashKey struct{}

// WithHashKey attaches an affinity key to ctx for ConsistentHash.
func WithHashKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, hashKey{}, key)
}

// HashKeyFromContext returns the key set by WithHashKey.
func HashKeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(hashKey{}).(string)
	return key
}

// New returns the balancer registered under name, or RoundRobin for an
// unknown name.
func New(name string) Balancer {
	switch name {
	case "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "ConsistentHash":
		return NewConsistentHashBalancer()
	}
	return &RoundRobinBalancer{}
}
