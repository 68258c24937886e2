// Package registry publishes and discovers session endpoints.
package registry

import "context"

type ServiceInstance struct {
	Addr      string `json:"addr"`
	Weight    int    `json:"weight"` // Weight for load balancing
	Version   string `json:"version,omitempty"`
	Handshake int    `json:"handshake,omitempty"` // zero-marker length the endpoint expects
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the full instance list after every change until ctx is done.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
