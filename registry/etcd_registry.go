// Package registry provides the etcd-based implementation of the Registry interface.
//
// Instances live under one key per endpoint:
//
//	Key:   /duplex-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server dies, the lease expires
// and the entry is removed.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/duplex-rpc/"

func servicePrefix(serviceName string) string {
	return keyPrefix + serviceName + "/"
}

func instanceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // instance key -> lease
}

type EtcdOption func(*EtcdRegistry)

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = l }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      zap.NewNop(),
	})
	if err != nil {
		return nil, err
	}
	return NewEtcdRegistryFromClient(c, opts...), nil
}

// NewEtcdRegistryFromClient wraps an existing client. Close closes it.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		logger: zap.NewNop(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close. Registering the same address again
// replaces the previous lease.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives ctx: it is stopped by revoking the lease.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if had {
		r.revoke(ctx, old)
	}
	r.logger.Info("registered", zap.String("key", key), zap.Int64("ttl", ttl))
	return nil
}

// Deregister removes an instance and revokes its lease.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)
	if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()
	if ok {
		r.revoke(ctx, id)
	}
	return nil
}

func (r *EtcdRegistry) revoke(ctx context.Context, id clientv3.LeaseID) {
	if _, err := r.client.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		r.logger.Warn("lease revoke failed", zap.Int64("lease", int64(id)), zap.Error(err))
	}
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	instances, _, err := r.list(ctx, serviceName)
	return instances, err
}

func (r *EtcdRegistry) list(ctx context.Context, serviceName string) ([]ServiceInstance, int64, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, resp.Header.Revision, nil
}

// Watch sends the current instance list, then a fresh list after every
// change under the service prefix. If the watched revision is compacted
// away the watch restarts from a new snapshot. The channel is closed when
// ctx is done.
func (r *EtcdRegistry) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	go func() {
		defer close(ch)
		for ctx.Err() == nil {
			instances, rev, err := r.list(ctx, serviceName)
			if err != nil {
				r.logger.Warn("watch snapshot failed", zap.String("service", serviceName), zap.Error(err))
				if !sleep(ctx, time.Second) {
					return
				}
				continue
			}
			if !send(ctx, ch, instances) {
				return
			}
			r.watchFrom(ctx, ch, serviceName, rev+1)
		}
	}()
	return ch
}

// watchFrom follows changes from rev until the watch breaks.
func (r *EtcdRegistry) watchFrom(ctx context.Context, ch chan<- []ServiceInstance, serviceName string, rev int64) {
	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	defer cancel()
	for resp := range r.client.Watch(wctx, servicePrefix(serviceName), clientv3.WithPrefix(), clientv3.WithRev(rev)) {
		if err := resp.Err(); err != nil {
			if resp.CompactRevision != 0 || errors.Is(err, rpctypes.ErrCompacted) {
				r.logger.Info("watch compacted, resyncing", zap.String("service", serviceName))
			} else {
				r.logger.Warn("watch failed", zap.String("service", serviceName), zap.Error(err))
			}
			return
		}
		instances, err := r.Discover(ctx, serviceName)
		if err != nil {
			return
		}
		if !send(ctx, ch, instances) {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- []ServiceInstance, instances []ServiceInstance) bool {
	select {
	case ch <- instances:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close revokes every lease held by r and closes the client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	leases := r.leases
	r.leases = make(map[string]clientv3.LeaseID)
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, id := range leases {
		r.revoke(ctx, id)
	}
	return r.client.Close()
}
