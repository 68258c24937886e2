// Package client calls services found through a registry. Each call picks
// an instance with the balancer and runs over a pooled session to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"duplex-rpc/codec"
	"duplex-rpc/loadbalance"
	"duplex-rpc/registry"
	"duplex-rpc/session"
	"duplex-rpc/transport"
)

var ErrClientClosed = errors.New("client: closed")

type Client struct {
	registry registry.Registry
	opts     options
	pool     *Pool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	watches map[string]*instanceList
	wg      sync.WaitGroup
}

// instanceList is the latest instance set of one service, fed by Watch.
type instanceList struct {
	ready chan struct{}
	mu    sync.RWMutex
	list  []registry.ServiceInstance
}

func (l *instanceList) get() []registry.ServiceInstance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.list
}

func (l *instanceList) set(list []registry.ServiceInstance) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.list = list
}

func NewClient(reg registry.Registry, opts ...Option) *Client {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry: reg,
		opts:     o,
		ctx:      ctx,
		cancel:   cancel,
		watches:  make(map[string]*instanceList),
	}
	c.pool = NewPool(o.poolSize, c.dial)
	return c
}

func (c *Client) dial(ctx context.Context, inst registry.ServiceInstance) (*session.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.dialTimeout)
	defer cancel()
	stream, err := transport.Dial(ctx, "tcp", inst.Addr,
		transport.WithHandshake(inst.Handshake),
		transport.WithLogger(c.opts.logger))
	if err != nil {
		return nil, err
	}
	opts := append([]session.Option{session.WithLogger(c.opts.logger)}, c.opts.sessionOpts...)
	sess, err := session.New(stream, c.opts.resolver, opts...)
	if err != nil {
		stream.Dispose(err)
		return nil, err
	}
	c.opts.logger.Debug("session opened", zap.String("addr", inst.Addr))
	return sess, nil
}

// instances returns the watched instance list of a service, starting the
// watch on first use.
func (c *Client) instances(ctx context.Context, serviceName string) ([]registry.ServiceInstance, error) {
	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	l, ok := c.watches[serviceName]
	if !ok {
		l = &instanceList{ready: make(chan struct{})}
		c.watches[serviceName] = l
		c.wg.Add(1)
		go c.watch(serviceName, l)
	}
	c.mu.Unlock()

	select {
	case <-l.ready:
		return l.get(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) watch(serviceName string, l *instanceList) {
	defer c.wg.Done()
	first := true
	for list := range c.registry.Watch(c.ctx, serviceName) {
		l.set(list)
		if first {
			close(l.ready)
			first = false
		}
		c.opts.logger.Debug("instances updated", zap.String("service", serviceName), zap.Int("count", len(list)))
	}
	if first {
		close(l.ready)
	}
}

// Session returns the session serviceMethod would be sent over. The
// affinity key for ConsistentHash comes from loadbalance.WithHashKey.
func (c *Client) Session(ctx context.Context, serviceMethod string) (*session.Session, error) {
	serviceName, _, ok := strings.Cut(serviceMethod, ".")
	if !ok {
		return nil, fmt.Errorf("invalid serviceMethod format: %v", serviceMethod)
	}
	instances, err := c.instances(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	inst, err := c.opts.balancer.Pick(loadbalance.HashKeyFromContext(ctx), instances)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", serviceName, err)
	}
	return c.pool.Get(ctx, *inst)
}

// Go starts a call and returns its handle.
func (c *Client) Go(ctx context.Context, serviceMethod string, args ...any) (*session.Call, error) {
	sess, err := c.Session(ctx, serviceMethod)
	if err != nil {
		return nil, err
	}
	return sess.Go(serviceMethod, args...), nil
}

// Call calls serviceMethod and waits for the result.
func (c *Client) Call(ctx context.Context, serviceMethod string, args ...any) (any, error) {
	h, err := c.Go(ctx, serviceMethod, args...)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// CallInto calls serviceMethod and stores the result in reply.
func (c *Client) CallInto(ctx context.Context, serviceMethod string, reply any, args ...any) error {
	v, err := c.Call(ctx, serviceMethod, args...)
	if err != nil {
		return err
	}
	return codec.Assign(reply, v)
}

// Exec sends serviceMethod without waiting for any result.
func (c *Client) Exec(ctx context.Context, serviceMethod string, args ...any) error {
	sess, err := c.Session(ctx, serviceMethod)
	if err != nil {
		return err
	}
	return sess.Exec(serviceMethod, args...)
}

// Close stops watching the registry and closes every session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	return c.pool.Close(ctx)
}
