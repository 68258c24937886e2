package client

import (
	"time"

	"go.uber.org/zap"

	"duplex-rpc/loadbalance"
	"duplex-rpc/session"
)

const DefaultDialTimeout = 5 * time.Second

type options struct {
	logger      *zap.Logger
	balancer    loadbalance.Balancer
	poolSize    int
	dialTimeout time.Duration
	resolver    session.Resolver
	sessionOpts []session.Option
}

func defaultOptions() options {
	return options{
		logger:      zap.NewNop(),
		balancer:    &loadbalance.RoundRobinBalancer{},
		poolSize:    1,
		dialTimeout: DefaultDialTimeout,
	}
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithBalancer(b loadbalance.Balancer) Option {
	return func(o *options) { o.balancer = b }
}

// WithPoolSize sets how many sessions are kept per instance.
func WithPoolSize(n int) Option {
	return func(o *options) { o.poolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithResolver serves r on every session so servers can call back.
func WithResolver(r session.Resolver) Option {
	return func(o *options) { o.resolver = r }
}

func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}
