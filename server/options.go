package server

import (
	"go.uber.org/zap"

	"duplex-rpc/registry"
	"duplex-rpc/session"
)

// DefaultTTL is the registry lease TTL in seconds.
const DefaultTTL = 10

type options struct {
	logger      *zap.Logger
	registry    registry.Registry
	advertise   string
	ttl         int64
	weight      int
	version     string
	handshake   int
	syncMethods bool
	sessionOpts []session.Option
	onSession   func(*session.Session)
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		ttl:    DefaultTTL,
		weight: 1,
	}
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry publishes every registered service while the server is
// serving. advertise is the address clients dial; when empty the listener
// address is used.
func WithRegistry(reg registry.Registry, advertise string) Option {
	return func(o *options) { o.registry, o.advertise = reg, advertise }
}

// WithTTL sets the registry lease TTL in seconds.
func WithTTL(ttl int64) Option {
	return func(o *options) { o.ttl = ttl }
}

func WithWeight(w int) Option {
	return func(o *options) { o.weight = w }
}

func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithHandshake requires an n-byte zero marker on every connection.
func WithHandshake(n int) Option {
	return func(o *options) { o.handshake = n }
}

// WithSyncMethods runs service methods on the session loop instead of
// their own goroutine. Results then come back as plain Return frames.
func WithSyncMethods() Option {
	return func(o *options) { o.syncMethods = true }
}

// WithSessionOptions applies opts to every accepted session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithOnSession calls fn for every accepted session. The server can use
// the session to call back into the client.
func WithOnSession(fn func(*session.Session)) Option {
	return func(o *options) { o.onSession = fn }
}
