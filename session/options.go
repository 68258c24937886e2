package session

import (
	"context"

	"go.uber.org/zap"

	"duplex-rpc/protocol"
)

const (
	DefaultMaxPending = 1 << 16
	DefaultFlushSize  = 64 << 10
)

type options struct {
	ctx        context.Context
	logger     *zap.Logger
	onError    func(error)
	maxPending int
	flushSize  int
	maxFrame   int
}

func defaultOptions() options {
	return options{
		ctx:        context.Background(),
		logger:     zap.NewNop(),
		maxPending: DefaultMaxPending,
		flushSize:  DefaultFlushSize,
		maxFrame:   protocol.DefaultMaxFrameSize,
	}
}

type Option func(*options)

// WithContext sets the parent of the context passed to commands. The
// session cancels its derived context once it stops.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithErrorHandler installs a callback for protocol errors. It runs on the
// session loop.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// WithMaxPending bounds unsettled asynchronous results served by the session.
func WithMaxPending(n int) Option {
	return func(o *options) { o.maxPending = n }
}

// WithFlushSize sets how many buffered outgoing bytes force a write before
// the current turn ends.
func WithFlushSize(n int) Option {
	return func(o *options) { o.flushSize = n }
}

func WithMaxFrameSize(n int) Option {
	return func(o *options) { o.maxFrame = n }
}
