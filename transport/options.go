package transport

import (
	"time"

	"go.uber.org/zap"
)

const (
	DefaultReadBufferSize   = 32 << 10
	DefaultHandshakeTimeout = 10 * time.Second
)

type options struct {
	handshake        int
	handshakeTimeout time.Duration
	readBufferSize   int
	logger           *zap.Logger
}

func defaultOptions() options {
	return options{
		handshakeTimeout: DefaultHandshakeTimeout,
		readBufferSize:   DefaultReadBufferSize,
		logger:           zap.NewNop(),
	}
}

type Option func(*options)

// WithHandshake exchanges n zero bytes with the peer before any frame.
func WithHandshake(n int) Option {
	return func(o *options) { o.handshake = n }
}

// WithHandshakeTimeout bounds the handshake on connections with deadlines.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

func WithReadBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBufferSize = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}
