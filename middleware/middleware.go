// Package middleware wraps command handlers. A handler may answer
// synchronously or return a *session.Deferred; middlewares that need the
// final outcome use Await and run off the session loop.
package middleware

import (
	"context"

	"duplex-rpc/session"
)

// Request is one command invocation.
type Request struct {
	Name string
	Args []any
}

type HandlerFunc func(ctx context.Context, req *Request) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// Command binds h to name as a session command.
func Command(name string, h HandlerFunc) session.Command {
	return func(ctx context.Context, args []any) (any, error) {
		return h(ctx, &Request{Name: name, Args: args})
	}
}

// Await resolves a handler outcome. If v is a *session.Deferred it blocks
// until the deferred settles or ctx is done.
func Await(ctx context.Context, v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	d, ok := v.(*session.Deferred)
	if !ok {
		return v, nil
	}
	if d == nil {
		return nil, session.ErrNilDeferred
	}
	select {
	case <-d.Done():
		return d.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
