package middleware

import (
	"context"
	"errors"
	"time"

	"duplex-rpc/session"
)

var ErrTimeout = errors.New("request timed out")

// Timeout runs the handler on its own goroutine and answers with a deferred
// result that is rejected with ErrTimeout once the deadline passes.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			return session.Go(func() (any, error) {
				ctx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()

				type result struct {
					v   any
					err error
				}
				done := make(chan result, 1)
				go func() {
					v, err := next(ctx, req)
					v, err = Await(ctx, v, err)
					done <- result{v, err}
				}()

				select {
				case r := <-done:
					if errors.Is(r.err, context.DeadlineExceeded) {
						return nil, ErrTimeout
					}
					return r.v, r.err
				case <-ctx.Done():
					return nil, ErrTimeout
				}
			}), nil
		}
	}
}
