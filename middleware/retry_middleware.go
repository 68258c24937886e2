package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/session"
)

// Retry re-runs a handler that failed with a temporary error, up to
// maxRetries times with exponential backoff from baseDelay. Attempts run
// on their own goroutine and the command answers with a deferred result.
func Retry(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			return session.Go(func() (any, error) {
				v, err := attempt(ctx, next, req)
				for i := 0; i < maxRetries && err != nil && Temporary(err); i++ {
					logger.Info("retrying command",
						zap.String("command", req.Name), zap.Int("attempt", i+1), zap.Error(err))
					select {
					case <-time.After(baseDelay * time.Duration(1<<i)):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
					v, err = attempt(ctx, next, req)
				}
				return v, err
			}), nil
		}
	}
}

func attempt(ctx context.Context, next HandlerFunc, req *Request) (any, error) {
	v, err := next(ctx, req)
	return Await(ctx, v, err)
}

// Temporary reports whether err is worth retrying: timeouts, refused
// connections and errors that say so through a Temporary method.
func Temporary(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection refused")
}
