package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duplex-rpc/session"
)

// Logging logs every command with its duration and error. Deferred results
// are logged when they settle.
func Logging(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (any, error) {
			start := time.Now()
			v, err := next(ctx, req)
			if d, ok := v.(*session.Deferred); ok && d != nil && err == nil {
				go func() {
					_, err := d.Result()
					logResult(logger, req, start, true, err)
				}()
				return v, nil
			}
			logResult(logger, req, start, false, err)
			return v, err
		}
	}
}

func logResult(logger *zap.Logger, req *Request, start time.Time, async bool, err error) {
	fields := []zap.Field{
		zap.String("command", req.Name),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("async", async),
	}
	if err != nil {
		logger.Warn("command failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Info("command", fields...)
}
