package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"mini-rmi/message"
)

// LoggingMiddleware logs every invocation with its outcome and duration.
// Failures log at warn, successes at debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			reply := next(ctx, req)

			fields := []zap.Field{
				zap.String("correlation_id", req.CorrelationID),
				zap.String("class", req.TargetClass),
				zap.String("selector", req.Selector),
				zap.Duration("duration", time.Since(start)),
			}
			if req.Resolution != nil {
				fields = append(fields, zap.Stringer("resolution", req.Resolution))
			}
			if reply.Type == message.TypeError {
				fields = append(fields, zap.String("kind", string(reply.Kind)), zap.String("error", reply.Message))
				logger.Warn("invocation failed", fields...)
			} else {
				logger.Debug("invocation completed", fields...)
			}
			return reply
		}
	}
}
