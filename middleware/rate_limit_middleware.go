package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"mini-rmi/message"
)

// RateLimitMiddleware admits r invocations per second with bursts of up to burst, using a
// token bucket. Rejected invocations fail with TargetInvocationFailed without reaching the target.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return message.NewError(req.CorrelationID,
					message.Errorf(message.KindTargetInvocationFailed, "rate limit exceeded"))
			}
			return next(ctx, req)
		}
	}
}
