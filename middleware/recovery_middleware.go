package middleware

import (
	"context"
	"runtime/debug"

	"go.uber.org/zap"

	"mini-rmi/message"
)

// RecoveryMiddleware turns a panic anywhere below it into a TargetInvocationFailed reply.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) (reply *message.Envelope) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("panic during dispatch",
						zap.String("correlation_id", req.CorrelationID),
						zap.String("selector", req.Selector),
						zap.Any("panic", p),
						zap.ByteString("stack", debug.Stack()))
					reply = panicReply(req, p)
				}
			}()
			return next(ctx, req)
		}
	}
}

func panicReply(req *message.Envelope, p any) *message.Envelope {
	return message.NewError(req.CorrelationID,
		message.Errorf(message.KindTargetInvocationFailed, "%s panicked: %v", req.Selector, p))
}
