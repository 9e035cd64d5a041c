package middleware

import (
	"context"
	"time"

	"mini-rmi/message"
)

// TimeOutMiddleware answers with a Timeout error when the handler takes longer than timeout.
// The handler keeps running with a cancelled context; its late reply is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				defer func() {
					if p := recover(); p != nil {
						done <- panicReply(req, p)
					}
				}()
				done <- next(ctx, req)
			}()

			select {
			case reply := <-done:
				return reply
			case <-ctx.Done():
				return message.NewError(req.CorrelationID,
					message.Errorf(message.KindTimeout, "%s did not complete within %s", req.Selector, timeout))
			}
		}
	}
}
