// Package middleware wraps the dispatch of an invocation with cross-cutting behaviour.
//
// A HandlerFunc turns one invoke envelope into exactly one reply envelope. Middlewares
// compose like an onion:
//
//	Chain(A, B, C)(h) == A(B(C(h)))
//	A.before → B.before → C.before → h → C.after → B.after → A.after
package middleware

import (
	"context"

	"mini-rmi/message"
)

// HandlerFunc handles one invoke envelope and returns its result or error reply. It never returns nil.
type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares; the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
