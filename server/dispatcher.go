package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"mini-rmi/message"
	"mini-rmi/middleware"
	"mini-rmi/peer"
	"mini-rmi/registry"
)

// Replier sends the reply for one request back over the connection it arrived on.
type Replier = peer.Replier

// Dispatcher turns invoke envelopes into replies against the objects of a registry.
//
// Each request walks Received → Decoded → Resolved → Invoked → Replied. A failure at any
// state short-circuits to an error reply carrying that state's kind:
//
//	Decoded:  DecodeError
//	Resolved: NotFound | UnknownClass | AccessorFailed
//	Invoked:  TargetInvocationFailed
type Dispatcher struct {
	registry    *registry.Registry
	logger      *zap.Logger
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares wrapped around resolveAndInvoke
}

type DispatcherOption func(*Dispatcher)

// WithRegistry sets the registry objects are resolved in. Defaults to registry.Default.
func WithRegistry(r *registry.Registry) DispatcherOption {
	return func(d *Dispatcher) {
		if r != nil {
			d.registry = r
		}
	}
}

func WithLogger(l *zap.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMiddleware appends middlewares; the first one runs outermost.
func WithMiddleware(mws ...middleware.Middleware) DispatcherOption {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, mws...)
	}
}

func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry.Default,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	// Recovery is always the outermost middleware.
	chain := append([]middleware.Middleware{middleware.RecoveryMiddleware(d.logger)}, d.middlewares...)
	d.handler = middleware.Chain(chain...)(d.resolveAndInvoke)
	return d
}

// Handle runs one decoded envelope through validation, the middleware chain, resolution and
// invocation. It always returns exactly one reply carrying the request's correlation id.
func (d *Dispatcher) Handle(ctx context.Context, req *message.Envelope) *message.Envelope {
	if err := req.Validate(); err != nil {
		return message.NewError(req.CorrelationID, err)
	}
	if req.Type != message.TypeInvoke {
		return message.NewError(req.CorrelationID,
			message.Errorf(message.KindDecode, "expected %s envelope, got %s", message.TypeInvoke, req.Type))
	}

	reply := d.handler(ctx, req)
	if reply == nil {
		reply = message.NewError(req.CorrelationID,
			message.Errorf(message.KindTargetInvocationFailed, "no reply produced for %s", req.Selector))
	}
	reply.CorrelationID = req.CorrelationID
	return reply
}

// HandleIncoming dispatches req and sends its reply through r.
func (d *Dispatcher) HandleIncoming(ctx context.Context, req *message.Envelope, r Replier) {
	reply := d.Handle(ctx, req)
	if err := r.Reply(ctx, reply); err != nil {
		d.logger.Warn("failed to send reply",
			zap.String("correlation_id", req.CorrelationID), zap.Error(err))
	}
}

func (d *Dispatcher) resolveAndInvoke(ctx context.Context, req *message.Envelope) *message.Envelope {
	target, err := d.registry.Resolve(*req.Resolution, req.TargetClass)
	if err != nil {
		return message.NewError(req.CorrelationID, err)
	}

	out, err := call(ctx, target, req.Selector, req.Arguments)
	if err != nil {
		var pe *PanicError
		if errors.As(err, &pe) {
			d.logger.Error("target panicked",
				zap.String("correlation_id", req.CorrelationID),
				zap.String("selector", req.Selector),
				zap.Any("panic", pe.Value),
				zap.ByteString("stack", pe.Stack))
		}
		return message.NewError(req.CorrelationID, err)
	}
	if req.ReturnTypeTag == message.TagVoid {
		// The caller discards the result.
		out = nil
	}
	result, err := encodeResults(out)
	if err != nil {
		return message.NewError(req.CorrelationID, err)
	}
	return message.NewResult(req.CorrelationID, result)
}
