// Package client is the calling side of a connection: the table of pending calls and the
// proxies that stand in for remote objects.
//
// Each outgoing invocation gets a fresh correlation id and a pending Call. The reader of the
// connection hands every reply to Caller.HandleReply, which routes it to the one Call waiting
// for that id, so replies may arrive in any order:
//
//	goroutine-1 ──Go(id=a)──┐                       ┌── reply(b) → pending[b] → goroutine-2
//	goroutine-2 ──Go(id=b)──┼──→ one connection ──→ ┤
//	goroutine-3 ──Go(id=c)──┘                       └── reply(a) → pending[a] → goroutine-1
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	uuid "github.com/satori/go.uuid"
	"go.uber.org/zap"

	"mini-rmi/message"
)

// Sender writes an envelope to the connection the Caller's replies come from.
type Sender interface {
	Send(ctx context.Context, env *message.Envelope) error
}

// Call is one invocation in flight.
type Call struct {
	CorrelationID string
	Selector      string
	ReturnTypeTag message.TypeTag
	Reply         any   // pointer the result is decoded into; nil to use Result
	Result        any   // canonical result when Reply is nil
	Error         error // *message.Error once the call failed
	Done          chan *Call

	caller *Caller
	stop   func()
}

// Cancel abandons the call. The caller sees Cancelled; a reply arriving later is discarded.
func (call *Call) Cancel() {
	if call.caller != nil {
		call.caller.Cancel(call.CorrelationID)
	}
}

func (call *Call) done() {
	select {
	case call.Done <- call:
	default:
		// Done has no room; the call's owner chose an undersized channel.
		if call.caller != nil {
			call.caller.logger.Warn("discarding call completion due to insufficient Done chan capacity",
				zap.String("correlation_id", call.CorrelationID))
		}
	}
}

func (call *Call) decode(v message.Value) error {
	if call.Reply != nil {
		if err := message.DecodeValue(v, call.Reply); err != nil {
			return message.Errorf(message.KindDecode, "result of %s: %v", call.Selector, err)
		}
		return nil
	}
	if call.ReturnTypeTag == message.TagVoid {
		return nil
	}
	result, err := v.Any()
	if err != nil {
		return message.Errorf(message.KindDecode, "result of %s: %v", call.Selector, err)
	}
	call.Result = result
	return nil
}

const defaultTombstones = 1024

// Caller owns the pending calls of one connection.
type Caller struct {
	sender  Sender
	timeout time.Duration
	logger  *zap.Logger

	mu       sync.Mutex
	pending  map[string]*Call
	finished *lru.Cache // ids that ended without a reply; late replies for them are expected
	closed   error      // set by Fail; new calls fail with it immediately
}

type CallerOption func(*Caller)

// WithTimeout bounds every call that has no earlier context deadline. Zero means no bound.
func WithTimeout(d time.Duration) CallerOption {
	return func(c *Caller) {
		c.timeout = d
	}
}

func WithLogger(l *zap.Logger) CallerOption {
	return func(c *Caller) {
		if l != nil {
			c.logger = l
		}
	}
}

func NewCaller(sender Sender, opts ...CallerOption) *Caller {
	c := &Caller{
		sender:   sender,
		logger:   zap.NewNop(),
		pending:  make(map[string]*Call),
		finished: lru.New(defaultTombstones),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewCorrelationID returns a fresh random correlation id.
func NewCorrelationID() string {
	return uuid.NewV4().String()
}

// Go sends req and returns immediately. The Call is delivered on done when a reply arrives,
// the call times out or is cancelled, ctx ends, or the connection is lost. A nil done gets a
// channel with room for one Call.
func (c *Caller) Go(ctx context.Context, req *message.Envelope, reply any, done chan *Call) *Call {
	if done == nil {
		done = make(chan *Call, 1)
	} else if cap(done) == 0 {
		panic("rmi: done channel is unbuffered")
	}
	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID()
	}
	id := req.CorrelationID
	call := &Call{
		CorrelationID: id,
		Selector:      req.Selector,
		ReturnTypeTag: req.ReturnTypeTag,
		Reply:         reply,
		Done:          done,
		caller:        c,
	}

	c.mu.Lock()
	if c.closed != nil {
		c.mu.Unlock()
		call.Error = c.closed
		call.done()
		return call
	}
	if _, dup := c.pending[id]; dup {
		c.mu.Unlock()
		call.Error = message.Errorf(message.KindDecode, "correlation id %s already in flight", id)
		call.done()
		return call
	}
	c.pending[id] = call
	// Timers are armed under mu so they cannot fire before the call is pending.
	var timer *time.Timer
	if c.timeout > 0 {
		timer = time.AfterFunc(c.timeout, func() {
			c.finish(id, message.Errorf(message.KindTimeout, "no reply to %s within %s", req.Selector, c.timeout))
		})
	}
	stopCtx := context.AfterFunc(ctx, func() {
		c.finish(id, contextError(ctx, req.Selector))
	})
	call.stop = func() {
		if timer != nil {
			timer.Stop()
		}
		stopCtx()
	}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, req); err != nil {
		switch {
		case ctx.Err() != nil:
			c.finish(id, contextError(ctx, req.Selector))
		case message.KindOf(err) != "":
			c.finish(id, err)
		default:
			c.finish(id, message.Errorf(message.KindConnectionLost, "send %s: %v", req.Selector, err))
		}
	}
	return call
}

// Invoke sends req and blocks until its outcome is known.
func (c *Caller) Invoke(ctx context.Context, req *message.Envelope, reply any) (*Call, error) {
	call := <-c.Go(ctx, req, reply, make(chan *Call, 1)).Done
	return call, call.Error
}

// Cancel fails the pending call with Cancelled. Unknown or finished ids are ignored.
func (c *Caller) Cancel(correlationID string) {
	c.finish(correlationID, message.Errorf(message.KindCancelled, "call %s cancelled", correlationID))
}

// Reject fails the pending call correlationID with err. It is used when a reply arrived for
// the call but could not be decoded, and reports whether such a call was pending.
func (c *Caller) Reject(correlationID string, err error) bool {
	return c.finish(correlationID, err)
}

// HandleReply completes the call a result or error envelope answers. Replies for calls that
// already ended are discarded.
func (c *Caller) HandleReply(env *message.Envelope) {
	id := env.CorrelationID
	c.mu.Lock()
	call, ok := c.pending[id]
	late := false
	if ok {
		delete(c.pending, id)
	} else {
		_, late = c.finished.Get(id)
	}
	c.mu.Unlock()

	if !ok {
		if late {
			c.logger.Debug("discarding late reply", zap.String("correlation_id", id))
		} else {
			c.logger.Warn("reply for unknown call", zap.String("correlation_id", id), zap.String("type", env.Type))
		}
		return
	}

	call.stop()
	if env.Type == message.TypeError {
		call.Error = env.Err()
	} else {
		call.Error = call.decode(env.Result())
	}
	call.done()
}

// Fail ends every pending call with err and makes later calls fail with it immediately.
// Used when the connection is lost.
func (c *Caller) Fail(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[string]*Call)
	for id := range pending {
		c.finished.Add(id, struct{}{})
	}
	c.mu.Unlock()

	for _, call := range pending {
		call.stop()
		call.Error = err
		call.done()
	}
	if len(pending) > 0 {
		c.logger.Debug("failed pending calls", zap.Int("count", len(pending)), zap.Error(err))
	}
}

// Pending reports how many calls are waiting for a reply.
func (c *Caller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Caller) finish(id string, err error) bool {
	c.mu.Lock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		c.finished.Add(id, struct{}{})
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	call.stop()
	call.Error = err
	call.done()
	return true
}

func contextError(ctx context.Context, selector string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return message.Errorf(message.KindTimeout, "%s: %v", selector, ctx.Err())
	}
	return message.Errorf(message.KindCancelled, "%s: %v", selector, ctx.Err())
}
