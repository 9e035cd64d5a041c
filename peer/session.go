// Package peer runs both sides of the protocol over one connection.
//
// A Session is the single inbound handler of a transport.Conn. It decodes every message and
// routes it by envelope type:
//
//	invoke         → Dispatcher (a server.Dispatcher) in its own goroutine → exactly one reply
//	result / error → client.Caller → the waiting Call
//
// Either end of a connection may export objects and hold proxies at the same time.
package peer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"mini-rmi/client"
	"mini-rmi/codec"
	"mini-rmi/message"
	"mini-rmi/middleware"
	"mini-rmi/transport"
)

const defaultReplayWindow = 4096

// Replier sends the one reply to an inbound invocation.
type Replier interface {
	Reply(ctx context.Context, reply *message.Envelope) error
}

// Dispatcher answers inbound invocations through r. A Session sends only the first reply;
// when HandleIncoming returns without replying, the caller gets TargetInvocationFailed.
type Dispatcher interface {
	HandleIncoming(ctx context.Context, req *message.Envelope, r Replier)
}

type Session struct {
	conn       transport.Conn
	codec      codec.Codec
	dispatcher Dispatcher
	caller     *client.Caller
	seen       *lru.Cache // correlation ids of invocations already dispatched
	logger     *zap.Logger

	ctx    context.Context // parent of every dispatch; cancelled when the connection ends
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	inflight int
	idle     chan struct{} // closed when inflight drops to zero while draining
}

type options struct {
	dispatcher   Dispatcher
	codec        codec.CodecType
	timeout      time.Duration
	replayWindow int
	logger       *zap.Logger
}

type Option func(*options)

// WithDispatcher exports objects on this connection: every inbound invoke is passed to d.
// Without one, invocations fail with NotFound.
func WithDispatcher(d Dispatcher) Option {
	return func(o *options) {
		o.dispatcher = d
	}
}

// WithHandler is WithDispatcher for a handler that returns the reply.
func WithHandler(h middleware.HandlerFunc) Option {
	return func(o *options) {
		if h != nil {
			o.dispatcher = handlerDispatcher(h)
		}
	}
}

// WithCodec sets the codec for outgoing invocations. Replies always use the request's codec.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) {
		o.codec = t
	}
}

// WithCallTimeout bounds every outgoing call without an earlier context deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithReplayWindow sets how many recent correlation ids are remembered to drop duplicates.
func WithReplayWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.replayWindow = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New starts a session on conn. The session owns conn from now on.
func New(conn transport.Conn, opts ...Option) (*Session, error) {
	o := options{
		codec:        codec.CodecTypeJSON,
		replayWindow: defaultReplayWindow,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	c := codec.GetCodec(o.codec)
	if c == nil {
		return nil, fmt.Errorf("peer: unknown codec %d", o.codec)
	}
	seen, err := lru.New(o.replayWindow)
	if err != nil {
		return nil, err
	}

	s := &Session{
		conn:       conn,
		codec:      c,
		dispatcher: o.dispatcher,
		seen:       seen,
		logger:     o.logger.With(zap.String("remote", conn.RemoteAddr())),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.caller = client.NewCaller(s, client.WithTimeout(o.timeout), client.WithLogger(s.logger))
	if s.dispatcher == nil {
		s.dispatcher = handlerDispatcher(notExported)
	}

	conn.OnMessage(s.receive)
	go s.watch()
	return s, nil
}

// Caller returns the pending-call table for invocations sent on this session.
func (s *Session) Caller() *client.Caller {
	return s.caller
}

// Proxy returns a proxy for a remote object reachable over this session.
func (s *Session) Proxy(class string, res message.Resolution) (*client.Proxy, error) {
	return client.NewProxy(class, res, s.caller)
}

// Send encodes env with the session codec and writes it. It implements client.Sender.
func (s *Session) Send(ctx context.Context, env *message.Envelope) error {
	return s.send(ctx, s.codec, env)
}

// Done is closed when the connection ends.
func (s *Session) Done() <-chan struct{} {
	return s.conn.Done()
}

func (s *Session) Err() error {
	return s.conn.Err()
}

func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Close ends the connection. Pending calls fail with ConnectionLost.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Drain stops accepting new invocations and waits until the ones in flight have replied.
func (s *Session) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	if s.inflight == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.idle == nil {
		s.idle = make(chan struct{})
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) watch() {
	<-s.conn.Done()
	s.cancel()
	s.caller.Fail(message.Errorf(message.KindConnectionLost, "connection to %s lost: %v", s.conn.RemoteAddr(), s.conn.Err()))
}

// receive runs on the transport's reader goroutine.
func (s *Session) receive(msg transport.Message) {
	c := codec.GetCodec(msg.Codec)
	if c == nil {
		s.logger.Warn("dropping message with unknown codec", zap.Uint8("codec", uint8(msg.Codec)))
		return
	}

	env := &message.Envelope{}
	if err := c.Decode(msg.Body, env); err != nil {
		s.undecodable(c, msg, env, err)
		return
	}
	if env.IsReply() {
		s.caller.HandleReply(env)
		return
	}
	if env.CorrelationID == "" {
		s.logger.Warn("dropping invocation without correlation id", zap.String("selector", env.Selector))
		return
	}
	if dup, _ := s.seen.ContainsOrAdd(env.CorrelationID, struct{}{}); dup {
		s.logger.Warn("dropping duplicate invocation", zap.String("correlation_id", env.CorrelationID))
		return
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		s.reply(c, message.NewError(env.CorrelationID,
			message.Errorf(message.KindConnectionLost, "service is shutting down")))
		return
	}
	s.inflight++
	s.mu.Unlock()

	go s.dispatch(c, env)
}

// undecodable handles a message that failed to decode. env holds whatever was read before
// the failure. A broken reply fails the call waiting for it; a broken invocation is answered
// with DecodeError if it named a correlation id. Replies are never answered.
func (s *Session) undecodable(c codec.Codec, msg transport.Message, env *message.Envelope, err error) {
	id := env.CorrelationID
	invoke := env.Type == message.TypeInvoke && !msg.Reply
	if !invoke && id != "" && s.caller.Reject(id, err) {
		s.logger.Warn("undecodable reply", zap.String("correlation_id", id), zap.Error(err))
		return
	}
	if msg.Reply || env.IsReply() {
		s.logger.Warn("dropping undecodable reply", zap.String("correlation_id", id), zap.Error(err))
		return
	}
	if id == "" {
		s.logger.Warn("dropping undecodable message", zap.Error(err))
		return
	}
	s.reply(c, message.NewError(id, err))
}

func (s *Session) dispatch(c codec.Codec, req *message.Envelope) {
	defer s.finished()

	r := &replier{session: s, codec: c, req: req}
	s.handle(req, r)
	if !r.replied.Load() {
		r.answer(message.NewError(req.CorrelationID,
			message.Errorf(message.KindTargetInvocationFailed, "no reply produced for %s", req.Selector)))
	}
}

func (s *Session) handle(req *message.Envelope, r *replier) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("panic in session dispatcher",
				zap.String("correlation_id", req.CorrelationID),
				zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			r.answer(message.NewError(req.CorrelationID,
				message.Errorf(message.KindTargetInvocationFailed, "%s panicked: %v", req.Selector, p)))
		}
	}()
	s.dispatcher.HandleIncoming(s.ctx, req, r)
}

func (s *Session) finished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--
	if s.inflight == 0 && s.idle != nil {
		close(s.idle)
		s.idle = nil
	}
}

func (s *Session) reply(c codec.Codec, env *message.Envelope) {
	if err := s.sendReply(context.Background(), c, env); err != nil {
		s.logger.Warn("failed to send reply", zap.String("correlation_id", env.CorrelationID), zap.Error(err))
	}
}

// sendReply sends a result or error envelope. If a result cannot be encoded or is too large,
// an error reply goes out instead so the caller is never left waiting.
func (s *Session) sendReply(ctx context.Context, c codec.Codec, env *message.Envelope) error {
	err := s.send(ctx, c, env)
	if err != nil && env.Type == message.TypeResult && message.KindOf(err) != "" {
		err = s.send(ctx, c, message.NewError(env.CorrelationID, err))
	}
	return err
}

// send encodes and writes env. Envelopes that can never be sent fail with a
// TargetInvocationFailed *message.Error; transport failures are returned as they are.
func (s *Session) send(ctx context.Context, c codec.Codec, env *message.Envelope) error {
	body, err := c.Encode(env)
	if err != nil {
		return message.Errorf(message.KindTargetInvocationFailed, "encode %s envelope: %v", env.Type, err)
	}
	err = s.conn.Send(ctx, transport.Message{
		Codec: c.Type(),
		Reply: env.IsReply(),
		Body:  body,
	})
	if errors.Is(err, transport.ErrTooLarge) {
		return message.Errorf(message.KindTargetInvocationFailed, "%s envelope: %v", env.Type, err)
	}
	return err
}

// replier is handed to the Dispatcher with each invocation. Only its first Reply is sent.
type replier struct {
	session *Session
	codec   codec.Codec
	req     *message.Envelope
	replied atomic.Bool
}

var errAnswered = errors.New("peer: invocation already answered")

func (r *replier) Reply(ctx context.Context, env *message.Envelope) error {
	if !r.replied.CompareAndSwap(false, true) {
		return errAnswered
	}
	if env == nil {
		env = message.NewError(r.req.CorrelationID,
			message.Errorf(message.KindTargetInvocationFailed, "no reply produced for %s", r.req.Selector))
	}
	env.CorrelationID = r.req.CorrelationID
	err := r.session.sendReply(ctx, r.codec, env)
	if err != nil {
		r.session.logger.Warn("failed to send reply",
			zap.String("correlation_id", r.req.CorrelationID), zap.Error(err))
	}
	return err
}

// answer replies unless the dispatcher already did.
func (r *replier) answer(env *message.Envelope) {
	_ = r.Reply(context.Background(), env)
}

// handlerDispatcher adapts a HandlerFunc: its return value is the reply.
type handlerDispatcher middleware.HandlerFunc

func (h handlerDispatcher) HandleIncoming(ctx context.Context, req *message.Envelope, r Replier) {
	_ = r.Reply(ctx, h(ctx, req))
}

func notExported(_ context.Context, req *message.Envelope) *message.Envelope {
	return message.NewError(req.CorrelationID,
		message.Errorf(message.KindNotFound, "no objects are exported on this connection"))
}
