// Package transport adapts message-delimited, ordered, bidirectional channels to one interface.
//
// Three channels are provided:
//   - StreamConn:    framed TCP (or any net.Conn), with heartbeats and an idle deadline
//   - WebSocketConn: gorilla/websocket, text frames for JSON and binary frames for the binary codec
//   - PipeConn:      an in-memory pair, used by tests and in-process wiring
//
// A Conn has exactly one inbound handler. Reading starts when the handler is registered, and
// the handler is invoked from a single goroutine in arrival order, so it must not block for long.
//
//	peer A ──Send──► [frame / ws message / chan] ──► OnMessage handler of peer B
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-rmi/codec"
	"mini-rmi/protocol"
)

var (
	// ErrClosed is reported by a Conn that was closed locally.
	ErrClosed = errors.New("transport: connection closed")
	// ErrTooLarge is returned by Send for a body no peer would accept. The connection stays usable.
	ErrTooLarge = errors.New("transport: message exceeds size limit")
)

// Message is one envelope body and the codec it was encoded with.
type Message struct {
	Codec codec.CodecType
	// Reply marks result/error envelopes. Stream frames carry it in the header;
	// other transports leave it false on inbound messages.
	Reply bool
	Body  []byte
}

// Handler receives inbound messages.
type Handler func(Message)

// Conn is a single bidirectional connection.
type Conn interface {
	// Send writes msg. Sends from concurrent goroutines never interleave.
	Send(ctx context.Context, msg Message) error
	// OnMessage registers the inbound handler and starts reading. Only the first call has effect.
	OnMessage(h Handler)
	// Done is closed when the connection is gone, locally or remotely.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
	RemoteAddr() string
}

const (
	defaultHeartbeat    = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type options struct {
	logger       *zap.Logger
	heartbeat    time.Duration
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

// Option configures a Conn.
type Option func(*options)

// WithLogger sets the logger used for connection-level events.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHeartbeat sets the keepalive interval: heartbeat frames on streams, pings on WebSockets.
// Zero disables keepalive.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

// WithIdleTimeout closes the connection when nothing (including heartbeats) arrives for d.
// Zero disables the deadline.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WithWriteTimeout bounds a single write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:       zap.NewNop(),
		heartbeat:    defaultHeartbeat,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// writeDeadline bounds one write. A write cut short leaves the connection unusable, so
// per-call deadlines never shorten it.
func (o options) writeDeadline() time.Time {
	return time.Now().Add(o.writeTimeout)
}

// lifecycle tracks why and when a connection ended.
type lifecycle struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (l *lifecycle) init() {
	l.done = make(chan struct{})
}

// shutdown records err and closes Done. Only the first call has effect; it reports whether
// this call was the one that ended the connection.
func (l *lifecycle) shutdown(err error) bool {
	first := false
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		first = true
	})
	return first
}

func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func checkSize(msg Message) error {
	if uint64(len(msg.Body)) > uint64(protocol.MaxBodySize) {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(msg.Body))
	}
	return nil
}

// sendErr is what Send returns after the connection ended.
func (l *lifecycle) sendErr() error {
	if err := l.Err(); err != nil && !errors.Is(err, ErrClosed) {
		return errors.Join(ErrClosed, err)
	}
	return ErrClosed
}
