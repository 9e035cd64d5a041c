package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"mini-rmi/codec"
	"mini-rmi/protocol"
)

// StreamConn carries envelopes over a byte stream using protocol frames.
//
// One goroutine reads frames and hands them to the handler; any number of goroutines
// may Send concurrently. The sending mutex keeps each frame (header + body) contiguous
// on the wire:
//
//	goroutine-1 ──Send──┐
//	goroutine-2 ──Send──┼──→ sending mutex ──→ net.Conn
//	heartbeat   ────────┘
type StreamConn struct {
	lifecycle
	conn    net.Conn
	opts    options
	seq     uint32     // frame counter, guarded by sending
	sending sync.Mutex // serializes frame writes
	start   sync.Once
}

// NewStreamConn wraps conn and starts the heartbeat loop. Reading starts with OnMessage.
func NewStreamConn(conn net.Conn, opts ...Option) *StreamConn {
	t := &StreamConn{
		conn: conn,
		opts: newOptions(opts),
	}
	t.init()
	if t.opts.heartbeat > 0 {
		go t.heartbeatLoop(t.opts.heartbeat)
	}
	return t
}

// DialStream connects to a TCP address.
func DialStream(ctx context.Context, addr string, opts ...Option) (*StreamConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, opts...), nil
}

func (t *StreamConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed() {
		return t.sendErr()
	}
	if err := checkSize(msg); err != nil {
		return err
	}

	msgType := protocol.MsgTypeInvoke
	if msg.Reply {
		msgType = protocol.MsgTypeReply
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	t.seq++
	header := &protocol.Header{
		CodecType: byte(msg.Codec),
		MsgType:   msgType,
		Seq:       t.seq,
	}
	_ = t.conn.SetWriteDeadline(t.opts.writeDeadline())
	if err := protocol.Encode(t.conn, header, msg.Body); err != nil {
		// A partially written frame leaves the stream unusable.
		t.fail(err)
		return err
	}
	return nil
}

func (t *StreamConn) OnMessage(h Handler) {
	t.start.Do(func() {
		go t.recvLoop(h)
	})
}

func (t *StreamConn) Close() error {
	t.fail(ErrClosed)
	return nil
}

func (t *StreamConn) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// recvLoop is the only reader of the stream. Frames must be read sequentially to find
// their boundaries, so decoding the envelope is left to the handler.
func (t *StreamConn) recvLoop(h Handler) {
	for {
		if t.opts.idleTimeout > 0 {
			_ = t.conn.SetReadDeadline(time.Now().Add(t.opts.idleTimeout))
		}
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		h(Message{
			Codec: codec.CodecType(header.CodecType),
			Reply: header.MsgType == protocol.MsgTypeReply,
			Body:  body,
		})
	}
}

// heartbeatLoop keeps the peer's idle deadline from expiring while no calls are in flight.
func (t *StreamConn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sending.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(t.opts.writeTimeout))
			err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
			t.sending.Unlock()
			if err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *StreamConn) fail(err error) {
	if t.shutdown(err) {
		t.opts.logger.Debug("stream connection closed",
			zap.String("remote", t.RemoteAddr()), zap.Error(err))
		_ = t.conn.Close()
	}
}
