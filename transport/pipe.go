package transport

import (
	"context"
	"io"
	"sync"
)

const pipeBuffer = 64

// PipeConn is one end of an in-memory connection created by Pipe.
// Closing either end ends both: the local end reports ErrClosed, the remote end io.EOF.
type PipeConn struct {
	lifecycle
	peer  *PipeConn
	inbox chan Message
	name  string
	start sync.Once
}

// Pipe returns two connected ends.
func Pipe() (*PipeConn, *PipeConn) {
	a := &PipeConn{inbox: make(chan Message, pipeBuffer), name: "pipe-a"}
	b := &PipeConn{inbox: make(chan Message, pipeBuffer), name: "pipe-b"}
	a.init()
	b.init()
	a.peer, b.peer = b, a
	return a, b
}

func (t *PipeConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed() {
		return t.sendErr()
	}
	if err := checkSize(msg); err != nil {
		return err
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body

	select {
	case t.peer.inbox <- msg:
		return nil
	case <-t.done:
		return t.sendErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *PipeConn) OnMessage(h Handler) {
	t.start.Do(func() {
		go func() {
			for {
				select {
				case <-t.done:
					return
				case msg := <-t.inbox:
					h(msg)
				}
			}
		}()
	})
}

func (t *PipeConn) Close() error {
	t.shutdown(ErrClosed)
	t.peer.shutdown(io.EOF)
	return nil
}

func (t *PipeConn) RemoteAddr() string {
	return t.peer.name
}
