package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mini-rmi/codec"
	"mini-rmi/protocol"
)

// WebSocketConn carries one envelope per WebSocket message. JSON envelopes travel as
// text messages and binary-codec envelopes as binary messages, so no extra header is needed.
type WebSocketConn struct {
	lifecycle
	ws      *websocket.Conn
	opts    options
	writeMu sync.Mutex
	start   sync.Once
}

// NewWebSocketConn wraps an established WebSocket (client- or server-side).
func NewWebSocketConn(ws *websocket.Conn, opts ...Option) *WebSocketConn {
	t := &WebSocketConn{
		ws:   ws,
		opts: newOptions(opts),
	}
	t.init()
	ws.SetReadLimit(int64(protocol.MaxBodySize))
	if t.opts.heartbeat > 0 {
		go t.pingLoop(t.opts.heartbeat)
	}
	return t
}

// DialWebSocket connects to a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, url string, header http.Header, opts ...Option) (*WebSocketConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, opts...), nil
}

func (t *WebSocketConn) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed() {
		return t.sendErr()
	}
	if err := checkSize(msg); err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if msg.Codec == codec.CodecTypeBinary {
		messageType = websocket.BinaryMessage
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.ws.SetWriteDeadline(t.opts.writeDeadline())
	if err := t.ws.WriteMessage(messageType, msg.Body); err != nil {
		t.fail(err)
		return err
	}
	return nil
}

func (t *WebSocketConn) OnMessage(h Handler) {
	t.start.Do(func() {
		go t.recvLoop(h)
	})
}

func (t *WebSocketConn) Close() error {
	if t.closed() {
		return nil
	}
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.fail(ErrClosed)
	return nil
}

func (t *WebSocketConn) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

func (t *WebSocketConn) recvLoop(h Handler) {
	t.extendReadDeadline()
	t.ws.SetPongHandler(func(string) error {
		t.extendReadDeadline()
		return nil
	})
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		t.extendReadDeadline()

		codecType := codec.CodecTypeJSON
		if messageType == websocket.BinaryMessage {
			codecType = codec.CodecTypeBinary
		}
		h(Message{Codec: codecType, Body: data})
	}
}

func (t *WebSocketConn) extendReadDeadline() {
	if t.opts.idleTimeout > 0 {
		_ = t.ws.SetReadDeadline(time.Now().Add(t.opts.idleTimeout))
	}
}

// pingLoop sends control pings; the peer's pongs refresh our read deadline.
func (t *WebSocketConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			if err := t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.opts.writeTimeout)); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

func (t *WebSocketConn) fail(err error) {
	if t.shutdown(err) {
		t.opts.logger.Debug("websocket connection closed",
			zap.String("remote", t.RemoteAddr()), zap.Error(err))
		_ = t.ws.Close()
	}
}
