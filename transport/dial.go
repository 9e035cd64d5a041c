package transport

import (
	"context"
	"strings"
)

// Dial connects to addr. ws:// and wss:// URLs use WebSocket; anything else
// (optionally prefixed with tcp://) is a framed TCP stream.
func Dial(ctx context.Context, addr string, opts ...Option) (Conn, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return DialWebSocket(ctx, addr, nil, opts...)
	default:
		return DialStream(ctx, strings.TrimPrefix(addr, "tcp://"), opts...)
	}
}
