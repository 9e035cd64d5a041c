package peer

import (
	"context"
	"fmt"

	"mini-rmi/discovery"
	"mini-rmi/loadbalance"
	"mini-rmi/transport"
)

// Dial connects to addr (tcp host:port, or a ws:// / wss:// URL) and starts a session on it.
func Dial(ctx context.Context, addr string, topts []transport.Option, opts ...Option) (*Session, error) {
	conn, err := transport.Dial(ctx, addr, topts...)
	if err != nil {
		return nil, err
	}
	s, err := New(conn, opts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// DialService looks service up in dir, lets bal pick one instance for key and connects to it.
func DialService(ctx context.Context, dir discovery.Directory, bal loadbalance.Balancer, service, key string,
	topts []transport.Option, opts ...Option) (*Session, error) {
	instances, err := dir.Discover(ctx, service)
	if err != nil {
		return nil, fmt.Errorf("discover %s: %w", service, err)
	}
	inst, err := bal.Pick(key, instances)
	if err != nil {
		return nil, fmt.Errorf("pick %s instance: %w", service, err)
	}
	return Dial(ctx, inst.Addr, topts, opts...)
}
