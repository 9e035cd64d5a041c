// Package discovery publishes and finds the endpoints that host remote objects.
//
// A service process registers one Instance per listening address under a service name.
// Callers discover the instances of a service, pick one with a loadbalance.Balancer, and dial it.
// Three directories are provided: etcd (leases), Redis (expiring keys) and an in-process Memory
// directory for tests and single-host setups.
package discovery

import (
	"context"
	"time"
)

// Instance is one reachable endpoint of a service.
type Instance struct {
	Addr    string   `json:"addr"`              // host:port or ws:// URL
	Weight  int      `json:"weight"`            // relative share for weighted balancing
	Version string   `json:"version,omitempty"` // protocol version spoken by the endpoint
	Objects []string `json:"objects,omitempty"` // registered names hosted by the endpoint
}

// Directory is a service directory.
type Directory interface {
	// Register publishes instance under service. The entry disappears ttl after the process
	// stops renewing it, so a crashed service is eventually forgotten.
	Register(ctx context.Context, service string, instance Instance, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change. The channel closes when ctx ends.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}

const keyPrefix = "mini-rmi"

func ttlSeconds(ttl time.Duration) int64 {
	s := int64(ttl / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}
