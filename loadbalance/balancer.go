// Package loadbalance picks which endpoint of a service a proxy session connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity endpoints
//   - WeightedRandom:  endpoints with different capacity
//   - ConsistentHash:  keyed by object name, so every proxy for one named object lands on
//     the same endpoint while the endpoint set is stable
package loadbalance

import (
	"errors"
	"fmt"

	"mini-rmi/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer chooses one instance. key identifies what the caller is about to reach
// (typically the registered object name); strategies that don't need it ignore it.
// Implementations are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (*discovery.Instance, error)
	Name() string
}

// New returns the balancer registered under name: "round_robin", "weighted_random"
// or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}
