// Package loadbalance picks one upstream registrar out of the discovered set.
//
// Strategies:
//   - round_robin:      spread relayed traffic evenly
//   - weighted_random:  upstreams of different capacity
//   - consistent_hash:  keep each user on the same upstream, so its
//     registrations and its calls land on the registrar that knows it
package loadbalance

import (
	"errors"
	"fmt"

	"mini-sip/discovery"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per relayed request. key is the user identity
// of the request; strategies that have no affinity ignore it. Implementations
// are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []discovery.Instance) (discovery.Instance, error)
	Name() string
}

// New returns the balancer registered under name. An empty name means round robin.
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
