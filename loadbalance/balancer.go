// Package loadbalance chooses which discovered host a UI connects to.
//
//   - RoundRobin:      spread UIs evenly over equal hosts
//   - WeightedRandom:  hosts advertise a relative Weight
//   - ConsistentHash:  a given UI instance id keeps landing on the same host
package loadbalance

import (
	"errors"

	"hiphop-rpc/registry"
)

var ErrNoEndpoints = errors.New("loadbalance: no endpoints available")

// Balancer picks one endpoint. key identifies the caller (a UI instance id)
// and is ignored by strategies without affinity. Must be goroutine-safe.
type Balancer interface {
	Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error)
	Name() string
}

// New returns the balancer registered under name, or RoundRobin for
// unknown names.
func New(name string) Balancer {
	switch name {
	case "weighted", "WeightedRandom":
		return &WeightedRandomBalancer{}
	case "hash", "ConsistentHash":
		return NewConsistentHashBalancer()
	default:
		return &RoundRobinBalancer{}
	}
}
