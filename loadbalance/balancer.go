// Package loadbalance chooses one instance among the results of a discovery
// FindService call.
//
// Strategies:
//   - Principal:      the group's elected principal, falling back to round robin
//   - RoundRobin:     equal-capacity stateless instances
//   - WeightedRandom: instances of different capacity, weight read from metadata
//   - ConsistentHash: key affinity, e.g. per-tenant caches
package loadbalance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mini-discovery/api"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// WeightKey is the metadata entry WeightedRandom reads; missing or invalid means 1.
const WeightKey = "weight"

// Balancer picks an instance. key is only meaningful to key-affine strategies.
// Implementations are safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []api.ServiceDto) (api.ServiceDto, error)
	Name() string
}

// New returns the strategy with the given (case-insensitive) name.
func New(name string) (Balancer, error) {
	switch strings.ToLower(name) {
	case "", "principal":
		return NewPrincipal(nil), nil
	case "roundrobin", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "weighted", "weightedrandom", "weighted-random":
		return NewWeightedRandom(), nil
	case "consistenthash", "consistent-hash":
		return NewConsistentHash(100), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
	}
}

func weightOf(d api.ServiceDto) int {
	w, err := strconv.Atoi(d.Metadata[WeightKey])
	if err != nil || w <= 0 {
		return 1
	}
	return w
}
