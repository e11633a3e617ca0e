package loadbalance

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"mini-discovery/api"
)

// PrincipalBalancer prefers the instance holding the principal role.
type PrincipalBalancer struct {
	fallback Balancer
}

// NewPrincipal uses fallback when no instance is principal; nil means round robin.
func NewPrincipal(fallback Balancer) *PrincipalBalancer {
	if fallback == nil {
		fallback = &RoundRobinBalancer{}
	}
	return &PrincipalBalancer{fallback: fallback}
}

func (b *PrincipalBalancer) Pick(key string, instances []api.ServiceDto) (api.ServiceDto, error) {
	for _, d := range instances {
		if d.Principal {
			return d, nil
		}
	}
	return b.fallback.Pick(key, instances)
}

func (b *PrincipalBalancer) Name() string { return "Principal" }

type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, instances []api.ServiceDto) (api.ServiceDto, error) {
	if len(instances) == 0 {
		return api.ServiceDto{}, ErrNoInstances
	}
	i := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[i], nil
}

func (b *RoundRobinBalancer) Name() string { return "RoundRobin" }

type WeightedRandomBalancer struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewWeightedRandom() *WeightedRandomBalancer {
	return &WeightedRandomBalancer{rnd: rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))}
}

func (b *WeightedRandomBalancer) Pick(_ string, instances []api.ServiceDto) (api.ServiceDto, error) {
	if len(instances) == 0 {
		return api.ServiceDto{}, ErrNoInstances
	}
	total := 0
	for _, d := range instances {
		total += weightOf(d)
	}
	b.mu.Lock()
	r := b.rnd.IntN(total)
	b.mu.Unlock()
	for _, d := range instances {
		r -= weightOf(d)
		if r < 0 {
			return d, nil
		}
	}
	return instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string { return "WeightedRandom" }
