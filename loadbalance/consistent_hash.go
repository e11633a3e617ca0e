package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"mini-discovery/api"
)

// ConsistentHashBalancer maps a key to an instance on a hash ring, so the same
// key keeps landing on the same instance while the set is stable. Each instance
// owns `replicas` virtual nodes to even out the distribution.
//
//	                  0
//	                ╱   ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A'
//	                ╲   ╱
//
// The ring is rebuilt only when the instance set changes.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	sig   string
	ring  []uint32
	nodes map[uint32]api.ServiceDto
}

func NewConsistentHash(replicas int) *ConsistentHashBalancer {
	if replicas <= 0 {
		replicas = 100
	}
	return &ConsistentHashBalancer{replicas: replicas}
}

func (b *ConsistentHashBalancer) Pick(key string, instances []api.ServiceDto) (api.ServiceDto, error) {
	if len(instances) == 0 {
		return api.ServiceDto{}, ErrNoInstances
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.sig {
		b.build(instances)
		b.sig = sig
	}

	h := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool { return b.ring[i] >= h })
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) build(instances []api.ServiceDto) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]api.ServiceDto, len(instances)*b.replicas)
	for _, d := range instances {
		addr := d.Address()
		for i := 0; i < b.replicas; i++ {
			h := crc32.ChecksumIEEE([]byte(addr + "#" + strconv.Itoa(i)))
			if _, taken := b.nodes[h]; taken {
				continue
			}
			b.ring = append(b.ring, h)
			b.nodes[h] = d
		}
	}
	slices.Sort(b.ring)
}

func signature(instances []api.ServiceDto) string {
	addrs := make([]string, len(instances))
	for i, d := range instances {
		addrs[i] = d.Address()
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string { return "ConsistentHash" }
