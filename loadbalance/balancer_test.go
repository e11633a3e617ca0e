package loadbalance

import (
	"fmt"
	"testing"

	"mini-discovery/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instances() []api.ServiceDto {
	return []api.ServiceDto{
		{ServiceName: "orders", ServiceHost: "10.0.0.1", ServicePort: 8001, Metadata: map[string]string{WeightKey: "10"}},
		{ServiceName: "orders", ServiceHost: "10.0.0.2", ServicePort: 8002, Metadata: map[string]string{WeightKey: "5"}},
		{ServiceName: "orders", ServiceHost: "10.0.0.3", ServicePort: 8003, Metadata: map[string]string{WeightKey: "10"}},
	}
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}
	list := instances()

	var got []string
	for i := 0; i < 4; i++ {
		d, err := b.Pick("", list)
		require.NoError(t, err)
		got = append(got, d.Address())
	}
	assert.Equal(t, []string{"10.0.0.1:8001", "10.0.0.2:8002", "10.0.0.3:8003", "10.0.0.1:8001"}, got)
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{"principal", "roundrobin", "weighted", "consistenthash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("k", nil)
		assert.ErrorIs(t, err, ErrNoInstances, name)
	}
}

func TestPrincipalPreferred(t *testing.T) {
	list := instances()
	list[2].Principal = true
	b := NewPrincipal(nil)
	for i := 0; i < 5; i++ {
		d, err := b.Pick("", list)
		require.NoError(t, err)
		assert.Equal(t, "10.0.0.3:8003", d.Address())
	}

	// no principal: round robin
	list[2].Principal = false
	first, _ := b.Pick("", list)
	second, _ := b.Pick("", list)
	assert.NotEqual(t, first.Address(), second.Address())
}

// 权重 10:5:10，:8001 和 :8003 约为 :8002 的 2 倍
func TestWeightedRandom(t *testing.T) {
	b := NewWeightedRandom()
	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		d, err := b.Pick("", instances())
		require.NoError(t, err)
		counts[d.Address()]++
	}
	ratio := float64(counts["10.0.0.1:8001"]) / float64(counts["10.0.0.2:8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightDefaults(t *testing.T) {
	assert.Equal(t, 1, weightOf(api.ServiceDto{}))
	assert.Equal(t, 1, weightOf(api.ServiceDto{Metadata: map[string]string{WeightKey: "-3"}}))
	assert.Equal(t, 1, weightOf(api.ServiceDto{Metadata: map[string]string{WeightKey: "heavy"}}))
	assert.Equal(t, 7, weightOf(api.ServiceDto{Metadata: map[string]string{WeightKey: "7"}}))
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHash(100)
	list := instances()

	a, err := b.Pick("user-123", list)
	require.NoError(t, err)
	again, _ := b.Pick("user-123", list)
	assert.Equal(t, a.Address(), again.Address())

	// order of the input does not matter
	reversed := []api.ServiceDto{list[2], list[1], list[0]}
	same, _ := b.Pick("user-123", reversed)
	assert.Equal(t, a.Address(), same.Address())

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		d, _ := b.Pick(fmt.Sprintf("key-%d", i), list)
		seen[d.Address()] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashStableOnRemoval(t *testing.T) {
	b := NewConsistentHash(100)
	list := instances()

	before := map[string]string{}
	for i := 0; i < 200; i++ {
		k := fmt.Sprintf("key-%d", i)
		d, _ := b.Pick(k, list)
		before[k] = d.Address()
	}

	// keys owned by surviving instances stay put
	survivors := list[:2]
	for k, addr := range before {
		if addr == list[2].Address() {
			continue
		}
		d, _ := b.Pick(k, survivors)
		assert.Equal(t, addr, d.Address(), k)
	}
}

func TestNewUnknown(t *testing.T) {
	_, err := New("random-walk")
	assert.Error(t, err)
}
