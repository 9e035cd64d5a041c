package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mini-rmi/discovery"
)

var testInstances = []discovery.Instance{
	{Addr: ":8001", Weight: 10},
	{Addr: ":8002", Weight: 5},
	{Addr: ":8003", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		got = append(got, inst.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003", ":8001"}, got)
}

func TestEmptyInstances(t *testing.T) {
	for _, name := range []string{"round_robin", "weighted_random", "consistent_hash"} {
		b, err := New(name)
		require.NoError(t, err)
		_, err = b.Pick("counter", nil)
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
	_, err := New("random_walk")
	assert.Error(t, err)
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weights are 10:5:10, so :8001 should be picked about twice as often as :8002.
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []discovery.Instance{{Addr: ":9000"}})
	require.NoError(t, err)
	assert.Equal(t, ":9000", inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, err := b.Pick("counter", testInstances)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Pick("counter", testInstances)
		require.NoError(t, err)
		assert.Equal(t, first.Addr, again.Addr)
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("object-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashStableUnderReorder(t *testing.T) {
	b := NewConsistentHashBalancer()
	reordered := []discovery.Instance{testInstances[2], testInstances[0], testInstances[1]}

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("object-%d", i)
		a, err := b.Pick(key, testInstances)
		require.NoError(t, err)
		c, err := b.Pick(key, reordered)
		require.NoError(t, err)
		assert.Equal(t, a.Addr, c.Addr)
	}
}
