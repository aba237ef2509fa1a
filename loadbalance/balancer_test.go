package loadbalance

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hiphop-rpc/registry"
)

var testEndpoints = []registry.Endpoint{
	{Service: "hiphop", Instance: "a", URL: "ws://a/", Weight: 10},
	{Service: "hiphop", Instance: "b", URL: "ws://b/", Weight: 5},
	{Service: "hiphop", Instance: "c", URL: "ws://c/", Weight: 10},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var got []string
	for i := 0; i < 4; i++ {
		ep, err := b.Pick(testEndpoints, "")
		require.NoError(t, err)
		got = append(got, ep.Instance)
	}
	// Wraps around to the first
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestEmptyEndpoints(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick(nil, "ui-1")
		assert.ErrorIs(t, err, ErrNoEndpoints, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		ep, err := b.Pick(testEndpoints, "")
		require.NoError(t, err)
		counts[ep.Instance]++
	}

	// 10:5:10, so a should see about twice as many picks as b
	ratio := float64(counts["a"]) / float64(counts["b"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	ep, err := b.Pick([]registry.Endpoint{{Instance: "only"}}, "")
	require.NoError(t, err)
	assert.Equal(t, "only", ep.Instance)
}

func TestConsistentHashAffinity(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, err := b.Pick(testEndpoints, "ui-123")
	require.NoError(t, err)
	again, err := b.Pick(testEndpoints, "ui-123")
	require.NoError(t, err)
	assert.Equal(t, first.Instance, again.Instance)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, err := b.Pick(testEndpoints, fmt.Sprintf("ui-%d", i))
		require.NoError(t, err)
		seen[ep.Instance] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashRebuild(t *testing.T) {
	b := NewConsistentHashBalancer()
	for _, ep := range testEndpoints {
		b.Add(ep)
	}
	ep, err := b.Pick(nil, "ui-7")
	require.NoError(t, err)

	// Drop the owner; the key must move to a surviving endpoint.
	var rest []registry.Endpoint
	for _, e := range testEndpoints {
		if e.Instance != ep.Instance {
			rest = append(rest, e)
		}
	}
	moved, err := b.Pick(rest, "ui-7")
	require.NoError(t, err)
	assert.NotEqual(t, ep.Instance, moved.Instance)
}

func TestNew(t *testing.T) {
	assert.Equal(t, "RoundRobin", New("").Name())
	assert.Equal(t, "WeightedRandom", New("weighted").Name())
	assert.Equal(t, "ConsistentHash", New("hash").Name())
}
