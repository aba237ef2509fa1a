package loadbalance

import (
	"fmt"
	"hash/crc32"
	"slices"
	"sort"
	"sync"

	"hiphop-rpc/registry"
)

// ConsistentHashBalancer maps a UI instance id onto a crc32 ring so that a
// reopened UI reconnects to the host it used before, as long as that host
// is still advertised. Each endpoint gets replicas virtual nodes.
//
// The ring is rebuilt whenever Pick sees a different endpoint set.
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ids   []string // Instance ids the ring was built from, sorted
	ring  []uint32
	nodes map[uint32]registry.Endpoint
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]registry.Endpoint),
	}
}

// Add places an endpoint on the ring.
func (b *ConsistentHashBalancer) Add(ep registry.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
	b.ids = append(b.ids, ep.Instance)
	slices.Sort(b.ids)
	b.sortRing()
}

func (b *ConsistentHashBalancer) add(ep registry.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE(fmt.Appendf(nil, "%s#%d", ep.Instance, i))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) sortRing() {
	slices.Sort(b.ring)
}

// rebuild resets the ring when endpoints differ from what it holds.
// Called with b.mu held.
func (b *ConsistentHashBalancer) rebuild(endpoints []registry.Endpoint) {
	ids := make([]string, len(endpoints))
	for i, ep := range endpoints {
		ids[i] = ep.Instance
	}
	slices.Sort(ids)
	if slices.Equal(ids, b.ids) {
		return
	}
	b.ids = ids
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, ep := range endpoints {
		b.add(ep)
	}
	b.sortRing()
}

// Pick returns the endpoint owning key. A nil or empty endpoints slice
// means "use whatever was Added".
func (b *ConsistentHashBalancer) Pick(endpoints []registry.Endpoint, key string) (registry.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(endpoints) > 0 {
		b.rebuild(endpoints)
	}
	if len(b.ring) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
