package loadbalance

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"mini-sip/discovery"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps a user identity to an instance on a hash ring,
// so a user keeps hitting the same upstream while the instance set is stable.
// Each instance is placed on the ring as replicas virtual nodes.
//
// The ring is rebuilt lazily whenever Pick sees a different instance set.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string
	ring      []uint64
	nodes     map[uint64]discovery.Instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

func (b *ConsistentHashBalancer) Pick(key string, instances []discovery.Instance) (discovery.Instance, error) {
	if len(instances) == 0 {
		return discovery.Instance{}, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sig := signature(instances); sig != b.signature {
		b.rebuild(instances)
		b.signature = sig
	}

	hash := xxhash.Sum64String(key)
	// first virtual node clockwise from the key, wrapping at the end
	idx, _ := slices.BinarySearch(b.ring, hash)
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) rebuild(instances []discovery.Instance) {
	b.ring = make([]uint64, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint64]discovery.Instance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := xxhash.Sum64String(inst.Addr + "#" + strconv.Itoa(i))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}

// signature identifies an instance set independent of its order.
func signature(instances []discovery.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	slices.Sort(addrs)
	return strings.Join(addrs, ",")
}
