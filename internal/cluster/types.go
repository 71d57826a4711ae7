// Package cluster provides the partition map and the ownership oracle the
// execution core consults before running work on a partition.
// See doc.go for complete package documentation.
package cluster

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// NodeID identifies one node. It must be unique across the cluster and
// stable across restarts.
//
// Example: "node-1", "550e8400-e29b-41d4-a716-446655440000"
type NodeID string

// Oracle answers ownership questions for the async workers. Workers call
// IsMapped on every dispatch; a partition that loses its mapping mid-query
// causes the running cell's partitionRemoved path to fire.
//
// Implementations must be safe for concurrent readers. Writers are
// expected to serialize map changes through the async suspend/resume
// protocol, so readers never lock on the hot path beyond what the
// implementation needs internally.
type Oracle interface {
	// IsMapped reports whether the partition is currently owned by the
	// node.
	IsMapped(partition int, node NodeID) bool
}

// PartitionMap tracks which node owns each partition, and the epoch of
// the last ownership change. Partition ownership is the unit of transfer
// on rebalance: a partition moves wholesale, never person by person.
//
// Thread Safety:
// Reads take a shared lock; writes take the exclusive lock and bump the
// epoch. Callers performing structural rebalances must additionally hold
// the async suspend lock so no cell observes a half-applied map.
type PartitionMap struct {
	mu         sync.RWMutex
	owners     map[int]NodeID
	epoch      int64
	partitions int
}

// NewPartitionMap creates an empty map over partitionMax partitions.
func NewPartitionMap(partitionMax int) *PartitionMap {
	return &PartitionMap{
		owners:     make(map[int]NodeID, partitionMax),
		partitions: partitionMax,
	}
}

// NewSingleNodeMap maps every partition to one node, the configuration a
// stand-alone server boots with.
func NewSingleNodeMap(partitionMax int, node NodeID) *PartitionMap {
	m := NewPartitionMap(partitionMax)
	for p := 0; p < partitionMax; p++ {
		m.owners[p] = node
	}
	return m
}

// PartitionMax returns the fixed number of partitions.
func (m *PartitionMap) PartitionMax() int {
	return m.partitions
}

// Epoch returns the ownership epoch, bumped on every Map/Unmap. Partition
// transfer streams are stamped with the epoch so a stale sender is
// detected.
func (m *PartitionMap) Epoch() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// IsMapped implements Oracle.
func (m *PartitionMap) IsMapped(partition int, node NodeID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[partition] == node
}

// OwnerOf returns the owning node of a partition, if any.
func (m *PartitionMap) OwnerOf(partition int) (NodeID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.owners[partition]
	return n, ok
}

// PartitionsForNode returns the sorted set of partition ids assigned to a
// node.
func (m *PartitionMap) PartitionsForNode(node NodeID) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.owners))
	for p := 0; p < m.partitions; p++ {
		if m.owners[p] == node {
			out = append(out, p)
		}
	}
	return out
}

// Map assigns a partition to a node and bumps the epoch.
func (m *PartitionMap) Map(partition int, node NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[partition] = node
	m.epoch++
}

// Unmap removes a partition's assignment and bumps the epoch.
func (m *PartitionMap) Unmap(partition int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.owners, partition)
	m.epoch++
}

// PartitionFor routes a person id string to its partition. Inserts for
// the same person always land on the same partition, so per-person
// ordering reduces to partition FIFO ordering.
func PartitionFor(personID string, partitionMax int) int {
	if partitionMax <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(personID) % uint64(partitionMax))
}
