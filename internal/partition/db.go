package partition

import (
	"sync"

	"github.com/aargor/openset/internal/table"
)

// DB ties a table schema to its locally materialized partitions. The
// partitions map is guarded for map/unmap and lookup only; the partition
// objects themselves are worker-owned.
type DB struct {
	Table *table.Table

	mu         sync.Mutex
	partitions map[int]*Partition
}

// NewDB creates a database over the table with no local partitions.
func NewDB(tbl *table.Table) *DB {
	return &DB{
		Table:      tbl,
		partitions: make(map[int]*Partition),
	}
}

// Get returns the local partition state, or nil when the partition is not
// materialized on this node.
func (db *DB) Get(id int) *Partition {
	db.mu.Lock()
	defer db.mu.Unlock()
	p := db.partitions[id]
	if p != nil && p.MarkedForDeletion() {
		return nil
	}
	return p
}

// GetMake returns the local partition state, creating it on first use.
// Called when the ownership oracle first reports the partition mapped to
// this node.
func (db *DB) GetMake(id int) *Partition {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p := db.partitions[id]; p != nil && !p.MarkedForDeletion() {
		return p
	}
	p := NewPartition(id)
	db.partitions[id] = p
	return p
}

// Drop begins tear-down of a local partition. The worker that owns it
// frees the state on its next idle check.
func (db *DB) Drop(id int) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if p := db.partitions[id]; p != nil {
		p.MarkForDeletion()
		delete(db.partitions, id)
	}
}

// LocalPartitions returns a snapshot of materialized partition ids.
func (db *DB) LocalPartitions() []int {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]int, 0, len(db.partitions))
	for id := range db.partitions {
		out = append(out, id)
	}
	return out
}
