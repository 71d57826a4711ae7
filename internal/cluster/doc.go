// Package cluster provides the partition map and ownership oracle that
// the execution core consults before touching partition state.
//
// # Overview
//
// The core never routes work across nodes itself; it only asks two
// questions: "which partitions does this node own?" and "does this node
// still own partition P?". This package answers both. Everything else
// about multi-node operation (routing, consensus, transfer transport)
// lives outside the core.
//
// # Ownership model
//
// The person space is split into a fixed number of partitions:
//
//	partition = hash(personID) mod partitionMax
//
// Every insert for the same person lands on the same partition, so
// per-person event ordering reduces to partition FIFO ordering in the
// async pool. A partition is owned by exactly one node at a time; the
// owner pins it to one worker for its lifetime.
//
// # Epochs
//
// Each Map/Unmap bumps an epoch counter. Partition transfer streams are
// stamped with the epoch so a receiver can reject a transfer initiated
// before a newer ownership change.
//
// # Concurrency
//
// Readers (the async workers) call IsMapped on every dispatch and take
// only a shared lock. Structural changes must additionally run under the
// async pool's suspend/resume barrier so no cell observes a half-applied
// map.
package cluster
