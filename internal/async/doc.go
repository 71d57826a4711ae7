// Package async implements the partition-sharded cooperative scheduler
// that drives all query, insert, and maintenance work in openset.
//
// # Overview
//
// A fixed pool of worker goroutines (typically one per hardware thread)
// each owns a list of partition slots. Every slot carries an AsyncLoop: a
// FIFO of cooperative cells ("open loops"). A cell is one unit of
// partition-scoped work: a query on one partition, one partition's
// share of an insert batch, a trigger drain.
//
//	┌────────────────────────────────────────────────┐
//	│                  AsyncPool                      │
//	├────────────────────────────────────────────────┤
//	│  worker 0        worker 1        worker W-1     │
//	│  ┌──────────┐    ┌──────────┐    ┌──────────┐   │
//	│  │ slot p0  │    │ slot p1  │    │ slot p5  │   │
//	│  │ slot p3  │    │ slot p4  │    │ slot p7  │   │
//	│  └──────────┘    └──────────┘    └──────────┘   │
//	│   each slot: AsyncLoop = FIFO of cells          │
//	└────────────────────────────────────────────────┘
//
// # Scheduling model
//
// Workers are OS-scheduled in parallel; within a worker everything is
// single-threaded and cooperative. A cell may suspend only by returning
// from Run, and should do so within its slice budget (SliceComplete).
// Between Run invocations the worker dispatches other cells on the same
// partition (FIFO) and other partitions (round robin).
//
// Ordering guarantees:
//   - cells on one partition's queue run FIFO; a running cell is
//     serialized with every other cell on that partition
//   - across partitions on one worker: interleaved, no order
//   - across workers: unordered
//
// Partitions are strictly pinned: a partition never moves between
// workers for its lifetime. New partitions are placed on the worker with
// the fewest slots (ties to the lowest worker id); no rebalancing on
// removal; imbalance self-corrects because additions prefer idle
// workers.
//
// # Suspend / resume
//
// Schema changes, partition-map changes, and table initialization
// require a quiesced pool. SuspendAsync raises a global flag, wakes
// every worker, and blocks until all have parked in the suspended
// region; ResumeAsync releases them. Calls nest. The condition variables
// signal progress only; the atomics are the state.
//
// While suspended, workers sweep slots whose partitions are marked for
// deletion, which is where partition memory is physically freed.
//
// # Cancellation
//
// Cancellation is cooperative. When a partition is unmapped from the
// node or marked for deletion, the worker drains its loop: every queued
// cell gets PartitionRemoved, which must reply partition_migrated and
// terminate. Per-query timeouts are the Shuttle's job, not the
// scheduler's.
package async
