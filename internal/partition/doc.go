// Package partition owns per-partition state: the dense linear-id →
// person table, the attribute/index store, the trigger registry, and the
// tear-down flag the cooperative loop observes.
//
// Linear-ids are dense ordinals assigned on first sight and never reused
// within a partition's lifetime; they are the domain of every index
// bitmap. A person's packed record is mutated only by insert → commit on
// the worker that owns the partition, and freed with the partition.
//
// Tear-down is two-phase: MarkForDeletion stops new cells immediately;
// the owning worker frees the slot on its next idle check so no cell is
// ever preempted mid-run.
//
// Export/Import stream a partition for ownership transfer: persons in
// linear-id order, length-prefixed, followed by the attribute store as
// compressed bitmaps and the segment metadata, stamped with the
// ownership epoch.
package partition
