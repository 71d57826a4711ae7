// Package oloop implements the concrete cooperative cells the engine
// queues on partitions.
//
// Count is the workhorse: it runs a list of (name, macro) pairs over one
// partition, resolving each by the cheapest available path: a cached
// segment within TTL first, then a purely countable index, then segment
// math, and only as a last resort mounting candidate persons and
// executing the macro. Insert applies one partition's share of an ingest
// batch. Column scans a column's value bitmaps. Histogram executes a
// macro per person and buckets its value. TriggerDrain forwards emitted
// trigger messages and is marked realtime so it is never starved.
//
// Every cell replies exactly once to its shuttle, including the
// partition_migrated reply when the partition is unmapped mid-flight. A
// corrupt person record is logged, counted, and skipped; one bad buffer
// never poisons the scheduler.
package oloop
