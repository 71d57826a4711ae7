package oloop

import (
	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/errs"
)

// SegmentCheckResult lists the segments due for recompute on one
// partition.
type SegmentCheckResult struct {
	Instance int
	Due      []string
}

// SegmentCheck inspects segment refresh metadata on the owning worker.
// Partition state is worker-owned, so the refresh sweeper cannot read it
// from its own goroutine; it enqueues one of these per partition instead.
// The check completes on the fast path inside Prepare.
type SegmentCheck struct {
	async.OpenLoop

	shuttle  *async.Shuttle[SegmentCheckResult]
	names    []string
	now      int64
	instance int
}

// NewSegmentCheck creates a refresh-due check for the named segments.
func NewSegmentCheck(shuttle *async.Shuttle[SegmentCheckResult], names []string, now int64, instance int) *SegmentCheck {
	return &SegmentCheck{
		shuttle:  shuttle,
		names:    names,
		now:      now,
		instance: instance,
	}
}

// Prepare answers immediately and suicides.
func (c *SegmentCheck) Prepare() {
	parts := c.Loop().Partition()
	var due []string
	for _, name := range c.names {
		if info := parts.Attributes.Segment(name); info != nil && info.Refreshable(c.now) {
			due = append(due, name)
		}
	}
	c.shuttle.Reply(SegmentCheckResult{Instance: c.instance, Due: due}, nil)
	c.Suicide()
}

// Run never fires; Prepare completes the cell.
func (c *SegmentCheck) Run() {}

// PartitionRemoved replies retryable and terminates.
func (c *SegmentCheck) PartitionRemoved() {
	c.shuttle.Reply(SegmentCheckResult{Instance: c.instance},
		errs.New(errs.PartitionMigrated, "please retry"))
	c.Suicide()
}

// StatsResult is one partition's contribution to a node status snapshot.
type StatsResult struct {
	Instance int
	Persons  int64
}

// Stats reads one partition's person count on the owning worker, for the
// status surface. Like SegmentCheck it completes inside Prepare.
type Stats struct {
	async.OpenLoop

	shuttle  *async.Shuttle[StatsResult]
	instance int
}

// NewStats creates a status cell.
func NewStats(shuttle *async.Shuttle[StatsResult], instance int) *Stats {
	return &Stats{shuttle: shuttle, instance: instance}
}

// Prepare answers immediately and suicides.
func (c *Stats) Prepare() {
	parts := c.Loop().Partition()
	c.shuttle.Reply(StatsResult{
		Instance: c.instance,
		Persons:  int64(parts.People.Count()),
	}, nil)
	c.Suicide()
}

// Run never fires; Prepare completes the cell.
func (c *Stats) Run() {}

// PartitionRemoved replies retryable and terminates.
func (c *Stats) PartitionRemoved() {
	c.shuttle.Reply(StatsResult{Instance: c.instance},
		errs.New(errs.PartitionMigrated, "please retry"))
	c.Suicide()
}
