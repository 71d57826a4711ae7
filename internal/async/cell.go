// Package async implements the partition-sharded cooperative scheduler: a
// fixed pool of worker goroutines, each running a single-threaded loop
// over its assigned partitions' cells, plus the suspend/resume barrier
// and the Shuttle fan-out/fan-in coordinator. See doc.go for package
// documentation.
package async

import (
	"time"
)

// DefaultSliceMs is the per-run wall-time budget a cell should honor
// between yields.
const DefaultSliceMs = 5

// Cell is a cooperatively-scheduled unit of work owning per-partition
// query state. Prepare runs once before the first Run and may complete
// the cell immediately (fast path) by calling Suicide. Run is called
// repeatedly and must return promptly; SliceComplete tracks the budget.
// PartitionRemoved fires if the partition is unmapped while the cell
// lives; the cell must reply with a partition_migrated error and
// terminate.
type Cell interface {
	Prepare()
	Run()
	PartitionRemoved()

	base() *OpenLoop
}

// OpenLoop is the embeddable base all cells carry: lifecycle flags, the
// owning loop, scheduling, and the slice budget.
type OpenLoop struct {
	loop       *AsyncLoop
	dead       bool
	prepared   bool
	runAt      int64 // ms epoch; 0 runs immediately
	sliceStart time.Time
	sliceMs    int64
	realtime   bool
}

func (o *OpenLoop) base() *OpenLoop { return o }

// Loop returns the AsyncLoop the cell is queued on.
func (o *OpenLoop) Loop() *AsyncLoop { return o.loop }

// PartitionID returns the owning partition's id.
func (o *OpenLoop) PartitionID() int { return o.loop.PartitionID() }

// Suicide marks the cell complete; the loop removes it after the current
// dispatch.
func (o *OpenLoop) Suicide() { o.dead = true }

// Dead reports whether the cell has completed.
func (o *OpenLoop) Dead() bool { return o.dead }

// ScheduleAt delays the next Run until the given ms epoch.
func (o *OpenLoop) ScheduleAt(ms int64) { o.runAt = ms }

// SetRealtime marks the cell as never-starve (trigger follow-ups).
func (o *OpenLoop) SetRealtime() { o.realtime = true }

// beginSlice stamps the start of one Run invocation.
func (o *OpenLoop) beginSlice() {
	o.sliceStart = time.Now()
	if o.sliceMs == 0 {
		o.sliceMs = DefaultSliceMs
	}
}

// SliceComplete reports whether the cell has consumed its wall-time
// budget for this Run and should yield.
func (o *OpenLoop) SliceComplete() bool {
	return time.Since(o.sliceStart) >= time.Duration(o.sliceMs)*time.Millisecond
}

// nowMS returns the scheduler clock.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
