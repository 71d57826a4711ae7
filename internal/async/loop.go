package async

import (
	"sync"

	"github.com/aargor/openset/internal/partition"
)

// AsyncLoop runs one partition's FIFO of open loops (cells). Cells are
// enqueued from any goroutine; dispatch happens only on the owning
// worker, so a running cell is serialized with every other cell on the
// same partition.
type AsyncLoop struct {
	pool     *AsyncPool
	part     *partition.Partition
	workerID int

	mu    sync.Mutex
	queue []Cell
}

func newAsyncLoop(pool *AsyncPool, part *partition.Partition) *AsyncLoop {
	return &AsyncLoop{pool: pool, part: part}
}

// PartitionID returns the partition this loop serves.
func (l *AsyncLoop) PartitionID() int { return l.part.ID }

// Partition returns the partition state.
func (l *AsyncLoop) Partition() *partition.Partition { return l.part }

// QueueCell appends a cell to the partition FIFO and wakes the worker. A
// partition already marked for deletion accepts no new cells; the cell's
// PartitionRemoved fires instead so it can reply.
func (l *AsyncLoop) QueueCell(c Cell) {
	if l.part.MarkedForDeletion() {
		c.PartitionRemoved()
		return
	}
	c.base().loop = l
	l.mu.Lock()
	l.queue = append(l.queue, c)
	l.mu.Unlock()
	l.pool.wakeWorker(l.workerID)
}

// CellCount returns the queued cell count.
func (l *AsyncLoop) CellCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run dispatches one pass over the FIFO: prepares cells on first sight,
// runs runnable ones for one slice each, and removes completed cells. It
// updates nextRun with the earliest deferred cell's wake time and
// returns true when runnable work remains.
func (l *AsyncLoop) Run(nextRun *int64) bool {
	l.mu.Lock()
	cells := make([]Cell, len(l.queue))
	copy(cells, l.queue)
	l.mu.Unlock()

	now := nowMS()
	ranAny := false

	for _, c := range cells {
		b := c.base()
		if b.dead {
			continue
		}
		if !b.prepared {
			b.prepared = true
			c.Prepare()
			if b.dead {
				continue
			}
		}
		if b.runAt > now {
			if *nextRun == -1 || b.runAt < *nextRun {
				*nextRun = b.runAt
			}
			continue
		}
		b.beginSlice()
		c.Run()
		cellRuns.Inc()
		if b.dead {
			continue
		}
		if after := nowMS(); b.runAt > after {
			// the cell deferred itself; wake the worker at its stamp
			if *nextRun == -1 || b.runAt < *nextRun {
				*nextRun = b.runAt
			}
		} else {
			ranAny = true
		}
	}

	l.sweep()
	return ranAny
}

// Drain fires PartitionRemoved on every queued cell and clears the FIFO.
// Called when the worker observes ownership loss or deletion.
func (l *AsyncLoop) Drain() {
	l.mu.Lock()
	cells := l.queue
	l.queue = nil
	l.mu.Unlock()

	for _, c := range cells {
		if !c.base().dead {
			c.PartitionRemoved()
			c.base().dead = true
		}
	}
}

func (l *AsyncLoop) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.queue[:0]
	for _, c := range l.queue {
		if !c.base().dead {
			kept = append(kept, c)
		}
	}
	l.queue = kept
}
