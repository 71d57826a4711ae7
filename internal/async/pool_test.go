package async

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aargor/openset/internal/cluster"
	"github.com/aargor/openset/internal/partition"
	"github.com/aargor/openset/internal/table"
)

// testCell records lifecycle calls for scheduler assertions.
type testCell struct {
	OpenLoop

	mu        sync.Mutex
	prepared  time.Time
	runs      int
	removed   bool
	onRun     func(c *testCell)
	onPrepare func(c *testCell)
}

func (c *testCell) Prepare() {
	c.mu.Lock()
	c.prepared = time.Now()
	c.mu.Unlock()
	if c.onPrepare != nil {
		c.onPrepare(c)
	}
}

func (c *testCell) Run() {
	c.mu.Lock()
	c.runs++
	c.mu.Unlock()
	if c.onRun != nil {
		c.onRun(c)
	} else {
		c.Suicide()
	}
}

func (c *testCell) PartitionRemoved() {
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
	c.Suicide()
}

func (c *testCell) runCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

func (c *testCell) wasRemoved() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removed
}

func newTestPool(t *testing.T, partitions, workers int) (*AsyncPool, *cluster.PartitionMap) {
	t.Helper()
	tbl := table.New("events")
	db := partition.NewDB(tbl)
	pm := cluster.NewSingleNodeMap(partitions, "node-1")
	pool := NewAsyncPool(partitions, workers, "node-1", pm, db)
	t.Cleanup(pool.Stop)
	return pool, pm
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// TestPoolDispatch tests cell lifecycle and ordering guarantees.
func TestPoolDispatch(t *testing.T) {
	t.Run("cells run and complete", func(t *testing.T) {
		pool, _ := newTestPool(t, 4, 2)
		pool.StartAsync()
		loop := pool.InitPartition(0)

		cell := &testCell{}
		loop.QueueCell(cell)
		waitFor(t, time.Second, func() bool { return cell.runCount() == 1 })
	})

	t.Run("partition FIFO prepares cells in queue order", func(t *testing.T) {
		pool, _ := newTestPool(t, 4, 1)
		pool.StartAsync()
		loop := pool.InitPartition(1)

		c1 := &testCell{}
		c2 := &testCell{}
		loop.QueueCell(c1)
		loop.QueueCell(c2)

		waitFor(t, time.Second, func() bool {
			return c1.runCount() == 1 && c2.runCount() == 1
		})
		c1.mu.Lock()
		p1 := c1.prepared
		c1.mu.Unlock()
		c2.mu.Lock()
		p2 := c2.prepared
		c2.mu.Unlock()
		if p2.Before(p1) {
			t.Error("second cell prepared before first")
		}
	})

	t.Run("prepare can suicide on the fast path", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, 1)
		pool.StartAsync()
		loop := pool.InitPartition(0)

		cell := &testCell{}
		cell.onPrepare = func(c *testCell) { c.Suicide() }
		loop.QueueCell(cell)

		waitFor(t, time.Second, func() bool { return loop.CellCount() == 0 })
		if cell.runCount() != 0 {
			t.Error("run fired after prepare suicide")
		}
	})

	t.Run("scheduled cells wait for their run stamp", func(t *testing.T) {
		pool, _ := newTestPool(t, 2, 1)
		pool.StartAsync()
		loop := pool.InitPartition(0)

		var ran atomic.Bool
		cell := &testCell{}
		cell.onPrepare = func(c *testCell) {
			c.ScheduleAt(time.Now().UnixMilli() + 60)
		}
		cell.onRun = func(c *testCell) {
			ran.Store(true)
			c.Suicide()
		}
		start := time.Now()
		loop.QueueCell(cell)

		waitFor(t, 2*time.Second, func() bool { return ran.Load() })
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("cell ran after %v, before its schedule", elapsed)
		}
	})
}

// TestLeastBusyPlacement tests that new partitions land on the worker
// with the fewest slots.
func TestLeastBusyPlacement(t *testing.T) {
	pool, _ := newTestPool(t, 8, 4)

	for pid := 0; pid < 8; pid++ {
		pool.InitPartition(pid)
	}
	for _, wi := range pool.workers {
		wi.mu.Lock()
		n := len(wi.slots)
		wi.mu.Unlock()
		if n != 2 {
			t.Errorf("worker %d has %d slots, want 2", wi.id, n)
		}
	}
}

// TestSuspendResume tests the quiesce barrier.
func TestSuspendResume(t *testing.T) {
	const workers = 4
	pool, _ := newTestPool(t, 16, workers)
	pool.StartAsync()

	// a busy looping cell that yields every run
	loop := pool.InitPartition(0)
	busy := &testCell{}
	var totalRuns atomic.Int64
	busy.onRun = func(c *testCell) {
		totalRuns.Add(1)
	}
	loop.QueueCell(busy)
	waitFor(t, time.Second, func() bool { return totalRuns.Load() > 0 })

	pool.SuspendAsync()
	if got := pool.SuspendedWorkers(); got != workers {
		t.Errorf("suspended workers = %d, want %d", got, workers)
	}

	// while suspended no run may be entered
	before := totalRuns.Load()
	time.Sleep(50 * time.Millisecond)
	if after := totalRuns.Load(); after != before {
		t.Errorf("cell ran during suspension: %d -> %d", before, after)
	}

	pool.ResumeAsync()
	if got := pool.SuspendedWorkers(); got != 0 {
		t.Errorf("suspended workers after resume = %d", got)
	}
	waitFor(t, time.Second, func() bool { return totalRuns.Load() > before })
}

// TestPartitionRemoved tests the migration path: a live cell observes the
// unmap on the next dispatch.
func TestPartitionRemoved(t *testing.T) {
	pool, pm := newTestPool(t, 4, 1)
	pool.StartAsync()
	loop := pool.InitPartition(2)

	cell := &testCell{}
	cell.onRun = func(c *testCell) {
		// keep living until removal
	}
	loop.QueueCell(cell)
	waitFor(t, time.Second, func() bool { return cell.runCount() > 0 })

	pm.Unmap(2)
	waitFor(t, time.Second, func() bool { return cell.wasRemoved() })
}

// TestFreePartition tests marked-for-deletion tear-down.
func TestFreePartition(t *testing.T) {
	pool, _ := newTestPool(t, 4, 1)
	pool.StartAsync()
	loop := pool.InitPartition(3)

	cell := &testCell{}
	cell.onRun = func(c *testCell) {}
	loop.QueueCell(cell)
	waitFor(t, time.Second, func() bool { return cell.runCount() > 0 })

	pool.FreePartition(3)
	waitFor(t, time.Second, func() bool { return cell.wasRemoved() })

	if pool.Count() != 0 {
		t.Errorf("partition count = %d after free", pool.Count())
	}

	// no new cells are accepted on a deleted partition
	late := &testCell{}
	loop.QueueCell(late)
	if !late.wasRemoved() {
		t.Error("late cell must observe removal immediately")
	}
}
