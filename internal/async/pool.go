package async

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/cluster"
	"github.com/aargor/openset/internal/partition"
)

// idleWait is the default condition-variable timeout when a worker has no
// scheduled work.
const idleWait = 250 * time.Millisecond

// slot binds one partition's state to its loop on a worker.
type slot struct {
	part *partition.Partition
	loop *AsyncLoop
}

// workerInfo is one worker's dispatch state.
type workerInfo struct {
	id        int
	mu        sync.Mutex
	cond      *sync.Cond
	triggered bool
	slots     []*slot
}

// AsyncPool is the fixed pool of workers multiplexing cooperative cells
// across partitions. Partitions are pinned to a worker for their
// lifetime; there is no work stealing.
type AsyncPool struct {
	workerMax    int
	partitionMax int
	node         cluster.NodeID
	oracle       cluster.Oracle
	db           *partition.DB

	// poolLock guards the partitions array during map/unmap and factory
	// operations only.
	poolLock   sync.Mutex
	partitions []*slot
	workerOf   []int // partition id -> worker id, -1 unassigned

	workers []*workerInfo
	running atomic.Bool

	// suspend/resume barrier state. The condition variables signal
	// progress, never state; the atomics are the state.
	suspendFlag      atomic.Bool  // globalAsyncInitSuspend
	suspendedWorkers atomic.Int32 // globalAsyncSuspendedWorkerCount
	suspendMu        sync.Mutex
	lockDepth        int
}

// NewAsyncPool creates a pool. workerMax <= 0 selects one worker per
// hardware thread.
func NewAsyncPool(partitionMax, workerMax int, node cluster.NodeID, oracle cluster.Oracle, db *partition.DB) *AsyncPool {
	if workerMax <= 0 {
		workerMax = runtime.NumCPU()
	}
	p := &AsyncPool{
		workerMax:    workerMax,
		partitionMax: partitionMax,
		node:         node,
		oracle:       oracle,
		db:           db,
		partitions:   make([]*slot, partitionMax),
		workerOf:     make([]int, partitionMax),
	}
	for i := range p.workerOf {
		p.workerOf[i] = -1
	}
	for w := 0; w < workerMax; w++ {
		wi := &workerInfo{id: w}
		wi.cond = sync.NewCond(&wi.mu)
		p.workers = append(p.workers, wi)
	}
	return p
}

// WorkerMax returns the worker count.
func (p *AsyncPool) WorkerMax() int { return p.workerMax }

// PartitionMax returns the partition-space size.
func (p *AsyncPool) PartitionMax() int { return p.partitionMax }

// Running reports whether the workers have been started.
func (p *AsyncPool) Running() bool { return p.running.Load() }

// SuspendedWorkers returns the count of workers parked in the suspend
// barrier.
func (p *AsyncPool) SuspendedWorkers() int32 { return p.suspendedWorkers.Load() }

// StartAsync launches the worker goroutines.
func (p *AsyncPool) StartAsync() {
	if p.running.Swap(true) {
		return
	}
	log.WithField("workers", p.workerMax).Info("creating partition pool workers")
	for w := 0; w < p.workerMax; w++ {
		go p.runner(w)
	}
}

// Stop ends the pool; used by tests and shutdown.
func (p *AsyncPool) Stop() {
	p.running.Store(false)
	p.suspendFlag.Store(false)
	for _, w := range p.workers {
		w.cond.Signal()
	}
}

// SuspendAsync raises the suspend flag and blocks until every worker has
// acknowledged idle. Calls nest; each must pair with ResumeAsync.
// Required around schema changes, partition map changes, and table
// initialization.
func (p *AsyncPool) SuspendAsync() {
	if !p.running.Load() {
		p.suspendFlag.Store(true)
		return
	}
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()

	p.suspendFlag.Store(true)
	if p.suspendedWorkers.Load() != int32(p.workerMax) {
		for _, w := range p.workers {
			w.cond.Signal()
		}
	}
	for p.suspendedWorkers.Load() != int32(p.workerMax) {
		time.Sleep(time.Millisecond)
	}
	p.lockDepth++
	suspendCycles.Inc()
}

// ResumeAsync releases one suspend level; at depth zero the flag clears
// and the call blocks until all workers have left the suspended region.
func (p *AsyncPool) ResumeAsync() {
	if !p.running.Load() {
		p.suspendFlag.Store(false)
		return
	}
	p.suspendMu.Lock()
	defer p.suspendMu.Unlock()

	p.lockDepth--
	if p.lockDepth > 0 {
		return
	}
	p.suspendFlag.Store(false)
	for p.suspendedWorkers.Load() != 0 {
		time.Sleep(time.Millisecond)
	}
}

// getLeastBusy picks the worker with the fewest slots, ties broken by
// lowest worker id.
func (p *AsyncPool) getLeastBusy() int {
	idx, best := 0, -1
	for i := 0; i < p.workerMax; i++ {
		wi := p.workers[i]
		wi.mu.Lock()
		n := len(wi.slots)
		wi.mu.Unlock()
		if best < 0 || n < best {
			idx, best = i, n
		}
	}
	return idx
}

// InitPartition materializes a partition and assigns it to the least
// busy worker. Callers must hold the suspend lock for structural map
// changes; individual additions are safe under poolLock.
func (p *AsyncPool) InitPartition(pid int) *AsyncLoop {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()

	if s := p.partitions[pid]; s != nil {
		return s.loop
	}

	part := p.db.GetMake(pid)
	s := &slot{part: part}
	s.loop = newAsyncLoop(p, part)

	w := p.getLeastBusy()
	s.loop.workerID = w
	wi := p.workers[w]
	wi.mu.Lock()
	wi.slots = append(wi.slots, s)
	wi.mu.Unlock()

	p.partitions[pid] = s
	p.workerOf[pid] = w
	partitionsMapped.Inc()
	return s.loop
}

// FreePartition begins a partition's tear-down. The owning worker frees
// the slot on its next idle check.
func (p *AsyncPool) FreePartition(pid int) {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()

	if s := p.partitions[pid]; s != nil {
		s.part.MarkForDeletion()
		p.partitions[pid] = nil
		p.workerOf[pid] = -1
		p.db.Drop(pid)
		partitionsMapped.Dec()
	}
}

// GetPartition returns the loop for a partition, materializing it when
// missing.
func (p *AsyncPool) GetPartition(pid int) *AsyncLoop {
	p.poolLock.Lock()
	if s := p.partitions[pid]; s != nil {
		p.poolLock.Unlock()
		return s.loop
	}
	p.poolLock.Unlock()
	return p.InitPartition(pid)
}

// IsPartition returns the loop when the partition is materialized.
func (p *AsyncPool) IsPartition(pid int) *AsyncLoop {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()
	if s := p.partitions[pid]; s != nil {
		return s.loop
	}
	return nil
}

// Count returns the number of materialized partitions.
func (p *AsyncPool) Count() int {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()
	n := 0
	for _, s := range p.partitions {
		if s != nil {
			n++
		}
	}
	return n
}

// RealtimeInc marks one never-starve cell on a partition.
func (p *AsyncPool) RealtimeInc(pid int) {
	if s := p.partitions[pid]; s != nil {
		s.part.RealtimeCells.Add(1)
	}
}

// RealtimeDec releases one never-starve cell.
func (p *AsyncPool) RealtimeDec(pid int) {
	if s := p.partitions[pid]; s != nil {
		s.part.RealtimeCells.Add(-1)
	}
}

// CellFactory queues one cell per listed partition. The factory may
// return nil when a partition does not apply (e.g. query on a non-owned
// partition).
func (p *AsyncPool) CellFactory(partitionList []int, factory func(*AsyncLoop) Cell) {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()

	for _, pid := range partitionList {
		s := p.partitions[pid]
		if s == nil {
			log.WithField("partition", pid).Error("partition missing")
			continue
		}
		if cell := factory(s.loop); cell != nil {
			s.loop.QueueCell(cell)
		}
	}
}

// CellFactoryAll queues one cell per materialized partition.
func (p *AsyncPool) CellFactoryAll(factory func(*AsyncLoop) Cell) {
	p.poolLock.Lock()
	defer p.poolLock.Unlock()

	for _, s := range p.partitions {
		if s == nil {
			continue
		}
		if cell := factory(s.loop); cell != nil {
			s.loop.QueueCell(cell)
		}
	}
}

// MapPartitions materializes every partition the partition map assigns
// to this node, under the suspend barrier.
func (p *AsyncPool) MapPartitions(pm *cluster.PartitionMap) {
	p.SuspendAsync()
	defer p.ResumeAsync()

	parts := pm.PartitionsForNode(p.node)
	for _, pid := range parts {
		p.InitPartition(pid)
	}
	if len(parts) == 0 {
		log.Info("this node is empty; join it to a cluster or initialize it")
	} else {
		log.WithField("partitions", len(parts)).Info("mapped active partitions")
	}
}

// wakeWorker signals one worker's dispatch loop.
func (p *AsyncPool) wakeWorker(w int) {
	if w < 0 || w >= len(p.workers) {
		return
	}
	wi := p.workers[w]
	wi.mu.Lock()
	wi.triggered = true
	wi.mu.Unlock()
	wi.cond.Signal()
}

// runner is one worker's dispatch loop.
func (p *AsyncPool) runner(workerID int) {
	wi := p.workers[workerID]
	runAgain := false
	nextRun := int64(-1)

	cleanup := func() int {
		wi.mu.Lock()
		defer wi.mu.Unlock()
		removed := 0
		kept := wi.slots[:0]
		for _, s := range wi.slots {
			if s.part.MarkedForDeletion() {
				s.loop.Drain()
				removed++
				continue
			}
			kept = append(kept, s)
		}
		wi.slots = kept
		return removed
	}

	for p.running.Load() {
		// honor a requested global suspension before touching any state
		if p.suspendFlag.Load() {
			p.suspendedWorkers.Add(1)
			for p.suspendFlag.Load() && p.running.Load() {
				if cleanup() == 0 {
					time.Sleep(time.Millisecond)
				}
			}
			p.suspendedWorkers.Add(-1)
			continue
		}

		if !runAgain {
			delay := idleWait
			if nextRun >= 0 {
				if d := nextRun - nowMS(); d > 0 {
					delay = time.Duration(d) * time.Millisecond
				} else {
					delay = 0
				}
			}
			wi.mu.Lock()
			if delay > 0 && !wi.triggered {
				waitCond(wi.cond, delay)
			}
			wi.triggered = false
			wi.mu.Unlock()
		}

		if p.suspendFlag.Load() {
			continue
		}

		runAgain = false
		nextRun = -1
		cleanup()

		wi.mu.Lock()
		slots := make([]*slot, len(wi.slots))
		copy(slots, wi.slots)
		wi.mu.Unlock()

		for _, s := range slots {
			if s.part.MarkedForDeletion() {
				continue
			}
			if !p.oracle.IsMapped(s.part.ID, p.node) {
				s.loop.Drain()
				continue
			}
			if s.loop.Run(&nextRun) {
				runAgain = true
			}
		}
	}
}

// waitCond waits on a condition variable with a timeout. The caller holds
// c.L; the timeout's Broadcast is sent without taking c.L, and wakeWorker
// sets its flag under c.L and signals after releasing it.
func waitCond(c *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() { c.Broadcast() })
	c.Wait()
	timer.Stop()
}
