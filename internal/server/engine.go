// Package server hosts the openset engine: it ties the table, the
// partition database, the async pool, and the cluster map together and
// exposes the ingest/query/segment HTTP surface. See doc.go for package
// documentation.
package server

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/cluster"
	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/oloop"
	"github.com/aargor/openset/internal/partition"
	"github.com/aargor/openset/internal/query"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
	"github.com/aargor/openset/internal/trigger"
)

// DefaultQueryTimeout bounds a query shuttle's wait.
const DefaultQueryTimeout = 30 * time.Second

// statusTimeout bounds the status fan-out; stats cells answer in their
// Prepare, so this only guards a stalled pool.
const statusTimeout = 5 * time.Second

// triggerDrainInterval is how often each partition's trigger drain runs.
const triggerDrainInterval = int64(250)

// Engine is one node's execution core: the schema, the local partitions,
// the cooperative pool, and the ownership map.
type Engine struct {
	Node  cluster.NodeID
	Table *table.Table
	DB    *partition.DB
	Map   *cluster.PartitionMap
	Pool  *async.AsyncPool

	// TriggerSink receives drained trigger messages for the (external)
	// dispatch layer.
	TriggerSink chan trigger.Message

	segMu         sync.Mutex
	segmentMacros map[string]*query.Macro
}

// NewEngine builds a single-node engine: every partition maps to this
// node.
func NewEngine(tableName string, partitionMax, workers int, node cluster.NodeID) *Engine {
	tbl := table.New(tableName)
	tbl.SetPermissive(true)
	db := partition.NewDB(tbl)
	pm := cluster.NewSingleNodeMap(partitionMax, node)

	e := &Engine{
		Node:          node,
		Table:         tbl,
		DB:            db,
		Map:           pm,
		TriggerSink:   make(chan trigger.Message, 4096),
		segmentMacros: make(map[string]*query.Macro),
	}
	e.Pool = async.NewAsyncPool(partitionMax, workers, node, pm, db)
	return e
}

// Start launches the workers, materializes owned partitions, and seeds
// the per-partition trigger drains.
func (e *Engine) Start() {
	e.Pool.StartAsync()
	e.Pool.MapPartitions(e.Map)
	e.Pool.CellFactoryAll(func(*async.AsyncLoop) async.Cell {
		return oloop.NewTriggerDrain(e.TriggerSink, triggerDrainInterval)
	})
}

// Stop quiesces the pool.
func (e *Engine) Stop() {
	e.Pool.Stop()
}

// ingestDoc is one person's payload on the wire.
type ingestDoc struct {
	ID     string           `json:"id"`
	Events []map[string]any `json:"events"`
}

// Insert parses an ingest payload (one document or an array), routes each
// person to its partition, and applies the rows on the owning workers.
func (e *Engine) Insert(payload []byte) (inserted, skipped int64, err error) {
	docs, err := parseIngest(payload)
	if err != nil {
		return 0, 0, err
	}

	byPartition := make(map[int][]oloop.PersonRows)
	for _, d := range docs {
		if d.ID == "" {
			return 0, 0, errs.New(errs.BadInsert, "document has no id")
		}
		pid := cluster.PartitionFor(d.ID, e.Map.PartitionMax())
		if !e.Map.IsMapped(pid, e.Node) {
			return 0, 0, errs.New(errs.NodeUnreachable, "partition %d is not owned by this node", pid)
		}
		byPartition[pid] = append(byPartition[pid], oloop.PersonRows{ID: d.ID, Rows: d.Events})
	}

	pids := make([]int, 0, len(byPartition))
	for pid := range byPartition {
		pids = append(pids, pid)
	}

	shuttle := async.NewShuttle[oloop.InsertResult](len(pids))
	instance := 0
	e.Pool.CellFactory(pids, func(loop *async.AsyncLoop) async.Cell {
		batch := byPartition[loop.PartitionID()]
		cell := oloop.NewInsert(shuttle, e.Table, batch, instance)
		instance++
		return cell
	})

	replies, serr := shuttle.Wait(DefaultQueryTimeout)
	for _, r := range replies {
		inserted += r.Inserted
		skipped += r.Skipped
	}
	if serr != nil {
		return inserted, skipped, serr
	}
	return inserted, skipped, nil
}

func parseIngest(payload []byte) ([]ingestDoc, error) {
	var many []ingestDoc
	if err := json.Unmarshal(payload, &many); err == nil {
		return many, nil
	}
	var one ingestDoc
	if err := json.Unmarshal(payload, &one); err != nil {
		return nil, errs.New(errs.BadInsert, "payload is neither a document nor an array")
	}
	return []ingestDoc{one}, nil
}

// Query compiles and runs query source across owned partitions, merging
// per-partition results into one tree.
func (e *Engine) Query(src string, params query.Params, timeout time.Duration) (map[string]any, error) {
	macros, err := query.Compile(src, e.Table, params)
	if err != nil {
		return nil, err // compile errors spawn no cells
	}
	if macros[0].Macro.IsSegment {
		return e.runSegments(macros, timeout)
	}
	return e.runCount(macros, timeout)
}

// SegmentQuery compiles segment declarations, runs them, and registers
// the macros for the refresh sweeper.
func (e *Engine) SegmentQuery(src string, params query.Params, timeout time.Duration) (map[string]any, error) {
	macros, err := query.Compile(src, e.Table, params)
	if err != nil {
		return nil, err
	}
	for _, nm := range macros {
		if !nm.Macro.IsSegment {
			return nil, errs.New(errs.QueryCompile, "segment request must declare segments")
		}
	}
	e.segMu.Lock()
	for _, nm := range macros {
		e.segmentMacros[nm.Name] = nm.Macro
	}
	e.segMu.Unlock()

	return e.runSegments(macros, timeout)
}

func (e *Engine) runSegments(macros []query.NamedMacro, timeout time.Duration) (map[string]any, error) {
	return e.runCount(macros, timeout)
}

func (e *Engine) runCount(macros []query.NamedMacro, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	now := time.Now().UnixMilli()
	parts := e.Map.PartitionsForNode(e.Node)

	shuttle := async.NewShuttle[oloop.CellResult](len(parts))
	instance := 0
	e.Pool.CellFactory(parts, func(loop *async.AsyncLoop) async.Cell {
		cell := oloop.NewCount(shuttle, e.Table, macros, now, instance)
		instance++
		return cell
	})

	replies, serr := shuttle.Wait(timeout)
	merged := result.NewResultSet()
	for _, r := range replies {
		merged.Merge(r.RS)
	}
	if serr != nil {
		return nil, serr
	}
	queriesRun.Inc()
	return merged.ToJSON(), nil
}

// ColumnQuery runs a column scan across owned partitions.
func (e *Engine) ColumnQuery(cfg oloop.ColumnConfig, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	parts := e.Map.PartitionsForNode(e.Node)

	shuttle := async.NewShuttle[oloop.CellResult](len(parts))
	instance := 0
	e.Pool.CellFactory(parts, func(loop *async.AsyncLoop) async.Cell {
		cell := oloop.NewColumn(shuttle, e.Table, cfg, instance)
		instance++
		return cell
	})

	replies, serr := shuttle.Wait(timeout)
	merged := result.NewResultSet()
	for _, r := range replies {
		merged.Merge(r.RS)
	}
	if serr != nil {
		return nil, serr
	}
	return merged.ToJSON(), nil
}

// HistogramQuery runs a macro per person and buckets the script's value.
func (e *Engine) HistogramQuery(src, groupName string, bucket float64, params query.Params, timeout time.Duration) (map[string]any, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	macros, err := query.Compile(src, e.Table, params)
	if err != nil {
		return nil, err
	}
	now := time.Now().UnixMilli()
	parts := e.Map.PartitionsForNode(e.Node)
	scaled := int64(bucket * 10000)

	shuttle := async.NewShuttle[oloop.CellResult](len(parts))
	instance := 0
	e.Pool.CellFactory(parts, func(loop *async.AsyncLoop) async.Cell {
		cell := oloop.NewHistogram(shuttle, e.Table, macros[0].Macro, groupName, scaled, now, instance)
		instance++
		return cell
	})

	replies, serr := shuttle.Wait(timeout)
	merged := result.NewResultSet()
	for _, r := range replies {
		merged.Merge(r.RS)
	}
	if serr != nil {
		return nil, serr
	}
	return merged.ToJSON(), nil
}

// RefreshSegments re-runs registered segment macros whose refresh
// interval has lapsed on any owned partition. Called by the sweeper.
//
// Segment metadata is partition-owned, so the sweeper never reads it
// directly: a SegmentCheck cell runs on each owning worker and replies
// with the names due there.
func (e *Engine) RefreshSegments() {
	e.segMu.Lock()
	names := make([]string, 0, len(e.segmentMacros))
	for name, m := range e.segmentMacros {
		if m.SegmentRefresh >= 0 {
			names = append(names, name)
		}
	}
	e.segMu.Unlock()
	if len(names) == 0 {
		return
	}

	now := time.Now().UnixMilli()
	parts := e.Map.PartitionsForNode(e.Node)
	shuttle := async.NewShuttle[oloop.SegmentCheckResult](len(parts))
	instance := 0
	e.Pool.CellFactory(parts, func(loop *async.AsyncLoop) async.Cell {
		cell := oloop.NewSegmentCheck(shuttle, names, now, instance)
		instance++
		return cell
	})
	replies, serr := shuttle.Wait(DefaultQueryTimeout)
	if serr != nil {
		log.WithError(serr).Warn("segment refresh check failed")
		return
	}

	dueNames := make(map[string]bool)
	for _, r := range replies {
		for _, name := range r.Due {
			dueNames[name] = true
		}
	}
	if len(dueNames) == 0 {
		return
	}

	e.segMu.Lock()
	due := make([]query.NamedMacro, 0, len(dueNames))
	for name := range dueNames {
		if m := e.segmentMacros[name]; m != nil {
			fresh := *m
			fresh.UseCached = false // force recompute
			due = append(due, query.NamedMacro{Name: name, Macro: &fresh})
		}
	}
	e.segMu.Unlock()

	log.WithField("segments", len(due)).Debug("refreshing segments")
	if _, err := e.runCount(due, DefaultQueryTimeout); err != nil {
		log.WithError(err).Warn("segment refresh failed")
	}
}

// Status summarizes the node for the admin surface.
type Status struct {
	Node       cluster.NodeID `json:"node"`
	Partitions int            `json:"partitions"`
	Workers    int            `json:"workers"`
	Columns    int            `json:"columns"`
	Persons    int64          `json:"persons"`
}

// NodeStatus builds a point-in-time status snapshot. Person tables are
// worker-owned, so the counts are collected by Stats cells on the owning
// workers rather than read from the HTTP handler's goroutine.
func (e *Engine) NodeStatus() Status {
	parts := e.Map.PartitionsForNode(e.Node)
	shuttle := async.NewShuttle[oloop.StatsResult](len(parts))
	instance := 0
	e.Pool.CellFactory(parts, func(loop *async.AsyncLoop) async.Cell {
		cell := oloop.NewStats(shuttle, instance)
		instance++
		return cell
	})

	var persons int64
	replies, serr := shuttle.Wait(statusTimeout)
	for _, r := range replies {
		persons += r.Persons
	}
	if serr != nil {
		log.WithError(serr).Warn("status collection incomplete")
	}
	return Status{
		Node:       e.Node,
		Partitions: e.Pool.Count(),
		Workers:    e.Pool.WorkerMax(),
		Columns:    e.Table.ColumnCount(),
		Persons:    persons,
	}
}
