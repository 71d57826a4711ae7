package oloop

import (
	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/partition"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/query"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
)

// Histogram executes a macro per candidate person and buckets the value
// the script leaves in its `value` variable, tallying counts per bucket
// under the group name.
type Histogram struct {
	async.OpenLoop

	shuttle   *async.Shuttle[CellResult]
	tbl       *table.Table
	macro     *query.Macro
	groupName string
	bucket    int64 // fixed-point width (value * 10000)
	rs        *result.ResultSet
	instance  int
	now       int64

	parts      *partition.Partition
	maxLinID   int32
	currentLin int32
	indexing   query.Indexing
	idx        *index.Bits
	interp     *query.Interpreter
	grid       *person.Grid
	groupHash  int64
}

// NewHistogram creates a histogram cell.
func NewHistogram(shuttle *async.Shuttle[CellResult], tbl *table.Table, macro *query.Macro, groupName string, bucket int64, now int64, instance int) *Histogram {
	rs := result.NewResultSet()
	rs.SetColumns([]result.AccCol{{Name: "count", Modifier: result.ModSum}})
	return &Histogram{
		shuttle:    shuttle,
		tbl:        tbl,
		macro:      macro,
		groupName:  groupName,
		bucket:     bucket,
		rs:         rs,
		instance:   instance,
		now:        now,
		currentLin: -1,
	}
}

func (c *Histogram) reply(e *errs.Error) {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs}, e)
	c.Suicide()
}

// Prepare mounts the index and the grid mapping.
func (c *Histogram) Prepare() {
	c.parts = c.Loop().Partition()
	c.maxLinID = c.parts.People.Count()
	c.groupHash = table.MakeHash(c.groupName)
	c.rs.AddLocalText(c.groupHash, c.groupName)

	if err := c.indexing.Mount(c.macro, c.parts.Attributes, c.maxLinID); err != nil {
		c.reply(errs.New(errs.QueryRuntime, "%s", err.Error()))
		return
	}
	c.idx, _ = c.indexing.Bits()

	c.interp = query.NewInterpreter(c.macro, result.NewResultSet())
	c.interp.SetBits(index.NewBits(), c.maxLinID)
	c.interp.SetNow(c.now)

	c.grid = person.NewGrid()
	if err := c.grid.MapSchemaSubset(c.tbl, c.parts.Attributes, c.macro.ReferencedColumns()); err != nil {
		c.reply(errs.New(errs.QueryRuntime, "%s", err.Error()))
	}
}

// Run executes the macro per candidate person and buckets the result.
func (c *Histogram) Run() {
	for {
		if c.SliceComplete() {
			return
		}
		if c.interp.Error != nil {
			c.reply(c.interp.Error)
			return
		}
		if !c.idx.LinearIter(&c.currentLin, c.maxLinID) {
			c.reply(nil)
			return
		}

		rec := c.parts.People.GetByLIN(c.currentLin)
		if rec == nil {
			continue
		}
		if err := c.grid.Mount(rec); err != nil {
			log.WithFields(log.Fields{
				"partition": c.parts.ID,
				"lin":       c.currentLin,
			}).Warn("skipping bad person record")
			badRecords.Inc()
			continue
		}
		c.interp.Mount(c.grid)
		c.interp.Exec()

		v, ok := c.interp.UserVarByName("value")
		if !ok {
			continue
		}
		scaled := int64(v * person.DoubleScale)
		if c.bucket > 0 {
			scaled = (scaled / c.bucket) * c.bucket
		}

		var key result.RowKey
		key.Push(c.groupHash, result.KeyText)
		key.Push(scaled, result.KeyDouble)
		c.rs.Add(key, 0, 1)
	}
}

// PartitionRemoved replies retryable and terminates.
func (c *Histogram) PartitionRemoved() {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs},
		errs.New(errs.PartitionMigrated, "please retry query"))
	c.Suicide()
}
