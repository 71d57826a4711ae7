// Package oloop implements the concrete cell types the engine queues on
// partitions: count/segment queries, inserts, column scans, histograms,
// and trigger drains. See doc.go for package documentation.
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
	"github.com/aargor/openset/internal/trigger"
)

// CellResult is one partition's reply to a query shuttle.
type CellResult struct {
	Instance int
	RS       *result.ResultSet
}

// Count runs a list of (name, macro) pairs over one partition: cached
// segments and countable macros resolve purely from the index; segment
// math runs once with no person iteration; everything else mounts each
// candidate person into a grid and executes the macro.
type Count struct {
	async.OpenLoop

	shuttle  *async.Shuttle[CellResult]
	tbl      *table.Table
	macros   []query.NamedMacro
	rs       *result.ResultSet
	instance int
	now      int64

	parts      *partition.Partition
	maxLinID   int32
	currentLin int32
	macroIdx   int
	name       string
	macro      *query.Macro

	indexing query.Indexing
	idx      *index.Bits
	interp   *query.Interpreter
	grid     *person.Grid

	resultBits map[string]*index.Bits
	wasCached  map[string]bool
	runCount   int64
}

// NewCount creates a count cell for one partition.
func NewCount(shuttle *async.Shuttle[CellResult], tbl *table.Table, macros []query.NamedMacro, now int64, instance int) *Count {
	rs := result.NewResultSet()
	if len(macros) > 0 {
		cols := make([]result.AccCol, len(macros[0].Macro.AggCols))
		for i, a := range macros[0].Macro.AggCols {
			cols[i] = result.AccCol{Name: a.Name, Modifier: a.Modifier}
		}
		rs.SetColumns(cols)
	}
	return &Count{
		shuttle:    shuttle,
		tbl:        tbl,
		macros:     macros,
		rs:         rs,
		instance:   instance,
		now:        now,
		currentLin: -1,
		resultBits: make(map[string]*index.Bits),
		wasCached:  make(map[string]bool),
	}
}

// storeResult records a segment-style count under its name branch.
func (c *Count) storeResult(name string, count int64) {
	hash := table.MakeHash(name)
	c.rs.AddLocalText(hash, name)
	var key result.RowKey
	key.Push(hash, result.KeyText)
	c.rs.Add(key, 0, count)
}

// getSegment resolves a segment's bits: locally computed bits from this
// query first (fresher), then the attribute store.
func (c *Count) getSegment(name string) (*index.Bits, error) {
	if bits, ok := c.resultBits[name]; ok {
		return bits, nil
	}
	at := c.parts.Attributes.Get(table.ColSegment, table.MakeHash(name))
	if at == nil {
		return nil, nil
	}
	return c.parts.Attributes.GetBits(at)
}

// storeSegments persists freshly computed segment bitmaps with a TTL into
// the attribute store by swap, and stamps refresh metadata. Cached hits
// are left to age.
func (c *Count) storeSegments() {
	for _, nm := range c.macros {
		name := nm.Name
		m := nm.Macro
		if m.SegmentRefresh != -1 {
			c.parts.SetSegmentRefresh(name, m.SegmentRefresh)
		}
		if m.SegmentTTL != -1 && !c.wasCached[name] {
			bits := c.resultBits[name]
			if bits == nil {
				continue
			}
			c.parts.Attributes.GetMake(table.ColSegment, table.MakeHash(name))
			c.parts.Attributes.Swap(table.ColSegment, table.MakeHash(name), bits)
			c.parts.Attributes.SetText(table.ColSegment, table.MakeHash(name), name)
			delete(c.resultBits, name)
			c.parts.SetSegmentTTL(name, m.SegmentTTL, c.now)
			c.parts.SetSegmentRefresh(name, m.SegmentRefresh)
		}
	}
}

// nextMacro advances to the next macro needing person iteration,
// resolving cache hits, countable indexes, and segment math along the
// way. It returns false when every macro has resolved.
func (c *Count) nextMacro() bool {
	for {
		if c.macroIdx >= len(c.macros) {
			return false
		}
		c.name = c.macros[c.macroIdx].Name
		c.macro = c.macros[c.macroIdx].Macro

		if err := c.indexing.Mount(c.macro, c.parts.Attributes, c.maxLinID); err != nil {
			c.macroIdx++
			continue
		}
		idx, countable := c.indexing.Bits()
		c.idx = idx
		population := idx.Population(c.maxLinID)

		bits := index.NewBits()

		// a cached segment within TTL wins before any other path
		if c.macro.UseCached && !c.parts.IsSegmentExpiredTTL(c.name, c.now) {
			if cached, err := c.getSegment(c.name); err == nil && cached != nil {
				bits.OpCopy(cached)
				c.resultBits[c.name] = bits
				c.storeResult(c.name, bits.Population(c.maxLinID))
				c.wasCached[c.name] = true
				segmentCacheHits.Inc()
				c.macroIdx++
				continue
			}
		}

		// purely index-derivable: population is the answer
		if countable && c.macro.Countable && !c.macro.IsSegmentMath {
			bits.OpCopy(idx)
			c.resultBits[c.name] = bits
			c.storeResult(c.name, population)
			c.macroIdx++
			continue
		}

		c.interp = query.NewInterpreter(c.macro, c.rs)
		c.interp.SetGetSegmentCB(c.getSegment)
		c.interp.SetBits(bits, c.maxLinID)
		c.interp.SetNow(c.now)
		c.interp.SetEmitCB(func(name, personID string, stamp int64) {
			c.parts.Triggers.Emit(trigger.Message{
				TriggerID: table.MakeHash(name),
				Name:      name,
				PersonID:  personID,
				Stamp:     stamp,
			})
		})
		c.interp.SetScheduleCB(func(stamp int64, name string, lin int32) {
			rec := c.parts.People.GetByLIN(lin)
			if rec == nil {
				return
			}
			id := c.parts.Triggers.Register(name)
			flagged, err := rec.WithFlag(person.Flag{
				Reference: id,
				Context:   table.MakeHash(name),
				Value:     stamp,
				Type:      person.FlagFutureTrigger,
			})
			if err == nil {
				c.parts.People.Replace(lin, flagged)
			}
		})
		if len(c.macros) > 1 || c.macro.IsSegment {
			var base result.RowKey
			hash := table.MakeHash(c.name)
			c.rs.AddLocalText(hash, c.name)
			base.Push(hash, result.KeyText)
			c.interp.SetKeyBase(base)
		}

		// segment math runs once per partition, no person mounting
		if c.macro.IsSegmentMath {
			c.interp.Exec()
			out := c.interp.Bits()
			if out == nil {
				out = index.NewBits()
			}
			c.resultBits[c.name] = out
			c.storeResult(c.name, out.Population(c.maxLinID))
			c.macroIdx++
			continue
		}

		c.grid = person.NewGrid()
		if err := c.grid.MapSchemaSubset(c.tbl, c.parts.Attributes, c.macro.ReferencedColumns()); err != nil {
			c.reply(errs.New(errs.QueryRuntime, "%s", err.Error()))
			return false
		}

		c.currentLin = -1
		c.macroIdx++
		return true
	}
}

func (c *Count) reply(e *errs.Error) {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs}, e)
	c.Suicide()
}

// Prepare resolves the partition and, when no macro needs person
// iteration (all cached, countable, or segment math), replies on the
// fast path.
func (c *Count) Prepare() {
	c.parts = c.Loop().Partition()
	c.maxLinID = c.parts.People.Count()

	if !c.nextMacro() {
		if c.Dead() {
			return // reply already sent with an error
		}
		c.storeSegments()
		c.reply(nil)
	}
}

// Run iterates candidate persons for the current macro, one slice at a
// time.
func (c *Count) Run() {
	for {
		if c.SliceComplete() {
			return // let other cells run
		}

		if c.interp != nil && c.interp.Error != nil {
			c.reply(c.interp.Error)
			return
		}

		// out of candidates for this macro?
		if !c.idx.LinearIter(&c.currentLin, c.maxLinID) {
			if c.interp != nil {
				c.resultBits[c.name] = c.interp.Bits()
				c.storeResult(c.name, c.interp.Bits().Population(c.maxLinID))
			}
			if !c.nextMacro() {
				if c.Dead() {
					return
				}
				var e *errs.Error
				if c.interp != nil {
					e = c.interp.Error
				}
				c.storeSegments()
				c.reply(e)
				return
			}
			return // fresh macro; yield and continue next slice
		}

		rec := c.parts.People.GetByLIN(c.currentLin)
		if rec == nil {
			continue
		}
		if err := c.grid.Mount(rec); err != nil {
			// one corrupt person never poisons the scheduler
			log.WithFields(log.Fields{
				"partition": c.parts.ID,
				"lin":       c.currentLin,
			}).Warn("skipping bad person record")
			badRecords.Inc()
			continue
		}
		c.runCount++
		c.interp.Mount(c.grid)
		c.interp.Exec()
	}
}

// PartitionRemoved replies retryable and terminates.
func (c *Count) PartitionRemoved() {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs},
		errs.New(errs.PartitionMigrated, "please retry query"))
	c.Suicide()
}
