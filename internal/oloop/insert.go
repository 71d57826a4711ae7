package oloop

import (
	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/partition"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/table"
)

// PersonRows is one person's batch of event rows routed to a partition.
type PersonRows struct {
	ID   string
	Rows []map[string]any
}

// InsertResult is one partition's insert reply.
type InsertResult struct {
	Instance int
	Inserted int64
	Skipped  int64
}

// Insert applies batched person rows on the owning worker: each person is
// mounted (or staged fresh), rows merge with dedupe, and commit produces
// the canonical packed record. Per-person ordering holds because all rows
// for a person land on the same partition FIFO.
type Insert struct {
	async.OpenLoop

	shuttle  *async.Shuttle[InsertResult]
	tbl      *table.Table
	batch    []PersonRows
	instance int

	grid     *person.Grid
	cursor   int
	inserted int64
	skipped  int64
}

// NewInsert creates an insert cell for one partition's share of a batch.
func NewInsert(shuttle *async.Shuttle[InsertResult], tbl *table.Table, batch []PersonRows, instance int) *Insert {
	return &Insert{
		shuttle:  shuttle,
		tbl:      tbl,
		batch:    batch,
		instance: instance,
	}
}

// Prepare maps a full-schema grid for the partition.
func (c *Insert) Prepare() {
	parts := c.Loop().Partition()
	c.grid = person.NewGrid()
	if err := c.grid.MapSchema(c.tbl, parts.Attributes); err != nil {
		c.reply(errs.New(errs.BadSchema, "%s", err.Error()))
	}
}

func (c *Insert) reply(e *errs.Error) {
	c.shuttle.Reply(InsertResult{Instance: c.instance, Inserted: c.inserted, Skipped: c.skipped}, e)
	c.Suicide()
}

// Run applies persons until the slice budget is consumed.
func (c *Insert) Run() {
	parts := c.Loop().Partition()

	for c.cursor < len(c.batch) {
		if c.SliceComplete() {
			return
		}
		pr := c.batch[c.cursor]
		c.cursor++

		if err := c.applyPerson(parts.People, pr); err != nil {
			if errs.KindOf(err) == errs.BadRecord {
				// the stored record is corrupt; skip the person, keep going
				log.WithFields(log.Fields{
					"partition": parts.ID,
					"person":    pr.ID,
				}).Warn("skipping bad person record on insert")
				badRecords.Inc()
				c.skipped += int64(len(pr.Rows))
				continue
			}
			c.reply(errs.New(errs.KindOf(err), "%s", err.Error()))
			return
		}
	}
	c.reply(nil)
}

func (c *Insert) applyPerson(people *partition.People, pr PersonRows) error {
	lin := people.GetMake(pr.ID)
	rec := people.GetByLIN(lin)

	if rec == nil {
		c.grid.Reinit()
		c.grid.SetIdentity(table.MakeHash(pr.ID), pr.ID, lin)
	} else if err := c.grid.Mount(rec); err != nil {
		return err
	}

	before := c.grid.RowCount()
	for _, row := range pr.Rows {
		if err := c.grid.Insert(row); err != nil {
			return err
		}
	}
	c.skipped += int64(len(pr.Rows)) - int64(c.grid.RowCount()-before)
	c.inserted += int64(c.grid.RowCount() - before)

	committed, err := c.grid.Commit()
	if err != nil {
		return err
	}
	people.Replace(lin, committed)
	insertedRows.Add(float64(c.grid.RowCount() - before))
	return nil
}

// PartitionRemoved replies retryable and terminates.
func (c *Insert) PartitionRemoved() {
	c.shuttle.Reply(InsertResult{Instance: c.instance},
		errs.New(errs.PartitionMigrated, "please retry insert"))
	c.Suicide()
}
