package oloop

import (
	"regexp"
	"strings"

	"github.com/aargor/openset/internal/async"
	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
)

// ColumnMode selects the value filter for a column scan.
type ColumnMode int

const (
	ColumnAll ColumnMode = iota
	ColumnRx
	ColumnSub
	ColumnGT
	ColumnGTE
	ColumnLT
	ColumnLTE
	ColumnEQ
	ColumnBetween // gte low and lt high
)

// ParseColumnMode resolves a mode name from a request.
func ParseColumnMode(s string) (ColumnMode, bool) {
	switch s {
	case "", "all":
		return ColumnAll, true
	case "rx":
		return ColumnRx, true
	case "sub":
		return ColumnSub, true
	case "gt":
		return ColumnGT, true
	case "gte":
		return ColumnGTE, true
	case "lt":
		return ColumnLT, true
	case "lte":
		return ColumnLTE, true
	case "eq":
		return ColumnEQ, true
	case "between":
		return ColumnBetween, true
	}
	return 0, false
}

// ColumnConfig describes one column scan: which values count, the
// optional histogram bucket, and the segments the counts are restricted
// to.
type ColumnConfig struct {
	Column   string
	Mode     ColumnMode
	Segments []string // empty means the whole partition

	Bucket     int64 // fixed-point bucket width for numeric grouping, 0 off
	FilterLow  int64
	FilterHigh int64
	FilterText string
	Rx         *regexp.Regexp
}

// Column scans one column's attribute values on a partition, producing
// value → person-count rows (optionally bucketed) restricted to stored
// segments.
type Column struct {
	async.OpenLoop

	shuttle  *async.Shuttle[CellResult]
	tbl      *table.Table
	config   ColumnConfig
	rs       *result.ResultSet
	instance int

	col      *table.Column
	segments []*index.Bits
	values   []*index.Attr
	cursor   int
	stopBit  int32
}

// NewColumn creates a column-scan cell.
func NewColumn(shuttle *async.Shuttle[CellResult], tbl *table.Table, config ColumnConfig, instance int) *Column {
	rs := result.NewResultSet()
	rs.SetColumns([]result.AccCol{{Name: "count", Modifier: result.ModSum}})
	return &Column{
		shuttle:  shuttle,
		tbl:      tbl,
		config:   config,
		rs:       rs,
		instance: instance,
	}
}

func (c *Column) reply(e *errs.Error) {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs}, e)
	c.Suicide()
}

// Prepare resolves the column, loads segment restrictions, and snapshots
// the value list.
func (c *Column) Prepare() {
	parts := c.Loop().Partition()
	c.stopBit = parts.People.Count()

	col, ok := c.tbl.GetColumn(c.config.Column)
	if !ok {
		c.reply(errs.New(errs.BadSchema, "unknown column %q", c.config.Column))
		return
	}
	c.col = col

	for _, name := range c.config.Segments {
		at := parts.Attributes.Get(table.ColSegment, table.MakeHash(name))
		if at == nil {
			// a missing segment restricts to nothing on this partition
			c.segments = append(c.segments, index.NewBits())
			continue
		}
		bits, err := parts.Attributes.GetBits(at)
		if err != nil {
			c.reply(errs.New(errs.QueryRuntime, "%s", err.Error()))
			return
		}
		c.segments = append(c.segments, bits)
	}

	c.values = parts.Attributes.ColumnValues(col.ID)
}

// matches applies the configured value filter.
func (c *Column) matches(at *index.Attr) bool {
	switch c.config.Mode {
	case ColumnAll:
		return true
	case ColumnRx:
		return c.config.Rx != nil && c.config.Rx.MatchString(at.Text)
	case ColumnSub:
		return c.config.FilterText != "" && strings.Contains(at.Text, c.config.FilterText)
	case ColumnGT:
		return at.Val > c.config.FilterLow
	case ColumnGTE:
		return at.Val >= c.config.FilterLow
	case ColumnLT:
		return at.Val < c.config.FilterLow
	case ColumnLTE:
		return at.Val <= c.config.FilterLow
	case ColumnEQ:
		return at.Val == c.config.FilterLow
	case ColumnBetween:
		return at.Val >= c.config.FilterLow && at.Val < c.config.FilterHigh
	}
	return false
}

// Run walks attribute values, one slice at a time, folding each matching
// value's person population into the result.
func (c *Column) Run() {
	parts := c.Loop().Partition()

	for c.cursor < len(c.values) {
		if c.SliceComplete() {
			return
		}
		at := c.values[c.cursor]
		c.cursor++

		if !c.matches(at) {
			continue
		}
		bits, err := parts.Attributes.GetBits(at)
		if err != nil {
			continue
		}
		for _, seg := range c.segments {
			bits.OpAnd(seg)
		}
		pop := bits.Population(c.stopBit)
		if pop == 0 {
			continue
		}

		var key result.RowKey
		keyVal := at.Val
		keyType := result.KeyInt
		switch c.col.Type {
		case table.TypeText:
			keyType = result.KeyText
			if at.Text != "" {
				c.rs.AddLocalText(at.Val, at.Text)
			}
		case table.TypeDouble:
			keyType = result.KeyDouble
		case table.TypeBool:
			keyType = result.KeyBool
		}
		if c.config.Bucket > 0 && keyType != result.KeyText {
			keyVal = (keyVal / c.config.Bucket) * c.config.Bucket
		}
		key.Push(keyVal, keyType)
		c.rs.Add(key, 0, pop)
	}
	c.reply(nil)
}

// PartitionRemoved replies retryable and terminates.
func (c *Column) PartitionRemoved() {
	c.shuttle.Reply(CellResult{Instance: c.instance, RS: c.rs},
		errs.New(errs.PartitionMigrated, "please retry query"))
	c.Suicide()
}
