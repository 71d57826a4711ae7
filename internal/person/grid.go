package person

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/spaolacci/murmur3"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/table"
)

// DoubleScale is the fixed-point scale for double columns: values are
// stored as int64(v * 10000).
const DoubleScale = 10000.0

// rowArena is a bump allocator for grid rows. Rows for one mounted person
// are carved from large contiguous blocks so iteration has tight cache
// affinity; Reset recycles the blocks for the next person on the same
// worker.
type rowArena struct {
	blocks [][]int64
	cur    []int64
	off    int
}

const arenaBlock = 16 * 1024 // int64s per block

func (a *rowArena) row(n int) []int64 {
	if n == 0 {
		return nil
	}
	if a.off+n > len(a.cur) {
		size := arenaBlock
		if n > size {
			size = n
		}
		a.cur = make([]int64, size)
		a.blocks = append(a.blocks, a.cur)
		a.off = 0
	}
	r := a.cur[a.off : a.off+n : a.off+n]
	a.off = n + a.off
	return r
}

func (a *rowArena) reset() {
	if len(a.blocks) > 1 {
		// keep only the most recently allocated block to bound
		// steady-state footprint
		a.blocks = a.blocks[len(a.blocks)-1:]
	}
	if len(a.blocks) == 1 {
		a.cur = a.blocks[0]
	}
	a.off = 0
}

// Grid is a transient, column-mapped materialization of one person's event
// rows. A grid is bound to a table either in full-schema mode (inserts,
// whole-person introspection) or query mode (a subset of columns a Macro
// references); it is reused across persons on the same worker.
type Grid struct {
	tbl   *table.Table
	attrs *index.Attributes

	columnMap  []int // grid column -> schema column id
	reverseMap [table.MaxColumns]int16
	types      [table.MaxColumns]table.ColumnType
	typed      [table.MaxColumns]bool
	isSet      []bool // grid columns that held data on mount/insert

	arena rowArena
	rows  [][]int64
	raw   Record

	insertMap   map[[2]uint64]struct{}
	fullSchema  bool
	stampGrid   int
	actionGrid  int
	sessionGrid int

	sessionTime  int64
	groupCounter int64

	// staged identity for a person not yet committed
	id    int64
	idStr string
	linID int32
	flags []Flag
	props []byte
}

// NewGrid returns an unmapped grid.
func NewGrid() *Grid {
	return &Grid{}
}

// MapSchema binds the grid to a table in full-schema mode. Required for
// inserts. The uuid and segment columns never appear in rows (the id
// lives in the record header; segment is a pseudo-column).
func (g *Grid) MapSchema(tbl *table.Table, attrs *index.Attributes) error {
	var names []string
	for _, c := range tbl.Columns() {
		if c.ID == table.ColUUID || c.ID == table.ColSegment {
			continue
		}
		names = append(names, c.Name)
	}
	if err := g.mapColumns(tbl, attrs, names); err != nil {
		return err
	}
	g.fullSchema = true
	return nil
}

// MapSchemaSubset binds the grid to the given columns plus the stamp,
// action, and session columns the interpreter always needs. Required for
// query execution.
func (g *Grid) MapSchemaSubset(tbl *table.Table, attrs *index.Attributes, columnNames []string) error {
	names := []string{table.NameStamp, table.NameAction, table.NameSession}
	seen := map[string]bool{table.NameStamp: true, table.NameAction: true, table.NameSession: true}
	for _, n := range columnNames {
		if n == table.NameUUID || n == table.NameSegment || seen[n] {
			continue
		}
		seen[n] = true
		names = append(names, n)
	}
	if err := g.mapColumns(tbl, attrs, names); err != nil {
		return err
	}
	g.fullSchema = false
	return nil
}

func (g *Grid) mapColumns(tbl *table.Table, attrs *index.Attributes, names []string) error {
	g.tbl = tbl
	g.attrs = attrs
	g.sessionTime = tbl.SessionTime()
	g.columnMap = g.columnMap[:0]
	for i := range g.reverseMap {
		g.reverseMap[i] = -1
		g.typed[i] = false
	}

	cols := make([]*table.Column, 0, len(names))
	for _, name := range names {
		c, ok := tbl.GetColumn(name)
		if !ok {
			return errs.New(errs.BadSchema, "unknown column %q", name)
		}
		cols = append(cols, c)
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].ID < cols[j].ID })

	if len(cols) > table.GridColumns {
		return errs.New(errs.BadSchema, "grid cannot map %d columns", len(cols))
	}

	g.stampGrid, g.actionGrid, g.sessionGrid = -1, -1, -1
	for i, c := range cols {
		g.columnMap = append(g.columnMap, c.ID)
		g.reverseMap[c.ID] = int16(i)
		g.types[c.ID] = c.Type
		g.typed[c.ID] = true
		switch c.ID {
		case table.ColStamp:
			g.stampGrid = i
		case table.ColAction:
			g.actionGrid = i
		case table.ColSession:
			g.sessionGrid = i
		}
	}
	g.isSet = make([]bool, len(g.columnMap))
	g.Reinit()
	return nil
}

// SetSessionTime overrides the session gap for subsequent commits.
func (g *Grid) SetSessionTime(ms int64) {
	g.sessionTime = ms
}

// Reinit brings the grid back to the zero state while keeping its column
// mappings, ready for the next person.
func (g *Grid) Reinit() {
	g.arena.reset()
	g.rows = g.rows[:0]
	g.raw = nil
	g.insertMap = nil
	g.id = 0
	g.idStr = ""
	g.linID = -1
	g.flags = nil
	g.props = nil
	for i := range g.isSet {
		g.isSet[i] = false
	}
}

// SetIdentity stages a fresh person for insert before any record exists.
func (g *Grid) SetIdentity(id int64, idStr string, linID int32) {
	g.id = id
	g.idStr = idStr
	g.linID = linID
}

// Mount decompresses a person's events into the grid's rows, populating
// only mapped columns. Non-mapped cells are dropped during decode.
func (g *Grid) Mount(rec Record) error {
	if g.tbl == nil {
		return errs.New(errs.BadSchema, "grid not mapped")
	}
	g.Reinit()
	g.raw = rec
	g.id = rec.ID()
	g.idStr = rec.IDString()
	g.linID = rec.LinID()

	flags, err := rec.Flags()
	if err != nil {
		return err
	}
	g.flags = flags
	g.props = append([]byte(nil), rec.Props()...)

	events, err := rec.Events()
	if err != nil {
		return err
	}
	rows, err := decodeRows(events, len(g.columnMap), decodeState{
		reverseMap: &g.reverseMap,
		types:      &g.types,
		typed:      &g.typed,
	}, &g.arena)
	if err != nil {
		return err
	}
	g.rows = rows
	for _, row := range rows {
		for i, v := range row {
			if v != None {
				g.isSet[i] = true
			}
		}
	}
	return nil
}

// UUID returns the mounted person's external id.
func (g *Grid) UUID() int64 { return g.id }

// UUIDString returns the mounted person's id string.
func (g *Grid) UUIDString() string { return g.idStr }

// LinID returns the mounted person's linear-id.
func (g *Grid) LinID() int32 { return g.linID }

// Rows returns the decoded rows. The slice is arena-backed and valid until
// the next Reinit or Mount.
func (g *Grid) Rows() [][]int64 { return g.rows }

// RowCount returns the number of decoded rows.
func (g *Grid) RowCount() int { return len(g.rows) }

// Table returns the bound table.
func (g *Grid) Table() *table.Table { return g.tbl }

// Attributes returns the bound attribute store.
func (g *Grid) Attributes() *index.Attributes { return g.attrs }

// Flags returns the person's decoded flag records.
func (g *Grid) Flags() []Flag { return g.flags }

// GridColumn translates a schema column id to the grid column, or -1.
func (g *Grid) GridColumn(schemaCol int) int {
	if schemaCol < 0 || schemaCol >= table.MaxColumns {
		return -1
	}
	return int(g.reverseMap[schemaCol])
}

// StampColumn returns the grid column holding the event timestamp.
func (g *Grid) StampColumn() int { return g.stampGrid }

// SessionColumn returns the grid column holding the session group id.
func (g *Grid) SessionColumn() int { return g.sessionGrid }

// ActionColumn returns the grid column holding the action.
func (g *Grid) ActionColumn() int { return g.actionGrid }

// Insert merges one event row into the grid. Inserts are idempotent per
// (timestamp, action, row values): a 128-bit hash of the row's
// non-aggregated columns detects and skips exact duplicates. Requires
// full-schema mode.
func (g *Grid) Insert(rowData map[string]any) error {
	if !g.fullSchema {
		return errs.New(errs.BadInsert, "insert requires a full-schema grid")
	}
	if rowData == nil {
		return errs.New(errs.BadInsert, "row is not an object")
	}

	row := g.arena.row(len(g.columnMap))
	fillNone(row)

	for key, val := range rowData {
		name := key
		switch key {
		case "stamp":
			name = table.NameStamp
		case "action":
			name = table.NameAction
		}
		col, ok := g.tbl.GetColumn(name)
		if !ok {
			if !g.tbl.Permissive() {
				return errs.New(errs.BadSchema, "unknown column %q", name)
			}
			var err error
			col, err = g.tbl.AddColumn(name, inferType(val))
			if err != nil {
				return errs.New(errs.BadSchema, "%s", err.Error())
			}
			// a fresh column is outside the current mapping; remap
			if err := g.remapWith(col); err != nil {
				return err
			}
			row = g.growRow(row)
		}
		grid := g.GridColumn(col.ID)
		if grid < 0 || col.ID == table.ColSession {
			continue
		}

		cell, err := g.encodeValue(col, val)
		if err != nil {
			return err
		}
		row[grid] = cell
		g.isSet[grid] = true
	}

	if g.stampGrid < 0 || row[g.stampGrid] == None {
		return errs.New(errs.BadInsert, "row has no timestamp")
	}

	if g.insertMap == nil {
		g.buildInsertMap()
	}
	key := g.rowHash(row)
	if _, dup := g.insertMap[key]; dup {
		return nil
	}
	g.insertMap[key] = struct{}{}
	g.rows = append(g.rows, row)

	// maintain the per-value index for every set cell; timestamps and
	// session ids are never value-indexed
	if g.attrs != nil && g.linID >= 0 {
		for i, v := range row {
			if v == None || i == g.sessionGrid || i == g.stampGrid {
				continue
			}
			g.attrs.Set(g.columnMap[i], v, g.linID)
		}
	}
	return nil
}

// remapWith extends the mapping with a newly added column, preserving
// existing grid indexes by appending.
func (g *Grid) remapWith(c *table.Column) error {
	if len(g.columnMap) >= table.GridColumns {
		return errs.New(errs.BadSchema, "grid cannot map %d columns", len(g.columnMap)+1)
	}
	g.columnMap = append(g.columnMap, c.ID)
	g.reverseMap[c.ID] = int16(len(g.columnMap) - 1)
	g.types[c.ID] = c.Type
	g.typed[c.ID] = true
	g.isSet = append(g.isSet, false)

	// widen existing rows
	for i, row := range g.rows {
		wide := g.arena.row(len(g.columnMap))
		copy(wide, row)
		wide[len(wide)-1] = None
		g.rows[i] = wide
	}
	return nil
}

func (g *Grid) growRow(row []int64) []int64 {
	if len(row) == len(g.columnMap) {
		return row
	}
	wide := g.arena.row(len(g.columnMap))
	copy(wide, row)
	for i := len(row); i < len(wide); i++ {
		wide[i] = None
	}
	return wide
}

func (g *Grid) encodeValue(col *table.Column, val any) (int64, error) {
	switch col.Type {
	case table.TypeInt:
		switch v := val.(type) {
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		}
	case table.TypeDouble:
		switch v := val.(type) {
		case float64:
			return int64(math.Round(v * DoubleScale)), nil
		case int64:
			return v * int64(DoubleScale), nil
		case int:
			return int64(v) * int64(DoubleScale), nil
		}
	case table.TypeText:
		if s, ok := val.(string); ok {
			h := table.MakeHash(s)
			if g.attrs != nil {
				g.attrs.SetText(col.ID, h, s)
			}
			return h, nil
		}
	case table.TypeBool:
		if b, ok := val.(bool); ok {
			if b {
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, errs.New(errs.BadInsert, "column %q: value %v does not fit type %s", col.Name, val, col.Type)
}

func inferType(val any) table.ColumnType {
	switch v := val.(type) {
	case string:
		return table.TypeText
	case bool:
		return table.TypeBool
	case float64:
		if v != math.Trunc(v) {
			return table.TypeDouble
		}
		return table.TypeInt
	default:
		return table.TypeInt
	}
}

func (g *Grid) buildInsertMap() {
	g.insertMap = make(map[[2]uint64]struct{}, len(g.rows))
	for _, row := range g.rows {
		g.insertMap[g.rowHash(row)] = struct{}{}
	}
}

// rowHash computes the 128-bit dedupe key over the row's non-aggregated
// cells (everything except the session column).
func (g *Grid) rowHash(row []int64) [2]uint64 {
	h := murmur3.New128()
	var buf [10]byte
	for i, v := range row {
		if v == None || i == g.sessionGrid {
			continue
		}
		binary.LittleEndian.PutUint16(buf[0:], uint16(g.columnMap[i]))
		binary.LittleEndian.PutUint64(buf[2:], uint64(v))
		_, _ = h.Write(buf[:])
	}
	hi, lo := h.Sum128()
	return [2]uint64{hi, lo}
}

// Commit orders rows by timestamp, stamps session group-ids, re-encodes
// and compresses the event stream, and packs a fresh record. The returned
// record is the canonical representation; the grid stays mounted on it.
func (g *Grid) Commit() (Record, error) {
	if !g.fullSchema {
		return nil, errs.New(errs.BadInsert, "commit requires a full-schema grid")
	}

	sort.SliceStable(g.rows, func(i, j int) bool {
		return g.rows[i][g.stampGrid] < g.rows[j][g.stampGrid]
	})

	if g.sessionGrid >= 0 {
		session := int64(0)
		prevStamp := int64(math.MinInt64)
		for _, row := range g.rows {
			stamp := row[g.stampGrid]
			if session == 0 || stamp-prevStamp > g.sessionTime {
				session++
			}
			row[g.sessionGrid] = session
			prevStamp = stamp
		}
		if len(g.rows) > 0 {
			g.isSet[g.sessionGrid] = true
		}
	}

	events := encodeRows(g.rows, g.columnMap)
	rec, err := NewRecord(g.id, g.linID, g.idStr, g.flags, g.props, events)
	if err != nil {
		return nil, err
	}
	g.raw = rec
	return rec, nil
}

// ToJSON renders the mounted rows losslessly: one object per row, text
// cells resolved through the attribute blob, doubles unscaled.
func (g *Grid) ToJSON() []map[string]any {
	out := make([]map[string]any, 0, len(g.rows))
	for _, row := range g.rows {
		obj := make(map[string]any, len(row))
		for i, v := range row {
			if v == None {
				continue
			}
			schemaCol := g.columnMap[i]
			col, ok := g.tbl.GetColumnByID(schemaCol)
			if !ok {
				continue
			}
			switch col.Type {
			case table.TypeText:
				if s, found := g.attrs.Blob().Get(v); found {
					obj[col.Name] = s
				} else {
					obj[col.Name] = v
				}
			case table.TypeDouble:
				obj[col.Name] = float64(v) / DoubleScale
			case table.TypeBool:
				obj[col.Name] = v != 0
			default:
				obj[col.Name] = v
			}
		}
		out = append(out, obj)
	}
	return out
}
