// Package result implements the query result tree: rows addressed by
// nested keys, accumulator columns with modifier-dependent semantics, and
// the commutative merge used when per-partition results fold into one
// ResultSet.
package result

import (
	"sort"
	"strconv"

	"github.com/aargor/openset/internal/index"
)

// MaxDepth is the deepest tally nesting supported.
const MaxDepth = 8

// Modifier selects how an accumulator column updates and renders.
type Modifier int

const (
	ModSum Modifier = iota
	ModMin
	ModMax
	ModAvg
	ModCount
	ModDistCountPerson
	ModValue
	ModVar
)

// ParseModifier resolves a modifier name from query source.
func ParseModifier(s string) (Modifier, bool) {
	switch s {
	case "sum":
		return ModSum, true
	case "min":
		return ModMin, true
	case "max":
		return ModMax, true
	case "avg":
		return ModAvg, true
	case "count":
		return ModCount, true
	case "dist_count_person":
		return ModDistCountPerson, true
	case "value", "val":
		return ModValue, true
	case "var", "variable":
		return ModVar, true
	}
	return 0, false
}

// KeyType tags one level of a RowKey for rendering.
type KeyType int8

const (
	KeyNone KeyType = iota
	KeyInt
	KeyText
	KeyDouble
	KeyBool
)

// RowKey addresses one row in the result tree. Unused levels hold
// KeyNone.
type RowKey struct {
	Key   [MaxDepth]int64
	Types [MaxDepth]KeyType
}

// Depth returns the number of used levels.
func (k *RowKey) Depth() int {
	for i := 0; i < MaxDepth; i++ {
		if k.Types[i] == KeyNone {
			return i
		}
	}
	return MaxDepth
}

// Push appends one level, returning false when the key is full.
func (k *RowKey) Push(v int64, t KeyType) bool {
	d := k.Depth()
	if d >= MaxDepth {
		return false
	}
	k.Key[d] = v
	k.Types[d] = t
	return true
}

// Clear resets the key.
func (k *RowKey) Clear() {
	*k = RowKey{}
}

// AccCol describes one accumulator column.
type AccCol struct {
	Name     string
	Modifier Modifier
}

// None mirrors the unset-cell sentinel so accumulators can distinguish
// "never written" from zero.
const None = int64(-0x7FFFFFFFFFFFFFFF) // math.MinInt64 + 1

// Cell is one accumulator cell.
type Cell struct {
	Value int64
	Count int64
	Dist  *index.Bits // allocated for dist_count_person only
}

// Accumulator holds the cells for one result row.
type Accumulator struct {
	Cells []Cell
}

func newAccumulator(cols int) *Accumulator {
	acc := &Accumulator{Cells: make([]Cell, cols)}
	for i := range acc.Cells {
		acc.Cells[i].Value = None
	}
	return acc
}

// ResultSet is the tree of accumulators for one query, plus the local
// text pool used to render hashed keys back to strings.
type ResultSet struct {
	cols      []AccCol
	rows      map[RowKey]*Accumulator
	localText map[int64]string
}

// NewResultSet creates an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{
		rows:      make(map[RowKey]*Accumulator),
		localText: make(map[int64]string),
	}
}

// SetColumns fixes the accumulator column layout. Safe to call repeatedly
// with the same layout; the layout with more columns wins on merge skew.
func (rs *ResultSet) SetColumns(cols []AccCol) {
	if len(cols) > len(rs.cols) {
		rs.cols = cols
	}
}

// Columns returns the accumulator layout.
func (rs *ResultSet) Columns() []AccCol {
	return rs.cols
}

// AddLocalText records the text behind a key hash.
func (rs *ResultSet) AddLocalText(hash int64, text string) {
	if _, ok := rs.localText[hash]; !ok {
		rs.localText[hash] = text
	}
}

// At returns the accumulator for a key, creating it if absent.
func (rs *ResultSet) At(key RowKey) *Accumulator {
	acc := rs.rows[key]
	if acc == nil {
		n := len(rs.cols)
		if n == 0 {
			n = 1
		}
		acc = newAccumulator(n)
		rs.rows[key] = acc
	}
	return acc
}

// Tally updates column col of the row at key with value per the column's
// modifier. linID feeds distinct-person counting.
func (rs *ResultSet) Tally(key RowKey, col int, value int64, linID int32) {
	acc := rs.At(key)
	if col < 0 || col >= len(acc.Cells) {
		return
	}
	mod := ModCount
	if col < len(rs.cols) {
		mod = rs.cols[col].Modifier
	}
	cell := &acc.Cells[col]

	switch mod {
	case ModSum:
		if cell.Value == None {
			cell.Value = value
		} else {
			cell.Value += value
		}
	case ModMin:
		if cell.Value == None || value < cell.Value {
			cell.Value = value
		}
	case ModMax:
		if cell.Value == None || value > cell.Value {
			cell.Value = value
		}
	case ModAvg:
		if cell.Value == None {
			cell.Value = value
		} else {
			cell.Value += value
		}
		cell.Count++
	case ModCount:
		if cell.Value == None {
			cell.Value = 1
		} else {
			cell.Value++
		}
	case ModDistCountPerson:
		if cell.Dist == nil {
			cell.Dist = index.NewBits()
		}
		cell.Dist.Set(linID)
	case ModValue, ModVar:
		cell.Value = value
	}
}

// Add accumulates a raw count into column col (used by countable queries
// where no person is mounted).
func (rs *ResultSet) Add(key RowKey, col int, n int64) {
	acc := rs.At(key)
	if col < 0 || col >= len(acc.Cells) {
		return
	}
	cell := &acc.Cells[col]
	if cell.Value == None {
		cell.Value = n
	} else {
		cell.Value += n
	}
}

// Merge folds other into rs. Merge is commutative and associative: sums
// and counts add, min/max fold, distinct bitmaps union, value keeps the
// first non-None.
func (rs *ResultSet) Merge(other *ResultSet) {
	rs.SetColumns(other.cols)
	for hash, text := range other.localText {
		rs.AddLocalText(hash, text)
	}
	for key, acc := range other.rows {
		mine := rs.At(key)
		for i := range acc.Cells {
			if i >= len(mine.Cells) {
				mine.Cells = append(mine.Cells, Cell{Value: None})
			}
			theirs := &acc.Cells[i]
			cell := &mine.Cells[i]
			mod := ModCount
			if i < len(rs.cols) {
				mod = rs.cols[i].Modifier
			}
			switch mod {
			case ModMin:
				if cell.Value == None || (theirs.Value != None && theirs.Value < cell.Value) {
					cell.Value = theirs.Value
				}
			case ModMax:
				if cell.Value == None || (theirs.Value != None && theirs.Value > cell.Value) {
					cell.Value = theirs.Value
				}
			case ModDistCountPerson:
				if theirs.Dist != nil {
					if cell.Dist == nil {
						cell.Dist = index.NewBits()
					}
					cell.Dist.OpOr(theirs.Dist)
				}
			case ModValue, ModVar:
				if cell.Value == None {
					cell.Value = theirs.Value
				}
			default: // sum, avg, count
				if theirs.Value != None {
					if cell.Value == None {
						cell.Value = theirs.Value
					} else {
						cell.Value += theirs.Value
					}
				}
				cell.Count += theirs.Count
			}
		}
	}
}

// RowCount returns the number of result rows.
func (rs *ResultSet) RowCount() int {
	return len(rs.rows)
}

// node is one level of the rendered tree.
type node struct {
	children map[string]*node
	order    []string
	acc      *Accumulator
}

// ToJSON renders the result tree. Leaf accumulator cells resolve per
// modifier: avg divides, dist_count_person takes bitmap population,
// others surface the folded value.
func (rs *ResultSet) ToJSON() map[string]any {
	root := &node{children: make(map[string]*node)}

	keys := make([]RowKey, 0, len(rs.rows))
	for k := range rs.rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return rs.keyLabelPath(keys[i]) < rs.keyLabelPath(keys[j]) })

	for _, key := range keys {
		cur := root
		depth := key.Depth()
		for level := 0; level < depth; level++ {
			label := rs.keyLabel(key.Key[level], key.Types[level])
			next := cur.children[label]
			if next == nil {
				next = &node{children: make(map[string]*node)}
				cur.children[label] = next
				cur.order = append(cur.order, label)
			}
			cur = next
		}
		cur.acc = rs.rows[key]
	}
	return rs.renderNode(root)
}

func (rs *ResultSet) renderNode(n *node) map[string]any {
	out := make(map[string]any, len(n.children)+1)
	if n.acc != nil {
		cols := make(map[string]any, len(n.acc.Cells))
		for i, cell := range n.acc.Cells {
			name := "c" + strconv.Itoa(i)
			mod := ModCount
			if i < len(rs.cols) {
				name = rs.cols[i].Name
				mod = rs.cols[i].Modifier
			}
			cols[name] = renderCell(cell, mod)
		}
		out["_"] = cols
	}
	for _, label := range n.order {
		out[label] = rs.renderNode(n.children[label])
	}
	return out
}

func renderCell(cell Cell, mod Modifier) any {
	switch mod {
	case ModAvg:
		if cell.Count == 0 || cell.Value == None {
			return nil
		}
		return float64(cell.Value) / float64(cell.Count)
	case ModDistCountPerson:
		if cell.Dist == nil {
			return int64(0)
		}
		return cell.Dist.Population(1<<31 - 1)
	default:
		if cell.Value == None {
			return nil
		}
		return cell.Value
	}
}

func (rs *ResultSet) keyLabel(v int64, t KeyType) string {
	switch t {
	case KeyText:
		if s, ok := rs.localText[v]; ok {
			return s
		}
		return strconv.FormatInt(v, 10)
	case KeyDouble:
		return strconv.FormatFloat(float64(v)/10000.0, 'g', -1, 64)
	case KeyBool:
		if v != 0 {
			return "true"
		}
		return "false"
	default:
		return strconv.FormatInt(v, 10)
	}
}

func (rs *ResultSet) keyLabelPath(k RowKey) string {
	s := ""
	for i := 0; i < k.Depth(); i++ {
		s += rs.keyLabel(k.Key[i], k.Types[i]) + "\x00"
	}
	return s
}
