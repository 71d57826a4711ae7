package query

import (
	"math"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
)

// ValueKind tags a VM value slot.
type ValueKind int8

const (
	VNil ValueKind = iota
	VBool
	VInt
	VFloat
	VStr  // literal or rendered string; I holds the hash
	VText // text cell; I holds the hash, S may be empty
	VBits // segment bitmap
	VList
	VDict
)

// Value is the VM's tagged value.
type Value struct {
	Kind ValueKind
	I    int64
	F    float64
	S    string
	B    *index.Bits
	L    []Value
	D    map[int64]Value // keyed by value identity (hash for text)
}

// identity returns the comparable key for dict membership and contains.
func (v Value) identity() int64 {
	switch v.Kind {
	case VFloat:
		return int64(v.F * 10000)
	default:
		return v.I
	}
}

func intVal(v int64) Value     { return Value{Kind: VInt, I: v} }
func floatVal(f float64) Value { return Value{Kind: VFloat, F: f} }
func boolVal(b bool) Value {
	if b {
		return Value{Kind: VBool, I: 1}
	}
	return Value{Kind: VBool}
}

func (v Value) truthy() bool {
	switch v.Kind {
	case VNil:
		return false
	case VBool, VInt, VText:
		return v.I != 0
	case VFloat:
		return v.F != 0
	case VStr:
		return v.S != ""
	case VBits:
		return v.B != nil
	case VList:
		return len(v.L) > 0
	case VDict:
		return len(v.D) > 0
	}
	return false
}

func (v Value) asFloat() float64 {
	if v.Kind == VFloat {
		return v.F
	}
	return float64(v.I)
}

func (v Value) asInt() int64 {
	if v.Kind == VFloat {
		return int64(math.Round(v.F))
	}
	return v.I
}

func (v Value) isNumeric() bool {
	return v.Kind == VInt || v.Kind == VFloat || v.Kind == VBool
}

// GetSegmentFn resolves a stored segment's bitmap by name. A nil bitmap
// with nil error means the segment does not exist.
type GetSegmentFn func(name string) (*index.Bits, error)

// EmitFn receives emit-marshal messages.
type EmitFn func(name, personID string, stamp int64)

// ScheduleFn receives schedule-marshal requests (future trigger stamps).
type ScheduleFn func(stamp int64, name string, personLinID int32)

// Interpreter executes a Macro over a mounted person. It is deterministic
// given the same grid, macro, and now-stamp.
type Interpreter struct {
	Macro *Macro
	Error *errs.Error

	grid     *person.Grid
	rs       *result.ResultSet
	bits     *index.Bits
	maxLinID int32
	now      int64

	getSegment GetSegmentFn
	emitCB     EmitFn
	scheduleCB ScheduleFn

	stack     []Value
	callStack []int
	userVars  []Value

	colGrid []int
	colType []table.ColumnType
	aggGrid []int

	cursor     int
	winLo      int64
	winHi      int64
	firstMatch int64
	prevMatch  int64

	keyBase result.RowKey
}

// NewInterpreter creates an interpreter for one macro and result set.
func NewInterpreter(m *Macro, rs *result.ResultSet) *Interpreter {
	cols := make([]result.AccCol, len(m.AggCols))
	for i, c := range m.AggCols {
		cols[i] = result.AccCol{Name: c.Name, Modifier: c.Modifier}
	}
	rs.SetColumns(cols)
	return &Interpreter{
		Macro:    m,
		rs:       rs,
		userVars: make([]Value, len(m.UserVars)),
	}
}

// SetBits hands the interpreter the segment-output bitmap and the
// linear-id domain bound.
func (in *Interpreter) SetBits(bits *index.Bits, maxLinID int32) {
	in.bits = bits
	in.maxLinID = maxLinID
}

// Bits returns the segment-output bitmap (ownership stays with the
// caller that provided it).
func (in *Interpreter) Bits() *index.Bits {
	return in.bits
}

// SetNow fixes the query's notion of now (ms epoch) so execution is
// deterministic across partitions.
func (in *Interpreter) SetNow(ms int64) {
	in.now = ms
}

// SetGetSegmentCB installs the stored-segment lookup.
func (in *Interpreter) SetGetSegmentCB(fn GetSegmentFn) {
	in.getSegment = fn
}

// SetEmitCB installs the trigger-emit sink.
func (in *Interpreter) SetEmitCB(fn EmitFn) {
	in.emitCB = fn
}

// SetScheduleCB installs the schedule sink.
func (in *Interpreter) SetScheduleCB(fn ScheduleFn) {
	in.scheduleCB = fn
}

// SetKeyBase prefixes every tally key, letting multi-macro cells nest
// results under the macro's name.
func (in *Interpreter) SetKeyBase(key result.RowKey) {
	in.keyBase = key
}

// UserVarByName returns a user variable's numeric value after Exec, for
// cells that read a script's output (histograms bucket the `value` var).
func (in *Interpreter) UserVarByName(name string) (float64, bool) {
	for i, v := range in.Macro.UserVars {
		if v.Name == name {
			val := in.userVars[i]
			if !val.isNumeric() {
				return 0, false
			}
			return val.asFloat(), true
		}
	}
	return 0, false
}

// Mount binds the interpreter to a mounted grid, resolving macro column
// references to grid columns.
func (in *Interpreter) Mount(g *person.Grid) {
	in.grid = g
	if len(in.colGrid) != len(in.Macro.Columns) {
		in.colGrid = make([]int, len(in.Macro.Columns))
		in.colType = make([]table.ColumnType, len(in.Macro.Columns))
	}
	for i, c := range in.Macro.Columns {
		in.colGrid[i] = g.GridColumn(c.SchemaCol)
		if col, ok := g.Table().GetColumnByID(c.SchemaCol); ok {
			in.colType[i] = col.Type
		}
	}
	if len(in.aggGrid) != len(in.Macro.AggCols) {
		in.aggGrid = make([]int, len(in.Macro.AggCols))
	}
	for i, c := range in.Macro.AggCols {
		if c.SchemaCol >= 0 {
			in.aggGrid[i] = g.GridColumn(c.SchemaCol)
		} else {
			in.aggGrid[i] = -1
		}
	}
	in.reset()
}

func (in *Interpreter) reset() {
	in.stack = in.stack[:0]
	in.callStack = in.callStack[:0]
	for i := range in.userVars {
		in.userVars[i] = Value{}
	}
	in.cursor = -1
	in.winLo = math.MinInt64
	in.winHi = math.MaxInt64
	in.firstMatch = person.None
	in.prevMatch = person.None
}

func (in *Interpreter) fail(kind errs.Kind, format string, args ...any) {
	if in.Error == nil {
		in.Error = errs.New(kind, format, args...)
	}
}

func (in *Interpreter) push(v Value) {
	in.stack = append(in.stack, v)
}

func (in *Interpreter) pop() Value {
	if len(in.stack) == 0 {
		in.fail(errs.QueryRuntime, "stack underflow")
		return Value{}
	}
	v := in.stack[len(in.stack)-1]
	in.stack = in.stack[:len(in.stack)-1]
	return v
}

// Exec runs the macro over the mounted person (or, for segment math,
// with no person at all).
func (in *Interpreter) Exec() {
	if in.Error != nil {
		return
	}
	code := in.Macro.Code
	pc := 0

	for pc < len(code) && in.Error == nil {
		ins := &code[pc]
		pc++

		switch ins.Op {
		case NOP:

		case PSHTBLCOL:
			in.push(in.columnValue(int(ins.Index)))
		case PSHUSRVAR:
			in.push(in.userVars[ins.Index])
		case POPUSRVAR:
			v := in.pop()
			if ins.Index >= 0 {
				in.userVars[ins.Index] = v
			}
		case PSHLITSTR:
			lit := in.Macro.Literals[ins.Index]
			in.push(Value{Kind: VStr, I: lit.Hash, S: lit.Text})
		case PSHLITINT:
			in.push(intVal(ins.Value))
		case PSHLITFLT:
			in.push(floatVal(math.Float64frombits(uint64(ins.Value))))
		case PSHLITTRUE:
			in.push(boolVal(true))
		case PSHLITFALSE:
			in.push(boolVal(false))
		case PSHLITNUL:
			in.push(Value{})

		case CNDIF:
			if !in.pop().truthy() {
				pc = int(ins.Index)
			}
		case JMP:
			pc = int(ins.Index)

		case MATHADD, MATHSUB, MATHMUL, MATHDIV:
			b, a := in.pop(), in.pop()
			in.push(in.arith(ins.Op, a, b, ins.Line))
		case OPGT, OPLT, OPGTE, OPLTE, OPEQ, OPNEQ:
			b, a := in.pop(), in.pop()
			in.push(in.compare(ins.Op, a, b))
		case OPNOT:
			in.push(boolVal(!in.pop().truthy()))
		case LGCAND:
			b, a := in.pop(), in.pop()
			in.push(boolVal(a.truthy() && b.truthy()))
		case LGCOR:
			b, a := in.pop(), in.pop()
			in.push(boolVal(a.truthy() || b.truthy()))

		case ITMOVEFIRST:
			in.cursor = -1
		case ITNEXT:
			in.push(boolVal(in.iterNext()))
		case ITPREV:
			in.push(boolVal(in.iterPrev()))

		case MARSHAL:
			in.marshal(Marshal(ins.Index), int(ins.Value), ins.Line, &pc)
		case CALL:
			in.callStack = append(in.callStack, pc)
			pc = int(ins.Index)
		case RETURN:
			if len(in.callStack) == 0 {
				pc = len(code)
			} else {
				pc = in.callStack[len(in.callStack)-1]
				in.callStack = in.callStack[:len(in.callStack)-1]
			}
		case TERM:
			pc = len(code)

		default:
			in.fail(errs.QueryRuntime, "line %d: bad opcode %s", ins.Line, ins.Op)
		}
	}
}

func (in *Interpreter) columnValue(colVar int) Value {
	rows := in.grid.Rows()
	if in.cursor < 0 || in.cursor >= len(rows) {
		return Value{}
	}
	gc := in.colGrid[colVar]
	if gc < 0 {
		return Value{}
	}
	raw := rows[in.cursor][gc]
	if raw == person.None {
		return Value{}
	}
	switch in.colType[colVar] {
	case table.TypeDouble:
		return floatVal(float64(raw) / person.DoubleScale)
	case table.TypeText:
		return Value{Kind: VText, I: raw}
	case table.TypeBool:
		return boolVal(raw != 0)
	default:
		return intVal(raw)
	}
}

func (in *Interpreter) arith(op OpCode, a, b Value, line int) Value {
	// an unset cell propagates through math rather than failing the person
	if a.Kind == VNil || b.Kind == VNil {
		return Value{}
	}
	if !a.isNumeric() || !b.isNumeric() {
		in.fail(errs.QueryRuntime, "line %d: arithmetic on non-numeric values", line)
		return Value{}
	}
	if a.Kind == VFloat || b.Kind == VFloat {
		x, y := a.asFloat(), b.asFloat()
		switch op {
		case MATHADD:
			return floatVal(x + y)
		case MATHSUB:
			return floatVal(x - y)
		case MATHMUL:
			return floatVal(x * y)
		default:
			if y == 0 {
				in.fail(errs.QueryRuntime, "line %d: division by zero", line)
				return Value{}
			}
			return floatVal(x / y)
		}
	}
	x, y := a.I, b.I
	switch op {
	case MATHADD:
		return intVal(x + y)
	case MATHSUB:
		return intVal(x - y)
	case MATHMUL:
		return intVal(x * y)
	default:
		if y == 0 {
			in.fail(errs.QueryRuntime, "line %d: division by zero", line)
			return Value{}
		}
		return intVal(x / y)
	}
}

func (in *Interpreter) compare(op OpCode, a, b Value) Value {
	// nil only ever equals nil
	if a.Kind == VNil || b.Kind == VNil {
		eq := a.Kind == VNil && b.Kind == VNil
		switch op {
		case OPEQ:
			return boolVal(eq)
		case OPNEQ:
			return boolVal(!eq)
		default:
			return boolVal(false)
		}
	}
	// text compares by hash
	if a.Kind == VText || a.Kind == VStr || b.Kind == VText || b.Kind == VStr {
		eq := a.I == b.I
		switch op {
		case OPEQ:
			return boolVal(eq)
		case OPNEQ:
			return boolVal(!eq)
		default:
			return boolVal(false)
		}
	}
	x, y := a.asFloat(), b.asFloat()
	switch op {
	case OPGT:
		return boolVal(x > y)
	case OPLT:
		return boolVal(x < y)
	case OPGTE:
		return boolVal(x >= y)
	case OPLTE:
		return boolVal(x <= y)
	case OPEQ:
		return boolVal(x == y)
	default:
		return boolVal(x != y)
	}
}

func (in *Interpreter) rowStamp(idx int) int64 {
	rows := in.grid.Rows()
	sc := in.grid.StampColumn()
	if idx < 0 || idx >= len(rows) || sc < 0 {
		return person.None
	}
	return rows[idx][sc]
}

func (in *Interpreter) iterNext() bool {
	rows := in.grid.Rows()
	for i := in.cursor + 1; i < len(rows); i++ {
		stamp := in.rowStamp(i)
		if stamp >= in.winLo && stamp < in.winHi {
			in.cursor = i
			return true
		}
		if stamp >= in.winHi {
			break // rows are stamp-ordered
		}
	}
	return false
}

func (in *Interpreter) iterPrev() bool {
	for i := in.cursor - 1; i >= 0; i-- {
		stamp := in.rowStamp(i)
		if stamp >= in.winLo && stamp < in.winHi {
			in.cursor = i
			return true
		}
		if stamp < in.winLo {
			break
		}
	}
	return false
}
