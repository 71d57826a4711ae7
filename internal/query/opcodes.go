// Package query implements the behavioral query engine: the compiler that
// turns query source into a Macro (bytecode, variable tables, index
// hints, segment metadata), the per-partition index-hint evaluator, and
// the stack interpreter that executes a Macro over a mounted person.
// See doc.go for package documentation.
package query

import (
	"github.com/aargor/openset/internal/result"
)

// OpCode is one VM instruction opcode.
type OpCode int32

const (
	NOP OpCode = iota

	PSHTBLCOL // push current row's cell for column-var Index
	PSHUSRVAR // push user var Index
	PSHLITSTR // push literal pool entry Index (text)
	PSHLITINT // push int64 from Value
	PSHLITFLT // push float64 from Value bits
	PSHLITTRUE
	PSHLITFALSE
	PSHLITNUL

	POPUSRVAR // pop into user var Index

	CNDIF // pop condition; jump to Index when false
	JMP   // unconditional jump to Index

	MATHADD
	MATHSUB
	MATHMUL
	MATHDIV

	OPGT
	OPLT
	OPGTE
	OPLTE
	OPEQ
	OPNEQ
	OPNOT

	LGCAND
	LGCOR

	ITMOVEFIRST // reset the event cursor
	ITNEXT      // advance cursor; push whether a row is current
	ITPREV      // retreat cursor; push whether a row is current

	MARSHAL // call marshal Index with Value args
	CALL    // call script function at Index
	RETURN

	TERM
)

var opNames = map[OpCode]string{
	NOP: "NOP", PSHTBLCOL: "PSHTBLCOL", PSHUSRVAR: "PSHUSRVAR",
	PSHLITSTR: "PSHLITSTR", PSHLITINT: "PSHLITINT", PSHLITFLT: "PSHLITFLT",
	PSHLITTRUE: "PSHLITTRUE", PSHLITFALSE: "PSHLITFALSE", PSHLITNUL: "PSHLITNUL",
	POPUSRVAR: "POPUSRVAR", CNDIF: "CNDIF", JMP: "JMP",
	MATHADD: "MATHADD", MATHSUB: "MATHSUB", MATHMUL: "MATHMUL", MATHDIV: "MATHDIV",
	OPGT: "OPGT", OPLT: "OPLT", OPGTE: "OPGTE", OPLTE: "OPLTE",
	OPEQ: "OPEQ", OPNEQ: "OPNEQ", OPNOT: "OPNOT",
	LGCAND: "LGCAND", LGCOR: "LGCOR",
	ITMOVEFIRST: "ITMOVEFIRST", ITNEXT: "ITNEXT", ITPREV: "ITPREV",
	MARSHAL: "MARSHAL", CALL: "CALL", RETURN: "RETURN", TERM: "TERM",
}

// String returns the debug name of the opcode.
func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "OP?"
}

// Marshal identifies a built-in function callable from the VM.
type Marshal int64

const (
	MarTally Marshal = iota
	MarNow
	MarEventTime
	MarLastEvent
	MarFirstEvent
	MarPrevMatch
	MarFirstMatch
	MarBucket
	MarRound
	MarTrunc
	MarFix
	MarToSeconds
	MarToMinutes
	MarToHours
	MarToDays
	MarGetSecond
	MarRoundSecond
	MarGetMinute
	MarRoundMinute
	MarGetHour
	MarRoundHour
	MarRoundDay
	MarGetDayOfWeek
	MarGetDayOfMonth
	MarGetDayOfYear
	MarRoundWeek
	MarRoundMonth
	MarGetMonth
	MarGetQuarter
	MarRoundQuarter
	MarGetYear
	MarRoundYear
	MarIterMoveFirst
	MarIterMoveLast
	MarIterNext
	MarIterPrev
	MarIterWithin
	MarIterBetween
	MarEventCount
	MarSessionCount
	MarPopulation
	MarIntersection
	MarUnion
	MarCompliment
	MarDifference
	MarReturn
	MarBreak
	MarContinue
	MarLog
	MarDebug
	MarEmit
	MarSchedule
	MarExit
	MarLen
	MarList
	MarDict
	MarAppend
	MarContains
	MarNotContains
	MarKeys
	MarGet
)

// Marshals maps source names to marshal ids.
var Marshals = map[string]Marshal{
	"tally":            MarTally,
	"now":              MarNow,
	"event_time":       MarEventTime,
	"last_event":       MarLastEvent,
	"first_event":      MarFirstEvent,
	"prev_match":       MarPrevMatch,
	"first_match":      MarFirstMatch,
	"bucket":           MarBucket,
	"round":            MarRound,
	"trunc":            MarTrunc,
	"fix":              MarFix,
	"to_seconds":       MarToSeconds,
	"to_minutes":       MarToMinutes,
	"to_hours":         MarToHours,
	"to_days":          MarToDays,
	"get_second":       MarGetSecond,
	"date_second":      MarRoundSecond,
	"get_minute":       MarGetMinute,
	"date_minute":      MarRoundMinute,
	"get_hour":         MarGetHour,
	"date_hour":        MarRoundHour,
	"date_day":         MarRoundDay,
	"get_day_of_week":  MarGetDayOfWeek,
	"get_day_of_month": MarGetDayOfMonth,
	"get_day_of_year":  MarGetDayOfYear,
	"date_week":        MarRoundWeek,
	"date_month":       MarRoundMonth,
	"get_month":        MarGetMonth,
	"get_quarter":      MarGetQuarter,
	"date_quarter":     MarRoundQuarter,
	"get_year":         MarGetYear,
	"date_year":        MarRoundYear,
	"iter_move_first":  MarIterMoveFirst,
	"iter_move_last":   MarIterMoveLast,
	"iter_next":        MarIterNext,
	"iter_prev":        MarIterPrev,
	"iter_within":      MarIterWithin,
	"iter_between":     MarIterBetween,
	"event_count":      MarEventCount,
	"session_count":    MarSessionCount,
	"population":       MarPopulation,
	"intersection":     MarIntersection,
	"union":            MarUnion,
	"compliment":       MarCompliment,
	"difference":       MarDifference,
	"return":           MarReturn,
	"break":            MarBreak,
	"continue":         MarContinue,
	"log":              MarLog,
	"debug":            MarDebug,
	"emit":             MarEmit,
	"schedule":         MarSchedule,
	"exit":             MarExit,
	"len":              MarLen,
	"list":             MarList,
	"dict":             MarDict,
	"append":           MarAppend,
	"contains":         MarContains,
	"not_contains":     MarNotContains,
	"keys":             MarKeys,
	"get":              MarGet,
}

// SegmentMathMarshals are the marshals whose inputs are stored segments;
// a macro built purely from these runs once per partition with no person
// iteration.
var SegmentMathMarshals = map[Marshal]bool{
	MarPopulation:   true,
	MarIntersection: true,
	MarUnion:        true,
	MarCompliment:   true,
	MarDifference:   true,
}

// macroMarshals appear like variables in source (no parens required).
var macroMarshals = map[string]bool{
	"now": true, "event_time": true, "last_event": true,
	"first_event": true, "prev_match": true, "first_match": true,
	"session_count": true, "event_count": true,
}

// HintOp is one step of the serialized prefix-form index-hint program.
type HintOp int

const (
	HintUnsupported HintOp = iota
	HintPushEQ
	HintPushNEQ
	HintPushGT
	HintPushGTE
	HintPushLT
	HintPushLTE
	HintPushPresent
	HintPushNot
	HintAnd
	HintOr
	HintNstAnd
	HintNstOr
)

// Hint is one serialized hint instruction: a predicate a partition can
// satisfy purely with bitmap operations.
type Hint struct {
	Op      HintOp
	Column  int    // schema column id for PUSH ops
	Value   int64  // literal (int, scaled double, text hash)
	Text    string // original text for text literals
	Numeric bool
}

// Instruction is one compiled VM instruction.
type Instruction struct {
	Op    OpCode
	Index int64
	Value int64
	Extra int64
	Line  int // source line for runtime errors
}

// Literal is one literals-pool entry.
type Literal struct {
	Hash int64
	Text string
}

// Variable is one user or column variable slot.
type Variable struct {
	Name      string
	Alias     string
	SchemaCol int // schema column for column vars, -1 otherwise
	GridCol   int // resolved at mount
	Modifier  result.Modifier
}

// Anchor values for iter_within.
const (
	AnchorLive int64 = iota
	AnchorFirstEvent
	AnchorLastEvent
	AnchorPrevMatch
	AnchorFirstMatch
)

// WithinAnchors maps source anchor names.
var WithinAnchors = map[string]int64{
	"live":           AnchorLive,
	"first_event":    AnchorFirstEvent,
	"last_event":     AnchorLastEvent,
	"prev_match":     AnchorPrevMatch,
	"previous_match": AnchorPrevMatch,
	"first_match":    AnchorFirstMatch,
}

// Macro is one compiled query: bytecode, variable tables, the literals
// pool, the index-hint program, and segment metadata.
type Macro struct {
	Code     []Instruction
	Literals []Literal
	UserVars []Variable
	Columns  []Variable // referenced table columns
	AggCols  []Variable // result accumulator columns, in declaration order

	// Hints is the prefix-form bitmap program; HintsExact is true when
	// the hints alone reproduce the filter with no script-side residue.
	Hints      []Hint
	HintsExact bool

	// Countable macros need no person iteration: the candidate bitmap's
	// population is the answer.
	Countable bool

	SegmentName    string
	Segments       []string // stored segments the macro references
	SegmentTTL     int64    // -1 none
	SegmentRefresh int64    // -1 none
	UseCached      bool
	IsSegment      bool
	IsSegmentMath  bool
	UseSessions    bool

	SessionTime int64
	RawScript   string
}

// ReferencedColumns returns the schema column names the macro touches,
// for grid subset mapping.
func (m *Macro) ReferencedColumns() []string {
	out := make([]string, 0, len(m.Columns))
	for _, v := range m.Columns {
		out = append(out, v.Name)
	}
	return out
}
