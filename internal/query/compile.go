package query

import (
	"math"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
)

// NamedMacro pairs a macro with the result branch it feeds; segment
// requests compile to one NamedMacro per declared segment.
type NamedMacro struct {
	Name  string
	Macro *Macro
}

// Params are named query parameters substituted as literals at compile
// time.
type Params map[string]any

// Compile turns query source into macros. A source with segment
// declarations yields one NamedMacro per segment; otherwise a single
// macro named "_" carrying the aggregate/when/count program.
func Compile(src string, tbl *table.Table, params Params) ([]NamedMacro, error) {
	prog, err := parseSource(src)
	if err != nil {
		return nil, err
	}

	if len(prog.segments) > 0 {
		if len(prog.whens) > 0 || prog.countWhere != nil || len(prog.stmts) > 0 {
			return nil, errs.New(errs.QueryCompile, "segment scripts cannot mix with query statements")
		}
		out := make([]NamedMacro, 0, len(prog.segments))
		for _, seg := range prog.segments {
			m, err := compileSegment(seg, tbl, params)
			if err != nil {
				return nil, err
			}
			m.RawScript = src
			out = append(out, NamedMacro{Name: seg.name, Macro: m})
		}
		return out, nil
	}

	m, err := compileQuery(prog, tbl, params)
	if err != nil {
		return nil, err
	}
	m.RawScript = src
	return []NamedMacro{{Name: "_", Macro: m}}, nil
}

// emitter carries compile state for one macro.
type emitter struct {
	tbl    *table.Table
	params Params
	m      *Macro

	colIdx map[string]int
	varIdx map[string]int
	litIdx map[string]int

	// patch targets for break/continue inside the row loop
	loopStart []int
	breaks    [][]int
}

func newEmitter(tbl *table.Table, params Params) *emitter {
	return &emitter{
		tbl:    tbl,
		params: params,
		m: &Macro{
			SegmentTTL:     -1,
			SegmentRefresh: -1,
			SessionTime:    tbl.SessionTime(),
		},
		colIdx: make(map[string]int),
		varIdx: make(map[string]int),
		litIdx: make(map[string]int),
	}
}

func compileQuery(prog *program, tbl *table.Table, params Params) (*Macro, error) {
	em := newEmitter(tbl, params)

	if err := em.buildAggCols(prog.aggs); err != nil {
		return nil, err
	}

	for _, s := range prog.stmts {
		if err := em.emitStmt(s); err != nil {
			return nil, err
		}
	}

	countOnly := true
	for _, col := range em.m.AggCols {
		if col.Modifier != result.ModCount && col.Modifier != result.ModDistCountPerson {
			countOnly = false
		}
	}

	if prog.countWhere != nil {
		em.buildHintsFor(prog.countWhere)
		if err := em.emitRowLoop(prog.countWhere, func() error {
			em.emit(Instruction{Op: MARSHAL, Index: int64(MarTally), Value: 0})
			em.emit(Instruction{Op: RETURN})
			return nil
		}); err != nil {
			return nil, err
		}
		em.m.Countable = em.m.HintsExact &&
			len(prog.whens) == 0 && len(prog.stmts) == 0 && countOnly
	}

	for i, w := range prog.whens {
		if prog.countWhere == nil && i == 0 {
			em.buildWhenHints(prog.whens)
		}
		w := w
		if err := em.emitRowLoop(w.cond, func() error {
			for _, s := range w.body {
				if err := em.emitStmt(s); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	em.emit(Instruction{Op: TERM})
	return em.m, nil
}

func compileSegment(seg segDecl, tbl *table.Table, params Params) (*Macro, error) {
	em := newEmitter(tbl, params)
	m := em.m
	m.IsSegment = true
	m.SegmentName = seg.name
	m.SegmentTTL = seg.ttl
	m.SegmentRefresh = seg.refresh
	m.UseCached = seg.useCached || seg.ttl >= 0
	m.AggCols = []Variable{{Name: "count", Alias: "count", SchemaCol: -1, GridCol: -1, Modifier: result.ModCount}}

	if isSegmentMath(seg.expr) {
		m.IsSegmentMath = true
		collectSegmentRefs(seg.expr, &m.Segments)
		if err := em.emitExpr(seg.expr); err != nil {
			return nil, err
		}
		em.emit(Instruction{Op: TERM})
		return m, nil
	}

	em.buildHintsFor(seg.expr)
	if err := em.emitRowLoop(seg.expr, func() error {
		em.emit(Instruction{Op: MARSHAL, Index: int64(MarTally), Value: 0})
		em.emit(Instruction{Op: RETURN})
		return nil
	}); err != nil {
		return nil, err
	}
	em.emit(Instruction{Op: TERM})
	m.Countable = m.HintsExact
	return m, nil
}

// isSegmentMath reports whether the expression is built purely from
// segment-math marshals over segment names.
func isSegmentMath(e *exprNode) bool {
	switch e.kind {
	case exCall:
		id, ok := Marshals[e.name]
		if !ok || !SegmentMathMarshals[id] {
			return false
		}
		for _, a := range e.args {
			if !isSegmentMath(a) {
				return false
			}
		}
		return true
	case exName, exStr:
		return true
	case exBin:
		// arithmetic over populations stays segment math
		if e.op == "+" || e.op == "-" || e.op == "*" || e.op == "/" {
			return isSegmentMath(e.lhs) && isSegmentMath(e.rhs)
		}
		return false
	case exInt, exFloat:
		return true
	default:
		return false
	}
}

func collectSegmentRefs(e *exprNode, out *[]string) {
	switch e.kind {
	case exName:
		*out = append(*out, e.name)
	case exStr:
		*out = append(*out, e.sval)
	case exCall:
		for _, a := range e.args {
			collectSegmentRefs(a, out)
		}
	case exBin:
		collectSegmentRefs(e.lhs, out)
		collectSegmentRefs(e.rhs, out)
	}
}

func (em *emitter) buildAggCols(aggs []aggDecl) error {
	if len(aggs) == 0 {
		// default: count of matching persons
		em.m.AggCols = []Variable{{Name: "count", Alias: "count", SchemaCol: -1, GridCol: -1, Modifier: result.ModCount}}
		return nil
	}
	for _, a := range aggs {
		mod, ok := result.ParseModifier(a.modifier)
		if !ok {
			return errs.New(errs.QueryCompile, "line %d: unknown aggregator %q", a.line, a.modifier)
		}
		v := Variable{Name: a.name, Alias: a.name, SchemaCol: -1, GridCol: -1, Modifier: mod}
		if a.column != "" {
			col, ok := em.tbl.GetColumn(a.column)
			if !ok {
				return errs.New(errs.QueryCompile, "line %d: unknown column %q", a.line, a.column)
			}
			v.SchemaCol = col.ID
			em.registerColumn(a.column)
		}
		em.m.AggCols = append(em.m.AggCols, v)
	}
	return nil
}

func (em *emitter) emit(ins Instruction) int {
	em.m.Code = append(em.m.Code, ins)
	return len(em.m.Code) - 1
}

func (em *emitter) here() int64 {
	return int64(len(em.m.Code))
}

// emitRowLoop compiles the canonical per-person scan:
//
//	ITMOVEFIRST
//	start: ITNEXT; CNDIF end
//	<cond>; CNDIF start
//	<body>
//	JMP start
//	end:
func (em *emitter) emitRowLoop(cond *exprNode, body func() error) error {
	em.emit(Instruction{Op: ITMOVEFIRST})
	start := em.here()
	em.emit(Instruction{Op: ITNEXT})
	exitJump := em.emit(Instruction{Op: CNDIF})

	if err := em.emitExpr(cond); err != nil {
		return err
	}
	skip := em.emit(Instruction{Op: CNDIF})
	em.m.Code[skip].Index = start

	em.loopStart = append(em.loopStart, int(start))
	em.breaks = append(em.breaks, nil)
	if err := body(); err != nil {
		return err
	}
	em.emit(Instruction{Op: JMP, Index: start})
	end := em.here()
	em.m.Code[exitJump].Index = end
	for _, b := range em.breaks[len(em.breaks)-1] {
		em.m.Code[b].Index = end
	}
	em.loopStart = em.loopStart[:len(em.loopStart)-1]
	em.breaks = em.breaks[:len(em.breaks)-1]
	return nil
}

func (em *emitter) emitStmt(s *stmtNode) error {
	switch s.kind {
	case stAssign:
		if err := em.emitExpr(s.expr); err != nil {
			return err
		}
		em.emit(Instruction{Op: POPUSRVAR, Index: int64(em.userVar(s.name)), Line: s.line})
	case stExpr:
		if err := em.emitExpr(s.expr); err != nil {
			return err
		}
		// discard the statement value
		em.emit(Instruction{Op: POPUSRVAR, Index: -1, Line: s.line})
	case stIf:
		return em.emitIf(s)
	case stBreak:
		if len(em.breaks) == 0 {
			return errs.New(errs.QueryCompile, "line %d: break outside a loop", s.line)
		}
		j := em.emit(Instruction{Op: JMP, Line: s.line})
		em.breaks[len(em.breaks)-1] = append(em.breaks[len(em.breaks)-1], j)
	case stContinue:
		if len(em.loopStart) == 0 {
			return errs.New(errs.QueryCompile, "line %d: continue outside a loop", s.line)
		}
		em.emit(Instruction{Op: JMP, Index: int64(em.loopStart[len(em.loopStart)-1]), Line: s.line})
	case stReturn:
		em.emit(Instruction{Op: RETURN, Line: s.line})
	case stExit:
		em.emit(Instruction{Op: TERM, Line: s.line})
	}
	return nil
}

func (em *emitter) emitIf(s *stmtNode) error {
	var endJumps []int

	emitArm := func(cond *exprNode, body []*stmtNode) error {
		var condJump int
		if cond != nil {
			if err := em.emitExpr(cond); err != nil {
				return err
			}
			condJump = em.emit(Instruction{Op: CNDIF, Line: s.line})
		}
		for _, b := range body {
			if err := em.emitStmt(b); err != nil {
				return err
			}
		}
		endJumps = append(endJumps, em.emit(Instruction{Op: JMP}))
		if cond != nil {
			em.m.Code[condJump].Index = em.here()
		}
		return nil
	}

	if err := emitArm(s.expr, s.body); err != nil {
		return err
	}
	for _, arm := range s.elifs {
		if err := emitArm(arm.cond, arm.body); err != nil {
			return err
		}
	}
	if s.elseBody != nil {
		if err := emitArm(nil, s.elseBody); err != nil {
			return err
		}
	}
	end := em.here()
	for _, j := range endJumps {
		em.m.Code[j].Index = end
	}
	return nil
}

func (em *emitter) emitExpr(e *exprNode) error {
	switch e.kind {
	case exInt:
		em.emit(Instruction{Op: PSHLITINT, Value: e.ival, Line: e.line})
	case exFloat:
		em.emit(Instruction{Op: PSHLITFLT, Value: int64(math.Float64bits(e.fval)), Line: e.line})
	case exStr:
		em.emit(Instruction{Op: PSHLITSTR, Index: int64(em.literal(e.sval)), Line: e.line})
	case exBool:
		if e.ival != 0 {
			em.emit(Instruction{Op: PSHLITTRUE, Line: e.line})
		} else {
			em.emit(Instruction{Op: PSHLITFALSE, Line: e.line})
		}
	case exNil:
		em.emit(Instruction{Op: PSHLITNUL, Line: e.line})
	case exName:
		return em.emitName(e)
	case exCall:
		return em.emitCall(e)
	case exNot:
		if err := em.emitExpr(e.lhs); err != nil {
			return err
		}
		em.emit(Instruction{Op: OPNOT, Line: e.line})
	case exBin:
		if err := em.emitExpr(e.lhs); err != nil {
			return err
		}
		if err := em.emitExpr(e.rhs); err != nil {
			return err
		}
		op, ok := binOps[e.op]
		if !ok {
			return errs.New(errs.QueryCompile, "line %d: unsupported operator %q", e.line, e.op)
		}
		em.emit(Instruction{Op: op, Line: e.line})
	}
	return nil
}

var binOps = map[string]OpCode{
	"+": MATHADD, "-": MATHSUB, "*": MATHMUL, "/": MATHDIV,
	">": OPGT, "<": OPLT, ">=": OPGTE, "<=": OPLTE,
	"==": OPEQ, "!=": OPNEQ,
	"and": LGCAND, "or": LGCOR,
}

func (em *emitter) emitName(e *exprNode) error {
	// named parameter substitution
	if em.params != nil {
		if v, ok := em.params[e.name]; ok {
			return em.emitParam(e, v)
		}
	}
	if macroMarshals[e.name] {
		em.emit(Instruction{Op: MARSHAL, Index: int64(Marshals[e.name]), Value: 0, Line: e.line})
		return nil
	}
	if _, ok := em.tbl.GetColumn(e.name); ok {
		em.emit(Instruction{Op: PSHTBLCOL, Index: int64(em.registerColumn(e.name)), Line: e.line})
		return nil
	}
	if idx, ok := em.varIdx[e.name]; ok {
		em.emit(Instruction{Op: PSHUSRVAR, Index: int64(idx), Line: e.line})
		return nil
	}
	// "stamp" and "action" name the reserved columns, as they do on insert
	reserved := ""
	switch e.name {
	case "stamp":
		reserved = table.NameStamp
	case "action":
		reserved = table.NameAction
	}
	if _, ok := em.tbl.GetColumn(reserved); ok && reserved != "" {
		em.emit(Instruction{Op: PSHTBLCOL, Index: int64(em.registerColumn(reserved)), Line: e.line})
		return nil
	}
	if em.m.IsSegmentMath {
		em.emit(Instruction{Op: PSHLITSTR, Index: int64(em.literal(e.name)), Line: e.line})
		return nil
	}
	return errs.New(errs.QueryCompile, "line %d: unknown identifier %q", e.line, e.name)
}

func (em *emitter) emitParam(e *exprNode, v any) error {
	switch pv := v.(type) {
	case string:
		em.emit(Instruction{Op: PSHLITSTR, Index: int64(em.literal(pv)), Line: e.line})
	case float64:
		if pv == math.Trunc(pv) {
			em.emit(Instruction{Op: PSHLITINT, Value: int64(pv), Line: e.line})
		} else {
			em.emit(Instruction{Op: PSHLITFLT, Value: int64(math.Float64bits(pv)), Line: e.line})
		}
	case int:
		em.emit(Instruction{Op: PSHLITINT, Value: int64(pv), Line: e.line})
	case int64:
		em.emit(Instruction{Op: PSHLITINT, Value: pv, Line: e.line})
	case bool:
		if pv {
			em.emit(Instruction{Op: PSHLITTRUE, Line: e.line})
		} else {
			em.emit(Instruction{Op: PSHLITFALSE, Line: e.line})
		}
	case nil:
		em.emit(Instruction{Op: PSHLITNUL, Line: e.line})
	default:
		return errs.New(errs.QueryCompile, "line %d: parameter %q has unsupported type", e.line, e.name)
	}
	return nil
}

func (em *emitter) emitCall(e *exprNode) error {
	id, ok := Marshals[e.name]
	if !ok {
		return errs.New(errs.QueryCompile, "line %d: unknown function %q", e.line, e.name)
	}

	if id == MarSessionCount {
		em.m.UseSessions = true
	}
	if SegmentMathMarshals[id] && !em.m.IsSegmentMath {
		// arguments that are bare names reference stored segments (a
		// segment-math macro already collected them in compileSegment)
		for _, a := range e.args {
			if a.kind == exName {
				em.m.Segments = append(em.m.Segments, a.name)
			} else if a.kind == exStr {
				em.m.Segments = append(em.m.Segments, a.sval)
			}
		}
	}

	for _, a := range e.args {
		// iter_within anchors read as bare identifiers
		if id == MarIterWithin && a.kind == exName {
			if anchor, ok := WithinAnchors[a.name]; ok {
				em.emit(Instruction{Op: PSHLITINT, Value: anchor, Line: a.line})
				continue
			}
		}
		if SegmentMathMarshals[id] && a.kind == exName {
			em.emit(Instruction{Op: PSHLITSTR, Index: int64(em.literal(a.name)), Line: a.line})
			continue
		}
		if err := em.emitExpr(a); err != nil {
			return err
		}
	}
	em.emit(Instruction{Op: MARSHAL, Index: int64(id), Value: int64(len(e.args)), Line: e.line})
	return nil
}

func (em *emitter) registerColumn(name string) int {
	if idx, ok := em.colIdx[name]; ok {
		return idx
	}
	col, _ := em.tbl.GetColumn(name)
	idx := len(em.m.Columns)
	em.m.Columns = append(em.m.Columns, Variable{
		Name: name, Alias: name, SchemaCol: col.ID, GridCol: -1,
	})
	em.colIdx[name] = idx
	return idx
}

func (em *emitter) userVar(name string) int {
	if idx, ok := em.varIdx[name]; ok {
		return idx
	}
	idx := len(em.m.UserVars)
	em.m.UserVars = append(em.m.UserVars, Variable{Name: name, Alias: name, SchemaCol: -1, GridCol: -1})
	em.varIdx[name] = idx
	return idx
}

func (em *emitter) literal(s string) int {
	if idx, ok := em.litIdx[s]; ok {
		return idx
	}
	idx := len(em.m.Literals)
	em.m.Literals = append(em.m.Literals, Literal{Hash: table.MakeHash(s), Text: s})
	em.litIdx[s] = idx
	return idx
}

// index hints

// buildHintsFor serializes the prefix-form hint program for a filter
// expression and records whether it reproduces the filter exactly.
func (em *emitter) buildHintsFor(e *exprNode) {
	hints, exact := em.hintExpr(e)
	em.m.Hints = hints
	em.m.HintsExact = exact
}

// buildWhenHints folds multiple when-filters into an OR: a person is a
// candidate when any block could match. The combined program is never
// exact because when bodies are script-side.
func (em *emitter) buildWhenHints(whens []whenBlock) {
	if len(whens) == 0 {
		return
	}
	hints, _ := em.hintExpr(whens[0].cond)
	for _, w := range whens[1:] {
		h, _ := em.hintExpr(w.cond)
		combined := make([]Hint, 0, len(hints)+len(h)+1)
		combined = append(combined, Hint{Op: HintOr})
		combined = append(combined, hints...)
		combined = append(combined, h...)
		hints = combined
	}
	em.m.Hints = hints
	em.m.HintsExact = false
}

var cmpHints = map[string]HintOp{
	"==": HintPushEQ, "!=": HintPushNEQ,
	">": HintPushGT, ">=": HintPushGTE,
	"<": HintPushLT, "<=": HintPushLTE,
}

func (em *emitter) hintExpr(e *exprNode) ([]Hint, bool) {
	switch e.kind {
	case exBin:
		switch e.op {
		case "and", "or":
			l, lex := em.hintExpr(e.lhs)
			r, rex := em.hintExpr(e.rhs)
			op := HintAnd
			if e.op == "or" {
				op = HintOr
			}
			out := make([]Hint, 0, len(l)+len(r)+1)
			out = append(out, Hint{Op: op})
			out = append(out, l...)
			out = append(out, r...)
			return out, lex && rex
		default:
			if h, ok := em.hintCompare(e); ok {
				return []Hint{h}, true
			}
			// col == None / col != None fold to presence checks
			if hs, ok := em.hintNonePresence(e); ok {
				return hs, true
			}
		}
	case exNot:
		inner, exact := em.hintExpr(e.lhs)
		out := make([]Hint, 0, len(inner)+1)
		out = append(out, Hint{Op: HintPushNot})
		out = append(out, inner...)
		return out, exact
	}
	return []Hint{{Op: HintUnsupported}}, false
}

func (em *emitter) hintCompare(e *exprNode) (Hint, bool) {
	op, ok := cmpHints[e.op]
	if !ok {
		return Hint{}, false
	}
	colNode, litNode := e.lhs, e.rhs
	flipped := false
	if colNode.kind != exName {
		colNode, litNode = litNode, colNode
		flipped = true
	}
	if colNode.kind != exName {
		return Hint{}, false
	}
	col, found := em.tbl.GetColumn(colNode.name)
	if !found {
		return Hint{}, false
	}
	// timestamps and session ids carry no value bitmaps
	if col.ID == table.ColStamp || col.ID == table.ColSession {
		return Hint{}, false
	}
	if flipped {
		switch op {
		case HintPushGT:
			op = HintPushLT
		case HintPushGTE:
			op = HintPushLTE
		case HintPushLT:
			op = HintPushGT
		case HintPushLTE:
			op = HintPushGTE
		}
	}

	h := Hint{Op: op, Column: col.ID, Numeric: true}
	switch litNode.kind {
	case exInt:
		if col.Type == table.TypeDouble {
			h.Value = litNode.ival * int64(person.DoubleScale)
		} else {
			h.Value = litNode.ival
		}
	case exFloat:
		h.Value = int64(math.Round(litNode.fval * person.DoubleScale))
	case exStr:
		h.Value = table.MakeHash(litNode.sval)
		h.Text = litNode.sval
		h.Numeric = false
	case exBool:
		h.Value = litNode.ival
	default:
		return Hint{}, false
	}
	return h, true
}

func (em *emitter) hintNonePresence(e *exprNode) ([]Hint, bool) {
	if e.op != "==" && e.op != "!=" {
		return nil, false
	}
	colNode, nilNode := e.lhs, e.rhs
	if colNode.kind != exName {
		colNode, nilNode = nilNode, colNode
	}
	if colNode.kind != exName || nilNode.kind != exNil {
		return nil, false
	}
	col, found := em.tbl.GetColumn(colNode.name)
	if !found {
		return nil, false
	}
	if col.ID == table.ColStamp || col.ID == table.ColSession {
		return nil, false
	}
	present := Hint{Op: HintPushPresent, Column: col.ID}
	if e.op == "==" {
		return []Hint{{Op: HintPushNot}, present}, true
	}
	return []Hint{present}, true
}
