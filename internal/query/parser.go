package query

import (
	"strconv"
	"strings"

	"github.com/aargor/openset/internal/errs"
)

// The query dialect is a small indented imperative language:
//
//	agg:
//	    people
//	    sum(total) as revenue
//
//	when country == 'us' and product != None:
//	    tally('purchases', product)
//
//	count where country == 'us'
//
//	segment heavy_buyers ttl=60000 refresh=30000:
//	    visits > 5 and country == 'us'
//
//	segment overlap ttl=60000:
//	    intersection(heavy_buyers, recent)
//
// Indentation is significant; either tabs or spaces work as long as a
// block is consistent. '#' starts a comment.

type tokKind int

const (
	tokEOF tokKind = iota
	tokNewline
	tokIndent
	tokDedent
	tokIdent
	tokNumber
	tokString
	tokPunct
)

type token struct {
	kind tokKind
	text string
	line int
}

type lexer struct {
	lines  []string
	tokens []token
}

func lexSource(src string) ([]token, error) {
	lx := &lexer{lines: strings.Split(src, "\n")}
	indents := []string{""}

	for ln, raw := range lx.lines {
		line := raw
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		ws := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		switch {
		case ws == indents[len(indents)-1]:
			// same level
		case strings.HasPrefix(ws, indents[len(indents)-1]):
			indents = append(indents, ws)
			lx.emit(token{tokIndent, "", ln + 1})
		default:
			for len(indents) > 1 && ws != indents[len(indents)-1] {
				indents = indents[:len(indents)-1]
				lx.emit(token{tokDedent, "", ln + 1})
			}
			if ws != indents[len(indents)-1] {
				return nil, errs.New(errs.QueryCompile, "line %d: inconsistent indentation", ln+1)
			}
		}

		if err := lx.lexLine(strings.TrimSpace(line), ln+1); err != nil {
			return nil, err
		}
		lx.emit(token{tokNewline, "", ln + 1})
	}
	for len(indents) > 1 {
		indents = indents[:len(indents)-1]
		lx.emit(token{tokDedent, "", len(lx.lines)})
	}
	lx.emit(token{tokEOF, "", len(lx.lines)})
	return lx.tokens, nil
}

func (lx *lexer) emit(t token) {
	lx.tokens = append(lx.tokens, t)
}

var twoCharOps = map[string]bool{
	"==": true, "!=": true, ">=": true, "<=": true, "<>": true,
}

func (lx *lexer) lexLine(s string, line int) error {
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(s) && s[j] != c {
				j++
			}
			if j >= len(s) {
				return errs.New(errs.QueryCompile, "line %d: unterminated string", line)
			}
			lx.emit(token{tokString, s[i+1 : j], line})
			i = j + 1
		case c >= '0' && c <= '9' || (c == '.' && i+1 < len(s) && s[i+1] >= '0' && s[i+1] <= '9'):
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.' || s[j] == '_') {
				j++
			}
			lx.emit(token{tokNumber, strings.ReplaceAll(s[i:j], "_", ""), line})
			i = j
		case isIdentByte(c):
			j := i
			for j < len(s) && (isIdentByte(s[j]) || s[j] >= '0' && s[j] <= '9') {
				j++
			}
			lx.emit(token{tokIdent, s[i:j], line})
			i = j
		default:
			if i+1 < len(s) && twoCharOps[s[i:i+2]] {
				lx.emit(token{tokPunct, s[i : i+2], line})
				i += 2
				continue
			}
			if strings.IndexByte("=<>!+-*/(),:", c) < 0 {
				return errs.New(errs.QueryCompile, "line %d: unexpected character %q", line, string(c))
			}
			lx.emit(token{tokPunct, string(c), line})
			i++
		}
	}
	return nil
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// AST

type exprKind int

const (
	exInt exprKind = iota
	exFloat
	exStr
	exBool
	exNil
	exName // column, user var, or macro-marshal
	exCall
	exBin // op in lhs/rhs
	exNot
)

type exprNode struct {
	kind exprKind
	op   string
	lhs  *exprNode
	rhs  *exprNode
	name string
	args []*exprNode
	ival int64
	fval float64
	sval string
	line int
}

type stmtKind int

const (
	stAssign stmtKind = iota
	stExpr
	stIf
	stBreak
	stContinue
	stReturn
	stExit
)

type stmtNode struct {
	kind     stmtKind
	name     string
	expr     *exprNode
	body     []*stmtNode
	elifs    []elifArm
	elseBody []*stmtNode
	line     int
}

type elifArm struct {
	cond *exprNode
	body []*stmtNode
}

type aggDecl struct {
	name     string
	modifier string
	column   string
	line     int
}

type whenBlock struct {
	cond *exprNode
	body []*stmtNode
	line int
}

type segDecl struct {
	name      string
	ttl       int64
	refresh   int64
	useCached bool
	expr      *exprNode
	line      int
}

type program struct {
	aggs       []aggDecl
	whens      []whenBlock
	countWhere *exprNode
	segments   []segDecl
	stmts      []*stmtNode
}

// parser

type parser struct {
	toks []token
	pos  int
}

func parseSource(src string) (*program, error) {
	toks, err := lexSource(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	prog := &program{}
	for !p.at(tokEOF) {
		if p.skip(tokNewline) {
			continue
		}
		switch {
		case p.atIdent("agg") || p.atIdent("aggregate"):
			if err := p.parseAgg(prog); err != nil {
				return nil, err
			}
		case p.atIdent("segment"):
			if err := p.parseSegment(prog); err != nil {
				return nil, err
			}
		case p.atIdent("when"):
			if err := p.parseWhen(prog); err != nil {
				return nil, err
			}
		case p.atIdent("for"):
			if err := p.parseFor(prog); err != nil {
				return nil, err
			}
		case p.atIdent("count") && p.peekIdent(1, "where"):
			p.next()
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			prog.countWhere = e
			p.skip(tokNewline)
		default:
			s, err := p.parseStmt()
			if err != nil {
				return nil, err
			}
			prog.stmts = append(prog.stmts, s)
		}
	}
	return prog, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) at(k tokKind) bool { return p.cur().kind == k }

func (p *parser) atIdent(s string) bool {
	return p.cur().kind == tokIdent && p.cur().text == s
}

func (p *parser) peekIdent(n int, s string) bool {
	if p.pos+n >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+n]
	return t.kind == tokIdent && t.text == s
}

func (p *parser) atPunct(s string) bool {
	return p.cur().kind == tokPunct && p.cur().text == s
}

func (p *parser) skip(k tokKind) bool {
	if p.at(k) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectPunct(s string) error {
	if !p.atPunct(s) {
		return errs.New(errs.QueryCompile, "line %d: expected %q, found %q", p.cur().line, s, p.cur().text)
	}
	p.pos++
	return nil
}

func (p *parser) parseAgg(prog *program) error {
	p.next() // agg
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	p.skip(tokNewline)
	if !p.skip(tokIndent) {
		return errs.New(errs.QueryCompile, "line %d: agg block requires an indented body", p.cur().line)
	}
	for !p.at(tokDedent) && !p.at(tokEOF) {
		if p.skip(tokNewline) {
			continue
		}
		t := p.next()
		if t.kind != tokIdent {
			return errs.New(errs.QueryCompile, "line %d: bad aggregator", t.line)
		}
		decl := aggDecl{line: t.line}
		switch {
		case t.text == "people":
			decl.name, decl.modifier = "people", "dist_count_person"
		case t.text == "count":
			decl.name, decl.modifier = "count", "count"
			if p.atIdent("people") {
				p.next()
				decl.name = "people"
			}
		default:
			decl.modifier = t.text
			if err := p.expectPunct("("); err != nil {
				return err
			}
			col := p.next()
			if col.kind != tokIdent {
				return errs.New(errs.QueryCompile, "line %d: aggregator needs a column", col.line)
			}
			decl.column = col.text
			decl.name = col.text
			if err := p.expectPunct(")"); err != nil {
				return err
			}
		}
		if p.atIdent("as") {
			p.next()
			alias := p.next()
			if alias.kind != tokIdent {
				return errs.New(errs.QueryCompile, "line %d: bad alias", alias.line)
			}
			decl.name = alias.text
		}
		prog.aggs = append(prog.aggs, decl)
		p.skip(tokNewline)
	}
	p.skip(tokDedent)
	return nil
}

func (p *parser) parseWhen(prog *program) error {
	t := p.next() // when
	cond, err := p.parseExpr()
	if err != nil {
		return err
	}
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	body, err := p.parseBlock()
	if err != nil {
		return err
	}
	prog.whens = append(prog.whens, whenBlock{cond: cond, body: body, line: t.line})
	return nil
}

// parseFor handles `for <name> in events:`, iteration over every event
// row, lowered to an always-matching when block.
func (p *parser) parseFor(prog *program) error {
	t := p.next() // for
	name := p.next()
	if name.kind != tokIdent {
		return errs.New(errs.QueryCompile, "line %d: for needs a loop variable", name.line)
	}
	if !p.atIdent("in") {
		return errs.New(errs.QueryCompile, "line %d: expected 'in'", p.cur().line)
	}
	p.next()
	if !p.atIdent("events") && !p.atIdent("rows") {
		return errs.New(errs.QueryCompile, "line %d: for iterates 'events'", p.cur().line)
	}
	p.next()
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	body, err := p.parseBlock()
	if err != nil {
		return err
	}
	prog.whens = append(prog.whens, whenBlock{
		cond: &exprNode{kind: exBool, ival: 1, line: t.line},
		body: body,
		line: t.line,
	})
	return nil
}

func (p *parser) parseSegment(prog *program) error {
	p.next() // segment
	name := p.next()
	if name.kind != tokIdent {
		return errs.New(errs.QueryCompile, "line %d: segment needs a name", name.line)
	}
	decl := segDecl{name: name.text, ttl: -1, refresh: -1, line: name.line}
	for p.at(tokIdent) {
		switch p.cur().text {
		case "ttl", "refresh":
			key := p.next().text
			if err := p.expectPunct("="); err != nil {
				return err
			}
			num := p.next()
			if num.kind != tokNumber {
				return errs.New(errs.QueryCompile, "line %d: %s needs a number", num.line, key)
			}
			v, err := strconv.ParseInt(num.text, 10, 64)
			if err != nil {
				return errs.New(errs.QueryCompile, "line %d: bad %s value", num.line, key)
			}
			if key == "ttl" {
				decl.ttl = v
			} else {
				decl.refresh = v
			}
		case "use_cached":
			p.next()
			decl.useCached = true
		default:
			return errs.New(errs.QueryCompile, "line %d: unexpected %q in segment header", p.cur().line, p.cur().text)
		}
	}
	if err := p.expectPunct(":"); err != nil {
		return err
	}
	p.skip(tokNewline)
	if !p.skip(tokIndent) {
		return errs.New(errs.QueryCompile, "line %d: segment requires an indented expression", p.cur().line)
	}
	expr, err := p.parseExpr()
	if err != nil {
		return err
	}
	decl.expr = expr
	p.skip(tokNewline)
	for !p.skip(tokDedent) {
		if p.at(tokEOF) {
			break
		}
		return errs.New(errs.QueryCompile, "line %d: segment body is a single expression", p.cur().line)
	}
	prog.segments = append(prog.segments, decl)
	return nil
}

func (p *parser) parseBlock() ([]*stmtNode, error) {
	p.skip(tokNewline)
	if !p.skip(tokIndent) {
		return nil, errs.New(errs.QueryCompile, "line %d: expected an indented block", p.cur().line)
	}
	var out []*stmtNode
	for !p.at(tokDedent) && !p.at(tokEOF) {
		if p.skip(tokNewline) {
			continue
		}
		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	p.skip(tokDedent)
	return out, nil
}

func (p *parser) parseStmt() (*stmtNode, error) {
	t := p.cur()
	switch {
	case t.kind == tokIdent && t.text == "if":
		return p.parseIf()
	case t.kind == tokIdent && t.text == "break":
		p.next()
		p.skip(tokNewline)
		return &stmtNode{kind: stBreak, line: t.line}, nil
	case t.kind == tokIdent && t.text == "continue":
		p.next()
		p.skip(tokNewline)
		return &stmtNode{kind: stContinue, line: t.line}, nil
	case t.kind == tokIdent && t.text == "return":
		p.next()
		p.skip(tokNewline)
		return &stmtNode{kind: stReturn, line: t.line}, nil
	case t.kind == tokIdent && t.text == "exit":
		p.next()
		p.skip(tokNewline)
		return &stmtNode{kind: stExit, line: t.line}, nil
	case t.kind == tokIdent && p.peekPunct(1, "="):
		name := p.next().text
		p.next() // =
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skip(tokNewline)
		return &stmtNode{kind: stAssign, name: name, expr: e, line: t.line}, nil
	default:
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skip(tokNewline)
		return &stmtNode{kind: stExpr, expr: e, line: t.line}, nil
	}
}

func (p *parser) peekPunct(n int, s string) bool {
	if p.pos+n >= len(p.toks) {
		return false
	}
	t := p.toks[p.pos+n]
	return t.kind == tokPunct && t.text == s
}

func (p *parser) parseIf() (*stmtNode, error) {
	t := p.next() // if
	cond, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	body, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	node := &stmtNode{kind: stIf, expr: cond, body: body, line: t.line}
	for p.atIdent("elif") {
		p.next()
		c, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		b, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		node.elifs = append(node.elifs, elifArm{cond: c, body: b})
	}
	if p.atIdent("else") {
		p.next()
		if err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		b, err := p.parseBlock()
		if err != nil {
			return nil, err
		}
		node.elseBody = b
	}
	return node, nil
}

// expressions, precedence climbing

func (p *parser) parseExpr() (*exprNode, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (*exprNode, error) {
	lhs, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atIdent("or") {
		line := p.next().line
		rhs, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		lhs = &exprNode{kind: exBin, op: "or", lhs: lhs, rhs: rhs, line: line}
	}
	return lhs, nil
}

func (p *parser) parseAnd() (*exprNode, error) {
	lhs, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atIdent("and") {
		line := p.next().line
		rhs, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		lhs = &exprNode{kind: exBin, op: "and", lhs: lhs, rhs: rhs, line: line}
	}
	return lhs, nil
}

func (p *parser) parseNot() (*exprNode, error) {
	if p.atIdent("not") {
		line := p.next().line
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &exprNode{kind: exNot, lhs: inner, line: line}, nil
	}
	return p.parseCompare()
}

var compareOps = map[string]string{
	"==": "==", "=": "==", "!=": "!=", "<>": "!=",
	">": ">", "<": "<", ">=": ">=", "<=": "<=",
}

func (p *parser) parseCompare() (*exprNode, error) {
	lhs, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.cur().kind == tokPunct && compareOps[p.cur().text] != "":
			op = compareOps[p.cur().text]
		case p.atIdent("is"):
			op = "=="
			if p.peekIdent(1, "not") {
				op = "!="
				p.next()
			}
		default:
			return lhs, nil
		}
		line := p.next().line
		rhs, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		lhs = &exprNode{kind: exBin, op: op, lhs: lhs, rhs: rhs, line: line}
	}
}

func (p *parser) parseSum() (*exprNode, error) {
	lhs, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.atPunct("+") || p.atPunct("-") {
		op := p.next()
		rhs, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		lhs = &exprNode{kind: exBin, op: op.text, lhs: lhs, rhs: rhs, line: op.line}
	}
	return lhs, nil
}

func (p *parser) parseTerm() (*exprNode, error) {
	lhs, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for p.atPunct("*") || p.atPunct("/") {
		op := p.next()
		rhs, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		lhs = &exprNode{kind: exBin, op: op.text, lhs: lhs, rhs: rhs, line: op.line}
	}
	return lhs, nil
}

func (p *parser) parseFactor() (*exprNode, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.next()
		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, errs.New(errs.QueryCompile, "line %d: bad number %q", t.line, t.text)
			}
			return &exprNode{kind: exFloat, fval: f, line: t.line}, nil
		}
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, errs.New(errs.QueryCompile, "line %d: bad number %q", t.line, t.text)
		}
		return &exprNode{kind: exInt, ival: v, line: t.line}, nil
	case tokString:
		p.next()
		return &exprNode{kind: exStr, sval: t.text, line: t.line}, nil
	case tokIdent:
		switch t.text {
		case "True", "true":
			p.next()
			return &exprNode{kind: exBool, ival: 1, line: t.line}, nil
		case "False", "false":
			p.next()
			return &exprNode{kind: exBool, ival: 0, line: t.line}, nil
		case "None":
			p.next()
			return &exprNode{kind: exNil, line: t.line}, nil
		}
		p.next()
		if p.atPunct("(") {
			p.next()
			var args []*exprNode
			for !p.atPunct(")") {
				a, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if p.atPunct(",") {
					p.next()
				}
			}
			p.next() // )
			return &exprNode{kind: exCall, name: t.text, args: args, line: t.line}, nil
		}
		return &exprNode{kind: exName, name: t.text, line: t.line}, nil
	case tokPunct:
		if t.text == "(" {
			p.next()
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return e, nil
		}
		if t.text == "-" {
			p.next()
			inner, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			return &exprNode{
				kind: exBin, op: "-", line: t.line,
				lhs: &exprNode{kind: exInt, ival: 0, line: t.line},
				rhs: inner,
			}, nil
		}
	}
	return nil, errs.New(errs.QueryCompile, "line %d: unexpected %q", t.line, t.text)
}
