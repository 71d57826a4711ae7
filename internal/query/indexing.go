package query

import (
	"github.com/aargor/openset/internal/index"
)

// Indexing evaluates a macro's hint program against one partition's
// attribute store, producing the candidate set of linear-ids the
// interpreter must visit. When the program reproduces the filter exactly
// the macro is countable: the candidate population is the answer and no
// person is mounted.
type Indexing struct {
	attrs    *index.Attributes
	maxLinID int32

	bits      *index.Bits
	countable bool
}

// Mount computes the candidate bitmap for a macro on one partition.
func (ix *Indexing) Mount(m *Macro, attrs *index.Attributes, maxLinID int32) error {
	ix.attrs = attrs
	ix.maxLinID = maxLinID
	ix.countable = false

	if len(m.Hints) == 0 {
		// no usable predicate: every person is a candidate
		ix.bits = ix.allBits()
		return nil
	}

	bits, exact, _, err := ix.eval(m.Hints)
	if err != nil {
		return err
	}
	ix.bits = bits
	ix.countable = exact && m.HintsExact
	return nil
}

// Bits returns the candidate bitmap; the second result reports whether
// the bitmap alone answers the query.
func (ix *Indexing) Bits() (*index.Bits, bool) {
	return ix.bits, ix.countable
}

func (ix *Indexing) allBits() *index.Bits {
	b := index.NewBits()
	b.OpNot(ix.maxLinID)
	return b
}

// eval consumes one prefix-form node from hints, returning its bitmap, an
// exactness flag, and the unconsumed tail. Inexact nodes return a
// superset of the true match set so downstream AND/OR stay supersets;
// NOT of an inexact child degrades to the full domain.
func (ix *Indexing) eval(hints []Hint) (*index.Bits, bool, []Hint, error) {
	h := hints[0]
	rest := hints[1:]

	switch h.Op {
	case HintAnd, HintNstAnd, HintOr, HintNstOr:
		l, lex, rest, err := ix.eval(rest)
		if err != nil {
			return nil, false, nil, err
		}
		r, rex, rest, err := ix.eval(rest)
		if err != nil {
			return nil, false, nil, err
		}
		if h.Op == HintAnd || h.Op == HintNstAnd {
			l.OpAnd(r)
		} else {
			l.OpOr(r)
		}
		return l, lex && rex, rest, nil

	case HintPushNot:
		inner, exact, rest, err := ix.eval(rest)
		if err != nil {
			return nil, false, nil, err
		}
		if !exact {
			return ix.allBits(), false, rest, nil
		}
		inner.OpNot(ix.maxLinID)
		return inner, true, rest, nil

	case HintPushEQ:
		return ix.attrBits(h.Column, h.Value), true, rest, nil

	case HintPushNEQ:
		b := ix.attrBits(h.Column, h.Value)
		b.OpNot(ix.maxLinID)
		return b, true, rest, nil

	case HintPushGT, HintPushGTE, HintPushLT, HintPushLTE:
		b := index.NewBits()
		for _, at := range ix.attrs.ColumnValues(h.Column) {
			if !cmpSatisfies(h.Op, at.Val, h.Value) {
				continue
			}
			if vb, err := ix.attrs.GetBits(at); err == nil {
				b.OpOr(vb)
			}
		}
		return b, true, rest, nil

	case HintPushPresent:
		b := index.NewBits()
		for _, at := range ix.attrs.ColumnValues(h.Column) {
			if vb, err := ix.attrs.GetBits(at); err == nil {
				b.OpOr(vb)
			}
		}
		return b, true, rest, nil

	default: // HintUnsupported, HintPushNop
		return ix.allBits(), false, rest, nil
	}
}

func cmpSatisfies(op HintOp, val, bound int64) bool {
	switch op {
	case HintPushGT:
		return val > bound
	case HintPushGTE:
		return val >= bound
	case HintPushLT:
		return val < bound
	case HintPushLTE:
		return val <= bound
	}
	return false
}

func (ix *Indexing) attrBits(col int, val int64) *index.Bits {
	at := ix.attrs.Get(col, val)
	if at == nil {
		return index.NewBits()
	}
	b, err := ix.attrs.GetBits(at)
	if err != nil {
		return index.NewBits()
	}
	return b
}
