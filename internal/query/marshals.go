package query

import (
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/result"
)

// marshal dispatches one built-in call. args were pushed left to right;
// they are popped here into call order.
func (in *Interpreter) marshal(id Marshal, argc int, line int, pc *int) {
	args := make([]Value, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = in.pop()
	}

	switch id {
	case MarTally:
		in.tally(args)
		in.push(Value{})

	case MarNow:
		in.push(intVal(in.now))
	case MarEventTime:
		in.push(intVal(in.rowStamp(in.cursor)))
	case MarFirstEvent:
		in.push(intVal(in.rowStamp(0)))
	case MarLastEvent:
		in.push(intVal(in.rowStamp(in.grid.RowCount() - 1)))
	case MarPrevMatch:
		in.push(intVal(in.prevMatch))
	case MarFirstMatch:
		in.push(intVal(in.firstMatch))

	case MarBucket:
		if len(args) != 2 {
			in.fail(errs.QueryRuntime, "line %d: bucket takes (value, width)", line)
			return
		}
		if args[0].Kind == VFloat || args[1].Kind == VFloat {
			w := args[1].asFloat()
			if w == 0 {
				in.fail(errs.QueryRuntime, "line %d: bucket width is zero", line)
				return
			}
			in.push(floatVal(math.Floor(args[0].asFloat()/w) * w))
		} else {
			w := args[1].I
			if w == 0 {
				in.fail(errs.QueryRuntime, "line %d: bucket width is zero", line)
				return
			}
			v := args[0].I
			in.push(intVal((v / w) * w))
		}

	case MarRound:
		in.push(intVal(int64(math.Round(args[0].asFloat()))))
	case MarTrunc:
		in.push(intVal(int64(math.Trunc(args[0].asFloat()))))
	case MarFix:
		// fix(value, decimals): fixed-point rounding
		dec := 2
		if len(args) > 1 {
			dec = int(args[1].asInt())
		}
		scale := math.Pow10(dec)
		in.push(floatVal(math.Round(args[0].asFloat()*scale) / scale))

	case MarToSeconds:
		in.push(intVal(args[0].asInt() / 1000))
	case MarToMinutes:
		in.push(intVal(args[0].asInt() / 60000))
	case MarToHours:
		in.push(intVal(args[0].asInt() / 3600000))
	case MarToDays:
		in.push(intVal(args[0].asInt() / 86400000))

	case MarGetSecond, MarRoundSecond, MarGetMinute, MarRoundMinute,
		MarGetHour, MarRoundHour, MarRoundDay, MarGetDayOfWeek,
		MarGetDayOfMonth, MarGetDayOfYear, MarRoundWeek, MarRoundMonth,
		MarGetMonth, MarGetQuarter, MarRoundQuarter, MarGetYear, MarRoundYear:
		in.push(timeMarshal(id, args[0].asInt()))

	case MarIterMoveFirst:
		in.cursor = -1
		in.push(Value{})
	case MarIterMoveLast:
		in.cursor = in.grid.RowCount()
		in.push(Value{})
	case MarIterNext:
		in.push(boolVal(in.iterNext()))
	case MarIterPrev:
		in.push(boolVal(in.iterPrev()))

	case MarIterWithin:
		if len(args) != 2 {
			in.fail(errs.QueryRuntime, "line %d: iter_within takes (span, anchor)", line)
			return
		}
		span := args[0].asInt()
		anchor := in.resolveAnchor(args[1])
		if anchor == person.None {
			// no anchor yet (e.g. prev_match before any match): empty window
			in.winLo, in.winHi = 0, 0
		} else {
			in.winLo = anchor - span
			in.winHi = anchor + span + 1
		}
		in.push(Value{})
	case MarIterBetween:
		if len(args) != 2 {
			in.fail(errs.QueryRuntime, "line %d: iter_between takes (low, high)", line)
			return
		}
		in.winLo = args[0].asInt()
		in.winHi = args[1].asInt()
		in.push(Value{})

	case MarEventCount:
		in.push(intVal(int64(in.grid.RowCount())))

	case MarSessionCount:
		in.push(intVal(in.sessionCount()))

	case MarPopulation:
		bits := in.segmentArg(args[0], line)
		if bits == nil {
			in.push(intVal(0))
			return
		}
		in.captureBits(bits)
		in.push(intVal(bits.Population(in.maxLinID)))
	case MarIntersection, MarUnion, MarDifference:
		a := in.segmentArg(args[0], line)
		b := in.segmentArg(args[1], line)
		if a == nil || b == nil {
			in.push(Value{Kind: VBits, B: index.NewBits()})
			return
		}
		out := a.Clone()
		switch id {
		case MarIntersection:
			out.OpAnd(b)
		case MarUnion:
			out.OpOr(b)
		case MarDifference:
			out.OpAndNot(b)
		}
		in.captureBits(out)
		in.push(Value{Kind: VBits, B: out})
	case MarCompliment:
		a := in.segmentArg(args[0], line)
		if a == nil {
			in.push(Value{Kind: VBits, B: index.NewBits()})
			return
		}
		out := a.Clone()
		out.OpNot(in.maxLinID)
		in.captureBits(out)
		in.push(Value{Kind: VBits, B: out})

	case MarEmit:
		if in.emitCB != nil && len(args) > 0 {
			in.emitCB(args[0].S, in.grid.UUIDString(), in.rowStamp(in.cursor))
		}
		in.push(Value{})
	case MarSchedule:
		if in.scheduleCB != nil && len(args) >= 2 {
			in.scheduleCB(args[0].asInt(), args[1].S, in.grid.LinID())
		}
		in.push(Value{})

	case MarLog, MarDebug:
		fields := log.Fields{}
		for i, a := range args {
			fields[logKey(i)] = renderValue(a)
		}
		log.WithFields(fields).Debug("script log")
		in.push(Value{})

	case MarLen:
		switch args[0].Kind {
		case VStr, VText:
			in.push(intVal(int64(len(args[0].S))))
		case VBits:
			in.push(intVal(args[0].B.Population(in.maxLinID)))
		case VList:
			in.push(intVal(int64(len(args[0].L))))
		case VDict:
			in.push(intVal(int64(len(args[0].D))))
		default:
			in.push(intVal(0))
		}

	case MarList:
		in.push(Value{Kind: VList, L: append([]Value(nil), args...)})
	case MarDict:
		if len(args)%2 != 0 {
			in.fail(errs.QueryRuntime, "line %d: dict takes key/value pairs", line)
			return
		}
		d := make(map[int64]Value, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			d[args[i].identity()] = args[i+1]
		}
		in.push(Value{Kind: VDict, D: d})
	case MarAppend:
		if len(args) < 2 || args[0].Kind != VList {
			in.fail(errs.QueryRuntime, "line %d: append takes (list, value...)", line)
			return
		}
		out := append(append([]Value(nil), args[0].L...), args[1:]...)
		in.push(Value{Kind: VList, L: out})
	case MarContains, MarNotContains:
		if len(args) != 2 {
			in.fail(errs.QueryRuntime, "line %d: contains takes (collection, value)", line)
			return
		}
		found := false
		switch args[0].Kind {
		case VList:
			want := args[1].identity()
			for _, v := range args[0].L {
				if v.identity() == want {
					found = true
					break
				}
			}
		case VDict:
			_, found = args[0].D[args[1].identity()]
		case VStr, VText:
			found = args[1].S != "" && strings.Contains(args[0].S, args[1].S)
		}
		if id == MarNotContains {
			found = !found
		}
		in.push(boolVal(found))
	case MarKeys:
		if args[0].Kind != VDict {
			in.push(Value{Kind: VList})
			return
		}
		keys := make([]Value, 0, len(args[0].D))
		for k := range args[0].D {
			keys = append(keys, intVal(k))
		}
		in.push(Value{Kind: VList, L: keys})
	case MarGet:
		if len(args) != 2 || args[0].Kind != VDict {
			in.push(Value{})
			return
		}
		if v, ok := args[0].D[args[1].identity()]; ok {
			in.push(v)
		} else {
			in.push(Value{})
		}

	case MarReturn:
		if len(in.callStack) == 0 {
			*pc = len(in.Macro.Code)
		} else {
			*pc = in.callStack[len(in.callStack)-1]
			in.callStack = in.callStack[:len(in.callStack)-1]
		}
	case MarExit:
		*pc = len(in.Macro.Code)

	default:
		in.fail(errs.QueryRuntime, "line %d: marshal %d not callable here", line, id)
	}
}

func logKey(i int) string {
	return string(rune('a' + i%26))
}

func renderValue(v Value) any {
	switch v.Kind {
	case VNil:
		return nil
	case VBool:
		return v.I != 0
	case VFloat:
		return v.F
	case VStr, VText:
		if v.S != "" {
			return v.S
		}
		return v.I
	case VBits:
		return "bits"
	default:
		return v.I
	}
}

// tally updates every accumulator column at the key the args address, and
// marks the person in the segment-output bits. Matching rows feed the
// prev_match/first_match anchors.
func (in *Interpreter) tally(keys []Value) {
	key := in.keyBase
	for _, k := range keys {
		var kt result.KeyType
		var kv int64
		switch k.Kind {
		case VStr, VText:
			kt, kv = result.KeyText, k.I
			if k.S != "" {
				in.rs.AddLocalText(k.I, k.S)
			} else if in.grid != nil {
				// text cells carry only the hash; resolve through the blob
				if s, ok := in.grid.Attributes().Blob().Get(k.I); ok {
					in.rs.AddLocalText(k.I, s)
				}
			}
		case VFloat:
			kt, kv = result.KeyDouble, int64(math.Round(k.F*person.DoubleScale))
		case VBool:
			kt, kv = result.KeyBool, k.I
		case VNil:
			kt, kv = result.KeyInt, 0
		default:
			kt, kv = result.KeyInt, k.I
		}
		if !key.Push(kv, kt) {
			in.fail(errs.QueryRuntime, "tally nested deeper than %d keys", result.MaxDepth)
			return
		}
	}

	linID := in.grid.LinID()
	rows := in.grid.Rows()
	for i, agg := range in.Macro.AggCols {
		switch agg.Modifier {
		case result.ModCount:
			in.rs.Tally(key, i, 1, linID)
		case result.ModDistCountPerson:
			in.rs.Tally(key, i, 1, linID)
		default:
			gc := in.aggGrid[i]
			if gc < 0 || in.cursor < 0 || in.cursor >= len(rows) {
				continue
			}
			raw := rows[in.cursor][gc]
			if raw == person.None {
				continue
			}
			in.rs.Tally(key, i, raw, linID)
		}
	}

	if in.bits != nil && linID >= 0 {
		in.bits.Set(linID)
	}

	stamp := in.rowStamp(in.cursor)
	if stamp != person.None {
		if in.firstMatch == person.None {
			in.firstMatch = stamp
		}
		in.prevMatch = stamp
	}
}

func (in *Interpreter) sessionCount() int64 {
	rows := in.grid.Rows()
	sc := in.grid.SessionColumn()
	if sc < 0 {
		return 0
	}
	var count, last int64
	for _, row := range rows {
		if row[sc] != person.None && row[sc] != last {
			count++
			last = row[sc]
		}
	}
	return count
}

func (in *Interpreter) resolveAnchor(v Value) int64 {
	switch v.Kind {
	case VInt:
		switch v.I {
		case AnchorLive:
			return in.now
		case AnchorFirstEvent:
			return in.rowStamp(0)
		case AnchorLastEvent:
			return in.rowStamp(in.grid.RowCount() - 1)
		case AnchorPrevMatch:
			return in.prevMatch
		case AnchorFirstMatch:
			return in.firstMatch
		}
		return v.I
	default:
		return v.asInt()
	}
}

// segmentArg resolves a set-algebra argument: either bits already on the
// stack or a stored segment by name.
func (in *Interpreter) segmentArg(v Value, line int) *index.Bits {
	switch v.Kind {
	case VBits:
		return v.B
	case VStr, VText:
		if in.getSegment == nil {
			in.fail(errs.QueryRuntime, "line %d: no segment context", line)
			return nil
		}
		bits, err := in.getSegment(v.S)
		if err != nil {
			in.fail(errs.QueryRuntime, "line %d: segment %q: %s", line, v.S, err.Error())
			return nil
		}
		return bits
	default:
		in.fail(errs.QueryRuntime, "line %d: expected a segment", line)
		return nil
	}
}

// captureBits records the latest algebra result so segment-math macros
// leave their answer in the interpreter's bitmap slot.
func (in *Interpreter) captureBits(b *index.Bits) {
	if in.Macro.IsSegmentMath {
		in.bits = b
	}
}

// timeMarshal implements the date get/round marshals over ms epochs, UTC.
func timeMarshal(id Marshal, ms int64) Value {
	t := time.UnixMilli(ms).UTC()
	switch id {
	case MarGetSecond:
		return intVal(int64(t.Second()))
	case MarRoundSecond:
		return intVal(ms - ms%1000)
	case MarGetMinute:
		return intVal(int64(t.Minute()))
	case MarRoundMinute:
		return intVal(ms - ms%60000)
	case MarGetHour:
		return intVal(int64(t.Hour()))
	case MarRoundHour:
		return intVal(ms - ms%3600000)
	case MarRoundDay:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return intVal(day.UnixMilli())
	case MarGetDayOfWeek:
		return intVal(int64(t.Weekday()))
	case MarGetDayOfMonth:
		return intVal(int64(t.Day()))
	case MarGetDayOfYear:
		return intVal(int64(t.YearDay()))
	case MarRoundWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		back := (int(day.Weekday()) + 6) % 7 // weeks start Monday
		return intVal(day.AddDate(0, 0, -back).UnixMilli())
	case MarRoundMonth:
		return intVal(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	case MarGetMonth:
		return intVal(int64(t.Month()))
	case MarGetQuarter:
		return intVal(int64((int(t.Month())-1)/3 + 1))
	case MarRoundQuarter:
		qm := time.Month((int(t.Month())-1)/3*3 + 1)
		return intVal(time.Date(t.Year(), qm, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	case MarGetYear:
		return intVal(int64(t.Year()))
	case MarRoundYear:
		return intVal(time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli())
	}
	return Value{}
}
