package query

import (
	"testing"

	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/result"
	"github.com/aargor/openset/internal/table"
)

// fixture builds a table, attributes, and n committed persons. Persons
// with ordinal < usCount live in "us", the rest in "ca"; each has
// visits = ordinal % 10 and a purchase action on every third person.
type fixture struct {
	tbl     *table.Table
	attrs   *index.Attributes
	records []person.Record
}

func buildFixture(t *testing.T, n, usCount int) *fixture {
	t.Helper()
	tbl := table.New("events")
	mustAdd := func(name string, typ table.ColumnType) {
		if _, err := tbl.AddColumn(name, typ); err != nil {
			t.Fatalf("AddColumn(%s): %v", name, err)
		}
	}
	mustAdd("country", table.TypeText)
	mustAdd("visits", table.TypeInt)
	mustAdd("total", table.TypeDouble)

	attrs := index.NewAttributes()
	f := &fixture{tbl: tbl, attrs: attrs}

	g := person.NewGrid()
	if err := g.MapSchema(tbl, attrs); err != nil {
		t.Fatalf("MapSchema: %v", err)
	}

	for lin := 0; lin < n; lin++ {
		g.Reinit()
		idStr := "user-" + string(rune('a'+lin%26)) + string(rune('0'+lin/26))
		g.SetIdentity(table.MakeHash(idStr), idStr, int32(lin))

		country := "ca"
		if lin < usCount {
			country = "us"
		}
		rows := []map[string]any{
			{"stamp": float64(1000 + lin), "action": "visit", "country": country, "visits": float64(lin % 10)},
		}
		if lin%3 == 0 {
			rows = append(rows, map[string]any{
				"stamp": float64(2000 + lin), "action": "buy", "country": country, "total": 10.0,
			})
		}
		for _, r := range rows {
			if err := g.Insert(r); err != nil {
				t.Fatalf("Insert: %v", err)
			}
		}
		rec, err := g.Commit()
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		f.records = append(f.records, rec)
	}
	return f
}

// TestCompile tests macro shapes the compiler must produce.
func TestCompile(t *testing.T) {
	tbl := table.New("events")
	if _, err := tbl.AddColumn("country", table.TypeText); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.AddColumn("visits", table.TypeInt); err != nil {
		t.Fatal(err)
	}

	t.Run("count where an equality is countable", func(t *testing.T) {
		macros, err := Compile(`count where country == 'us'`, tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		m := macros[0].Macro
		if !m.HintsExact {
			t.Error("hints should be exact")
		}
		if !m.Countable {
			t.Error("macro should be countable")
		}
		if len(m.Hints) != 1 || m.Hints[0].Op != HintPushEQ {
			t.Errorf("hints = %+v", m.Hints)
		}
		if m.Hints[0].Value != table.MakeHash("us") {
			t.Error("text literal not hashed")
		}
	})

	t.Run("logical forms serialize prefix first", func(t *testing.T) {
		macros, err := Compile(`count where country == 'us' and visits > 5`, tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		m := macros[0].Macro
		if !m.Countable {
			t.Error("and of two indexable predicates should stay countable")
		}
		if m.Hints[0].Op != HintAnd {
			t.Errorf("hints = %+v", m.Hints)
		}
	})

	t.Run("arithmetic filters are not countable", func(t *testing.T) {
		macros, err := Compile(`count where visits * 2 > 10`, tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if macros[0].Macro.Countable {
			t.Error("script-side math cannot be countable")
		}
	})

	t.Run("segment declarations compile one macro each", func(t *testing.T) {
		src := "segment us_heavy ttl=60000 refresh=30000:\n" +
			"    country == 'us' and visits > 5\n" +
			"segment math_seg ttl=60000:\n" +
			"    intersection(us_heavy, other)\n"
		macros, err := Compile(src, tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		if len(macros) != 2 {
			t.Fatalf("macros = %d", len(macros))
		}
		first := macros[0].Macro
		if !first.IsSegment || first.SegmentTTL != 60000 || first.SegmentRefresh != 30000 {
			t.Errorf("segment meta = %+v", first)
		}
		if first.IsSegmentMath {
			t.Error("predicate segment misdetected as math")
		}
		second := macros[1].Macro
		if !second.IsSegmentMath {
			t.Error("algebra over segments should be segment math")
		}
		if len(second.Segments) != 2 {
			t.Errorf("referenced segments = %v", second.Segments)
		}
	})

	t.Run("unknown identifier fails compile", func(t *testing.T) {
		if _, err := Compile(`count where nonsuch == 1`, tbl, nil); err == nil {
			t.Fatal("expected compile error")
		}
	})

	t.Run("named parameters substitute as literals", func(t *testing.T) {
		macros, err := Compile(`count where country == target`, tbl, Params{"target": "us"})
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		// parameters reach the body but not the hint builder, so the
		// macro iterates rather than counts
		if macros[0].Macro.Countable {
			t.Error("parameterized filter should not be countable")
		}
	})
}

// TestIndexing tests hint evaluation against a partition's attributes.
func TestIndexing(t *testing.T) {
	f := buildFixture(t, 100, 10)

	t.Run("equality index finds exactly the matching persons", func(t *testing.T) {
		macros, err := Compile(`count where country == 'us'`, f.tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		var ix Indexing
		if err := ix.Mount(macros[0].Macro, f.attrs, 100); err != nil {
			t.Fatalf("Mount: %v", err)
		}
		bits, countable := ix.Bits()
		if !countable {
			t.Error("index should answer alone")
		}
		if pop := bits.Population(100); pop != 10 {
			t.Errorf("population = %d, want 10", pop)
		}
	})

	t.Run("range hints fold value bitmaps", func(t *testing.T) {
		macros, err := Compile(`count where visits >= 8`, f.tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		var ix Indexing
		if err := ix.Mount(macros[0].Macro, f.attrs, 100); err != nil {
			t.Fatalf("Mount: %v", err)
		}
		bits, countable := ix.Bits()
		if !countable {
			t.Error("range over value bitmaps is exact")
		}
		// visits == lin%10, so 8 and 9 match: 20 persons
		if pop := bits.Population(100); pop != 20 {
			t.Errorf("population = %d, want 20", pop)
		}
	})

	t.Run("unsupported predicates degrade to a candidate superset", func(t *testing.T) {
		macros, err := Compile(`count where visits * 2 > 10`, f.tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		var ix Indexing
		if err := ix.Mount(macros[0].Macro, f.attrs, 100); err != nil {
			t.Fatalf("Mount: %v", err)
		}
		bits, countable := ix.Bits()
		if countable {
			t.Error("superset cannot be countable")
		}
		if pop := bits.Population(100); pop != 100 {
			t.Errorf("superset population = %d, want full domain", pop)
		}
	})
}

// TestInterpreter tests macro execution over mounted persons.
func TestInterpreter(t *testing.T) {
	f := buildFixture(t, 30, 12)

	run := func(t *testing.T, src string) (*result.ResultSet, *index.Bits) {
		t.Helper()
		macros, err := Compile(src, f.tbl, nil)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		m := macros[0].Macro

		rs := result.NewResultSet()
		interp := NewInterpreter(m, rs)
		bits := index.NewBits()
		interp.SetBits(bits, 30)
		interp.SetNow(10_000)

		g := person.NewGrid()
		if err := g.MapSchemaSubset(f.tbl, f.attrs, m.ReferencedColumns()); err != nil {
			t.Fatalf("MapSchemaSubset: %v", err)
		}
		for _, rec := range f.records {
			if err := g.Mount(rec); err != nil {
				t.Fatalf("Mount: %v", err)
			}
			interp.Mount(g)
			interp.Exec()
			if interp.Error != nil {
				t.Fatalf("exec error: %v", interp.Error)
			}
		}
		return rs, bits
	}

	t.Run("count where matches persons and sets bits", func(t *testing.T) {
		_, bits := run(t, `count where country == 'us'`)
		if pop := bits.Population(30); pop != 12 {
			t.Errorf("bits population = %d, want 12", pop)
		}
	})

	t.Run("script-side arithmetic filter", func(t *testing.T) {
		// visits = lin%10 over 30 persons; visits*2 > 10 means visits >= 6,
		// which matches 4 of every 10 persons
		_, bits := run(t, `count where visits * 2 > 10`)
		if pop := bits.Population(30); pop != 12 {
			t.Errorf("bits population = %d, want 12", pop)
		}
	})

	t.Run("when blocks tally per matching row", func(t *testing.T) {
		src := "agg:\n" +
			"    people\n" +
			"    sum(total) as revenue\n" +
			"when action == 'buy':\n" +
			"    tally('buyers')\n"
		rs, _ := run(t, src)
		tree := rs.ToJSON()
		buyers, ok := tree["buyers"].(map[string]any)
		if !ok {
			t.Fatalf("tree = %v", tree)
		}
		cols := buyers["_"].(map[string]any)
		// persons 0,3,6,...,27: ten buyers
		if cols["people"] != int64(10) {
			t.Errorf("people = %v", cols["people"])
		}
		// total is fixed-point: 10.0 per buy row
		if cols["revenue"] != int64(10*100000) {
			t.Errorf("revenue = %v", cols["revenue"])
		}
	})

	t.Run("collection marshals filter by membership", func(t *testing.T) {
		src := "targets = list('us', 'uk')\n" +
			"when contains(targets, country):\n" +
			"    tally('targeted')\n"
		_, bits := run(t, src)
		// 12 of 30 persons are in "us"; none in "uk"
		if pop := bits.Population(30); pop != 12 {
			t.Errorf("bits population = %d, want 12", pop)
		}
	})

	t.Run("event_time and iter window", func(t *testing.T) {
		// only buy rows carry stamps at 2000+lin; restrict to them
		src := "iter_between(2000, 3000)\n" +
			"when action == 'buy':\n" +
			"    tally('recent')\n"
		rs, _ := run(t, src)
		tree := rs.ToJSON()
		if _, ok := tree["recent"]; !ok {
			t.Fatalf("tree = %v", tree)
		}
	})
}

// TestSegmentMath tests bitmap algebra without person iteration.
func TestSegmentMath(t *testing.T) {
	tbl := table.New("events")
	attrs := index.NewAttributes()

	// store two segments directly: A{1,2,3,4}, B{3,4,5,6,7,8}
	a := index.NewBits()
	for _, id := range []int32{1, 2, 3, 4} {
		a.Set(id)
	}
	b := index.NewBits()
	for _, id := range []int32{3, 4, 5, 6, 7, 8} {
		b.Set(id)
	}
	attrs.Swap(table.ColSegment, table.MakeHash("a_seg"), a)
	attrs.Swap(table.ColSegment, table.MakeHash("b_seg"), b)

	src := "segment overlap ttl=60000:\n" +
		"    intersection(a_seg, b_seg)\n"
	macros, err := Compile(src, tbl, nil)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	m := macros[0].Macro
	if !m.IsSegmentMath {
		t.Fatal("not detected as segment math")
	}

	rs := result.NewResultSet()
	interp := NewInterpreter(m, rs)
	interp.SetBits(index.NewBits(), 100)
	interp.SetNow(0)
	interp.SetGetSegmentCB(func(name string) (*index.Bits, error) {
		at := attrs.Get(table.ColSegment, table.MakeHash(name))
		if at == nil {
			return nil, nil
		}
		return attrs.GetBits(at)
	})

	interp.Exec()
	if interp.Error != nil {
		t.Fatalf("exec error: %v", interp.Error)
	}
	out := interp.Bits()
	if out == nil {
		t.Fatal("no bits captured")
	}
	if pop := out.Population(100); pop != 2 {
		t.Errorf("intersection population = %d, want 2", pop)
	}
}
