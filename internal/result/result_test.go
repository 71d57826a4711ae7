package result

import (
	"testing"
)

func keyOf(parts ...int64) RowKey {
	var k RowKey
	for _, p := range parts {
		k.Push(p, KeyInt)
	}
	return k
}

// TestTally tests accumulator semantics per modifier.
func TestTally(t *testing.T) {
	cols := []AccCol{
		{Name: "sum", Modifier: ModSum},
		{Name: "min", Modifier: ModMin},
		{Name: "max", Modifier: ModMax},
		{Name: "avg", Modifier: ModAvg},
		{Name: "count", Modifier: ModCount},
		{Name: "people", Modifier: ModDistCountPerson},
	}

	rs := NewResultSet()
	rs.SetColumns(cols)
	key := keyOf(1)

	values := []int64{10, 5, 20}
	for i, v := range values {
		lin := int32(i % 2) // two distinct persons
		rs.Tally(key, 0, v, lin)
		rs.Tally(key, 1, v, lin)
		rs.Tally(key, 2, v, lin)
		rs.Tally(key, 3, v, lin)
		rs.Tally(key, 4, 1, lin)
		rs.Tally(key, 5, 1, lin)
	}

	acc := rs.At(key)
	if acc.Cells[0].Value != 35 {
		t.Errorf("sum = %d", acc.Cells[0].Value)
	}
	if acc.Cells[1].Value != 5 {
		t.Errorf("min = %d", acc.Cells[1].Value)
	}
	if acc.Cells[2].Value != 20 {
		t.Errorf("max = %d", acc.Cells[2].Value)
	}
	if acc.Cells[3].Value != 35 || acc.Cells[3].Count != 3 {
		t.Errorf("avg cell = %+v", acc.Cells[3])
	}
	if acc.Cells[4].Value != 3 {
		t.Errorf("count = %d", acc.Cells[4].Value)
	}
	if acc.Cells[5].Dist.Population(100) != 2 {
		t.Errorf("dist = %d", acc.Cells[5].Dist.Population(100))
	}
}

// TestMerge tests that the cross-partition merge is commutative and
// correct per modifier.
func TestMerge(t *testing.T) {
	cols := []AccCol{
		{Name: "sum", Modifier: ModSum},
		{Name: "min", Modifier: ModMin},
		{Name: "people", Modifier: ModDistCountPerson},
	}

	build := func(sum, min int64, lins ...int32) *ResultSet {
		rs := NewResultSet()
		rs.SetColumns(cols)
		key := keyOf(7)
		rs.Tally(key, 0, sum, lins[0])
		rs.Tally(key, 1, min, lins[0])
		for _, lin := range lins {
			rs.Tally(key, 2, 1, lin)
		}
		return rs
	}

	a := build(100, 9, 1, 2, 3)
	b := build(50, 4, 3, 4)

	ab := NewResultSet()
	ab.Merge(a)
	ab.Merge(b)

	ba := NewResultSet()
	ba.Merge(b)
	ba.Merge(a)

	for _, rs := range []*ResultSet{ab, ba} {
		acc := rs.At(keyOf(7))
		if acc.Cells[0].Value != 150 {
			t.Errorf("merged sum = %d", acc.Cells[0].Value)
		}
		if acc.Cells[1].Value != 4 {
			t.Errorf("merged min = %d", acc.Cells[1].Value)
		}
		if acc.Cells[2].Dist.Population(100) != 4 {
			t.Errorf("merged dist = %d", acc.Cells[2].Dist.Population(100))
		}
	}
}

// TestToJSON tests tree rendering with nested keys and text labels.
func TestToJSON(t *testing.T) {
	rs := NewResultSet()
	rs.SetColumns([]AccCol{{Name: "count", Modifier: ModCount}})

	hash := int64(-12345)
	rs.AddLocalText(hash, "purchases")

	var outer RowKey
	outer.Push(hash, KeyText)
	rs.Tally(outer, 0, 1, 0)

	nested := outer
	nested.Push(42, KeyInt)
	rs.Tally(nested, 0, 1, 0)
	rs.Tally(nested, 0, 1, 0)

	tree := rs.ToJSON()
	p, ok := tree["purchases"].(map[string]any)
	if !ok {
		t.Fatalf("tree = %v", tree)
	}
	cols := p["_"].(map[string]any)
	if cols["count"] != int64(1) {
		t.Errorf("outer count = %v", cols["count"])
	}
	inner, ok := p["42"].(map[string]any)
	if !ok {
		t.Fatalf("nested branch missing: %v", p)
	}
	if inner["_"].(map[string]any)["count"] != int64(2) {
		t.Errorf("nested count = %v", inner)
	}
}
