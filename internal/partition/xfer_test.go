package partition

import (
	"bytes"
	"testing"

	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/table"
)

// TestXfer tests the partition transfer stream round trip.
func TestXfer(t *testing.T) {
	tbl := table.New("events")
	if _, err := tbl.AddColumn("country", table.TypeText); err != nil {
		t.Fatal(err)
	}

	src := NewPartition(4)
	g := person.NewGrid()
	if err := g.MapSchema(tbl, src.Attributes); err != nil {
		t.Fatalf("MapSchema: %v", err)
	}

	ids := []string{"alice", "bob", "carol"}
	for _, id := range ids {
		lin := src.People.GetMake(id)
		g.Reinit()
		g.SetIdentity(table.MakeHash(id), id, lin)
		err := g.Insert(map[string]any{
			"stamp": float64(1000 + lin), "action": "visit", "country": "us",
		})
		if err != nil {
			t.Fatalf("Insert: %v", err)
		}
		rec, err := g.Commit()
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		src.People.Replace(lin, rec)
	}

	seg := index.NewBits()
	seg.Set(0)
	seg.Set(2)
	src.Attributes.Swap(table.ColSegment, table.MakeHash("payers"), seg)
	src.Attributes.SetText(table.ColSegment, table.MakeHash("payers"), "payers")
	src.Attributes.SetSegmentTTL("payers", 60_000, 500)
	src.Attributes.SetSegmentRefresh("payers", 30_000)

	var buf bytes.Buffer
	if err := src.Export(&buf, 77); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := NewPartition(4)
	epoch, err := dst.Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if epoch != 77 {
		t.Errorf("epoch = %d, want 77", epoch)
	}

	if dst.People.Count() != src.People.Count() {
		t.Fatalf("person count = %d, want %d", dst.People.Count(), src.People.Count())
	}
	for lin := int32(0); lin < src.People.Count(); lin++ {
		a := src.People.GetByLIN(lin)
		b := dst.People.GetByLIN(lin)
		if !bytes.Equal(a, b) {
			t.Errorf("lin %d record differs after transfer", lin)
		}
	}

	// attributes survive as compressed bitmaps
	at := dst.Attributes.Get(table.ColSegment, table.MakeHash("payers"))
	if at == nil {
		t.Fatal("segment attribute missing after transfer")
	}
	bits, err := dst.Attributes.GetBits(at)
	if err != nil {
		t.Fatalf("GetBits: %v", err)
	}
	if bits.Population(100) != 2 || !bits.Test(0) || !bits.Test(2) {
		t.Error("segment bits corrupted in transfer")
	}

	// segment metadata travels too
	info := dst.Attributes.Segment("payers")
	if info == nil || info.TTL != 60_000 || info.Refresh != 30_000 || info.LastComputed != 500 {
		t.Errorf("segment info = %+v", info)
	}

	// country attribute covers all three persons
	col, _ := tbl.GetColumn("country")
	usAttr := dst.Attributes.Get(col.ID, table.MakeHash("us"))
	if usAttr == nil {
		t.Fatal("country attribute missing after transfer")
	}
	usBits, _ := dst.Attributes.GetBits(usAttr)
	if usBits.Population(100) != 3 {
		t.Errorf("country=us population = %d, want 3", usBits.Population(100))
	}
}
