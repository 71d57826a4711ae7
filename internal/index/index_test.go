package index

import (
	"testing"
)

// TestBits tests bitmap population, iteration, and in-place algebra.
func TestBits(t *testing.T) {
	t.Run("population equals linear iteration", func(t *testing.T) {
		b := NewBits()
		for _, id := range []int32{0, 3, 17, 100, 4095} {
			b.Set(id)
		}

		count := int64(0)
		cursor := int32(-1)
		for b.LinearIter(&cursor, 1<<20) {
			count++
		}
		if pop := b.Population(1 << 20); pop != count {
			t.Errorf("population = %d, iterated = %d", pop, count)
		}
	})

	t.Run("population respects the stop bound", func(t *testing.T) {
		b := NewBits()
		b.Set(1)
		b.Set(50)
		b.Set(200)
		if pop := b.Population(100); pop != 2 {
			t.Errorf("population below 100 = %d, want 2", pop)
		}
		if pop := b.Population(0); pop != 0 {
			t.Errorf("population below 0 = %d", pop)
		}
	})

	t.Run("linear iteration yields ascending ids", func(t *testing.T) {
		b := NewBits()
		want := []int32{2, 5, 9, 30}
		for _, id := range want {
			b.Set(id)
		}
		var got []int32
		cursor := int32(-1)
		for b.LinearIter(&cursor, 100) {
			got = append(got, cursor)
		}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})

	t.Run("inclusion exclusion holds", func(t *testing.T) {
		// population(A∩B) + population(A∪B) == population(A) + population(B)
		a, b := NewBits(), NewBits()
		for _, id := range []int32{1, 2, 3, 4} {
			a.Set(id)
		}
		for _, id := range []int32{3, 4, 5, 6, 7, 8} {
			b.Set(id)
		}

		and := a.Clone()
		and.OpAnd(b)
		or := a.Clone()
		or.OpOr(b)

		lhs := and.Population(100) + or.Population(100)
		rhs := a.Population(100) + b.Population(100)
		if lhs != rhs {
			t.Errorf("inclusion-exclusion broken: %d != %d", lhs, rhs)
		}
		if and.Population(100) != 2 {
			t.Errorf("intersection = %d, want 2", and.Population(100))
		}
	})

	t.Run("not complements over the domain", func(t *testing.T) {
		b := NewBits()
		b.Set(0)
		b.Set(5)
		b.OpNot(10)
		if pop := b.Population(10); pop != 8 {
			t.Errorf("complement population = %d, want 8", pop)
		}
		if b.Test(0) || b.Test(5) {
			t.Error("complement kept original bits")
		}
	})

	t.Run("serialize round trip", func(t *testing.T) {
		b := NewBits()
		for i := int32(0); i < 1000; i += 7 {
			b.Set(i)
		}
		buf, err := b.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		back, err := DeserializeBits(buf)
		if err != nil {
			t.Fatalf("Deserialize: %v", err)
		}
		if back.Population(2000) != b.Population(2000) {
			t.Error("round trip lost bits")
		}
	})
}

// TestAttributes tests the (column, value) → bitmap store and swap
// ownership handoff.
func TestAttributes(t *testing.T) {
	t.Run("set and get bits", func(t *testing.T) {
		a := NewAttributes()
		a.Set(8, 42, 3)
		a.Set(8, 42, 9)

		at := a.Get(8, 42)
		if at == nil {
			t.Fatal("attribute missing")
		}
		bits, err := a.GetBits(at)
		if err != nil {
			t.Fatalf("GetBits: %v", err)
		}
		if bits.Population(100) != 2 || !bits.Test(3) || !bits.Test(9) {
			t.Error("wrong bits")
		}

		// the returned bits are caller-owned: mutating them must not
		// change the store
		bits.Set(50)
		again, _ := a.GetBits(at)
		if again.Test(50) {
			t.Error("store shares caller bits")
		}
	})

	t.Run("swap takes ownership and returns the previous bitmap", func(t *testing.T) {
		a := NewAttributes()
		a.Set(8, 42, 1)

		fresh := NewBits()
		fresh.Set(7)
		prev := a.Swap(8, 42, fresh)
		if prev == nil || !prev.Test(1) {
			t.Error("previous bitmap not returned")
		}

		at := a.Get(8, 42)
		bits, _ := a.GetBits(at)
		if !bits.Test(7) || bits.Test(1) {
			t.Error("swap did not install caller bits")
		}
	})

	t.Run("compact keeps populations", func(t *testing.T) {
		a := NewAttributes()
		for lin := int32(0); lin < 100; lin++ {
			a.Set(3, int64(lin%5), lin)
		}
		a.Compact()
		total := int64(0)
		for _, at := range a.ColumnValues(3) {
			bits, err := a.GetBits(at)
			if err != nil {
				t.Fatalf("GetBits: %v", err)
			}
			total += bits.Population(1000)
		}
		if total != 100 {
			t.Errorf("total population = %d, want 100", total)
		}
	})
}

// TestSegments tests TTL and refresh metadata.
func TestSegments(t *testing.T) {
	t.Run("ttl expiry", func(t *testing.T) {
		a := NewAttributes()
		a.SetSegmentTTL("payers", 60_000, 1_000_000)

		if a.IsSegmentExpiredTTL("payers", 1_030_000) {
			t.Error("expired inside TTL")
		}
		if !a.IsSegmentExpiredTTL("payers", 1_060_001) {
			t.Error("not expired past TTL")
		}
		if !a.IsSegmentExpiredTTL("missing", 0) {
			t.Error("unknown segment should read expired")
		}
	})

	t.Run("refresh interval", func(t *testing.T) {
		a := NewAttributes()
		a.SetSegmentTTL("payers", 600_000, 1_000_000)
		a.SetSegmentRefresh("payers", 30_000)

		info := a.Segment("payers")
		if info == nil {
			t.Fatal("segment metadata missing")
		}
		if info.Refreshable(1_010_000) {
			t.Error("refreshable inside interval")
		}
		if !info.Refreshable(1_030_001) {
			t.Error("not refreshable past interval")
		}
	})

	t.Run("no ttl never expires", func(t *testing.T) {
		a := NewAttributes()
		a.SetSegmentRefresh("s", 1000)
		info := a.Segment("s")
		if info.Expired(1 << 60) {
			t.Error("ttl -1 must never expire")
		}
	})
}
