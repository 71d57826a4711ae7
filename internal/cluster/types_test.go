package cluster

import (
	"testing"
)

// TestPartitionMap tests ownership bookkeeping and the oracle view.
func TestPartitionMap(t *testing.T) {
	t.Run("single node map owns everything", func(t *testing.T) {
		m := NewSingleNodeMap(16, "node-1")

		if m.PartitionMax() != 16 {
			t.Fatalf("expected 16 partitions, got %d", m.PartitionMax())
		}
		for p := 0; p < 16; p++ {
			if !m.IsMapped(p, "node-1") {
				t.Errorf("partition %d not mapped to node-1", p)
			}
			if m.IsMapped(p, "node-2") {
				t.Errorf("partition %d mapped to node-2", p)
			}
		}
		if got := m.PartitionsForNode("node-1"); len(got) != 16 {
			t.Errorf("expected 16 partitions for node-1, got %d", len(got))
		}
	})

	t.Run("map and unmap bump the epoch", func(t *testing.T) {
		m := NewPartitionMap(4)
		if m.Epoch() != 0 {
			t.Fatalf("fresh map epoch = %d", m.Epoch())
		}

		m.Map(2, "node-1")
		if m.Epoch() != 1 {
			t.Errorf("epoch after Map = %d, want 1", m.Epoch())
		}
		if owner, ok := m.OwnerOf(2); !ok || owner != "node-1" {
			t.Errorf("OwnerOf(2) = %q, %v", owner, ok)
		}

		m.Unmap(2)
		if m.Epoch() != 2 {
			t.Errorf("epoch after Unmap = %d, want 2", m.Epoch())
		}
		if _, ok := m.OwnerOf(2); ok {
			t.Error("partition 2 still owned after Unmap")
		}
		if m.IsMapped(2, "node-1") {
			t.Error("IsMapped true after Unmap")
		}
	})

	t.Run("partitions for node are sorted", func(t *testing.T) {
		m := NewPartitionMap(8)
		for _, p := range []int{7, 1, 4} {
			m.Map(p, "node-9")
		}
		got := m.PartitionsForNode("node-9")
		want := []int{1, 4, 7}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("got %v, want %v", got, want)
			}
		}
	})
}

// TestPartitionFor tests the person → partition routing function.
func TestPartitionFor(t *testing.T) {
	t.Run("is deterministic", func(t *testing.T) {
		for _, id := range []string{"user-1", "user-2", "a", ""} {
			a := PartitionFor(id, 32)
			b := PartitionFor(id, 32)
			if a != b {
				t.Errorf("PartitionFor(%q) not stable: %d != %d", id, a, b)
			}
			if a < 0 || a >= 32 {
				t.Errorf("PartitionFor(%q) = %d out of range", id, a)
			}
		}
	})

	t.Run("same person always lands on the same partition", func(t *testing.T) {
		// the insert path depends on this for per-person ordering
		target := PartitionFor("heavy-user", 16)
		for i := 0; i < 100; i++ {
			if PartitionFor("heavy-user", 16) != target {
				t.Fatal("routing moved mid-stream")
			}
		}
	})

	t.Run("zero partitions routes to zero", func(t *testing.T) {
		if PartitionFor("x", 0) != 0 {
			t.Error("expected 0 for empty partition space")
		}
	})
}
