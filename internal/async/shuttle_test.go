package async

import (
	"testing"
	"time"

	"github.com/aargor/openset/internal/errs"
)

// TestShuttle tests fan-in reply collection.
func TestShuttle(t *testing.T) {
	t.Run("collects one reply per cell", func(t *testing.T) {
		s := NewShuttle[int](3)
		go func() {
			s.Reply(1, nil)
			s.Reply(2, nil)
			s.Reply(3, nil)
		}()
		replies, err := s.Wait(time.Second)
		if err != nil {
			t.Fatalf("err = %v", err)
		}
		if len(replies) != 3 {
			t.Errorf("replies = %v", replies)
		}
	})

	t.Run("first error surfaces after all cells reply", func(t *testing.T) {
		s := NewShuttle[int](2)
		s.Reply(0, errs.New(errs.QueryRuntime, "boom"))
		s.Reply(9, nil)
		replies, err := s.Wait(time.Second)
		if err == nil || err.Kind != errs.QueryRuntime {
			t.Fatalf("err = %v", err)
		}
		if len(replies) != 1 {
			t.Errorf("successful replies = %v", replies)
		}
	})

	t.Run("partition migration completes immediately and is retryable", func(t *testing.T) {
		s := NewShuttle[int](5)
		s.Reply(0, errs.New(errs.PartitionMigrated, "moved"))
		start := time.Now()
		_, err := s.Wait(10 * time.Second)
		if time.Since(start) > time.Second {
			t.Error("migration reply should not wait for stragglers")
		}
		if err == nil || !err.Retryable() {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("timeout synthesizes an error and drops late replies", func(t *testing.T) {
		s := NewShuttle[int](2)
		s.Reply(1, nil)
		_, err := s.Wait(30 * time.Millisecond)
		if err == nil || err.Kind != errs.Timeout {
			t.Fatalf("err = %v", err)
		}
		if !err.Retryable() {
			t.Error("timeout should be retryable")
		}
		s.Reply(2, nil) // dropped
		replies, _ := s.Wait(time.Millisecond)
		if len(replies) != 1 {
			t.Errorf("late reply accepted: %v", replies)
		}
	})

	t.Run("zero partitions completes immediately", func(t *testing.T) {
		s := NewShuttle[int](0)
		replies, err := s.Wait(time.Millisecond)
		if err != nil || len(replies) != 0 {
			t.Errorf("replies = %v, err = %v", replies, err)
		}
	})
}
