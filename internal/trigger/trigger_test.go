package trigger

import (
	"testing"
)

// TestRegistry tests trigger registration and the emit queue.
func TestRegistry(t *testing.T) {
	t.Run("register is idempotent by name", func(t *testing.T) {
		r := NewRegistry()
		a := r.Register("welcome")
		b := r.Register("welcome")
		if a != b {
			t.Errorf("ids differ: %d != %d", a, b)
		}
		if r.Len() != 1 {
			t.Errorf("Len = %d", r.Len())
		}
		if tr, ok := r.Get(a); !ok || tr.Name != "welcome" {
			t.Errorf("Get = %+v, %v", tr, ok)
		}
	})

	t.Run("drain returns and clears pending messages", func(t *testing.T) {
		r := NewRegistry()
		id := r.Register("welcome")
		r.Emit(Message{TriggerID: id, PersonID: "u1", Name: "welcome", Stamp: 100})
		r.Emit(Message{TriggerID: id, PersonID: "u2", Name: "welcome", Stamp: 200})

		msgs := r.DrainMessages()
		if len(msgs) != 2 || msgs[0].PersonID != "u1" || msgs[1].Stamp != 200 {
			t.Errorf("msgs = %+v", msgs)
		}
		if again := r.DrainMessages(); again != nil {
			t.Errorf("second drain = %+v", again)
		}
	})
}
