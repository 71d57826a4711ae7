package person

import (
	"bytes"
	"testing"
)

// TestRecord tests the packed person buffer layout and accessors.
func TestRecord(t *testing.T) {
	t.Run("pack and read back", func(t *testing.T) {
		events := []byte("not really cells but compressible compressible compressible")
		props := []byte(`{"plan":"pro"}`)
		flags := []Flag{
			{Reference: 11, Context: 22, Value: 33, Type: FlagTrigger},
			{Reference: 44, Context: 55, Value: 66, Type: FlagFutureTrigger},
		}

		rec, err := NewRecord(1234, 7, "user-1234", flags, props, events)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}

		if rec.ID() != 1234 {
			t.Errorf("ID = %d", rec.ID())
		}
		if rec.LinID() != 7 {
			t.Errorf("LinID = %d", rec.LinID())
		}
		if rec.IDString() != "user-1234" {
			t.Errorf("IDString = %q", rec.IDString())
		}
		if !bytes.Equal(rec.Props(), props) {
			t.Error("props corrupted")
		}
		if rec.Size() != len(rec) {
			t.Errorf("Size() = %d, len = %d", rec.Size(), len(rec))
		}

		got, err := rec.Events()
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		if !bytes.Equal(got, events) {
			t.Error("event stream corrupted by compress/decompress")
		}

		decoded, err := rec.Flags()
		if err != nil {
			t.Fatalf("Flags: %v", err)
		}
		if len(decoded) != 2 || decoded[0] != flags[0] || decoded[1] != flags[1] {
			t.Errorf("flags = %+v", decoded)
		}
	})

	t.Run("empty person", func(t *testing.T) {
		rec, err := NewRecord(1, 0, "p", nil, nil, nil)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		if rec.Size() != len(rec) {
			t.Errorf("Size() = %d, len = %d", rec.Size(), len(rec))
		}
		if rec.FlagRecords() != 0 {
			t.Errorf("FlagRecords = %d", rec.FlagRecords())
		}
		flags, err := rec.Flags()
		if err != nil || flags != nil {
			t.Errorf("Flags = %v, %v", flags, err)
		}
	})

	t.Run("flag rewrite leaves header and events unchanged", func(t *testing.T) {
		events := []byte("eventseventsevents")
		rec, err := NewRecord(9, 3, "id-9", nil, []byte("props"), events)
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}

		withFlag, err := rec.WithFlag(Flag{Reference: 1, Context: 2, Value: 3, Type: FlagFutureTrigger})
		if err != nil {
			t.Fatalf("WithFlag: %v", err)
		}
		if withFlag.FlagRecords() != 1 {
			t.Fatalf("FlagRecords = %d", withFlag.FlagRecords())
		}
		if withFlag.Size() != len(withFlag) {
			t.Errorf("Size() mismatch after WithFlag")
		}
		if withFlag.ID() != 9 || withFlag.IDString() != "id-9" {
			t.Error("identity changed by flag rewrite")
		}
		got, err := withFlag.Events()
		if err != nil || !bytes.Equal(got, events) {
			t.Error("events changed by flag rewrite")
		}

		cleared, err := withFlag.WithoutFlag(FlagFutureTrigger, 1, 2)
		if err != nil {
			t.Fatalf("WithoutFlag: %v", err)
		}
		if cleared.FlagRecords() != 0 {
			t.Errorf("FlagRecords = %d after clear", cleared.FlagRecords())
		}
		if cleared.Size() != len(cleared) {
			t.Error("Size() mismatch after WithoutFlag")
		}
	})
}
