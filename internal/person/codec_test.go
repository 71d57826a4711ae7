package person

import (
	"encoding/binary"
	"testing"

	"github.com/aargor/openset/internal/table"
)

func codecState(types map[int]table.ColumnType, cols []int) ([]int, decodeState) {
	var reverse [table.MaxColumns]int16
	var typ [table.MaxColumns]table.ColumnType
	var typed [table.MaxColumns]bool
	for i := range reverse {
		reverse[i] = -1
	}
	for grid, schema := range cols {
		reverse[schema] = int16(grid)
		if t, ok := types[schema]; ok {
			typ[schema] = t
			typed[schema] = true
		}
	}
	return cols, decodeState{reverseMap: &reverse, types: &typ, typed: &typed}
}

// tagsOf walks an encoded stream returning the cell tags in order,
// skipping row separators.
func tagsOf(t *testing.T, stream []byte) []uint16 {
	t.Helper()
	var tags []uint16
	off := 0
	for off+2 <= len(stream) {
		header := binary.LittleEndian.Uint16(stream[off:])
		off += 2
		if header == cellRow {
			continue
		}
		tag := header & tagMask
		tags = append(tags, tag)
		switch tag {
		case cellInt16:
			off += 2
		case cellInt32:
			off += 4
		case cellInt64:
			off += 8
		}
	}
	return tags
}

// TestCodec tests the typed cell stream encoder and decoder.
func TestCodec(t *testing.T) {
	cols, st := codecState(map[int]table.ColumnType{
		0: table.TypeInt, 8: table.TypeInt, 9: table.TypeInt,
	}, []int{0, 8, 9})

	t.Run("round trip", func(t *testing.T) {
		rows := [][]int64{
			{100, 5, None},
			{200, 5, 70000},
			{300, None, 70000},
		}
		stream := encodeRows(rows, cols)

		var arena rowArena
		decoded, err := decodeRows(stream, len(cols), st, &arena)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(decoded) != len(rows) {
			t.Fatalf("row count = %d, want %d", len(decoded), len(rows))
		}
		for r := range rows {
			for c := range rows[r] {
				if decoded[r][c] != rows[r][c] {
					t.Errorf("row %d col %d = %d, want %d", r, c, decoded[r][c], rows[r][c])
				}
			}
		}
	})

	t.Run("re-encode is identity", func(t *testing.T) {
		rows := [][]int64{
			{100, 1, 2},
			{150, 1, 3},
			{900000, None, 3},
		}
		stream := encodeRows(rows, cols)
		var arena rowArena
		decoded, err := decodeRows(stream, len(cols), st, &arena)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		stream2 := encodeRows(decoded, cols)
		var arena2 rowArena
		decoded2, err := decodeRows(stream2, len(cols), st, &arena2)
		if err != nil {
			t.Fatalf("decode 2: %v", err)
		}
		for r := range decoded {
			for c := range decoded[r] {
				if decoded[r][c] != decoded2[r][c] {
					t.Fatalf("re-encode changed row %d col %d", r, c)
				}
			}
		}
	})

	t.Run("copydown when cell equals previous row", func(t *testing.T) {
		rows := [][]int64{
			{100, 42, None},
			{200, 42, None}, // col 8 repeats: copydown expected
		}
		stream := encodeRows(rows, cols)
		tags := tagsOf(t, stream)
		// row 1: int16 stamp + int16 value; row 2: int16 stamp + copydown
		want := []uint16{cellInt16, cellInt16, cellInt16, cellCopydown}
		if len(tags) != len(want) {
			t.Fatalf("tags = %v", tags)
		}
		for i := range want {
			if tags[i] != want[i] {
				t.Errorf("tag %d = %#x, want %#x", i, tags[i], want[i])
			}
		}
	})

	t.Run("narrowest tag wins", func(t *testing.T) {
		rows := [][]int64{
			{1, 30000, None},   // fits int16
			{2, 70000, None},   // fits int32
			{3, 1 << 40, None}, // needs int64
		}
		stream := encodeRows(rows, cols)
		tags := tagsOf(t, stream)
		want := []uint16{cellInt16, cellInt16, cellInt16, cellInt32, cellInt16, cellInt64}
		if len(tags) != len(want) {
			t.Fatalf("tags = %v", tags)
		}
		for i := range want {
			if tags[i] != want[i] {
				t.Errorf("tag %d = %#x, want %#x", i, tags[i], want[i])
			}
		}
	})

	t.Run("unmapped columns are dropped during decode", func(t *testing.T) {
		rows := [][]int64{{100, 5, 6}}
		stream := encodeRows(rows, cols)

		subsetCols, subSt := codecState(map[int]table.ColumnType{
			0: table.TypeInt, 9: table.TypeInt,
		}, []int{0, 9})
		var arena rowArena
		decoded, err := decodeRows(stream, len(subsetCols), subSt, &arena)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded[0][0] != 100 || decoded[0][1] != 6 {
			t.Errorf("subset decode = %v", decoded[0])
		}
	})

	t.Run("text column with narrow payload is a bad record", func(t *testing.T) {
		_, textSt := codecState(map[int]table.ColumnType{
			0: table.TypeText,
		}, []int{0})
		// hand-build a text cell carried as int16
		var stream []byte
		stream = binary.LittleEndian.AppendUint16(stream, cellInt16|0)
		stream = binary.LittleEndian.AppendUint16(stream, 77)
		stream = binary.LittleEndian.AppendUint16(stream, cellRow)

		var arena rowArena
		if _, err := decodeRows(stream, 1, textSt, &arena); err == nil {
			t.Fatal("expected bad_record for narrow text cell")
		}
	})

	t.Run("truncated stream is a bad record", func(t *testing.T) {
		var stream []byte
		stream = binary.LittleEndian.AppendUint16(stream, cellInt64|0)
		stream = append(stream, 1, 2, 3) // payload cut short

		var arena rowArena
		if _, err := decodeRows(stream, len(cols), st, &arena); err == nil {
			t.Fatal("expected bad_record for truncated stream")
		}
	})
}
