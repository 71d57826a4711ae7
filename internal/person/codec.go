package person

import (
	"encoding/binary"

	"github.com/aargor/openset/internal/errs"
	"github.com/aargor/openset/internal/table"
)

// Cell tags. The high 3 bits of the 16-bit column header carry the tag;
// the low 13 bits carry the schema column id.
const (
	cellRow      uint16 = 0x0000 // row separator; full header is zero
	cellNull     uint16 = 0x2000
	cellCopydown uint16 = 0x4000
	cellInt16    uint16 = 0x6000
	cellInt32    uint16 = 0x8000
	cellInt64    uint16 = 0xA000

	tagMask uint16 = 0xE000
	colMask uint16 = 0x1FFF
)

const (
	int16Min = int64(-32768)
	int16Max = int64(32767)
	int32Min = int64(-2147483648)
	int32Max = int64(2147483647)
)

// encodeRows packs rows into the typed cell stream. Rows are full-schema
// width indexed by grid column; cells are written keyed by schema column
// id so the stream is stable across grid mappings. A cell equal to the
// previous row's cell for the same column becomes copydown; None cells are
// omitted (the decoder defaults unmentioned columns to None); otherwise
// the narrowest integer tag that losslessly represents the value is used.
func encodeRows(rows [][]int64, columnMap []int) []byte {
	out := make([]byte, 0, len(rows)*16)
	var prev []int64

	for _, row := range rows {
		for gridCol, v := range row {
			if v == None {
				continue
			}
			schemaCol := uint16(columnMap[gridCol]) & colMask

			if prev != nil && prev[gridCol] == v {
				out = binary.LittleEndian.AppendUint16(out, cellCopydown|schemaCol)
				continue
			}

			switch {
			case v >= int16Min && v <= int16Max:
				out = binary.LittleEndian.AppendUint16(out, cellInt16|schemaCol)
				out = binary.LittleEndian.AppendUint16(out, uint16(v))
			case v >= int32Min && v <= int32Max:
				out = binary.LittleEndian.AppendUint16(out, cellInt32|schemaCol)
				out = binary.LittleEndian.AppendUint32(out, uint32(v))
			default:
				out = binary.LittleEndian.AppendUint16(out, cellInt64|schemaCol)
				out = binary.LittleEndian.AppendUint64(out, uint64(v))
			}
		}
		out = binary.LittleEndian.AppendUint16(out, cellRow)
		prev = row
	}
	return out
}

// decodeState carries the per-mount decode context: which schema columns
// land in which grid columns, and the schema types used to validate cell
// widths.
type decodeState struct {
	reverseMap *[table.MaxColumns]int16
	types      *[table.MaxColumns]table.ColumnType
	typed      *[table.MaxColumns]bool
}

// decodeRows expands the cell stream into grid rows. Non-mapped columns
// are dropped during decode and never materialized. Each emitted row is
// allocated from the arena with width cols; unmentioned cells hold None
// and copydown cells inherit from the previous row.
func decodeRows(stream []byte, cols int, st decodeState, arena *rowArena) ([][]int64, error) {
	var rows [][]int64

	row := arena.row(cols)
	fillNone(row)
	var prev []int64
	touched := false

	off := 0
	for off+2 <= len(stream) {
		header := binary.LittleEndian.Uint16(stream[off:])
		off += 2

		if header == cellRow {
			rows = append(rows, row)
			prev = row
			row = arena.row(cols)
			fillNone(row)
			touched = false
			continue
		}

		tag := header & tagMask
		schemaCol := int(header & colMask)
		grid := st.reverseMap[schemaCol]

		var v int64
		width := 0
		switch tag {
		case cellNull:
			v = None
		case cellCopydown:
			if prev == nil || grid < 0 {
				v = None
			} else {
				v = prev[grid]
			}
		case cellInt16:
			width = 2
		case cellInt32:
			width = 4
		case cellInt64:
			width = 8
		default:
			return nil, errs.New(errs.BadRecord, "bad cell tag %#x at offset %d", tag, off-2)
		}

		if width > 0 {
			if off+width > len(stream) {
				return nil, errs.New(errs.BadRecord, "truncated cell at offset %d", off)
			}
			switch width {
			case 2:
				v = int64(int16(binary.LittleEndian.Uint16(stream[off:])))
			case 4:
				v = int64(int32(binary.LittleEndian.Uint32(stream[off:])))
			case 8:
				v = int64(binary.LittleEndian.Uint64(stream[off:]))
			}
			off += width

			// Text and double columns are carried as int64 only; a
			// narrower width here means the stream is corrupt.
			if width != 8 && st.typed[schemaCol] {
				if t := st.types[schemaCol]; t == table.TypeText || t == table.TypeDouble {
					return nil, errs.New(errs.BadRecord,
						"column %d: %s cell with %d-byte payload", schemaCol, t, width)
				}
			}
		}

		if grid >= 0 {
			row[grid] = v
			touched = true
		}
	}

	if off != len(stream) {
		return nil, errs.New(errs.BadRecord, "trailing bytes in event stream")
	}
	if touched {
		// A stream produced by commit always ends with a row separator;
		// tolerate a trailing partial row rather than dropping it.
		rows = append(rows, row)
	}
	return rows, nil
}

func fillNone(row []int64) {
	for i := range row {
		row[i] = None
	}
}
