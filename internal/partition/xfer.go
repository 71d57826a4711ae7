package partition

import (
	"bufio"
	"encoding/binary"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/table"
)

// xferMagic guards against joining a stream mid-way or across versions.
const xferMagic = uint32(0x0531_AD01)

// Export streams the partition for transfer to a new owner: a header with
// the ownership epoch, all person buffers in linear-id order
// length-prefixed, the attribute store as compressed bitmaps, and segment
// metadata. The caller must have quiesced the partition's cell dispatch
// first.
func (p *Partition) Export(w io.Writer, epoch int64) error {
	bw := bufio.NewWriter(w)

	if err := binary.Write(bw, binary.LittleEndian, xferMagic); err != nil {
		return errors.Wrap(err, "xfer header")
	}
	if err := binary.Write(bw, binary.LittleEndian, epoch); err != nil {
		return errors.Wrap(err, "xfer header")
	}

	// persons, linear-id order
	count := p.People.Count()
	if err := binary.Write(bw, binary.LittleEndian, count); err != nil {
		return err
	}
	for lin := int32(0); lin < count; lin++ {
		rec := p.People.GetByLIN(lin)
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(rec))); err != nil {
			return err
		}
		if _, err := bw.Write(rec); err != nil {
			return err
		}
	}

	// attributes as compressed bitmaps
	p.Attributes.Compact()
	var attrs []struct {
		col  int
		val  int64
		text string
		bits []byte
	}
	for _, colID := range attributeColumns(p) {
		for _, at := range p.Attributes.ColumnValues(colID) {
			bits, err := p.Attributes.GetBits(at)
			if err != nil {
				return err
			}
			buf, err := bits.Serialize()
			if err != nil {
				return err
			}
			attrs = append(attrs, struct {
				col  int
				val  int64
				text string
				bits []byte
			}{at.Col, at.Val, at.Text, buf})
		}
	}
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(attrs))); err != nil {
		return err
	}
	for _, at := range attrs {
		if err := binary.Write(bw, binary.LittleEndian, int32(at.col)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, at.val); err != nil {
			return err
		}
		if err := writeBytes(bw, []byte(at.text)); err != nil {
			return err
		}
		if err := writeBytes(bw, at.bits); err != nil {
			return err
		}
	}

	// segment metadata
	names := p.Attributes.SegmentNames()
	if err := binary.Write(bw, binary.LittleEndian, uint32(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		info := p.Attributes.Segment(name)
		if err := writeBytes(bw, []byte(name)); err != nil {
			return err
		}
		for _, v := range []int64{info.TTL, info.Refresh, info.LastComputed} {
			if err := binary.Write(bw, binary.LittleEndian, v); err != nil {
				return err
			}
		}
	}

	return errors.Wrap(bw.Flush(), "xfer flush")
}

// Import rebuilds partition state from an Export stream. It returns the
// epoch the sender stamped so the receiver can reject stale transfers.
func (p *Partition) Import(r io.Reader) (int64, error) {
	br := bufio.NewReader(r)

	var magic uint32
	if err := binary.Read(br, binary.LittleEndian, &magic); err != nil {
		return 0, errors.Wrap(err, "xfer header")
	}
	if magic != xferMagic {
		return 0, errors.Errorf("bad xfer magic %#x", magic)
	}
	var epoch int64
	if err := binary.Read(br, binary.LittleEndian, &epoch); err != nil {
		return 0, err
	}

	var count int32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return 0, err
	}
	for lin := int32(0); lin < count; lin++ {
		var size uint32
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			return 0, err
		}
		rec := make(person.Record, size)
		if _, err := io.ReadFull(br, rec); err != nil {
			return 0, err
		}
		if len(rec) > 0 {
			got := p.People.GetMake(rec.IDString())
			if got != lin {
				return 0, errors.Errorf("xfer out of order: lin %d arrived as %d", lin, got)
			}
			p.People.Replace(lin, rec)
		} else {
			// hole: person seen but never committed; keep ordinals dense
			p.People.GetMake(placeholderID(lin))
		}
	}

	var attrCount uint32
	if err := binary.Read(br, binary.LittleEndian, &attrCount); err != nil {
		return 0, err
	}
	for i := uint32(0); i < attrCount; i++ {
		var col int32
		var val int64
		if err := binary.Read(br, binary.LittleEndian, &col); err != nil {
			return 0, err
		}
		if err := binary.Read(br, binary.LittleEndian, &val); err != nil {
			return 0, err
		}
		text, err := readBytes(br)
		if err != nil {
			return 0, err
		}
		bitsBuf, err := readBytes(br)
		if err != nil {
			return 0, err
		}
		bits, err := index.DeserializeBits(bitsBuf)
		if err != nil {
			return 0, err
		}
		if len(text) > 0 {
			p.Attributes.SetText(int(col), val, string(text))
		}
		if prev := p.Attributes.Swap(int(col), val, bits); prev != nil {
			_ = prev // fresh partition: nothing to dispose
		}
	}

	var segCount uint32
	if err := binary.Read(br, binary.LittleEndian, &segCount); err != nil {
		return 0, err
	}
	for i := uint32(0); i < segCount; i++ {
		name, err := readBytes(br)
		if err != nil {
			return 0, err
		}
		var ttl, refresh, last int64
		for _, dst := range []*int64{&ttl, &refresh, &last} {
			if err := binary.Read(br, binary.LittleEndian, dst); err != nil {
				return 0, err
			}
		}
		p.Attributes.SetSegmentRefresh(string(name), refresh)
		p.Attributes.SetSegmentTTL(string(name), ttl, last)
	}

	return epoch, nil
}

func attributeColumns(p *Partition) []int {
	// every schema column can carry attributes, plus the segment column
	cols := make([]int, 0, table.MaxColumns)
	for id := 0; id < table.MaxColumns; id++ {
		if len(p.Attributes.ColumnValues(id)) > 0 {
			cols = append(cols, id)
		}
	}
	return cols
}

func placeholderID(lin int32) string {
	return "\x00xfer-hole-" + strconv.Itoa(int(lin))
}

func writeBytes(w io.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readBytes(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	b := make([]byte, size)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
