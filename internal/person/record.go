// Package person implements the packed per-user record and the Grid, the
// transient column-mapped materialization used for queries and inserts.
// See doc.go for package documentation.
package person

import (
	"encoding/binary"
	"math"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/aargor/openset/internal/errs"
)

// None is the sentinel for an unset cell. Decoded rows hold None for any
// column the stream never mentions.
const None = int64(math.MinInt64 + 1)

// FlagType tags one out-of-band flag record on a person.
type FlagType int16

const (
	// FlagEOF terminates the flag list.
	FlagEOF FlagType = 0
	// FlagTrigger marks a live trigger subscription.
	FlagTrigger FlagType = 1
	// FlagFutureTrigger marks a scheduled future trigger run.
	FlagFutureTrigger FlagType = 2
)

// Flag is one decoded flag record: out-of-band per-person state consumed
// by the trigger layer.
type Flag struct {
	Reference int64 // what the flag refers to, e.g. a trigger id
	Context   int64 // e.g. hash of a function name
	Value     int64 // e.g. the future run-stamp of a trigger
	Type      FlagType
}

// Packed record layout, little endian:
//
//	header (28 bytes):
//	  id          int64
//	  linId       int32
//	  bytes       int32   uncompressed event bytes
//	  comp        int32   compressed event bytes
//	  propBytes   int32
//	  idBytes     int16
//	  flagRecords int16
//	followed by: id string, flag records (26 bytes each, then a 2-byte
//	FlagEOF marker when any records exist), property blob, compressed
//	event rows.
const (
	headerSize   = 28
	flagRecSize  = 26
	flagEOFSize  = 2
	offID        = 0
	offLinID     = 8
	offBytes     = 12
	offComp      = 16
	offPropBytes = 20
	offIDBytes   = 24
	offFlagRecs  = 26
)

// Record is one person's packed buffer. It is the canonical on-heap
// representation; all accessors decode in place.
type Record []byte

// NewRecord packs a fresh record. events is the uncompressed cell stream;
// it is compressed here. When compression does not help the stream is
// stored raw with comp == bytes.
func NewRecord(id int64, linID int32, idStr string, flags []Flag, props, events []byte) (Record, error) {
	comp := events
	if len(events) > 0 {
		buf := make([]byte, lz4.CompressBlockBound(len(events)))
		n, err := lz4.CompressBlock(events, buf, nil)
		if err != nil {
			return nil, errors.Wrap(err, "compress events")
		}
		if n > 0 && n < len(events) {
			comp = buf[:n]
		}
	}

	flagBytes := 0
	if len(flags) > 0 {
		flagBytes = len(flags)*flagRecSize + flagEOFSize
	}

	size := headerSize + len(idStr) + flagBytes + len(props) + len(comp)
	r := make(Record, size)

	binary.LittleEndian.PutUint64(r[offID:], uint64(id))
	binary.LittleEndian.PutUint32(r[offLinID:], uint32(linID))
	binary.LittleEndian.PutUint32(r[offBytes:], uint32(len(events)))
	binary.LittleEndian.PutUint32(r[offComp:], uint32(len(comp)))
	binary.LittleEndian.PutUint32(r[offPropBytes:], uint32(len(props)))
	binary.LittleEndian.PutUint16(r[offIDBytes:], uint16(len(idStr)))
	binary.LittleEndian.PutUint16(r[offFlagRecs:], uint16(len(flags)))

	off := headerSize
	off += copy(r[off:], idStr)
	for _, f := range flags {
		binary.LittleEndian.PutUint64(r[off:], uint64(f.Reference))
		binary.LittleEndian.PutUint64(r[off+8:], uint64(f.Context))
		binary.LittleEndian.PutUint64(r[off+16:], uint64(f.Value))
		binary.LittleEndian.PutUint16(r[off+24:], uint16(f.Type))
		off += flagRecSize
	}
	if len(flags) > 0 {
		binary.LittleEndian.PutUint16(r[off:], uint16(FlagEOF))
		off += flagEOFSize
	}
	off += copy(r[off:], props)
	copy(r[off:], comp)

	return r, nil
}

// ID returns the 64-bit external id.
func (r Record) ID() int64 {
	return int64(binary.LittleEndian.Uint64(r[offID:]))
}

// LinID returns the dense per-partition ordinal.
func (r Record) LinID() int32 {
	return int32(binary.LittleEndian.Uint32(r[offLinID:]))
}

// Bytes returns the uncompressed event-stream size.
func (r Record) Bytes() int {
	return int(binary.LittleEndian.Uint32(r[offBytes:]))
}

// Comp returns the compressed event-stream size.
func (r Record) Comp() int {
	return int(binary.LittleEndian.Uint32(r[offComp:]))
}

// PropBytes returns the property blob size.
func (r Record) PropBytes() int {
	return int(binary.LittleEndian.Uint32(r[offPropBytes:]))
}

// IDBytes returns the id-string length.
func (r Record) IDBytes() int {
	return int(binary.LittleEndian.Uint16(r[offIDBytes:]))
}

// FlagRecords returns the number of flag records (the EOF marker is not
// counted).
func (r Record) FlagRecords() int {
	return int(binary.LittleEndian.Uint16(r[offFlagRecs:]))
}

func (r Record) flagBytes() int {
	n := r.FlagRecords()
	if n == 0 {
		return 0
	}
	return n*flagRecSize + flagEOFSize
}

// Size returns the expected total buffer size; it must equal len(r).
func (r Record) Size() int {
	return headerSize + r.IDBytes() + r.flagBytes() + r.PropBytes() + r.Comp()
}

// IDString returns the person's external id string.
func (r Record) IDString() string {
	return string(r[headerSize : headerSize+r.IDBytes()])
}

// Flags decodes the flag records. The terminating FlagEOF marker is
// checked but not returned.
func (r Record) Flags() ([]Flag, error) {
	n := r.FlagRecords()
	if n == 0 {
		return nil, nil
	}
	off := headerSize + r.IDBytes()
	out := make([]Flag, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, Flag{
			Reference: int64(binary.LittleEndian.Uint64(r[off:])),
			Context:   int64(binary.LittleEndian.Uint64(r[off+8:])),
			Value:     int64(binary.LittleEndian.Uint64(r[off+16:])),
			Type:      FlagType(binary.LittleEndian.Uint16(r[off+24:])),
		})
		off += flagRecSize
	}
	if FlagType(binary.LittleEndian.Uint16(r[off:])) != FlagEOF {
		return nil, errs.New(errs.BadRecord, "person %d: flag list not terminated", r.ID())
	}
	return out, nil
}

// Props returns the property blob region.
func (r Record) Props() []byte {
	off := headerSize + r.IDBytes() + r.flagBytes()
	return r[off : off+r.PropBytes()]
}

// CompData returns the compressed event-stream region.
func (r Record) CompData() []byte {
	off := headerSize + r.IDBytes() + r.flagBytes() + r.PropBytes()
	return r[off : off+r.Comp()]
}

// Events decompresses the event stream. When comp == bytes the stream was
// stored raw.
func (r Record) Events() ([]byte, error) {
	comp := r.CompData()
	size := r.Bytes()
	if size == len(comp) {
		out := make([]byte, size)
		copy(out, comp)
		return out, nil
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(comp, out)
	if err != nil || n != size {
		return nil, errs.New(errs.BadRecord, "person %d: corrupt event stream", r.ID())
	}
	return out, nil
}

// WithFlag returns a new record with the flag appended. Header, id,
// props, and events are copied unchanged; only the flag region is
// rewritten.
func (r Record) WithFlag(f Flag) (Record, error) {
	flags, err := r.Flags()
	if err != nil {
		return nil, err
	}
	flags = append(flags, f)
	return r.rebuildFlags(flags)
}

// WithoutFlag returns a new record with all flags matching (type,
// reference, context) removed.
func (r Record) WithoutFlag(t FlagType, reference, context int64) (Record, error) {
	flags, err := r.Flags()
	if err != nil {
		return nil, err
	}
	kept := flags[:0]
	for _, f := range flags {
		if f.Type == t && f.Reference == reference && f.Context == context {
			continue
		}
		kept = append(kept, f)
	}
	return r.rebuildFlags(kept)
}

func (r Record) rebuildFlags(flags []Flag) (Record, error) {
	flagBytes := 0
	if len(flags) > 0 {
		flagBytes = len(flags)*flagRecSize + flagEOFSize
	}
	size := headerSize + r.IDBytes() + flagBytes + r.PropBytes() + r.Comp()
	out := make(Record, size)

	copy(out[:headerSize], r[:headerSize])
	binary.LittleEndian.PutUint16(out[offFlagRecs:], uint16(len(flags)))

	off := headerSize
	off += copy(out[off:], r[headerSize:headerSize+r.IDBytes()])
	for _, f := range flags {
		binary.LittleEndian.PutUint64(out[off:], uint64(f.Reference))
		binary.LittleEndian.PutUint64(out[off+8:], uint64(f.Context))
		binary.LittleEndian.PutUint64(out[off+16:], uint64(f.Value))
		binary.LittleEndian.PutUint16(out[off+24:], uint16(f.Type))
		off += flagRecSize
	}
	if len(flags) > 0 {
		binary.LittleEndian.PutUint16(out[off:], uint16(FlagEOF))
		off += flagEOFSize
	}
	off += copy(out[off:], r.Props())
	copy(out[off:], r.CompData())
	return out, nil
}
