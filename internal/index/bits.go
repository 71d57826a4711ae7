// Package index implements the per-partition attribute store: compressed
// bitmaps over person linear-ids keyed by (column, value), named segment
// bitmaps with TTL/refresh metadata, and the text attribute blob.
// See doc.go for package documentation.
package index

import (
	"github.com/RoaringBitmap/roaring/v2"
	"github.com/pkg/errors"
)

// Bits is a bitmap over person linear-ids. An instance is owned by exactly
// one holder at a time; handoff into the attribute store is by Swap.
type Bits struct {
	bm *roaring.Bitmap
}

// NewBits returns an empty bitmap.
func NewBits() *Bits {
	return &Bits{bm: roaring.New()}
}

// Set sets the bit for a linear-id.
func (b *Bits) Set(linID int32) {
	b.bm.Add(uint32(linID))
}

// Unset clears the bit for a linear-id.
func (b *Bits) Unset(linID int32) {
	b.bm.Remove(uint32(linID))
}

// Test reports whether the bit for a linear-id is set.
func (b *Bits) Test(linID int32) bool {
	return b.bm.Contains(uint32(linID))
}

// Population returns the number of set bits below stop.
func (b *Bits) Population(stop int32) int64 {
	if stop <= 0 {
		return 0
	}
	return int64(b.bm.Rank(uint32(stop - 1)))
}

// LinearIter advances cursor to the next set bit strictly greater than the
// current cursor and below stop. It returns false when no such bit exists.
// Start iteration with cursor = -1.
func (b *Bits) LinearIter(cursor *int32, stop int32) bool {
	it := b.bm.Iterator()
	it.AdvanceIfNeeded(uint32(*cursor + 1))
	if !it.HasNext() {
		return false
	}
	next := int32(it.Next())
	if next >= stop {
		return false
	}
	*cursor = next
	return true
}

// OpCopy replaces this bitmap's contents with a copy of other's.
func (b *Bits) OpCopy(other *Bits) {
	b.bm = other.bm.Clone()
}

// OpAnd intersects in place.
func (b *Bits) OpAnd(other *Bits) {
	b.bm.And(other.bm)
}

// OpOr unions in place.
func (b *Bits) OpOr(other *Bits) {
	b.bm.Or(other.bm)
}

// OpAndNot subtracts other in place.
func (b *Bits) OpAndNot(other *Bits) {
	b.bm.AndNot(other.bm)
}

// OpNot complements in place over the linear-id domain [0, maxLinID).
func (b *Bits) OpNot(maxLinID int32) {
	if maxLinID <= 0 {
		b.bm.Clear()
		return
	}
	b.bm.Flip(0, uint64(maxLinID))
}

// Clone returns an independent copy.
func (b *Bits) Clone() *Bits {
	return &Bits{bm: b.bm.Clone()}
}

// Serialize returns the compressed wire form.
func (b *Bits) Serialize() ([]byte, error) {
	buf, err := b.bm.ToBytes()
	return buf, errors.Wrap(err, "serialize bits")
}

// DeserializeBits reconstructs a bitmap from its compressed form.
func DeserializeBits(buf []byte) (*Bits, error) {
	bm := roaring.New()
	if err := bm.UnmarshalBinary(buf); err != nil {
		return nil, errors.Wrap(err, "deserialize bits")
	}
	return &Bits{bm: bm}, nil
}
