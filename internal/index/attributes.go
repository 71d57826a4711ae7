package index

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// hotCacheSize bounds the number of recently touched attributes kept
// decompressed.
const hotCacheSize = 256

// Attr is one stored attribute: the compressed bitmap of linear-ids having
// a given (column, value) pair, or a named segment under the segment
// pseudo-column. While an attribute is being built it holds live bits;
// Compact folds live bits back into the compressed form.
type Attr struct {
	Col  int
	Val  int64
	Text string // original text for text values and segment names

	comp []byte // compressed form, nil while live
	live *Bits  // live form, nil once compacted
}

// attrKey addresses an attribute within a partition.
type attrKey struct {
	col int
	val int64
}

// SegmentInfo carries the cache metadata for a named segment bitmap.
type SegmentInfo struct {
	TTL          int64 // ms; -1 means no TTL
	Refresh      int64 // ms; -1 means no auto refresh
	LastComputed int64 // ms epoch of last store
}

// Expired reports whether the segment's TTL has lapsed.
func (s *SegmentInfo) Expired(now int64) bool {
	if s.TTL < 0 {
		return false
	}
	return now > s.LastComputed+s.TTL
}

// Refreshable reports whether the segment is due for recompute.
func (s *SegmentInfo) Refreshable(now int64) bool {
	if s.Refresh < 0 {
		return false
	}
	return now > s.LastComputed+s.Refresh
}

// Attributes is the per-partition (column, value) → bitmap store. It is
// owned by the partition's worker; no locking is performed here, and
// cross-worker access is a bug.
type Attributes struct {
	byCol    map[int]map[int64]*Attr
	blob     *Blob
	segments map[string]*SegmentInfo
	hot      *lru.Cache[attrKey, *Bits]
}

// NewAttributes creates an empty store.
func NewAttributes() *Attributes {
	hot, _ := lru.New[attrKey, *Bits](hotCacheSize)
	return &Attributes{
		byCol:    make(map[int]map[int64]*Attr),
		blob:     NewBlob(),
		segments: make(map[string]*SegmentInfo),
		hot:      hot,
	}
}

// Blob returns the partition's text attribute blob.
func (a *Attributes) Blob() *Blob {
	return a.blob
}

// Get returns the attribute for (col, val) or nil.
func (a *Attributes) Get(col int, val int64) *Attr {
	m := a.byCol[col]
	if m == nil {
		return nil
	}
	return m[val]
}

// GetMake returns the attribute for (col, val), creating it if absent.
func (a *Attributes) GetMake(col int, val int64) *Attr {
	m := a.byCol[col]
	if m == nil {
		m = make(map[int64]*Attr)
		a.byCol[col] = m
	}
	at := m[val]
	if at == nil {
		at = &Attr{Col: col, Val: val, live: NewBits()}
		m[val] = at
	}
	return at
}

// SetText records the text form of a value alongside its attribute and in
// the blob, so results can be rendered back to strings.
func (a *Attributes) SetText(col int, val int64, text string) {
	at := a.GetMake(col, val)
	if at.Text == "" {
		at.Text = text
	}
	a.blob.Set(val, text)
}

// Set marks linID as having (col, val).
func (a *Attributes) Set(col int, val int64, linID int32) {
	at := a.GetMake(col, val)
	if at.live == nil {
		bits, err := a.GetBits(at)
		if err != nil {
			// A corrupt stored bitmap loses history for this one value;
			// rebuilding from live inserts is the least-bad recovery.
			bits = NewBits()
		}
		at.live = bits
		at.comp = nil
	}
	at.live.Set(linID)
	a.hot.Remove(attrKey{col, val})
}

// GetBits decompresses (or copies) the attribute's bitmap into a fresh
// Bits owned by the caller.
func (a *Attributes) GetBits(at *Attr) (*Bits, error) {
	if at.live != nil {
		return at.live.Clone(), nil
	}
	if hit, ok := a.hot.Get(attrKey{at.Col, at.Val}); ok {
		return hit.Clone(), nil
	}
	if at.comp == nil {
		return NewBits(), nil
	}
	bits, err := DeserializeBits(at.comp)
	if err != nil {
		return nil, errors.Wrapf(err, "attribute (%d,%d)", at.Col, at.Val)
	}
	a.hot.Add(attrKey{at.Col, at.Val}, bits.Clone())
	return bits, nil
}

// Swap replaces the stored bitmap for (col, val) with the caller's bits,
// taking ownership. The previous bitmap, if any, is returned for disposal.
func (a *Attributes) Swap(col int, val int64, bits *Bits) *Bits {
	at := a.GetMake(col, val)
	var prev *Bits
	if at.live != nil {
		prev = at.live
	} else if at.comp != nil {
		prev, _ = DeserializeBits(at.comp)
	}

	buf, err := bits.Serialize()
	if err != nil {
		// fall back to holding the live bits
		at.live = bits
		at.comp = nil
	} else {
		at.comp = buf
		at.live = nil
	}
	a.hot.Remove(attrKey{col, val})
	return prev
}

// Compact folds all live attribute bitmaps into their compressed form.
// Called from the partition's idle maintenance.
func (a *Attributes) Compact() {
	for _, m := range a.byCol {
		for _, at := range m {
			if at.live == nil {
				continue
			}
			if buf, err := at.live.Serialize(); err == nil {
				at.comp = buf
				at.live = nil
			}
		}
	}
}

// ColumnValues returns the attributes recorded for a column. The returned
// slice is partition-owned; callers must not retain it across yields.
func (a *Attributes) ColumnValues(col int) []*Attr {
	m := a.byCol[col]
	if m == nil {
		return nil
	}
	out := make([]*Attr, 0, len(m))
	for _, at := range m {
		out = append(out, at)
	}
	return out
}

// SetSegmentTTL stamps the named segment's TTL and marks it computed now.
func (a *Attributes) SetSegmentTTL(name string, ttl, now int64) {
	info := a.segments[name]
	if info == nil {
		info = &SegmentInfo{TTL: -1, Refresh: -1}
		a.segments[name] = info
	}
	info.TTL = ttl
	info.LastComputed = now
}

// SetSegmentRefresh sets the named segment's refresh interval.
func (a *Attributes) SetSegmentRefresh(name string, refresh int64) {
	info := a.segments[name]
	if info == nil {
		info = &SegmentInfo{TTL: -1, Refresh: -1}
		a.segments[name] = info
	}
	info.Refresh = refresh
}

// Segment returns the metadata for a named segment, or nil.
func (a *Attributes) Segment(name string) *SegmentInfo {
	return a.segments[name]
}

// IsSegmentExpiredTTL reports whether the named segment is absent or past
// its TTL.
func (a *Attributes) IsSegmentExpiredTTL(name string, now int64) bool {
	info := a.segments[name]
	if info == nil {
		return true
	}
	return info.Expired(now)
}

// SegmentNames lists segments with stored metadata.
func (a *Attributes) SegmentNames() []string {
	out := make([]string, 0, len(a.segments))
	for name := range a.segments {
		out = append(out, name)
	}
	return out
}
