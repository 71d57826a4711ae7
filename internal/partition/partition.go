// Package partition owns the per-partition state: the dense linear-id →
// person table, the attribute/index store, the trigger registry, and the
// deletion flag the cooperative loop observes. See doc.go for package
// documentation.
package partition

import (
	"sync/atomic"

	"github.com/aargor/openset/internal/index"
	"github.com/aargor/openset/internal/person"
	"github.com/aargor/openset/internal/table"
	"github.com/aargor/openset/internal/trigger"
)

// Partition is one shard of the person space. All mutable state except
// the two atomics is owned by the partition's async worker; cross-worker
// access to People or Attributes is a bug.
type Partition struct {
	ID int

	People     *People
	Attributes *index.Attributes
	Triggers   *trigger.Registry

	// RealtimeCells counts cells that must never be starved (trigger
	// follow-ups). Incremented and decremented outside the partition's
	// cooperative context, hence atomic.
	RealtimeCells atomic.Int32

	// markedForDeletion begins tear-down: no new cells are accepted and
	// existing cells observe it on their next yield point. Physical free
	// happens on the owning worker's next idle check.
	markedForDeletion atomic.Bool
}

// NewPartition creates empty partition state.
func NewPartition(id int) *Partition {
	return &Partition{
		ID:         id,
		People:     NewPeople(),
		Attributes: index.NewAttributes(),
		Triggers:   trigger.NewRegistry(),
	}
}

// MarkForDeletion flags the partition for tear-down.
func (p *Partition) MarkForDeletion() {
	p.markedForDeletion.Store(true)
}

// MarkedForDeletion reports whether tear-down has begun.
func (p *Partition) MarkedForDeletion() bool {
	return p.markedForDeletion.Load()
}

// SetSegmentTTL stamps segment TTL metadata; see index.Attributes.
func (p *Partition) SetSegmentTTL(name string, ttl, now int64) {
	p.Attributes.SetSegmentTTL(name, ttl, now)
}

// SetSegmentRefresh stamps segment refresh metadata.
func (p *Partition) SetSegmentRefresh(name string, refresh int64) {
	p.Attributes.SetSegmentRefresh(name, refresh)
}

// IsSegmentExpiredTTL reports whether a named segment is absent or stale.
func (p *Partition) IsSegmentExpiredTTL(name string, now int64) bool {
	return p.Attributes.IsSegmentExpiredTTL(name, now)
}

// People is the dense per-partition person table: linear-ids are assigned
// on first sight, never reused within the partition's lifetime, and index
// directly into the records slice.
type People struct {
	byID    map[int64]int32 // external id hash -> linear id
	records []person.Record // linear id -> packed record
}

// NewPeople creates an empty person table.
func NewPeople() *People {
	return &People{byID: make(map[int64]int32)}
}

// Count returns the number of persons ever seen; linear-ids are dense in
// [0, Count).
func (pp *People) Count() int32 {
	return int32(len(pp.records))
}

// GetByLIN returns the packed record for a linear-id, or nil.
func (pp *People) GetByLIN(linID int32) person.Record {
	if linID < 0 || int(linID) >= len(pp.records) {
		return nil
	}
	return pp.records[linID]
}

// FindByID returns the linear-id for an external id hash.
func (pp *People) FindByID(id int64) (int32, bool) {
	lin, ok := pp.byID[id]
	return lin, ok
}

// GetMake returns the linear-id for an external id, assigning the next
// dense ordinal on first sight. The record slot starts nil until the
// first commit stores it.
func (pp *People) GetMake(idStr string) int32 {
	id := table.MakeHash(idStr)
	if lin, ok := pp.byID[id]; ok {
		return lin
	}
	lin := int32(len(pp.records))
	pp.byID[id] = lin
	pp.records = append(pp.records, nil)
	return lin
}

// Replace stores the canonical record for a linear-id, returning the
// previous buffer.
func (pp *People) Replace(linID int32, rec person.Record) person.Record {
	prev := pp.records[linID]
	pp.records[linID] = rec
	return prev
}
