// Package table defines the event table schema: sparse column allocation,
// column types, and name→id resolution. See doc.go for package documentation.
package table

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

// Schema limits. Column ids are sparse within [0, MaxColumns), the range
// the packed cell header's low 13 bits can address; a grid row carries at
// most GridColumns cells.
const (
	MaxColumns  = 8192
	GridColumns = 4096
)

// Reserved column ids. Every table is created with these; user columns are
// allocated above ColFirstUser.
const (
	ColStamp   = 0 // event timestamp, milliseconds
	ColAction  = 1 // the distinguished __action column
	ColUUID    = 2 // person external id
	ColSession = 3 // session group id, stamped on commit
	ColSegment = 4 // pseudo-column holding named segment bitmaps

	ColFirstUser = 8
)

// Names of the reserved columns.
const (
	NameStamp   = "__stamp"
	NameAction  = "__action"
	NameUUID    = "__uuid"
	NameSession = "__session"
	NameSegment = "segment"
)

// ColumnType enumerates the value types a column may hold. Text values are
// stored as 64-bit hashes into the attribute blob; doubles are stored as
// fixed-point integers scaled by 10,000.
type ColumnType int

const (
	TypeInt ColumnType = iota
	TypeDouble
	TypeText
	TypeBool
)

// String returns the schema name of the type.
func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeText:
		return "text"
	case TypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// ParseColumnType resolves a schema type name.
func ParseColumnType(s string) (ColumnType, error) {
	switch s {
	case "int":
		return TypeInt, nil
	case "double":
		return TypeDouble, nil
	case "text":
		return TypeText, nil
	case "bool":
		return TypeBool, nil
	}
	return 0, errors.Errorf("unknown column type %q", s)
}

// Column is one allocated schema column. The id is stable for the lifetime
// of the table; deleted ids are never reused.
type Column struct {
	Name string
	ID   int
	Type ColumnType
}

// Table holds the schema for one event table. Reads take the internal
// read lock; mutation is serialized by the async suspend/resume protocol
// plus the internal mutex.
type Table struct {
	name string

	mu      sync.RWMutex
	columns [MaxColumns]*Column
	byName  map[string]*Column
	nextID  int

	// Permissive tables auto-add unknown columns on insert, typed from
	// the inserted value, rather than rejecting the row.
	permissive bool

	// SessionTime is the default session gap in milliseconds used when a
	// grid has no per-query override.
	sessionTime int64
}

// DefaultSessionTime is the default session gap: thirty minutes.
const DefaultSessionTime = int64(30 * 60 * 1000)

// New creates a table pre-populated with the reserved columns.
func New(name string) *Table {
	t := &Table{
		name:        name,
		byName:      make(map[string]*Column),
		nextID:      ColFirstUser,
		sessionTime: DefaultSessionTime,
	}

	reserved := []struct {
		name string
		id   int
		typ  ColumnType
	}{
		{NameStamp, ColStamp, TypeInt},
		{NameAction, ColAction, TypeText},
		{NameUUID, ColUUID, TypeText},
		{NameSession, ColSession, TypeInt},
		{NameSegment, ColSegment, TypeText},
	}
	for _, r := range reserved {
		c := &Column{Name: r.name, ID: r.id, Type: r.typ}
		t.columns[r.id] = c
		t.byName[r.name] = c
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// SetPermissive toggles auto-adding of unknown columns on insert.
func (t *Table) SetPermissive(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.permissive = on
}

// Permissive reports whether unknown insert columns are auto-added.
func (t *Table) Permissive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.permissive
}

// SessionTime returns the default session gap in milliseconds.
func (t *Table) SessionTime() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionTime
}

// SetSessionTime overrides the default session gap.
func (t *Table) SetSessionTime(ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionTime = ms
}

// AddColumn allocates a column with the lowest free id at or above
// ColFirstUser. Adding an existing name with the same type is idempotent;
// a type conflict is an error. Schema changes must run under the async
// suspend protocol.
func (t *Table) AddColumn(name string, typ ColumnType) (*Column, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byName[name]; ok {
		if c.Type != typ {
			return nil, errors.Errorf("column %q exists with type %s", name, c.Type)
		}
		return c, nil
	}

	for id := t.nextID; id < MaxColumns; id++ {
		if t.columns[id] == nil {
			c := &Column{Name: name, ID: id, Type: typ}
			t.columns[id] = c
			t.byName[name] = c
			t.nextID = id + 1
			return c, nil
		}
	}
	return nil, errors.Errorf("schema full: cannot allocate column %q", name)
}

// GetColumn resolves a column by name.
func (t *Table) GetColumn(name string) (*Column, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.byName[name]
	return c, ok
}

// GetColumnByID resolves a column by schema id.
func (t *Table) GetColumnByID(id int) (*Column, bool) {
	if id < 0 || id >= MaxColumns {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := t.columns[id]
	return c, c != nil
}

// Columns returns a snapshot of all allocated columns in id order.
func (t *Table) Columns() []*Column {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Column, 0, len(t.byName))
	for id := 0; id < MaxColumns; id++ {
		if t.columns[id] != nil {
			out = append(out, t.columns[id])
		}
	}
	return out
}

// ColumnCount returns the number of allocated columns.
func (t *Table) ColumnCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// MakeHash hashes a string to the signed 64-bit value space used for text
// cells, attribute keys, literals, and segment names.
func MakeHash(s string) int64 {
	return int64(xxhash.Sum64String(s))
}
