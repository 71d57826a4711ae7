// Package trigger holds the per-partition trigger registry and the
// message bus the interpreter's emit marshal feeds. Trigger dispatch to
// external subscribers is out of scope for the core; this package is the
// surface the core consumes.
package trigger

import (
	"github.com/aargor/openset/internal/table"
)

// Trigger is one registered behavioral trigger.
type Trigger struct {
	ID   int64 // hash of the trigger name
	Name string
}

// Message is one emitted trigger event, queued for the (external)
// dispatch layer.
type Message struct {
	TriggerID int64
	PersonID  string
	Name      string
	Stamp     int64
}

// Registry is a partition-local trigger set plus the pending message
// queue. It is owned by the partition's worker; no locking.
type Registry struct {
	triggers map[int64]*Trigger
	pending  []Message
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{triggers: make(map[int64]*Trigger)}
}

// Register adds a trigger by name, returning its id.
func (r *Registry) Register(name string) int64 {
	id := table.MakeHash(name)
	if _, ok := r.triggers[id]; !ok {
		r.triggers[id] = &Trigger{ID: id, Name: name}
	}
	return id
}

// Get returns a trigger by id.
func (r *Registry) Get(id int64) (*Trigger, bool) {
	t, ok := r.triggers[id]
	return t, ok
}

// Emit queues a message for dispatch.
func (r *Registry) Emit(m Message) {
	r.pending = append(r.pending, m)
}

// DrainMessages returns and clears the pending queue.
func (r *Registry) DrainMessages() []Message {
	out := r.pending
	r.pending = nil
	return out
}

// Len returns the number of registered triggers.
func (r *Registry) Len() int {
	return len(r.triggers)
}
