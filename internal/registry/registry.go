// Package registry assigns stable numeric ids to user and server names.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinytelemetry/qlprof/internal/model"
)

// ErrRegistryConflict is the sentinel wrapped by *ConflictError.
var ErrRegistryConflict = errors.New("registry conflict")

// ConflictError reports a name already bound to another id, or an id
// already held by another name (Holder).
type ConflictError struct {
	Kind     string
	Name     string
	Existing int64
	Proposed int64
	Holder   string
}

func (e *ConflictError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("registry %s: id %d for %q is already held by %q", e.Kind, e.Proposed, e.Name, e.Holder)
	}
	return fmt.Sprintf("registry %s: %q is bound to id %d, cannot bind %d", e.Kind, e.Name, e.Existing, e.Proposed)
}

func (e *ConflictError) Unwrap() error { return ErrRegistryConflict }

// Registry maps names to ids. Ids are assigned in two phases: Resolve
// reserves an id for an unseen name, Commit makes the reservations
// permanent once the owning table has been persisted.
type Registry struct {
	mu        sync.Mutex
	kind      string
	committed map[string]int64
	pending   map[string]int64
	order     []string
	next      int64
}

// New creates a registry seeded with persisted entries. The next id is one
// past the largest seeded id.
func New(kind string, seed map[string]int64) (*Registry, error) {
	r := &Registry{
		kind:      kind,
		committed: make(map[string]int64, len(seed)),
		pending:   make(map[string]int64),
	}

	owners := make(map[int64]string, len(seed))
	for _, name := range sortedNames(seed) {
		id := seed[name]
		if other, ok := owners[id]; ok {
			return nil, &ConflictError{Kind: kind, Name: name, Proposed: id, Holder: other}
		}
		owners[id] = name
		r.committed[name] = id
		if id >= r.next {
			r.next = id + 1
		}
	}
	return r, nil
}

// Kind returns the registry kind ("users" or "servers").
func (r *Registry) Kind() string { return r.kind }

// Resolve returns the id for name, reserving a new one if the name has not
// been seen. isNew is true only on the call that made the reservation.
func (r *Registry) Resolve(name string) (id int64, isNew bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.committed[name]; ok {
		return id, false
	}
	if id, ok := r.pending[name]; ok {
		return id, false
	}
	id = r.next
	r.next++
	r.pending[name] = id
	r.order = append(r.order, name)
	return id, true
}

// Lookup returns the committed or reserved id for name.
func (r *Registry) Lookup(name string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.committed[name]; ok {
		return id, true
	}
	id, ok := r.pending[name]
	return id, ok
}

// Pending returns the reserved entries in the order they were first seen.
func (r *Registry) Pending() []model.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingLocked()
}

// Commit promotes all reservations and returns them in insertion order.
func (r *Registry) Commit() []model.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.pendingLocked()
	for _, e := range entries {
		r.committed[e.Name] = e.ID
	}
	r.pending = make(map[string]int64)
	r.order = nil
	return entries
}

// Rollback drops all reservations. The id counter is not rewound, so
// dropped ids are never handed out again.
func (r *Registry) Rollback() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = make(map[string]int64)
	r.order = nil
}

// Len returns the number of committed entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func (r *Registry) pendingLocked() []model.RegistryEntry {
	entries := make([]model.RegistryEntry, 0, len(r.order))
	for _, name := range r.order {
		entries = append(entries, model.RegistryEntry{Name: name, ID: r.pending[name]})
	}
	return entries
}

func sortedNames(m map[string]int64) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
