// Package registry implements the service registry of spec.md §4.3: a
// linear, registration-ordered collection of service records indexed by
// (cmd, id), supporting insertion, lookup, iteration, and a dirty-sweep
// removal pass used by the reload engine.
//
// Grounded on eventloop's registry.go, which tracks FD registrations in
// insertion order behind a single mutex with the same insert/lookup/iterate/
// remove shape; this package generalizes that to service.Record instead of
// FD state.
package registry

import (
	"sync"

	"github.com/finit-go/finit/internal/service"
)

// Record is the mutable, in-process record for one service instance.
// Identity (ID) never changes after insertion. All other fields are owned
// by the state machine / supervisor and mutated in place so that the
// registry's pointer identity survives reload (spec.md §4.3 "update an
// existing record in place, preserving pid, state, counters").
type Record struct {
	service.Definition

	State State

	Pid       int
	StartedAt int64 // unix nanos, 0 if not running

	RestartCnt     int
	LifetimeRestarts int
	Crashed        bool
	Missing        bool
	Once           bool

	Dirty bool // set during reload, cleared once the FSM has acted

	// TimerID is the generation counter of this record's single timer slot
	// (spec.md §3 invariant "at most one outstanding timer per service").
	// Owned by internal/statemachine, which bumps it to arm a new timer or
	// cancel the outstanding one; a timer only acts if TimerID still holds
	// the value it was armed with. It is never reset to zero.
	TimerID uint64
}

// State is the per-service FSM state of spec.md §4.5.
type State int

const (
	Halted State = iota
	Ready
	Running
	Waiting
	Stopping
	Done
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Waiting:
		return "waiting"
	case Stopping:
		return "stopping"
	case Done:
		return "done"
	default:
		return "halted"
	}
}

// Registry owns the collection of Records, in registration order.
type Registry struct {
	mu      sync.Mutex
	order   []service.ID   // registration order, for deterministic sweeps
	records map[service.ID]*Record
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{records: make(map[service.ID]*Record)}
}

// Register inserts a new record, or updates an existing one's Definition in
// place (preserving Pid/State/counters), returning the live *Record and
// whether it was newly created.
func (r *Registry) Register(def service.Definition) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[def.ID]; ok {
		rec.Definition = def
		return rec, false
	}
	rec := &Record{Definition: def}
	r.records[def.ID] = rec
	r.order = append(r.order, def.ID)
	return rec, true
}

// Lookup returns the record for id, if present.
func (r *Registry) Lookup(id service.ID) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

// LookupName finds the first record whose Name or ID string matches name.
func (r *Registry) LookupName(name string) (*Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		rec := r.records[id]
		if rec == nil {
			continue
		}
		if rec.Name == name || rec.ID.String() == name {
			return rec, true
		}
	}
	return nil, false
}

// Each iterates every record in registration order. The callback must not
// mutate the registry (register/unregister); it may mutate the record it is
// given. Iteration stops early if fn returns false.
func (r *Registry) Each(fn func(*Record) bool) {
	r.mu.Lock()
	ids := append([]service.ID(nil), r.order...)
	r.mu.Unlock()
	for _, id := range ids {
		r.mu.Lock()
		rec, ok := r.records[id]
		r.mu.Unlock()
		if !ok {
			continue
		}
		if !fn(rec) {
			return
		}
	}
}

// MarkDirty sets the Dirty flag on id's record, if present.
func (r *Registry) MarkDirty(id service.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[id]; ok {
		rec.Dirty = true
	}
}

// Unregister removes id from the registry. It is the caller's
// responsibility (the reload engine) to have already driven the record to
// a terminal state.
func (r *Registry) Unregister(id service.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return
	}
	delete(r.records, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// SweepRemoved unregisters every record whose ID is not present in keep,
// per spec.md §4.6 step 6; the Dirty flag is not consulted. Records are only
// swept if pred(rec) reports true (normally: "reached a terminal state"),
// mirroring the reload engine's "wait until collected" ordering.
func (r *Registry) SweepRemoved(keep map[service.ID]bool, pred func(*Record) bool) []service.ID {
	var removed []service.ID
	r.Each(func(rec *Record) bool {
		if !keep[rec.ID] && pred(rec) {
			removed = append(removed, rec.ID)
		}
		return true
	})
	for _, id := range removed {
		r.Unregister(id)
	}
	return removed
}

// Len reports the number of registered records.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
