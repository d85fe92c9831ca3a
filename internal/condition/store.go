// Package condition implements the hierarchical tri-state condition store
// of spec.md §4.2: a slash-delimited name space of {on, off, flux} values,
// with prefix-scoped reassert/deassert and csv aggregation.
//
// Shaped like a single mutex-guarded map with explicit construction and no
// package-level state, the same "owning collection with linear iteration"
// style internal/registry uses.
package condition

import (
	"sort"
	"strings"
	"sync"

	"github.com/finit-go/finit/internal/ferr"
	"github.com/finit-go/finit/internal/logging"
)

// Value is the tri-state value of a condition.
type Value int

const (
	Off Value = iota
	On
	Flux
)

func (v Value) String() string {
	switch v {
	case On:
		return "on"
	case Flux:
		return "flux"
	default:
		return "off"
	}
}

// Notifier is called once after every operation that changed at least one
// value, matching spec.md §4.2 ("the store notifies the state machine via a
// deferred work item") — the deferral and coalescing are the caller's
// responsibility (see internal/reactor), this callback simply marks "dirty".
type Notifier func()

// Store is the condition store. Zero value is not usable; use New.
type Store struct {
	mu     sync.Mutex
	values map[string]Value
	log    *logging.Logger
	notify Notifier
}

// New constructs an empty Store. log and notify may not be nil; pass
// logging.Nop() and a no-op func() for tests that don't care.
func New(log *logging.Logger, notify Notifier) *Store {
	return &Store{
		values: make(map[string]Value),
		log:    log,
		notify: notify,
	}
}

// ValidName reports whether name satisfies spec.md §3: nonempty,
// slash-delimited, components drawn from [A-Za-z0-9._-], and no "." or ".."
// component.
func ValidName(name string) bool {
	if name == "" {
		return false
	}
	parts := strings.Split(name, "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return false
		}
		for i := 0; i < len(p); i++ {
			c := p[i]
			switch {
			case c >= 'A' && c <= 'Z':
			case c >= 'a' && c <= 'z':
			case c >= '0' && c <= '9':
			case c == '.' || c == '_' || c == '-':
			default:
				return false
			}
		}
	}
	return true
}

// Get returns the condition's value; a missing name is Off, per spec.md §4.2.
func (s *Store) Get(name string) Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[name]
}

// Set marks name On, creating the entry if needed.
func (s *Store) Set(name string) error {
	if !ValidName(name) {
		return ferr.ErrInvalidCondition
	}
	s.mu.Lock()
	changed := s.values[name] != On
	s.values[name] = On
	s.mu.Unlock()
	if changed {
		s.log.Debug().Str("condition", name).Str("value", "on").Log("condition set")
		s.fireLocked()
	}
	return nil
}

// Clear marks name Off.
func (s *Store) Clear(name string) error {
	if !ValidName(name) {
		return ferr.ErrInvalidCondition
	}
	s.mu.Lock()
	changed := s.values[name] != Off
	s.values[name] = Off
	s.mu.Unlock()
	if changed {
		s.log.Debug().Str("condition", name).Str("value", "off").Log("condition cleared")
		s.fireLocked()
	}
	return nil
}

// Reassert marks every existing condition whose name begins with prefix as
// Flux, deferring the on/off decision to a subsequent Set/Clear. Used by
// plugins (e.g. a netlink resync) to freeze dependents rather than stop
// them while the true value is being recomputed.
func (s *Store) Reassert(prefix string) {
	s.mu.Lock()
	var changed bool
	for name, v := range s.values {
		if hasPrefix(name, prefix) && v != Flux {
			s.values[name] = Flux
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.log.Debug().Str("prefix", prefix).Log("conditions reasserted to flux")
		s.fireLocked()
	}
}

// DeassertSubtree clears every condition whose name has the given prefix,
// in one atomic step (spec.md §3, §4.2).
func (s *Store) DeassertSubtree(prefix string) {
	s.mu.Lock()
	var changed bool
	for name, v := range s.values {
		if hasPrefix(name, prefix) && v != Off {
			s.values[name] = Off
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.log.Debug().Str("prefix", prefix).Log("conditions deasserted")
		s.fireLocked()
	}
}

// hasPrefix implements the "begins with p/" rule: prefix may or may not
// carry a trailing slash; a bare condition name equal to the prefix with
// the slash stripped also matches, mirroring typical finit condition
// directory semantics (clearing "net/eth0" clears "net/eth0/up" too).
func hasPrefix(name, prefix string) bool {
	p := strings.TrimSuffix(prefix, "/")
	return name == p || strings.HasPrefix(name, p+"/")
}

// Aggregate applies spec.md §3's rule over a comma-separated dependency
// list: Off if any dependency is Off, else Flux if any is Flux, else On.
// An empty list aggregates to On (no dependencies means always satisfied).
func (s *Store) Aggregate(csv string) Value {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return On
	}
	names := strings.Split(csv, ",")
	sort.Strings(names) // evaluation order must not matter (spec.md §8 invariant 6); sorting makes that explicit
	result := On
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		switch s.Get(n) {
		case Off:
			return Off
		case Flux:
			result = Flux
		}
	}
	return result
}

// fireLocked invokes the notifier after the store's lock has been released.
// It calls notify on every change; the store does no coalescing of its own
// (the reactor's posted-work-item idempotence handles the de-dup; see
// internal/reactor.Loop.PostOnce).
func (s *Store) fireLocked() {
	if s.notify != nil {
		s.notify()
	}
}
