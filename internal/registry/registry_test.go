package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finit-go/finit/internal/service"
)

func def(cmd, num, name string) service.Definition {
	return service.Definition{ID: service.ID{Cmd: cmd, Num: num}, Name: name}
}

func TestRegistry_RegisterInsertsThenUpdatesInPlace(t *testing.T) {
	r := New()

	rec, isNew := r.Register(def("svc", "1", "alpha"))
	require.True(t, isNew)
	require.NotNil(t, rec)
	rec.State = Running
	rec.Pid = 4242

	rec2, isNew := r.Register(def("svc", "1", "alpha-renamed"))
	assert.False(t, isNew)
	assert.Same(t, rec, rec2, "re-registering the same ID must return the same pointer")
	assert.Equal(t, "alpha-renamed", rec2.Name)
	assert.Equal(t, Running, rec2.State, "State must survive a Definition update")
	assert.Equal(t, 4242, rec2.Pid)
}

func TestRegistry_Lookup(t *testing.T) {
	r := New()
	r.Register(def("svc", "1", "alpha"))

	rec, ok := r.Lookup(service.ID{Cmd: "svc", Num: "1"})
	require.True(t, ok)
	assert.Equal(t, "alpha", rec.Name)

	_, ok = r.Lookup(service.ID{Cmd: "svc", Num: "missing"})
	assert.False(t, ok)
}

func TestRegistry_LookupName_MatchesNameOrIDString(t *testing.T) {
	r := New()
	r.Register(def("svc", "1", "alpha"))

	rec, ok := r.LookupName("alpha")
	require.True(t, ok)
	assert.Equal(t, "svc:1", rec.ID.String())

	rec, ok = r.LookupName("svc:1")
	require.True(t, ok)
	assert.Equal(t, "alpha", rec.Name)

	_, ok = r.LookupName("nope")
	assert.False(t, ok)
}

func TestRegistry_Each_RegistrationOrder(t *testing.T) {
	r := New()
	r.Register(def("svc", "1", "first"))
	r.Register(def("svc", "2", "second"))
	r.Register(def("svc", "3", "third"))

	var names []string
	r.Each(func(rec *Record) bool {
		names = append(names, rec.Name)
		return true
	})
	assert.Equal(t, []string{"first", "second", "third"}, names)
}

func TestRegistry_Each_StopsEarly(t *testing.T) {
	r := New()
	r.Register(def("svc", "1", "first"))
	r.Register(def("svc", "2", "second"))

	var seen int
	r.Each(func(rec *Record) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}

func TestRegistry_MarkDirty(t *testing.T) {
	r := New()
	rec, _ := r.Register(def("svc", "1", "alpha"))
	assert.False(t, rec.Dirty)

	r.MarkDirty(service.ID{Cmd: "svc", Num: "1"})
	assert.True(t, rec.Dirty)

	// marking an unknown ID must be a silent no-op.
	r.MarkDirty(service.ID{Cmd: "svc", Num: "999"})
}

func TestRegistry_Unregister(t *testing.T) {
	r := New()
	r.Register(def("svc", "1", "first"))
	r.Register(def("svc", "2", "second"))

	r.Unregister(service.ID{Cmd: "svc", Num: "1"})
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup(service.ID{Cmd: "svc", Num: "1"})
	assert.False(t, ok)

	var names []string
	r.Each(func(rec *Record) bool {
		names = append(names, rec.Name)
		return true
	})
	assert.Equal(t, []string{"second"}, names)
}

func TestRegistry_SweepRemoved(t *testing.T) {
	r := New()
	keepRec, _ := r.Register(def("svc", "1", "keep"))
	removedRec, _ := r.Register(def("svc", "2", "removed"))
	keepRec.State = Running
	removedRec.State = Halted

	keep := map[service.ID]bool{keepRec.ID: true}
	removed := r.SweepRemoved(keep, func(rec *Record) bool {
		return rec.State == Halted || rec.State == Done
	})

	require.Len(t, removed, 1)
	assert.Equal(t, removedRec.ID, removed[0])
	assert.Equal(t, 1, r.Len())

	_, ok := r.Lookup(removedRec.ID)
	assert.False(t, ok)
}

func TestRegistry_SweepRemoved_WaitsForTerminalState(t *testing.T) {
	r := New()
	rec, _ := r.Register(def("svc", "1", "still-running"))
	rec.State = Running

	removed := r.SweepRemoved(nil, func(rec *Record) bool {
		return rec.State == Halted || rec.State == Done
	})
	assert.Empty(t, removed, "a record not yet in a terminal state must not be swept")
	assert.Equal(t, 1, r.Len())
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		Halted:   "halted",
		Ready:    "ready",
		Running:  "running",
		Waiting:  "waiting",
		Stopping: "stopping",
		Done:     "done",
	}
	for state, want := range tests {
		assert.Equal(t, want, state.String())
	}
}
