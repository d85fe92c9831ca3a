// Package statemachine implements the per-service state machine of
// spec.md §4.5: the {halted, ready, running, waiting, stopping, done} FSM
// whose transitions are gated by the condition aggregate, runlevel
// enablement, and the dirty flag, and which emits start/stop/signal to the
// Process Supervisor.
package statemachine

import (
	"errors"
	"syscall"
	"time"

	"github.com/finit-go/finit/internal/backoff"
	"github.com/finit-go/finit/internal/condition"
	"github.com/finit-go/finit/internal/ferr"
	"github.com/finit-go/finit/internal/hook"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
	"github.com/finit-go/finit/internal/service"
)

// Environment supplies the cross-cutting facts the machine's guards need,
// but does not itself own (runlevel, teardown-in-progress), per spec.md §9
// "model them as explicit context handed to every component; avoid hidden
// globals". Implemented by internal/runlevel and internal/reload.
type Environment interface {
	// CurrentRunlevel returns the active runlevel ('0'..'9' or 'S').
	CurrentRunlevel() byte
	// InTeardown reports whether a reload's fleet-wide teardown is
	// mid-flight; while true, halted→ready→running and SIGHUP-reload
	// transitions are refused (spec.md §4.6).
	InTeardown() bool
}

// StopTimeout is the default forced-kill timer duration (spec.md §4.4).
const StopTimeout = 5 * time.Second

// PidFileTimeout bounds how long a daemon-maintained pid file
// (PidFileOwnedByDaemon) may take to appear before the service is treated
// as a crash (spec.md §7). Pid files the supervisor writes itself are not
// timed.
const PidFileTimeout = 5 * time.Second

// Machine drives every service record through the FSM.
type Machine struct {
	log   *logging.Logger
	loop  *reactor.Loop
	reg   *registry.Registry
	cond  *condition.Store
	sup   *procsup.Supervisor
	back  *backoff.Policy
	hooks *hook.Registry
	env   Environment
}

// New constructs a Machine. All arguments must be non-nil.
func New(log *logging.Logger, loop *reactor.Loop, reg *registry.Registry, cond *condition.Store, sup *procsup.Supervisor, back *backoff.Policy, hooks *hook.Registry, env Environment) *Machine {
	m := &Machine{log: log, loop: loop, reg: reg, cond: cond, sup: sup, back: back, hooks: hooks, env: env}
	sup.OnPidFileEvent(m.handlePidFileEvent)
	return m
}

// OnConditionChange is registered as the condition.Store's Notifier; it
// schedules exactly one sweep per reactor turn (spec.md §5 ordering
// guarantee (c)).
func (m *Machine) OnConditionChange() {
	_ = m.loop.PostOnce("sweep", m.Sweep)
}

// Sweep steps every service in registration order, re-entering until a full
// pass produces no further change (spec.md §4.5 "Tie-breaking and
// ordering"; §5 ordering guarantee (d)).
func (m *Machine) Sweep() {
	for {
		changedAny := false
		m.reg.Each(func(rec *registry.Record) bool {
			if m.step(rec) {
				changedAny = true
			}
			return true
		})
		if !changedAny {
			return
		}
	}
}

func (m *Machine) enabled(rec *registry.Record) bool {
	return service.EnabledIn(rec.RunlevelMask, m.env.CurrentRunlevel())
}

func (m *Machine) aggregate(rec *registry.Record) condition.Value {
	return m.cond.Aggregate(rec.Conditions)
}

// step applies at most one transition to rec, returning whether it changed.
func (m *Machine) step(rec *registry.Record) bool {
	switch rec.State {
	case registry.Halted:
		return m.stepHalted(rec)
	case registry.Ready:
		return m.stepReady(rec)
	case registry.Running:
		return m.stepRunning(rec)
	case registry.Waiting:
		return m.stepWaiting(rec)
	case registry.Stopping:
		return false // driven by HandleExit / timer, not by sweeps
	case registry.Done:
		return m.stepDone(rec)
	default:
		return false
	}
}

func (m *Machine) stepHalted(rec *registry.Record) bool {
	if rec.Crashed {
		return false // requires explicit operator action (spec.md §4.5)
	}
	if m.env.InTeardown() {
		return false
	}
	if !m.enabled(rec) {
		return false
	}
	if rec.Missing || rec.Manual {
		return false
	}
	rec.State = registry.Ready
	m.log.Info().Str("service", rec.Name).Str("state", "ready").Log("service enabled for runlevel")
	return true
}

func (m *Machine) stepReady(rec *registry.Record) bool {
	if !m.enabled(rec) {
		rec.State = registry.Halted
		return true
	}
	if m.env.InTeardown() {
		return false
	}
	if rec.Kind.OneShot() && rec.Once {
		return false // already completed this runlevel (spec.md §3 invariant)
	}
	if m.aggregate(rec) != condition.On {
		return false
	}
	m.startService(rec)
	return true
}

func (m *Machine) stepRunning(rec *registry.Record) bool {
	agg := m.aggregate(rec)
	if !m.enabled(rec) || agg == condition.Off {
		m.beginStop(rec)
		return true
	}
	if agg == condition.Flux {
		rec.State = registry.Waiting
		if err := m.sup.SuspendGroup(rec.Pid); err != nil {
			m.log.Warning().Str("service", rec.Name).Err(err).Log("failed to SIGSTOP on flux")
		}
		m.log.Info().Str("service", rec.Name).Log("service suspended (condition flux)")
		return true
	}
	if rec.Dirty && agg == condition.On {
		if m.env.InTeardown() {
			return false
		}
		rec.Dirty = false
		if rec.SIGHUPCapable {
			if err := m.sup.Signal(rec.Pid, syscall.SIGHUP); err != nil {
				m.log.Warning().Str("service", rec.Name).Err(err).Log("SIGHUP delivery failed")
			}
			m.sup.TouchPidFile(rec.Definition)
			m.log.Notice().Str("service", rec.Name).Log("reloaded via SIGHUP")
		} else {
			m.beginStop(rec)
		}
		return true
	}
	return false
}

func (m *Machine) stepWaiting(rec *registry.Record) bool {
	agg := m.aggregate(rec)
	switch {
	case !m.enabled(rec) || agg == condition.Off:
		_ = m.sup.ResumeGroup(rec.Pid)
		m.beginStop(rec)
		return true
	case agg == condition.On:
		rec.State = registry.Running
		if err := m.sup.ResumeGroup(rec.Pid); err != nil {
			m.log.Warning().Str("service", rec.Name).Err(err).Log("failed to SIGCONT")
		}
		m.log.Info().Str("service", rec.Name).Log("service resumed")
		return true
	default:
		return false
	}
}

func (m *Machine) stepDone(rec *registry.Record) bool {
	if !rec.Dirty {
		return false
	}
	rec.Dirty = false
	rec.State = registry.Halted
	if rec.Kind == service.KindInetdConn {
		m.reg.Unregister(rec.ID)
	}
	return true
}

// startService performs the ready→running transition, forking/execing the
// process (spec.md §4.4 start()).
func (m *Machine) startService(rec *registry.Record) {
	pid, err := m.sup.Start(rec.Definition)
	if err != nil {
		m.handleStartFailure(rec, err)
		return
	}
	rec.Pid = pid
	rec.State = registry.Running
	rec.Missing = false
	m.log.Info().Str("service", rec.Name).Int("pid", pid).Log("service started")

	if rec.Kind == service.KindService && rec.PidFileOwnedByDaemon {
		m.armTimer(rec, PidFileTimeout, func() {
			if rec.State == registry.Running && rec.Pid == pid && m.cond.Get("pid/"+rec.Name) != condition.On {
				m.log.Err().Str("service", rec.Name).Log("pid file did not appear in time, treating as crash")
				m.onCrash(rec)
			}
		})
	}
}

func (m *Machine) handleStartFailure(rec *registry.Record, err error) {
	switch {
	case isMissingBinary(err):
		rec.Missing = true
		rec.State = registry.Halted
		m.log.Warning().Str("service", rec.Name).Log("binary missing, not counted against restart budget")
	default:
		m.log.Err().Str("service", rec.Name).Err(err).Log("start failed")
		m.onCrash(rec)
	}
}

// StopService forces rec out of running/waiting regardless of InTeardown,
// used by internal/reload's teardown phase (which needs services to stop
// even while InTeardown is true, unlike the ordinary Dirty/SIGHUP path in
// stepRunning) and by the control socket's explicit stop/restart commands.
// A no-op outside running/waiting.
func (m *Machine) StopService(rec *registry.Record) {
	if rec.State != registry.Running && rec.State != registry.Waiting {
		return
	}
	if rec.State == registry.Waiting {
		_ = m.sup.ResumeGroup(rec.Pid)
	}
	m.beginStop(rec)
}

// ResetCrash clears rec's crash-respawn bookkeeping, giving it a fresh
// restart budget (spec.md §3: "restart_cnt resets to 0 whenever the service
// leaves the halted-with-restarting-block condition"; §7: a crashed service
// "is only eligible for another attempt after an operator action (restart/
// reload) or after exiting and re-entering the runlevel"). Used by the
// control socket's restart handler, reload's startup phase, and a runlevel
// switch.
func (m *Machine) ResetCrash(rec *registry.Record) {
	rec.RestartCnt = 0
	rec.Crashed = false
	m.back.Reset(rec.ID)
}

// beginStop performs the running/waiting→stopping transition: SIGTERM plus
// a forced-kill timer (spec.md §4.4 stop()).
func (m *Machine) beginStop(rec *registry.Record) {
	rec.State = registry.Stopping
	if err := m.sup.Stop(rec.Pid); err != nil {
		m.log.Warning().Str("service", rec.Name).Err(err).Log("SIGTERM delivery failed")
	}
	pid := rec.Pid
	m.armTimer(rec, StopTimeout, func() {
		if rec.State == registry.Stopping && rec.Pid == pid {
			m.log.Err().Str("service", rec.Name).Log("stop timeout, sending SIGKILL")
			_ = m.sup.Kill(pid)
		}
	})
}

// armTimer replaces any outstanding timer for rec, upholding spec.md §3's
// "at most one outstanding timer per service" invariant; arming a restart
// timer cancels a stopping timer and vice versa, per spec.md §5.
func (m *Machine) armTimer(rec *registry.Record, d time.Duration, fn func()) {
	rec.TimerID++
	id := rec.TimerID
	_ = m.loop.ScheduleTimer(d, func() {
		if rec.TimerID == id {
			fn()
		}
	})
}

// HandleExit is invoked by the supervisor (on the reactor goroutine) when a
// process is reaped.
func (m *Machine) HandleExit(ev procsup.ExitEvent) {
	var rec *registry.Record
	m.reg.Each(func(r *registry.Record) bool {
		if r.Pid == ev.Pid {
			rec = r
			return false
		}
		return true
	})
	if rec == nil {
		return
	}
	rec.Pid = 0
	rec.TimerID++ // cancel any outstanding forced-kill/pidfile timer

	switch rec.State {
	case registry.Stopping:
		if rec.Kind.OneShot() {
			rec.State = registry.Done
			rec.Dirty = true
			if rec.Kind.OneShot() && ev.ExitCode == 0 {
				rec.Once = true
			}
		} else {
			rec.State = registry.Halted
		}
		m.log.Info().Str("service", rec.Name).Int("exit", ev.ExitCode).Log("service collected")
	case registry.Running, registry.Waiting:
		if rec.Kind.Respawns() && ev.ExitCode != 0 {
			m.onCrash(rec)
		} else if rec.Kind.OneShot() {
			rec.State = registry.Done
			rec.Dirty = true
			if ev.ExitCode == 0 {
				rec.Once = true
			}
		} else {
			rec.State = registry.Halted
		}
	default:
		rec.State = registry.Halted
	}
	_ = m.loop.PostOnce("sweep", m.Sweep)
}

// onCrash implements spec.md §4.5's crash-respawn loop: bump restart_cnt,
// go halted-with-restarting, and arm a back-off timer, unless the ceiling
// (enforced by internal/backoff) has been reached.
func (m *Machine) onCrash(rec *registry.Record) {
	rec.State = registry.Halted
	rec.RestartCnt++
	rec.LifetimeRestarts++

	if !m.back.Allow(rec.ID) {
		rec.Crashed = true
		m.log.Crit().Str("service", rec.Name).Int("restarts", rec.RestartCnt).Log("respawn ceiling reached, service marked crashed")
		return
	}

	delay := backoffDelay(rec.RestartCnt)
	m.log.Warning().Str("service", rec.Name).Int("attempt", rec.RestartCnt).Log("service crashed, scheduling respawn")
	m.armTimer(rec, delay, func() {
		_ = m.loop.PostOnce("sweep", m.Sweep)
	})
}

// handlePidFileEvent maps pid-file directory events onto pid/<name>
// conditions, per spec.md §4.4: create ⇒ on, delete ⇒ off, unexpected
// content ⇒ flux until settled.
func (m *Machine) handlePidFileEvent(ev procsup.PidFileEvent) {
	name := "pid/" + ev.Name
	switch ev.Kind {
	case procsup.PidFileCreated:
		_ = m.cond.Set(name)
		m.reconcilePid(ev)
	case procsup.PidFileDeleted:
		_ = m.cond.Clear(name)
	case procsup.PidFileGarbled:
		m.cond.Reassert(name)
	}
}

// reconcilePid applies spec.md §9's pid-file race rule: adopt the daemon's
// self-reported pid only if it is a descendant of the pid the supervisor
// itself forked.
func (m *Machine) reconcilePid(ev procsup.PidFileEvent) {
	var rec *registry.Record
	m.reg.Each(func(r *registry.Record) bool {
		if r.Name == ev.Name {
			rec = r
			return false
		}
		return true
	})
	if rec == nil || rec.Pid == 0 || ev.Pid == rec.Pid {
		return
	}
	if procsup.IsDescendant(ev.Pid, rec.Pid) { // exported wrapper over the /proc ancestry walk
		m.log.Info().Str("service", rec.Name).Int("was", rec.Pid).Int("now", ev.Pid).Log("adopted daemon-reported pid")
		rec.Pid = ev.Pid
	} else {
		m.log.Warning().Str("service", rec.Name).Int("supervisor_pid", rec.Pid).Int("reported_pid", ev.Pid).Log("pid file discrepancy ignored")
	}
}

func backoffDelay(attempt int) time.Duration {
	return backoff.Delay(attempt)
}

func isMissingBinary(err error) bool {
	return errors.Is(err, ferr.ErrMissingBinary)
}
