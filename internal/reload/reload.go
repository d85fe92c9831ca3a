// Package reload implements the Reload Engine of spec.md §4.6: diffing a
// freshly loaded config.Source against the live registry, tearing down
// removed/changed services, then starting the new configuration.
package reload

import (
	"context"
	"fmt"

	"github.com/finit-go/finit/internal/condition"
	"github.com/finit-go/finit/internal/config"
	"github.com/finit-go/finit/internal/ferr"
	"github.com/finit-go/finit/internal/hook"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
	"github.com/finit-go/finit/internal/service"
)

// Driver is the subset of statemachine.Machine a reload needs: stepping the
// registry, and forcing a specific record to stop even while InTeardown is
// true (teardownPhase's restart/removed targets must actually quiesce, not
// wait for stepRunning's ordinary Dirty/SIGHUP path, which itself refuses to
// act while InTeardown is true).
type Driver interface {
	Sweep()
	StopService(rec *registry.Record)
	ResetCrash(rec *registry.Record)
}

// Engine drives spec.md §4.6's diff/teardown/startup sequence. It implements
// statemachine.Environment's InTeardown half; CurrentRunlevel is supplied by
// internal/runlevel. Engine itself does not look at the runlevel: which
// services run once the new definitions are live is left to the state
// machine's sweep.
type Engine struct {
	log    *logging.Logger
	loop   *reactor.Loop
	reg    *registry.Registry
	cond   *condition.Store
	hooks  *hook.Registry
	drv    Driver
	source config.Source

	teardown bool
}

// New constructs an Engine.
func New(log *logging.Logger, loop *reactor.Loop, reg *registry.Registry, cond *condition.Store, hooks *hook.Registry, drv Driver, source config.Source) *Engine {
	return &Engine{log: log, loop: loop, reg: reg, cond: cond, hooks: hooks, drv: drv, source: source}
}

// InTeardown reports whether a reload's teardown phase is mid-flight,
// satisfying statemachine.Environment.
func (e *Engine) InTeardown() bool { return e.teardown }

// diff classifies incoming definitions against the live registry.
type diff struct {
	fresh     []service.Definition // new, not previously registered
	unchanged []service.Definition // identical to the live definition
	sighup    []service.Definition // changed but restart-safe
	restart   []service.Definition // changed, requires stop/start
	removed   []service.ID         // live records absent from the new set
}

// Reload performs one full diff/teardown/startup cycle (spec.md §4.6).
// Returns ferr.ErrReloadConflict, leaving the registry untouched, if the new
// definitions contain a duplicate (cmd, id) pair.
func (e *Engine) Reload(ctx context.Context) error {
	defs, err := e.source.Load(ctx)
	if err != nil {
		return fmt.Errorf("finit: reload: load config: %w", err)
	}

	seen := make(map[service.ID]bool, len(defs))
	for _, d := range defs {
		if seen[d.ID] {
			return ferr.ErrReloadConflict
		}
		seen[d.ID] = true
	}

	d := e.classify(defs, seen)

	e.log.Notice().Int("fresh", len(d.fresh)).Int("changed", len(d.sighup)+len(d.restart)).Int("removed", len(d.removed)).Log("reload: config diff computed")

	e.teardownPhase(d)
	if err := e.hooks.Run(ctx, hook.PointSvcReconf); err != nil {
		e.log.Err().Err(err).Log("reload: svc-reconf hook failed")
	}
	e.startupPhase(d)

	e.sweepRemoved(seen)
	e.teardown = false
	e.drv.Sweep()
	return nil
}

func (e *Engine) classify(defs []service.Definition, seen map[service.ID]bool) diff {
	var d diff
	for _, def := range defs {
		rec, existed := e.reg.Lookup(def.ID)
		switch {
		case !existed:
			d.fresh = append(d.fresh, def)
		case rec.Definition.Equal(def):
			d.unchanged = append(d.unchanged, def)
		case rec.Definition.RestartSafe(def):
			d.sighup = append(d.sighup, def)
		default:
			d.restart = append(d.restart, def)
		}
	}
	e.reg.Each(func(rec *registry.Record) bool {
		if rec.Protected {
			seen[rec.ID] = true // protected records survive even if omitted
			return true
		}
		if !seen[rec.ID] {
			d.removed = append(d.removed, rec.ID)
		}
		return true
	})
	return d
}

// teardownPhase stops everything that must restart or is being removed, per
// spec.md §4.6 steps 3-4. It holds InTeardown true for the duration so the
// state machine refuses new halted→ready promotions while the fleet
// quiesces; the actual stop is driven directly through Driver.StopService
// rather than the ordinary Dirty/SIGHUP path, which itself refuses to act
// while InTeardown is true.
func (e *Engine) teardownPhase(d diff) {
	e.teardown = true
	for _, def := range d.restart {
		e.reg.MarkDirty(def.ID)
		if rec, ok := e.reg.Lookup(def.ID); ok {
			e.drv.StopService(rec)
		}
	}
	for _, id := range d.removed {
		e.reg.MarkDirty(id)
		if rec, ok := e.reg.Lookup(id); ok {
			e.drv.StopService(rec)
		}
	}
	e.drv.Sweep()
}

// startupPhase applies spec.md §4.6 step 5: insert new definitions, update
// changed ones in place (SIGHUP-safe changes are applied by the running
// service's existing Dirty path in stepRunning; restart-required changes
// were already marked dirty in teardownPhase and will pick up the new
// Definition here before the FSM restarts them), then step the FSM so newly
// enabled/ready services start. A reload is itself an operator action, so
// every record it touches gets a fresh crash/back-off budget (spec.md §7).
func (e *Engine) startupPhase(d diff) {
	for _, def := range d.fresh {
		rec, _ := e.reg.Register(def)
		e.drv.ResetCrash(rec)
	}
	for _, def := range d.sighup {
		rec, _ := e.reg.Register(def)
		rec.Dirty = true
		e.drv.ResetCrash(rec)
	}
	for _, def := range d.restart {
		rec, _ := e.reg.Register(def)
		e.drv.ResetCrash(rec)
	}
}

func (e *Engine) sweepRemoved(keep map[service.ID]bool) {
	removed := e.reg.SweepRemoved(keep, func(rec *registry.Record) bool {
		return rec.State == registry.Halted || rec.State == registry.Done
	})
	for _, id := range removed {
		e.log.Info().Str("service", id.String()).Log("removed service swept from registry")
	}
}

