// Package runlevel implements the Runlevel Controller of spec.md §4.7:
// switching the active runlevel, quiescing services not enabled in the
// target level, and special-casing 0/6 as fleet-wide shutdown.
package runlevel

import (
	"context"
	"fmt"

	"github.com/finit-go/finit/internal/hook"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
)

// Sweeper is the subset of statemachine.Machine a runlevel switch needs:
// stepping the registry, and resetting a record's crash/back-off
// bookkeeping on re-entry into an enabling runlevel (spec.md §7: "eligible
// for another attempt ... after exiting and re-entering the runlevel").
type Sweeper interface {
	Sweep()
	ResetCrash(rec *registry.Record)
}

// Rebooter performs the actual kernel-level reboot/halt/poweroff, an
// external collaborator per spec.md §1's scope boundary ("the kernel
// reboot(2) call itself is out of scope"); cmd/initd wires the real
// unix.Reboot-backed implementation, tests wire a recording fake.
type Rebooter interface {
	Reboot(cmd int) error
}

// Controller owns the active runlevel and drives spec.md §4.7's sequencing.
// It supplies the CurrentRunlevel half of statemachine.Environment; the
// InTeardown half is supplied by internal/reload.Engine — cmd/initd
// composes both into one statemachine.Environment implementation.
type Controller struct {
	log   *logging.Logger
	loop  *reactor.Loop
	reg   *registry.Registry
	sup   *procsup.Supervisor
	hooks *hook.Registry
	sweep Sweeper
	boot  Rebooter

	current  byte
	previous byte
}

// New constructs a Controller starting at runlevel 'S' (single-user boot),
// per spec.md §3 "Runlevel".
func New(log *logging.Logger, loop *reactor.Loop, reg *registry.Registry, sup *procsup.Supervisor, hooks *hook.Registry, sweep Sweeper, boot Rebooter) *Controller {
	return &Controller{
		log: log, loop: loop, reg: reg, sup: sup, hooks: hooks, sweep: sweep, boot: boot,
		current: 'S',
	}
}

// CurrentRunlevel satisfies statemachine.Environment.
func (c *Controller) CurrentRunlevel() byte { return c.current }

// Set switches the active runlevel to target, per spec.md §4.7:
//  1. record current as previous
//  2. commit target as current and sweep, so services not enabled in
//     target begin stopping (the sweep does not wait for them to exit)
//  3. run the runlevel-change hook
//  4. clear every Once flag (fresh runlevel, fresh one-shot budget) and
//     reset crash/backoff state
//  5. sweep again so newly enabled services start
//
// Runlevels '0' and '6' (halt/reboot) skip these steps: they instead signal
// the whole fleet and invoke the shutdown hook before calling Rebooter.
func (c *Controller) Set(ctx context.Context, target byte) error {
	if target == c.current {
		return nil
	}
	if target == '0' || target == '6' {
		return c.shutdown(ctx, target)
	}

	c.previous = c.current
	c.log.Notice().Str("from", string(c.previous)).Str("to", string(target)).Log("runlevel switch requested")

	// Commit the new runlevel before sweeping: the state machine's own
	// enabled() check (against CurrentRunlevel) is what drives the
	// running→stopping transition for services no longer enabled, so no
	// separate "mark for teardown" pass is needed here.
	c.current = target
	c.sweep.Sweep()

	if err := c.hooks.Run(ctx, hook.PointRunlevelChange); err != nil {
		c.log.Err().Err(err).Log("runlevel-change hook failed")
	}

	c.reg.Each(func(rec *registry.Record) bool {
		rec.Once = false
		c.sweep.ResetCrash(rec)
		return true
	})
	c.sweep.Sweep()
	return nil
}

// shutdown implements spec.md §4.7's runlevel 0/6 special case: SIGTERM the
// entire fleet, run the shutdown hook, then hand off to the kernel
// reboot/halt/poweroff call.
func (c *Controller) shutdown(ctx context.Context, target byte) error {
	c.log.Crit().Str("target", string(target)).Log("fleet shutdown initiated")
	c.previous = c.current
	c.current = target

	c.reg.Each(func(rec *registry.Record) bool {
		if rec.Pid > 0 {
			_ = c.sup.Stop(rec.Pid)
		}
		return true
	})

	if err := c.hooks.Run(ctx, hook.PointShutdown); err != nil {
		c.log.Err().Err(err).Log("shutdown hook failed")
	}

	if c.boot == nil {
		return fmt.Errorf("finit: no reboot collaborator configured")
	}
	kcmd := rebootCommandFor(target)
	return c.boot.Reboot(kcmd)
}

// rebootCommandFor maps a target runlevel to the conventional
// LINUX_REBOOT_CMD_* selector a Rebooter implementation would pass to
// reboot(2); runlevel 6 reboots, runlevel 0 halts/powers off.
func rebootCommandFor(target byte) int {
	if target == '6' {
		return cmdRestart
	}
	return cmdPowerOff
}

// These mirror golang.org/x/sys/unix's LINUX_REBOOT_CMD_* constants without
// importing unix here, since the actual unix.Reboot call belongs to the
// Rebooter implementation wired in cmd/initd, not this package.
const (
	cmdRestart  = 0x01234567
	cmdPowerOff = 0x4321fedc
)
