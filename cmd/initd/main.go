// Command initd is the pid-1 entrypoint: it wires the Event Loop, Condition
// Store, Service Registry, Process Supervisor, Service State Machine,
// Reload Engine, Runlevel Controller, and Control Socket together, then
// drives the reactor until a runlevel 0/6 shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/finit-go/finit/internal/backoff"
	"github.com/finit-go/finit/internal/condition"
	"github.com/finit-go/finit/internal/config"
	"github.com/finit-go/finit/internal/control"
	"github.com/finit-go/finit/internal/hook"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
	"github.com/finit-go/finit/internal/reload"
	"github.com/finit-go/finit/internal/runlevel"
	"github.com/finit-go/finit/internal/statemachine"
)

// lazyDriver forwards Sweep/StopService/ResetCrash to *mach, which is
// assigned after runlevel.Controller and reload.Engine are constructed (they
// need a driver reference before statemachine.Machine exists, since
// Machine's own Environment is built from them).
type lazyDriver struct{ mach **statemachine.Machine }

func (d lazyDriver) Sweep() { (*d.mach).Sweep() }

func (d lazyDriver) StopService(rec *registry.Record) { (*d.mach).StopService(rec) }

func (d lazyDriver) ResetCrash(rec *registry.Record) { (*d.mach).ResetCrash(rec) }

func main() {
	configPath := flag.String("config", "/etc/finit.d/services.json", "path to the service definitions file")
	sockPath := flag.String("socket", "/run/finit.sock", "control socket path")
	flag.Parse()

	log := logging.New(logging.Config{Writer: os.Stderr})

	if err := run(log, *configPath, *sockPath); err != nil {
		log.Emerg().Err(err).Log("fatal setup failure, falling back to rescue shell")
		rescueShell(log)
	}
}

// run wires every component and blocks until the reactor stops. A non-nil
// return means a critical setup step failed (spec.md §7: "a failed critical
// setup at pid 1 ... is fatal and triggers the rescue shell fallback").
func run(log *logging.Logger, configPath, sockPath string) error {
	loop, err := reactor.New(log)
	if err != nil {
		return fmt.Errorf("finit: construct reactor: %w", err)
	}
	defer loop.Close()

	reg := registry.New()
	hooks := hook.NewRegistry()
	back := backoff.New(backoff.DefaultCeiling)

	var mach *statemachine.Machine
	cond := condition.New(log, func() {
		if mach != nil {
			mach.OnConditionChange()
		}
	})

	sup, err := procsup.New(log, loop, func(ev procsup.ExitEvent) {
		if mach != nil {
			mach.HandleExit(ev)
		}
	})
	if err != nil {
		return fmt.Errorf("finit: construct process supervisor: %w", err)
	}

	// rl and rel each need to drive the state machine (Sweep, StopService),
	// but the state machine needs rl and rel first to build its Environment
	// (CurrentRunlevel, InTeardown). lazyDriver breaks the cycle: it forwards
	// to mach once New (below) has assigned it.
	drv := lazyDriver{&mach}
	rl := runlevel.New(log, loop, reg, sup, hooks, drv, linuxRebooter{})
	rel := reload.New(log, loop, reg, cond, hooks, drv, &config.FileSource{Path: configPath})

	env := runlevel.Environment{Controller: rl, Teardown: rel}
	mach = statemachine.New(log, loop, reg, cond, sup, back, hooks, env)

	ctrl := control.New(log, loop, reg, cond, sup, rl, rel, drv, nil)
	if err := ctrl.Listen(sockPath); err != nil {
		return fmt.Errorf("finit: listen control socket: %w", err)
	}
	defer ctrl.Close()

	// SIGSTOP is deliberately not registered here: POSIX forbids catching or
	// blocking SIGSTOP (sigaction(2) rejects changing its disposition) for
	// any process, pid 1 included, so the "global no-respawn" pause of
	// spec.md §6 is reached through the control socket's CmdSuspend instead
	// (see internal/control); SIGCONT, which can be caught, still clears it.
	stopSignals := loop.WatchSignals(func(sig os.Signal) {
		handleSignal(log, sup, rl, rel, sig)
	},
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT,
		syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGPWR, syscall.SIGCONT,
	)
	defer stopSignals()

	ctx := context.Background()
	if err := rel.Reload(ctx); err != nil {
		log.Err().Err(err).Log("initial config load failed")
	}
	if err := rl.Set(ctx, '2'); err != nil {
		log.Err().Err(err).Log("initial runlevel switch failed")
	}

	log.Notice().Log("finit started")
	return loop.Run(ctx)
}

// handleSignal maps the fixed signal set of spec.md §6 onto runlevel
// switches, reload, and the global no-respawn release; SIGCHLD is handled
// internally by procsup's own reap goroutines rather than here, since
// os/exec's Wait already serializes on the child's own waiter. SIGSTOP
// itself cannot be registered (see run's WatchSignals comment), so the
// no-respawn pause is only ever engaged via the control socket's CmdSuspend;
// SIGCONT still clears it here since a real stop/continue cycle delivers it.
func handleSignal(log *logging.Logger, sup *procsup.Supervisor, rl *runlevel.Controller, rel *reload.Engine, sig os.Signal) {
	ctx := context.Background()
	switch sig {
	case syscall.SIGHUP:
		if err := rel.Reload(ctx); err != nil {
			log.Err().Err(err).Log("reload failed")
		}
	case syscall.SIGINT:
		_ = rl.Set(ctx, '6')
	case syscall.SIGTERM, syscall.SIGQUIT:
		_ = rl.Set(ctx, '0')
	case syscall.SIGUSR1:
		_ = rl.Set(ctx, '0')
	case syscall.SIGUSR2:
		_ = rl.Set(ctx, '6')
	case syscall.SIGPWR:
		_ = rl.Set(ctx, '0')
	case syscall.SIGCONT:
		sup.SetNoRespawn(false)
		log.Notice().Log("global no-respawn released")
	}
}

// rescueShell implements the last resort of spec.md §7: exec an interactive
// shell so an operator can diagnose a pid-1 that failed critical setup,
// rather than leaving the kernel with no process 1 at all.
func rescueShell(log *logging.Logger) {
	shell := os.Getenv("FINIT_RESCUE_SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	log.Crit().Str("shell", shell).Log("starting rescue shell")
	if err := syscall.Exec(shell, []string{shell}, os.Environ()); err != nil {
		log.Emerg().Err(err).Log("rescue shell exec failed, nothing left to do")
		os.Exit(1)
	}
}
