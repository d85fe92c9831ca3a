// Package procsup implements the Process Supervisor of spec.md §4.4: fork/
// exec (via os/exec, since Go's runtime forbids a bare, safe fork without an
// immediate exec — os/exec's Start already performs the equivalent
// clone+exec a traditional fork/exec pair would), signal delivery, child
// reaping, pid-file observation, resource-limit application, and stdio
// redirection.
//
// procsup_linux.go carries the inotify-based pid-file watch and rlimit/
// credential application behind a build tag, the same platform-specific-
// file split used elsewhere in this module (cmd/initd/reboot_linux.go); a
// non-Linux build would need an equivalent and is out of scope, matching
// reboot/halt orchestration's own platform-bound, external-collaborator
// treatment.
package procsup

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/finit-go/finit/internal/ferr"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/service"
)

// ExitEvent is delivered when a supervised process is reaped.
type ExitEvent struct {
	Pid      int
	ExitCode int
	Signaled bool
	Err      error
}

// PidFileEvent is delivered when a watched pid file changes.
type PidFileEvent struct {
	Name string // service name the pid file belongs to
	Kind PidFileEventKind
	Pid  int // valid pid, for Kind == PidFileCreated
}

type PidFileEventKind int

const (
	PidFileCreated PidFileEventKind = iota
	PidFileDeleted
	PidFileGarbled // unexpected content; condition should go flux until settled
)

// Supervisor owns the live OS processes backing running services.
type Supervisor struct {
	log    *logging.Logger
	loop   *reactor.Loop
	OnExit func(ExitEvent)

	pidWatch *pidWatcher

	noRespawn bool // global flag set via the control socket's CmdSuspend (spec.md §6 "global no-respawn"); SIGSTOP itself can't be caught, see cmd/initd
}

// New constructs a Supervisor. onExit is invoked on the reactor goroutine.
func New(log *logging.Logger, loop *reactor.Loop, onExit func(ExitEvent)) (*Supervisor, error) {
	s := &Supervisor{log: log, loop: loop, OnExit: onExit}
	w, err := newPidWatcher(log, loop)
	if err != nil {
		return nil, err
	}
	s.pidWatch = w
	return s, nil
}

// SetNoRespawn toggles the global no-respawn flag (spec.md §6 admin pause):
// set by the control socket's CmdSuspend, cleared by cmd/initd on SIGCONT.
func (s *Supervisor) SetNoRespawn(v bool) { s.noRespawn = v }

// OnPidFileEvent registers the callback invoked whenever a watched pid file
// is created, deleted, or found garbled (spec.md §4.4's condition
// transitions: create ⇒ on, delete ⇒ off, unexpected content ⇒ flux).
func (s *Supervisor) OnPidFileEvent(fn func(PidFileEvent)) {
	s.pidWatch.OnPidFileEvent(fn)
}

// Start resolves argv[0] in PATH, then forks/execs def, per spec.md §4.4.
// Returns the live pid on success. A missing binary returns
// ferr.ErrMissingBinary without touching the restart budget.
func (s *Supervisor) Start(def service.Definition) (pid int, err error) {
	if s.noRespawn {
		return 0, fmt.Errorf("finit: respawn disabled globally")
	}
	if len(def.Argv) == 0 {
		return 0, fmt.Errorf("finit: empty argv for %s", def.ID)
	}
	path, err := exec.LookPath(def.Argv[0])
	if err != nil {
		return 0, ferr.ErrMissingBinary
	}

	cmd := exec.Command(path, def.Argv[1:]...)
	cmd.Env = childEnv(def)

	if err := applyStdio(cmd, def.Log); err != nil {
		return 0, err
	}

	attr, err := sysProcAttr(def)
	if err != nil {
		return 0, err
	}
	cmd.SysProcAttr = attr

	if cred, err := credentialFor(def); err != nil {
		return 0, err
	} else if cred != nil {
		cmd.SysProcAttr.Credential = cred
	}

	if err := cmd.Start(); err != nil {
		return 0, err
	}

	pid = cmd.Process.Pid
	applyLimits(pid, def.Limits, s.log)

	go s.reap(def, cmd)

	if def.Kind == service.KindService && !def.PidFileOwnedByDaemon {
		// The supervisor writes its best-known pid; if the daemon later
		// writes its own (descendant) pid, §9's "pid-file race" rule adopts
		// the daemon's value instead.
		_ = writePidFile(pidFilePath(def), pid)
	}
	if def.PidFile != "" || pidFilePath(def) != "" {
		s.pidWatch.watch(def.Name, pidFilePath(def))
	}

	return pid, nil
}

// reap waits for cmd to exit and posts an ExitEvent to the reactor. This
// replaces the source's "SIGCHLD blocked across fork, reaped via wait()"
// dance: Go's os/exec already performs the equivalent wait4 internally and
// races with nothing, since each child has its own dedicated waiter
// goroutine.
func (s *Supervisor) reap(def service.Definition, cmd *exec.Cmd) {
	err := cmd.Wait()
	ev := ExitEvent{Pid: cmd.Process.Pid}
	if err == nil {
		ev.ExitCode = 0
	} else if ee, ok := err.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				ev.Signaled = true
				ev.ExitCode = -int(ws.Signal())
			} else {
				ev.ExitCode = ws.ExitStatus()
			}
		}
	} else {
		ev.Err = err
	}
	if perr := s.loop.Post(func() {
		if s.OnExit != nil {
			s.OnExit(ev)
		}
	}); perr != nil {
		s.log.Err().Err(perr).Int("pid", ev.Pid).Log("failed to post exit event to reactor")
	}
}

// Stop sends SIGTERM. Per spec.md §4.4/§8, pid <= 1 is a no-op reporting
// success.
func (s *Supervisor) Stop(pid int) error {
	if pid <= 1 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGTERM) // signal the whole process group
}

// Kill sends SIGKILL, called by the forced-kill timer.
func (s *Supervisor) Kill(pid int) error {
	if pid <= 1 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// Signal delivers signo without any state transition.
func (s *Supervisor) Signal(pid int, signo syscall.Signal) error {
	if pid <= 1 {
		return nil
	}
	return syscall.Kill(pid, signo)
}

// SuspendGroup sends SIGSTOP to the process group (spec.md §4.5 "waiting"
// state, §3 invariant 4).
func (s *Supervisor) SuspendGroup(pid int) error {
	if pid <= 1 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGSTOP)
}

// ResumeGroup sends SIGCONT to the process group.
func (s *Supervisor) ResumeGroup(pid int) error {
	if pid <= 1 {
		return nil
	}
	return syscall.Kill(-pid, syscall.SIGCONT)
}

// TouchPidFile updates the pid file's mtime to force the daemon to
// re-assert it, used by the state machine right after it delivers SIGHUP
// for a reload (spec.md §4.4 "restart(svc)").
func (s *Supervisor) TouchPidFile(def service.Definition) {
	path := pidFilePath(def)
	if path == "" {
		return
	}
	now := time.Now()
	_ = os.Chtimes(path, now, now)
}

func childEnv(def service.Definition) []string {
	env := os.Environ()
	if def.User != "" && def.User != "root" {
		env = append(env, "HOME=/home/"+def.User, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}

func pidFilePath(def service.Definition) string {
	if def.PidFile != "" {
		return def.PidFile
	}
	if def.Kind != service.KindService {
		return ""
	}
	name := def.Name
	if name == "" {
		name = def.ID.Cmd
	}
	return "/run/" + name + ".pid"
}

func credentialFor(def service.Definition) (*syscall.Credential, error) {
	if def.User == "" {
		return nil, nil
	}
	u, err := user.Lookup(def.User)
	if err != nil {
		return nil, fmt.Errorf("finit: resolve user %q: %w", def.User, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	if def.Group != "" {
		if g, err := user.LookupGroup(def.Group); err == nil {
			gid, _ = strconv.Atoi(g.Gid)
		}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
