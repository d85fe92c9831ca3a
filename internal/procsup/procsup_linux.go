//go:build linux

package procsup

import (
	"sync"
	"syscall"
	"unsafe"

	eventloop "github.com/joeycumines/go-eventloop"
	"golang.org/x/sys/unix"

	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/service"
)

// sysProcAttr builds the child's process-group/session attributes. Every
// supervised child gets its own process group (Setpgid) so Stop/Kill/
// SuspendGroup/ResumeGroup can signal the whole group with one syscall,
// matching spec.md §4.4's "stop" sending to the supervised process (and,
// for daemons that fork helpers, its descendants).
func sysProcAttr(def service.Definition) (*syscall.SysProcAttr, error) {
	return &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}, nil
}

// applyLimits best-effort applies def.Limits to pid via prlimit(2). This
// runs after Start() rather than between fork and exec (Go's os/exec gives
// no child-side hook for that), so there is a brief window where the child
// runs under the parent's limits; narrower than the window already
// accepted for pid-file adoption (spec.md §9's pid-file race note), and
// logged the same way.
func applyLimits(pid int, lim service.Limits, log *logging.Logger) {
	set := func(resource int, cur, max uint64) {
		if cur == 0 {
			return
		}
		rl := unix.Rlimit{Cur: cur, Max: max}
		if err := unix.Prlimit(pid, resource, &rl, nil); err != nil {
			log.Warning().Int("pid", pid).Int("resource", resource).Err(err).Log("failed to apply resource limit")
		}
	}
	set(unix.RLIMIT_NOFILE, lim.NoFile, lim.NoFile)
	set(unix.RLIMIT_NPROC, lim.NProc, lim.NProc)
	set(unix.RLIMIT_CORE, lim.Core, lim.Core)
}

// pidWatcher translates pid-file directory events into PidFileEvent
// deliveries, using inotify directly (golang.org/x/sys/unix), registered
// with the reactor's FD readiness mechanism rather than a second poller
// goroutine — consistent with spec.md §4.1's single-threaded reactor
// owning every descriptor-readiness source.
type pidWatcher struct {
	log  *logging.Logger
	loop *reactor.Loop
	fd   int

	mu      sync.Mutex
	watches map[int][]watchEntry // inotify watch descriptor -> entries; the
	// kernel returns the same wd for repeated InotifyAddWatch calls on the
	// same directory (the common case: every service's default pid file
	// lives in /run), so more than one entry can share a wd and must be
	// disambiguated by filename in drain.
	onEvent func(PidFileEvent)
}

type watchEntry struct {
	dir, file, name string
}

func newPidWatcher(log *logging.Logger, loop *reactor.Loop) (*pidWatcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, err
	}
	w := &pidWatcher{log: log, loop: loop, fd: fd, watches: make(map[int][]watchEntry)}
	return w, nil
}

// OnPidFileEvent registers the callback invoked for every PidFileEvent.
func (w *pidWatcher) OnPidFileEvent(fn func(PidFileEvent)) { w.onEvent = fn }

// watch starts observing path's directory for create/modify/delete of
// path's basename. Safe to call repeatedly for the same path.
func (w *pidWatcher) watch(name, path string) {
	if path == "" {
		return
	}
	dir := dirOf(path)
	file := baseOf(path)
	wd, err := unix.InotifyAddWatch(w.fd, dir, unix.IN_CREATE|unix.IN_MODIFY|unix.IN_DELETE|unix.IN_MOVED_TO|unix.IN_MOVED_FROM)
	if err != nil {
		w.log.Warning().Str("dir", dir).Err(err).Log("failed to watch pid file directory")
		return
	}
	w.mu.Lock()
	firstForDir := len(w.watches) == 0
	entries := w.watches[wd]
	replaced := false
	for i, e := range entries {
		if e.name == name {
			entries[i] = watchEntry{dir: dir, file: file, name: name}
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, watchEntry{dir: dir, file: file, name: name})
	}
	w.watches[wd] = entries
	w.mu.Unlock()
	if firstForDir {
		_ = w.loop.RegisterFD(w.fd, eventloop.EventRead, func(events eventloop.IOEvents) { w.drain() })
	}
}

func (w *pidWatcher) drain() {
	var buf [4096]byte
	n, err := unix.Read(w.fd, buf[:])
	if err != nil || n <= 0 {
		return
	}
	off := 0
	for off+unix.SizeofInotifyEvent <= n {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[off]))
		nameLen := int(raw.Len)
		nameBytes := buf[off+unix.SizeofInotifyEvent : off+unix.SizeofInotifyEvent+nameLen]
		evName := cString(nameBytes)
		off += unix.SizeofInotifyEvent + nameLen

		w.mu.Lock()
		candidates := append([]watchEntry(nil), w.watches[int(raw.Wd)]...)
		w.mu.Unlock()

		for _, entry := range candidates {
			// The kernel hands out the same wd for every watch on the same
			// directory (repeated InotifyAddWatch on the same path), so
			// several entries can share it; every event carries the basename it actually fired
			// on; match it against the specific file each entry cares about
			// rather than delivering to whichever entry registered the wd.
			if evName != entry.file {
				continue
			}
			switch {
			case raw.Mask&(unix.IN_CREATE|unix.IN_MOVED_TO|unix.IN_MODIFY) != 0:
				w.report(entry)
			case raw.Mask&(unix.IN_DELETE|unix.IN_MOVED_FROM) != 0:
				w.reportDeleted(entry)
			}
		}
	}
}

// cString trims a NUL-padded inotify name buffer down to its actual content.
func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

func (w *pidWatcher) report(entry watchEntry) {
	path := entry.dir + "/" + entry.file
	pid, garbled, err := readPidFile(path)
	if err != nil {
		return
	}
	if garbled {
		w.emit(PidFileEvent{Name: entry.name, Kind: PidFileGarbled})
		return
	}
	w.emit(PidFileEvent{Name: entry.name, Kind: PidFileCreated, Pid: pid})
}

func (w *pidWatcher) reportDeleted(entry watchEntry) {
	w.emit(PidFileEvent{Name: entry.name, Kind: PidFileDeleted})
}

func (w *pidWatcher) emit(ev PidFileEvent) {
	if w.onEvent != nil {
		w.onEvent(ev)
	}
}

func dirOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return "."
	}
	return path[:i]
}

func baseOf(path string) string {
	i := lastSlash(path)
	if i < 0 {
		return path
	}
	return path[i+1:]
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
