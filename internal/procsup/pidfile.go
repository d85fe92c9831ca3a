package procsup

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// writePidFile writes pid to path using rename(2) for atomicity, matching
// spec.md §5 ("files are updated with rename(2) for atomicity").
func writePidFile(path string, pid int) error {
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".pid-*")
	if err != nil {
		return fmt.Errorf("finit: create pid file temp in %q: %w", dir, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := fmt.Fprintf(tmp, "%d\n", pid); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readPidFile parses a pid file's contents, returning (pid, garbled).
// garbled is true when the content is present but not an integer greater
// than 1 (pid 1 is never a service's pid), which the pid-file watcher
// reports as a "flux" transition per
// spec.md §4.4.
func readPidFile(path string) (pid int, garbled bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	s := bytes.TrimSpace(b)
	n, perr := strconv.Atoi(string(s))
	if perr != nil || n <= 1 {
		return 0, true, nil
	}
	return n, false, nil
}

// isDescendant reports whether candidate is plausibly a descendant of
// supervised, per spec.md §9's pid-file race resolution ("if a subsequent
// read shows a different pid that is a descendant of the supervised pid,
// adopt it; otherwise keep the original"). PATH-level process ancestry
// isn't portably queryable from Go without /proc parsing; this checks the
// Linux /proc/<pid>/stat PPid chain, bounded to a handful of hops to avoid
// unbounded walks on a garbled tree.
// IsDescendant is the exported form of isDescendant, used by
// internal/statemachine to resolve the pid-file race of spec.md §9.
func IsDescendant(candidate, supervised int) bool {
	return isDescendant(candidate, supervised)
}

func isDescendant(candidate, supervised int) bool {
	pid := candidate
	for hop := 0; hop < 8; hop++ {
		if pid == supervised {
			return true
		}
		ppid, ok := parentPid(pid)
		if !ok || ppid <= 1 {
			return false
		}
		pid = ppid
	}
	return false
}

func parentPid(pid int) (int, bool) {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, false
	}
	// Format: "pid (comm) state ppid ...". comm may contain spaces/parens,
	// so scan from the last ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 || i+2 >= len(b) {
		return 0, false
	}
	fields := bytes.Fields(b[i+2:])
	if len(fields) < 2 {
		return 0, false
	}
	ppid, err := strconv.Atoi(string(fields[1]))
	if err != nil {
		return 0, false
	}
	return ppid, true
}
