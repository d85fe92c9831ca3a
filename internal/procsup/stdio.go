package procsup

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/finit-go/finit/internal/service"
)

// applyStdio wires cmd's stdio per def's LogSpec (spec.md §3, §4.4: "one of
// /dev/null, a syslog-forwarding subprocess over a pty, a file-logging
// subprocess, inherit to console"). The syslog/file-logging "subprocess"
// forms described by the source are themselves external plugins (the
// logger plugin named in spec.md §1's out-of-scope list); here we implement
// the two cases the core itself owns directly (null, console) and the
// simple file case, where the child writes straight to the file. Syslog
// forwarding is not implemented: any other mode is an error.
func applyStdio(cmd *exec.Cmd, spec service.LogSpec) error {
	switch spec.Mode {
	case service.LogOff:
		// no redirection requested; inherit supervisor's stdio, as the
		// source does for "log:off" (no change from the parent's fds)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case service.LogNull:
		devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("finit: open /dev/null: %w", err)
		}
		cmd.Stdin = devNull
		cmd.Stdout = devNull
		cmd.Stderr = devNull
	case service.LogConsole:
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	case service.LogFile:
		if spec.Path == "" {
			return fmt.Errorf("finit: log:file requires a path")
		}
		f, err := os.OpenFile(spec.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("finit: open log file %q: %w", spec.Path, err)
		}
		cmd.Stdin = nil
		cmd.Stdout = f
		cmd.Stderr = f
	default:
		return fmt.Errorf("finit: unknown log mode %d", spec.Mode)
	}
	return nil
}
