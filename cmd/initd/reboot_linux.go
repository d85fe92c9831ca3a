//go:build linux

package main

import "golang.org/x/sys/unix"

// linuxRebooter implements runlevel.Rebooter via the real reboot(2) syscall,
// the external kernel collaborator named in spec.md §1's scope boundary.
type linuxRebooter struct{}

func (linuxRebooter) Reboot(cmd int) error {
	return unix.Reboot(cmd)
}
