// Package ferr collects the sentinel error values the core distinguishes,
// checked with errors.Is by callers that need to branch on error kind.
package ferr

import "errors"

var (
	// ErrInvalidCondition is returned by condition.Store.Set/Clear when the
	// supplied name fails the slash-delimited component grammar.
	ErrInvalidCondition = errors.New("finit: invalid condition name")

	// ErrReloadConflict is returned when a reload's new definition set
	// contains two definitions with the same (cmd, id) identity.
	ErrReloadConflict = errors.New("finit: duplicate service identity in reload")

	// ErrMissingBinary marks a service whose argv[0] could not be resolved
	// in PATH at start time. Does not count against the respawn budget.
	ErrMissingBinary = errors.New("finit: binary not found in PATH")

	// ErrRespawnExhausted marks a service that hit the restart ceiling.
	ErrRespawnExhausted = errors.New("finit: respawn ceiling reached")

	// ErrMalformedRequest is returned by the control socket for a request
	// with a bad magic number or an oversized data buffer.
	ErrMalformedRequest = errors.New("finit: malformed control request")

	// ErrUnknownService is returned when a control request names a service
	// that is not present in the registry.
	ErrUnknownService = errors.New("finit: unknown service")

	// ErrTeardownInProgress names a reload or runlevel change refused while
	// another fleet-wide teardown is in flight. reload.Engine.Reload and
	// runlevel.Controller.Set do not check for an in-flight teardown and
	// never return it.
	ErrTeardownInProgress = errors.New("finit: teardown already in progress")

	// ErrPidFileTimeout marks a service whose pid file never appeared
	// within the bounded window; treated as a crash.
	ErrPidFileTimeout = errors.New("finit: pid file did not appear in time")
)
