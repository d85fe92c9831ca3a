// Package logging builds the structured logger shared by every component.
// It is a thin adaptor over logiface/stumpy, following the pack's pattern of
// picking one concrete Event type (stumpy's) and threading a single
// *logiface.Logger explicitly through constructors rather than via a
// package-level global.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type used throughout finit.
type Logger = logiface.Logger[*stumpy.Event]

// Config controls construction of the root logger.
type Config struct {
	// Writer receives formatted log lines. Defaults to os.Stderr.
	Writer io.Writer
	// Level is the minimum level that will be logged. Nil defaults to
	// logiface.LevelInformational; a pointer distinguishes "not configured"
	// from an explicit request for LevelEmergency (which is the zero Level).
	Level *logiface.Level
}

// New builds the root logger used by cmd/initd, and passed by reference into
// every other component's constructor.
func New(cfg Config) *Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	lvl := logiface.LevelInformational
	if cfg.Level != nil {
		lvl = *cfg.Level
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(lvl),
	)
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output.
func Nop() *Logger {
	disabled := logiface.LevelDisabled
	return New(Config{Writer: io.Discard, Level: &disabled})
}
