// Package config defines the external config.Source collaborator boundary
// (spec.md §1: configuration file parsing is out of scope for the core)
// plus a fixed-slice StaticSource used for tests and a minimal JSON-based
// FileSource for bootstrap, standing in for the real grammar/include parser.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/finit-go/finit/internal/service"
)

// Source produces the current set of service definitions. Load is called
// once at boot and again on every reload trigger (SIGHUP, a reload control
// request, or pid-file-based notification per spec.md §4.6).
type Source interface {
	Load(ctx context.Context) ([]service.Definition, error)
}

// StaticSource returns a fixed slice on every Load, useful in tests that
// want to control exactly what the reload engine sees on successive calls.
type StaticSource struct {
	Definitions []service.Definition
}

func (s *StaticSource) Load(context.Context) ([]service.Definition, error) {
	out := make([]service.Definition, len(s.Definitions))
	copy(out, s.Definitions)
	return out, nil
}

// jsonDefinition mirrors service.Definition for (de)serialization, since
// service.Definition's Kind/LogSpec/LogMode are compact internal enums
// rather than JSON-friendly strings.
type jsonDefinition struct {
	Cmd          string   `json:"cmd"`
	ID           string   `json:"id"`
	Kind         string   `json:"kind"`
	Argv         []string `json:"argv"`
	Description  string   `json:"description,omitempty"`
	Name         string   `json:"name,omitempty"`
	User         string   `json:"user,omitempty"`
	Group        string   `json:"group,omitempty"`
	Runlevels    string   `json:"runlevels,omitempty"` // e.g. "2345" or "S"
	PidFile      string   `json:"pid_file,omitempty"`
	PidFileOwned bool     `json:"pid_file_owned_by_daemon,omitempty"`
	SIGHUP       bool     `json:"sighup,omitempty"`
	Manual       bool     `json:"manual,omitempty"`
	Log          string   `json:"log,omitempty"` // "off" | "null" | "console" | "file:<path>"
	Conditions   string   `json:"conditions,omitempty"`
	Protected    bool     `json:"protected,omitempty"`
}

// FileSource reads a JSON array of jsonDefinition from Path on every Load.
// This is explicitly the minimal bootstrap format, not the grammar
// described in spec.md §6; it exists so cmd/initd can run without a real
// parser wired in.
type FileSource struct {
	Path string
}

func (f *FileSource) Load(context.Context) ([]service.Definition, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("finit: read definitions %q: %w", f.Path, err)
	}
	var raw []jsonDefinition
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("finit: parse definitions %q: %w", f.Path, err)
	}
	out := make([]service.Definition, 0, len(raw))
	for _, r := range raw {
		def, err := fromJSON(r)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

func fromJSON(r jsonDefinition) (service.Definition, error) {
	var kind service.Kind
	switch r.Kind {
	case "service":
		kind = service.KindService
	case "task":
		kind = service.KindTask
	case "run":
		kind = service.KindRun
	case "inetd":
		kind = service.KindInetd
	default:
		return service.Definition{}, fmt.Errorf("finit: unknown kind %q for %s", r.Kind, r.Cmd)
	}

	var mask uint16
	if r.Runlevels == "" {
		mask = service.RunlevelBit('2') | service.RunlevelBit('3') | service.RunlevelBit('4') | service.RunlevelBit('5')
	} else {
		for i := 0; i < len(r.Runlevels); i++ {
			mask |= service.RunlevelBit(r.Runlevels[i])
		}
	}

	logSpec, err := parseLog(r.Log)
	if err != nil {
		return service.Definition{}, err
	}

	return service.Definition{
		ID:                   service.ID{Cmd: r.Cmd, Num: r.ID},
		Kind:                 kind,
		Argv:                 r.Argv,
		Description:          r.Description,
		Name:                 r.Name,
		User:                 r.User,
		Group:                r.Group,
		RunlevelMask:         mask,
		PidFile:              r.PidFile,
		PidFileOwnedByDaemon: r.PidFileOwned,
		SIGHUPCapable:        r.SIGHUP,
		Manual:               r.Manual,
		Log:                  logSpec,
		Conditions:           r.Conditions,
		Protected:            r.Protected,
	}, nil
}

func parseLog(s string) (service.LogSpec, error) {
	switch {
	case s == "" || s == "off":
		return service.LogSpec{Mode: service.LogOff}, nil
	case s == "null":
		return service.LogSpec{Mode: service.LogNull}, nil
	case s == "console":
		return service.LogSpec{Mode: service.LogConsole}, nil
	case len(s) > 5 && s[:5] == "file:":
		return service.LogSpec{Mode: service.LogFile, Path: s[5:]}, nil
	default:
		return service.LogSpec{}, fmt.Errorf("finit: unrecognized log spec %q", s)
	}
}
