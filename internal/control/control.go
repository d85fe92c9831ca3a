// Package control implements the Control Socket of spec.md §4.8: a stream
// socket accepting fixed-header, bounded-payload requests from the CLI
// client, dispatching them against the registry/condition store/runlevel
// controller/reload engine, and replying in-band with ack/nack.
package control

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/finit-go/finit/internal/condition"
	"github.com/finit-go/finit/internal/ferr"
	"github.com/finit-go/finit/internal/logging"
	"github.com/finit-go/finit/internal/procsup"
	"github.com/finit-go/finit/internal/reactor"
	"github.com/finit-go/finit/internal/registry"
)

// Command identifies the operation a request names (spec.md §4.8).
type Command uint8

const (
	CmdStatus Command = iota
	CmdRunlevelGet
	CmdRunlevelSet
	CmdStart
	CmdStop
	CmdRestart
	CmdReload
	CmdSignal
	CmdQuery
	CmdCondGet
	CmdCondSet
	CmdCondClear
	CmdDebugToggle
	CmdReboot
	CmdHalt
	CmdPoweroff
	CmdSuspend
)

// magic identifies a well-formed request header, guarding against a client
// speaking a stale or foreign protocol (spec.md §7 "Control request
// malformed").
const magic uint32 = 0x66696e31 // "fin1"

const maxData = 4096

// Request is one fixed-header record: magic, command, runlevel (overloaded
// as the signal number for CmdSignal), and a bounded data buffer holding a
// service name, condition name, or reboot/halt confirmation token.
type Request struct {
	Command  Command
	Runlevel byte // or signal number for CmdSignal
	Data     string
}

// Reply is the in-band response: Ok or a nack with a text payload.
type Reply struct {
	Ok      bool
	Payload string
}

// Reloader is the subset of reload.Engine the control socket drives.
type Reloader interface {
	Reload(ctx context.Context) error
}

// RunlevelSetter is the subset of runlevel.Controller the control socket
// drives.
type RunlevelSetter interface {
	Set(ctx context.Context, target byte) error
	CurrentRunlevel() byte
}

// Driver is the subset of statemachine.Machine the control socket drives,
// so a start/stop/restart request takes effect through the same
// SIGTERM-plus-forced-kill-timer path as a normal stop, rather than the
// handler reaching around the state machine to signal the process directly.
type Driver interface {
	Sweep()
	StopService(rec *registry.Record)
	ResetCrash(rec *registry.Record)
}

// Server accepts connections on a Unix domain socket and dispatches
// requests. Accept and per-connection reads run on their own goroutines
// (net.UnixListener has no readiness-callback hook, the same constraint
// procsup.Supervisor.reap works around for child exit), but every request
// is handed to the reactor via Loop.Post before being dispatched, so command
// handling itself runs on the single-threaded reactor per spec.md §4.1.
type Server struct {
	log   *logging.Logger
	loop  *reactor.Loop
	reg   *registry.Registry
	cond  *condition.Store
	sup   *procsup.Supervisor
	rl    RunlevelSetter
	rel   Reloader
	drv   Driver
	debug *bool

	ln *net.UnixListener
}

// New constructs a Server. debug, if non-nil, is toggled by CmdDebugToggle.
func New(log *logging.Logger, loop *reactor.Loop, reg *registry.Registry, cond *condition.Store, sup *procsup.Supervisor, rl RunlevelSetter, rel Reloader, drv Driver, debug *bool) *Server {
	return &Server{log: log, loop: loop, reg: reg, cond: cond, sup: sup, rl: rl, rel: rel, drv: drv, debug: debug}
}

// Listen binds path (removing any stale socket file first, matching the
// teacher pack's idempotent-bind convention) and begins accepting
// connections.
func (s *Server) Listen(path string) error {
	_ = os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("finit: resolve control socket %q: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("finit: listen control socket %q: %w", path, err)
	}
	s.ln = ln
	go s.acceptLoop()
	return nil
}

// acceptLoop runs on its own goroutine (net.UnixListener.Accept has no
// readiness-callback hook), but every request it reads is dispatched via
// s.loop.Post so command handling itself runs on the reactor goroutine,
// preserving spec.md §4.1's single-writer discipline over shared state.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return // listener closed
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn *net.UnixConn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.log.Debug().Err(err).Log("control connection read error")
			}
			return
		}
		replyCh := make(chan Reply, 1)
		if perr := s.loop.Post(func() {
			replyCh <- s.dispatch(req)
		}); perr != nil {
			writeReply(conn, Reply{Ok: false, Payload: "internal error"})
			return
		}
		reply := <-replyCh
		if err := writeReply(conn, reply); err != nil {
			return
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) dispatch(req Request) Reply {
	ctx := context.Background()
	switch req.Command {
	case CmdStatus:
		return s.status()
	case CmdRunlevelGet:
		return Reply{Ok: true, Payload: string(s.rl.CurrentRunlevel())}
	case CmdRunlevelSet:
		if req.Runlevel == 0 {
			return Reply{Ok: false, Payload: "missing runlevel"}
		}
		if err := s.rl.Set(ctx, req.Runlevel); err != nil {
			return Reply{Ok: false, Payload: err.Error()}
		}
		return Reply{Ok: true}
	case CmdStart, CmdStop, CmdRestart:
		return s.controlService(req)
	case CmdReload:
		if err := s.rel.Reload(ctx); err != nil {
			if errors.Is(err, ferr.ErrReloadConflict) {
				return Reply{Ok: false, Payload: "reload conflict: duplicate service identity"}
			}
			return Reply{Ok: false, Payload: err.Error()}
		}
		return Reply{Ok: true}
	case CmdSignal:
		return s.signalService(req)
	case CmdQuery:
		if _, ok := s.reg.LookupName(req.Data); !ok {
			return Reply{Ok: false, Payload: "not found"}
		}
		return Reply{Ok: true}
	case CmdCondGet:
		return Reply{Ok: true, Payload: s.cond.Get(req.Data).String()}
	case CmdCondSet:
		if err := s.cond.Set(req.Data); err != nil {
			return Reply{Ok: false, Payload: err.Error()}
		}
		return Reply{Ok: true}
	case CmdCondClear:
		if err := s.cond.Clear(req.Data); err != nil {
			return Reply{Ok: false, Payload: err.Error()}
		}
		return Reply{Ok: true}
	case CmdDebugToggle:
		if s.debug != nil {
			*s.debug = !*s.debug
		}
		return Reply{Ok: true}
	case CmdReboot, CmdHalt, CmdPoweroff:
		target := byte('6')
		if req.Command != CmdReboot {
			target = '0'
		}
		if err := s.rl.Set(ctx, target); err != nil {
			return Reply{Ok: false, Payload: err.Error()}
		}
		return Reply{Ok: true}
	case CmdSuspend:
		s.sup.SetNoRespawn(true)
		return Reply{Ok: true}
	default:
		return Reply{Ok: false, Payload: "unknown command"}
	}
}

func (s *Server) status() Reply {
	var buf []byte
	s.reg.Each(func(rec *registry.Record) bool {
		line := fmt.Sprintf("%s\t%s\t%s\t%s\t%d\t%d\t%t\t%t\n", rec.ID.String(), rec.Name, rec.Kind, rec.State, rec.Pid, rec.RestartCnt, rec.Crashed, rec.Missing)
		buf = append(buf, line...)
		return true
	})
	return Reply{Ok: true, Payload: string(buf)}
}

func (s *Server) controlService(req Request) Reply {
	rec, ok := s.reg.LookupName(req.Data)
	if !ok {
		return Reply{Ok: false, Payload: ferr.ErrUnknownService.Error()}
	}
	switch req.Command {
	case CmdStart:
		rec.Manual = false
	case CmdStop:
		rec.Manual = true
		s.drv.StopService(rec)
	case CmdRestart:
		s.drv.ResetCrash(rec)
		s.drv.StopService(rec)
		rec.Dirty = true
	}
	s.drv.Sweep()
	return Reply{Ok: true}
}

func (s *Server) signalService(req Request) Reply {
	rec, ok := s.reg.LookupName(req.Data)
	if !ok {
		return Reply{Ok: false, Payload: ferr.ErrUnknownService.Error()}
	}
	if rec.Pid <= 0 {
		return Reply{Ok: false, Payload: "service not running"}
	}
	if err := s.sup.Signal(rec.Pid, signalFromByte(req.Runlevel)); err != nil {
		return Reply{Ok: false, Payload: err.Error()}
	}
	return Reply{Ok: true}
}

// readRequest parses one fixed-header record: 4-byte magic, 1-byte command,
// 1-byte runlevel/signal, 2-byte big-endian data length, then the data
// itself. A bad magic or oversized data length is ErrMalformedRequest
// (spec.md §7), and the connection is not otherwise touched.
func readRequest(r *bufio.Reader) (Request, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != magic {
		return Request{}, ferr.ErrMalformedRequest
	}
	cmd := Command(hdr[4])
	runlevel := hdr[5]
	dataLen := binary.BigEndian.Uint16(hdr[6:8])
	if int(dataLen) > maxData {
		return Request{}, ferr.ErrMalformedRequest
	}
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return Request{}, err
	}
	return Request{Command: cmd, Runlevel: runlevel, Data: string(data)}, nil
}

// signalFromByte interprets the request's overloaded runlevel field as a raw
// signal number for CmdSignal (spec.md §4.8: "runlevel (overloaded as signal
// number for signal)").
func signalFromByte(b byte) syscall.Signal {
	return syscall.Signal(b)
}

func writeReply(w io.Writer, rep Reply) error {
	var hdr [5]byte
	if rep.Ok {
		hdr[0] = 1
	}
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(rep.Payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := io.WriteString(w, rep.Payload)
	return err
}
